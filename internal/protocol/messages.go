package protocol

import "time"

// PlaybackItem is one card's worth of audio: the word itself and an
// optional example sentence.
type PlaybackItem struct {
	ID        string `json:"id"`
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

// SessionCommand is a control event from the UI surface.
type SessionCommand struct {
	Command   string         `json:"command"` // start, pause, resume, stop, unlock
	Set       string         `json:"set,omitempty"`
	Items     []PlaybackItem `json:"items,omitempty"`
	Voice     string         `json:"voice,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Gesture   bool           `json:"gesture,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SessionStatus is the read-only projection published after every
// orchestrator state change.
type SessionStatus struct {
	SessionID      string    `json:"session_id"`
	State          string    `json:"state"`
	ItemIndex      int       `json:"item_index"`
	ItemTotal      int       `json:"item_total"`
	Loop           int       `json:"loop"`
	Skipped        int       `json:"skipped"`
	UnlockRequired bool      `json:"unlock_required,omitempty"`
	CacheEntries   int       `json:"cache_entries"`
	CacheBytes     int64     `json:"cache_bytes"`
	CacheHits      uint64    `json:"cache_hits"`
	CacheMisses    uint64    `json:"cache_misses"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectSessionCommand = "listen.session.command"
	SubjectSessionStatus  = "listen.session.status"

	CommandStart  = "start"
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandStop   = "stop"
	CommandUnlock = "unlock"
)
