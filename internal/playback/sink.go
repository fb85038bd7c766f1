package playback

import "errors"

var (
	// ErrNotAllowed means the platform blocked playback outright. This
	// invalidates the whole unlock state, not just one clip; the
	// orchestrator pauses and asks for a fresh unlock.
	ErrNotAllowed = errors.New("playback not allowed")

	// ErrDecode means the payload could not be staged for playback.
	ErrDecode = errors.New("payload decode failed")

	// ErrStopped reports playback halted by an explicit Stop.
	ErrStopped = errors.New("playback stopped")
)

// Sink is one media output handle: stage a payload, wait until it is
// playable, start it, and observe completion. A Sink plays at most one
// payload in its lifetime.
type Sink interface {
	// Load stages the payload. Returns ErrDecode for an unusable payload.
	Load(payload []byte) error
	// Ready is closed once the staged payload can be played.
	Ready() <-chan struct{}
	// Start begins playback. May return ErrNotAllowed.
	Start() error
	// Done receives exactly one value when playback finishes: nil on a
	// clean end, ErrStopped after Stop, or the playback failure.
	Done() <-chan error
	// Stop halts playback. Idempotent.
	Stop()
}

// SinkFactory creates fresh output handles.
type SinkFactory interface {
	NewSink() Sink
}
