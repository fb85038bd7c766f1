package playback

import (
	"fmt"
	"sync"
	"time"
)

// MockFactory builds in-memory sinks for tests and for running the
// engine without a real audio device. Behavior knobs apply to every
// sink the factory creates.
type MockFactory struct {
	// ClipDuration is how long a clip "plays" before ending. Zero ends
	// immediately.
	ClipDuration time.Duration
	// DenyPlayback makes Start return ErrNotAllowed until Allow is
	// called.
	mu   sync.Mutex
	deny bool

	played [][]byte
	sinks  int
}

func NewMockFactory(clipDuration time.Duration) *MockFactory {
	return &MockFactory{ClipDuration: clipDuration}
}

// Deny makes subsequent Start calls fail with ErrNotAllowed.
func (f *MockFactory) Deny() {
	f.mu.Lock()
	f.deny = true
	f.mu.Unlock()
}

// Allow re-enables playback after Deny.
func (f *MockFactory) Allow() {
	f.mu.Lock()
	f.deny = false
	f.mu.Unlock()
}

// Played returns the payloads started so far, in order.
func (f *MockFactory) Played() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.played))
	copy(out, f.played)
	return out
}

// SinksCreated reports how many sinks the factory has built.
func (f *MockFactory) SinksCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks
}

func (f *MockFactory) NewSink() Sink {
	f.mu.Lock()
	f.sinks++
	f.mu.Unlock()
	return &mockSink{
		factory: f,
		ready:   make(chan struct{}),
		done:    make(chan error, 1),
	}
}

type mockSink struct {
	factory *MockFactory
	payload []byte
	ready   chan struct{}
	once    sync.Once
	done    chan error

	mu      sync.Mutex
	stopped bool
	timer   *time.Timer
}

func (s *mockSink) Load(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrDecode)
	}
	s.payload = payload
	s.once.Do(func() { close(s.ready) })
	return nil
}

func (s *mockSink) Ready() <-chan struct{} { return s.ready }

func (s *mockSink) Start() error {
	s.factory.mu.Lock()
	deny := s.factory.deny
	if !deny {
		s.factory.played = append(s.factory.played, s.payload)
	}
	s.factory.mu.Unlock()
	if deny {
		return ErrNotAllowed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.factory.ClipDuration <= 0 {
		s.done <- nil
		return nil
	}
	s.timer = time.AfterFunc(s.factory.ClipDuration, func() {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			s.done <- nil
		}
	})
	return nil
}

func (s *mockSink) Done() <-chan error { return s.done }

func (s *mockSink) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	select {
	case s.done <- ErrStopped:
	default:
	}
}
