package synthesis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

type mockSynth struct {
	delay time.Duration
	fail  func(Request) bool
	calls atomic.Int64
}

// NewMockSynth returns a Synthesizer producing deterministic payloads
// derived from the request texts. fail, when non-nil, selects requests
// that answer with ErrUnavailable.
func NewMockSynth(delay time.Duration, fail func(Request) bool) *mockSynth {
	return &mockSynth{delay: delay, fail: fail}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.fail != nil && m.fail(req) {
		return Result{}, fmt.Errorf("%w: mock failure", ErrUnavailable)
	}
	result := Result{Primary: []byte("audio:" + req.Primary + ":" + req.Voice)}
	if req.Secondary != "" {
		result.Secondary = []byte("audio:" + req.Secondary + ":" + req.Voice)
	}
	return result, nil
}

// Calls reports how many synthesis requests were issued.
func (m *mockSynth) Calls() int64 {
	return m.calls.Load()
}
