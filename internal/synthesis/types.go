package synthesis

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the remote synthesis service cannot be
// reached or answers with an error. Per-item failures are skippable; the
// session never aborts because of one.
var ErrUnavailable = errors.New("synthesis unavailable")

// Request carries one or two texts to synthesize with a single voice.
type Request struct {
	Primary   string
	Secondary string
	Voice     string
}

// Result holds the synthesized payloads. Secondary is nil when the
// request had no secondary text.
type Result struct {
	Primary   []byte
	Secondary []byte
}

// Synthesizer is the contract for producing audio from a remote service.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}
