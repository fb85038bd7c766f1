package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxdeck/voxdeck-audio/internal/config"
)

// Controller plays one audio payload at a time. Starting a new payload
// stops whatever is playing. If a primed sink has been adopted (from
// the unlock handshake) it is consumed by exactly the first play so the
// platform's trust in that handle carries over; later plays use fresh
// sinks.
type Controller struct {
	cfg     config.PlaybackConfig
	factory SinkFactory
	log     *slog.Logger

	mu     sync.Mutex
	active Sink
	primed Sink
}

func NewController(cfg config.PlaybackConfig, factory SinkFactory, log *slog.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		factory: factory,
		log:     log.With(slog.String("component", "playback")),
	}
}

// AdoptPrimed hands the controller a pre-warmed sink to use for the
// next play.
func (c *Controller) AdoptPrimed(sink Sink) {
	if sink == nil {
		return
	}
	c.mu.Lock()
	c.primed = sink
	c.mu.Unlock()
}

// Play stages the payload and blocks until the clip ends. The ready
// wait and the ended wait are both bounded: a stalled load falls
// through to a play attempt, and a missing end signal eventually counts
// as finished. Returns ErrNotAllowed, ErrDecode-class errors,
// ErrStopped after an explicit Stop, or ctx.Err().
func (c *Controller) Play(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.active != nil {
		c.active.Stop()
		c.active = nil
	}
	sink := c.primed
	if sink != nil {
		c.primed = nil
	} else {
		sink = c.factory.NewSink()
	}
	c.active = sink
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.active == sink {
			c.active = nil
		}
		c.mu.Unlock()
	}()

	if err := sink.Load(payload); err != nil {
		return err
	}

	readyTimeout := time.NewTimer(time.Duration(c.cfg.ReadyTimeoutMS) * time.Millisecond)
	select {
	case <-sink.Ready():
		readyTimeout.Stop()
	case <-readyTimeout.C:
		c.log.Warn("ready signal timed out, attempting playback anyway")
	case <-ctx.Done():
		readyTimeout.Stop()
		sink.Stop()
		return ctx.Err()
	}

	if err := sink.Start(); err != nil {
		return err
	}

	endTimeout := time.NewTimer(time.Duration(c.cfg.MaxClipMS) * time.Millisecond)
	defer endTimeout.Stop()
	select {
	case err := <-sink.Done():
		return err
	case <-endTimeout.C:
		// Some platforms drop the end signal; cap the wait and move on.
		sink.Stop()
		c.log.Warn("clip end signal never arrived, treating clip as finished")
		return nil
	case <-ctx.Done():
		sink.Stop()
		return ctx.Err()
	}
}

// Stop halts current playback. Safe to call when nothing is playing.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.active != nil {
		c.active.Stop()
	}
	c.mu.Unlock()
}
