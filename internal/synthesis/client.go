package synthesis

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxdeck/voxdeck-audio/internal/assetcache"
	"github.com/voxdeck/voxdeck-audio/internal/config"
)

// Client resolves text+voice pairs into audio payloads, cache-first,
// coalescing concurrent identical fetches into a single remote request.
type Client struct {
	cfg   config.SynthesisConfig
	cache *assetcache.Cache
	synth Synthesizer
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	wg      sync.WaitGroup
}

// pendingRequest is the single in-flight fetch for one composite key.
// Joiners wait on done and read the shared outcome.
type pendingRequest struct {
	done   chan struct{}
	result Result
	err    error
}

func NewClient(cfg config.SynthesisConfig, cache *assetcache.Cache, synth Synthesizer, log *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		cache:   cache,
		synth:   synth,
		log:     log.With(slog.String("component", "synthesis-client")),
		pending: make(map[string]*pendingRequest),
	}
}

func (c *Client) voiceOrDefault(voice string) string {
	if strings.TrimSpace(voice) == "" {
		return c.cfg.DefaultVoice
	}
	return voice
}

// Resolve returns the audio for primary and, when given, secondary.
// Both payloads cached: returns immediately without touching the pending
// map or the network. Otherwise at most one remote request exists per
// (primary, secondary, voice) composite at any time; concurrent callers
// for the same composite share its outcome. The request itself runs on
// a detached context bounded only by the configured timeout, so one
// caller giving up (a warm-up deadline, a superseded session) never
// poisons the shared result for callers still waiting. Payloads are
// cached per text so a later request needing only one of them still
// hits cache. On remote failure nothing is cached and every joined
// caller sees ErrUnavailable.
func (c *Client) Resolve(ctx context.Context, primary, secondary, voice string) (Result, error) {
	voice = c.voiceOrDefault(voice)
	primaryKey := assetcache.Key(primary, voice)
	secondaryKey := ""
	if strings.TrimSpace(secondary) != "" {
		secondaryKey = assetcache.Key(secondary, voice)
	}

	if payload, ok := c.cache.Get(primaryKey); ok {
		if secondaryKey == "" {
			return Result{Primary: payload}, nil
		}
		if secondaryPayload, ok := c.cache.Get(secondaryKey); ok {
			return Result{Primary: payload, Secondary: secondaryPayload}, nil
		}
	}

	composite := primary + "|" + secondary + "|" + voice

	c.mu.Lock()
	p, ok := c.pending[composite]
	if !ok {
		p = &pendingRequest{done: make(chan struct{})}
		c.pending[composite] = p
		c.wg.Add(1)
		go c.fetch(composite, p, Request{Primary: primary, Secondary: secondary, Voice: voice}, primaryKey, secondaryKey)
	}
	c.mu.Unlock()

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// fetch performs the single remote request for one composite key and
// settles every waiter with the shared outcome.
func (c *Client) fetch(composite string, p *pendingRequest, req Request, primaryKey, secondaryKey string) {
	defer c.wg.Done()

	ctx := context.Background()
	if c.cfg.RequestTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	result, err := c.synth.Synthesize(ctx, req)
	if err == nil {
		c.cache.Put(primaryKey, result.Primary)
		if secondaryKey != "" && len(result.Secondary) > 0 {
			c.cache.Put(secondaryKey, result.Secondary)
		}
	}

	p.result, p.err = result, err
	c.mu.Lock()
	delete(c.pending, composite)
	c.mu.Unlock()
	close(p.done)
}

// Prefetch warms the cache for a pair without making the caller wait.
// Errors are swallowed; a failed warm-up just means the item resolves
// on demand later.
func (c *Client) Prefetch(primary, secondary, voice string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()
		if _, err := c.Resolve(ctx, primary, secondary, voice); err != nil {
			c.log.Debug("prefetch failed", slog.String("text", primary), slogError(err))
		}
	}()
}

// Wait blocks until all in-flight fetches and prefetches settle.
func (c *Client) Wait() {
	c.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
