package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxdeck/voxdeck-audio/internal/assetcache"
	"github.com/voxdeck/voxdeck-audio/internal/config"
	"github.com/voxdeck/voxdeck-audio/internal/playback"
	"github.com/voxdeck/voxdeck-audio/internal/synthesis"
	"github.com/voxdeck/voxdeck-audio/internal/unlock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// State enumerates the session lifecycle.
type State int

const (
	Idle State = iota
	AwaitingUnlock
	Preparing
	Playing
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case AwaitingUnlock:
		return "awaiting-unlock"
	case Preparing:
		return "preparing"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Item is one entry of the playback sequence. Identity (ID) survives
// reshuffles so the UI can track the currently playing card.
type Item struct {
	ID        string
	Primary   string
	Secondary string
}

// Status is the read-only projection handed to the UI surface after
// every state change.
type Status struct {
	SessionID      string
	State          State
	ItemIndex      int
	ItemTotal      int
	Loop           int
	Skipped        int
	UnlockRequired bool
	Cache          assetcache.Stats
}

var errNoItems = errors.New("session has no items")

// Orchestrator drives an ordered, infinite, reshuffling sequence of
// items through the playback controller. Every asynchronous step
// captures the generation current at its start and abandons itself when
// the orchestrator has moved on; that single check is what makes
// stop/restart safe under arbitrary interleaving.
type Orchestrator struct {
	cfg    config.SessionConfig
	synth  *synthesis.Client
	player *playback.Controller
	neg    *unlock.Negotiator
	cache  *assetcache.Cache
	log    *slog.Logger

	mu             sync.Mutex
	state          State
	gen            uint64
	genCtx         context.Context
	genCancel      context.CancelFunc
	resumeCh       chan struct{}
	items          []Item
	cursor         int
	loop           int
	skipped        int
	voice          string
	sessionID      string
	unlockRequired bool
	notify         func(Status)

	meter metric.Meter
	plays metric.Int64Counter
	skips metric.Int64Counter
	loops metric.Int64Counter
}

func New(cfg config.SessionConfig, synth *synthesis.Client, player *playback.Controller, neg *unlock.Negotiator, cache *assetcache.Cache, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		synth:  synth,
		player: player,
		neg:    neg,
		cache:  cache,
		log:    log.With(slog.String("component", "session")),
		state:  Idle,
		meter:  otel.Meter("github.com/voxdeck/voxdeck-audio/session"),
	}
	if err := o.initMetrics(); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	return o
}

func (o *Orchestrator) initMetrics() error {
	var err error
	if o.plays, err = o.meter.Int64Counter("voxdeck.session.plays", metric.WithDescription("Clips played to completion")); err != nil {
		return err
	}
	if o.skips, err = o.meter.Int64Counter("voxdeck.session.skips", metric.WithDescription("Items skipped after a per-item failure")); err != nil {
		return err
	}
	if o.loops, err = o.meter.Int64Counter("voxdeck.session.loops", metric.WithDescription("Completed passes over the item list")); err != nil {
		return err
	}
	entries, err := o.meter.Int64ObservableGauge("voxdeck.cache.entries", metric.WithDescription("Audio payloads held in the asset cache"))
	if err != nil {
		return err
	}
	bytes, err := o.meter.Int64ObservableGauge("voxdeck.cache.bytes", metric.WithDescription("Approximate asset cache size in bytes"))
	if err != nil {
		return err
	}
	_, err = o.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		stats := o.cache.Stats()
		obs.ObserveInt64(entries, int64(stats.Entries))
		obs.ObserveInt64(bytes, stats.ApproxBytes)
		return nil
	}, entries, bytes)
	return err
}

// OnStatus registers the callback fired after every state change.
func (o *Orchestrator) OnStatus(fn func(Status)) {
	o.mu.Lock()
	o.notify = fn
	o.mu.Unlock()
}

func (o *Orchestrator) statusLocked() Status {
	return Status{
		SessionID:      o.sessionID,
		State:          o.state,
		ItemIndex:      o.cursor,
		ItemTotal:      len(o.items),
		Loop:           o.loop,
		Skipped:        o.skipped,
		UnlockRequired: o.unlockRequired,
		Cache:          o.cache.Stats(),
	}
}

func (o *Orchestrator) emit(st Status) {
	o.mu.Lock()
	fn := o.notify
	o.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Snapshot returns the current status projection.
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

// bumpGenLocked invalidates every outstanding continuation of the
// current generation.
func (o *Orchestrator) bumpGenLocked() {
	o.gen++
	if o.genCancel != nil {
		o.genCancel()
	}
}

// Start begins a new session over items, superseding any session in
// flight. userAgent and gesture describe the UI event that carried the
// request; the unlock handshake runs here when the event is a genuine
// gesture. Without a gesture on a still-locked platform the session
// parks in AwaitingUnlock until an unlock event arrives.
func (o *Orchestrator) Start(items []Item, voice, userAgent string, gesture bool) error {
	if len(items) == 0 {
		return errNoItems
	}

	o.mu.Lock()
	o.bumpGenLocked()
	o.player.Stop()

	o.sessionID = uuid.NewString()
	o.items = append([]Item(nil), items...)
	o.cursor = 0
	o.loop = 0
	o.skipped = 0
	o.voice = voice
	o.resumeCh = nil
	o.unlockRequired = false
	o.genCtx, o.genCancel = context.WithCancel(context.Background())
	gen := o.gen

	if !o.neg.IsUnlocked() {
		if !gesture {
			o.state = AwaitingUnlock
			st := o.statusLocked()
			o.mu.Unlock()
			o.emit(st)
			return nil
		}
		o.neg.Unlock(unlock.DetectBrowserClass(userAgent))
		if sink := o.neg.PrimedSink(); sink != nil {
			o.player.AdoptPrimed(sink)
		}
	}

	o.state = Preparing
	ctx := o.genCtx
	st := o.statusLocked()
	o.mu.Unlock()
	o.emit(st)

	go o.run(gen, ctx)
	return nil
}

// Unlock feeds a user gesture into a session parked in AwaitingUnlock
// or paused by a blocked-playback error.
func (o *Orchestrator) Unlock(userAgent string) {
	o.neg.Unlock(unlock.DetectBrowserClass(userAgent))
	if sink := o.neg.PrimedSink(); sink != nil {
		o.player.AdoptPrimed(sink)
	}

	o.mu.Lock()
	o.unlockRequired = false
	switch o.state {
	case AwaitingUnlock:
		o.state = Preparing
		gen := o.gen
		ctx := o.genCtx
		st := o.statusLocked()
		o.mu.Unlock()
		o.emit(st)
		go o.run(gen, ctx)
		return
	case Paused:
		o.resumeLocked()
		st := o.statusLocked()
		o.mu.Unlock()
		o.emit(st)
		return
	}
	st := o.statusLocked()
	o.mu.Unlock()
	o.emit(st)
}

// Pause halts the current clip and suspends cursor advancement.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	if o.state != Playing {
		o.mu.Unlock()
		return
	}
	o.state = Paused
	o.resumeCh = make(chan struct{})
	st := o.statusLocked()
	o.mu.Unlock()

	o.player.Stop()
	o.emit(st)
}

// Resume continues a paused session from the same cursor position. The
// current item replays from its primary clip.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if o.state != Paused {
		o.mu.Unlock()
		return
	}
	o.resumeLocked()
	st := o.statusLocked()
	o.mu.Unlock()
	o.emit(st)
}

func (o *Orchestrator) resumeLocked() {
	o.state = Playing
	if o.resumeCh != nil {
		close(o.resumeCh)
		o.resumeCh = nil
	}
}

// Stop ends the session: the generation is bumped so every in-flight
// continuation abandons itself, the item list is cleared, and current
// playback halts. The asset cache is deliberately left intact.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.state = Stopped
	o.bumpGenLocked()
	o.items = nil
	o.cursor = 0
	if o.resumeCh != nil {
		close(o.resumeCh)
		o.resumeCh = nil
	}
	st := o.statusLocked()
	o.mu.Unlock()

	o.player.Stop()
	o.emit(st)
}

// stale reports whether gen has been superseded.
func (o *Orchestrator) stale(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen != o.gen
}

// run is the session loop for one generation.
func (o *Orchestrator) run(gen uint64, ctx context.Context) {
	o.warmup(gen, ctx)

	o.mu.Lock()
	if gen != o.gen || o.state != Preparing {
		o.mu.Unlock()
		return
	}
	o.state = Playing
	st := o.statusLocked()
	o.mu.Unlock()
	o.emit(st)

	for {
		item, next, ok := o.awaitNext(gen, ctx)
		if !ok {
			return
		}
		if next.Primary != "" {
			// look-ahead warming for the upcoming item
			o.synth.Prefetch(next.Primary, next.Secondary, o.currentVoice())
		}
		advance := o.playItem(gen, ctx, item)
		if !o.advanceCursor(gen, advance) {
			return
		}
	}
}

// warmup primes the cache for every item, bounded by the configured
// timeout. Failures are logged; playback fetches on demand later.
func (o *Orchestrator) warmup(gen uint64, ctx context.Context) {
	if o.cfg.WarmupTimeoutMS <= 0 {
		return
	}
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	items := append([]Item(nil), o.items...)
	voice := o.voice
	o.mu.Unlock()

	warmCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.WarmupTimeoutMS)*time.Millisecond)
	defer cancel()

	sem := make(chan struct{}, o.cfg.WarmupConcurrency)
	var wg sync.WaitGroup
	for _, item := range items {
		if warmCtx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(item Item) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := o.synth.Resolve(warmCtx, item.Primary, item.Secondary, voice); err != nil {
				o.log.Warn("warm-up fetch failed", slog.String("text", item.Primary), slogError(err))
			}
		}(item)
	}
	wg.Wait()
}

// awaitNext blocks through pauses and returns the current item plus the
// one after it (for look-ahead). ok=false means the generation ended.
func (o *Orchestrator) awaitNext(gen uint64, ctx context.Context) (Item, Item, bool) {
	for {
		o.mu.Lock()
		if gen != o.gen || o.state == Stopped {
			o.mu.Unlock()
			return Item{}, Item{}, false
		}
		if o.state == Paused {
			ch := o.resumeCh
			o.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return Item{}, Item{}, false
			}
		}
		if len(o.items) == 0 {
			o.mu.Unlock()
			return Item{}, Item{}, false
		}
		if o.cursor >= len(o.items) {
			o.reshuffleLocked(ctx)
		}
		item := o.items[o.cursor]
		var next Item
		if o.cursor+1 < len(o.items) {
			next = o.items[o.cursor+1]
		}
		o.mu.Unlock()
		return item, next, true
	}
}

// reshuffleLocked starts the next pass: Fisher-Yates over the same
// items, cursor back to zero, loop counter up.
func (o *Orchestrator) reshuffleLocked(ctx context.Context) {
	rand.Shuffle(len(o.items), func(i, j int) {
		o.items[i], o.items[j] = o.items[j], o.items[i]
	})
	o.cursor = 0
	o.loop++
	if o.loops != nil {
		o.loops.Add(ctx, 1)
	}
	o.log.Info("item list reshuffled", slog.Int("loop", o.loop), slog.Int("items", len(o.items)))
}

func (o *Orchestrator) currentVoice() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.voice
}

// playItem plays one item's clips. The returned flag says whether the
// cursor should advance: true after success or a per-item skip, false
// when the item should replay (pause, blocked playback) or the
// generation ended.
func (o *Orchestrator) playItem(gen uint64, ctx context.Context, item Item) bool {
	result, err := o.synth.Resolve(ctx, item.Primary, item.Secondary, o.currentVoice())
	if o.stale(gen) {
		return false
	}
	if err != nil {
		o.recordSkip(gen, ctx, item, err)
		return true
	}

	advance, done := o.playClip(gen, ctx, item, result.Primary)
	if done {
		return advance
	}
	if item.Secondary != "" && len(result.Secondary) > 0 {
		if !o.sleepPlaying(gen, ctx, time.Duration(o.cfg.InterClipDelayMS)*time.Millisecond) {
			return false
		}
		advance, done = o.playClip(gen, ctx, item, result.Secondary)
		if done {
			return advance
		}
	}
	if !o.sleepPlaying(gen, ctx, time.Duration(o.cfg.ItemGapMS)*time.Millisecond) {
		return false
	}
	return true
}

// playClip plays a single payload and classifies the outcome.
// done=true short-circuits the rest of the item with the given advance.
func (o *Orchestrator) playClip(gen uint64, ctx context.Context, item Item, payload []byte) (advance, done bool) {
	err := o.player.Play(ctx, payload)
	if o.stale(gen) {
		return false, true
	}
	switch {
	case err == nil:
		if o.plays != nil {
			o.plays.Add(ctx, 1)
		}
		return false, false
	case errors.Is(err, playback.ErrNotAllowed):
		// the whole unlock state is invalid, not just this clip
		o.pauseForUnlock(gen)
		return false, true
	case errors.Is(err, playback.ErrStopped), errors.Is(err, context.Canceled):
		// pause or stop raced with this clip; the state machine has
		// already moved, leave the cursor alone
		return false, true
	default:
		o.recordSkip(gen, ctx, item, err)
		return true, true
	}
}

// pauseForUnlock transitions to Paused and asks the UI for a fresh
// gesture.
func (o *Orchestrator) pauseForUnlock(gen uint64) {
	o.mu.Lock()
	if gen != o.gen || o.state != Playing {
		o.mu.Unlock()
		return
	}
	o.state = Paused
	o.unlockRequired = true
	o.resumeCh = make(chan struct{})
	st := o.statusLocked()
	o.mu.Unlock()
	o.log.Warn("playback blocked by platform, pausing for re-unlock")
	o.emit(st)
}

func (o *Orchestrator) recordSkip(gen uint64, ctx context.Context, item Item, err error) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.skipped++
	st := o.statusLocked()
	o.mu.Unlock()

	if o.skips != nil {
		o.skips.Add(ctx, 1)
	}
	o.log.Warn("item skipped", slog.String("id", item.ID), slog.String("text", item.Primary), slogError(err))
	o.emit(st)
}

// sleepPlaying waits out the delay, then reports whether the session is
// still this generation and still playing.
func (o *Orchestrator) sleepPlaying(gen uint64, ctx context.Context, d time.Duration) bool {
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen == o.gen && o.state == Playing
}

// advanceCursor moves to the next item when advance is set. ok=false
// ends the generation's loop.
func (o *Orchestrator) advanceCursor(gen uint64, advance bool) bool {
	o.mu.Lock()
	if gen != o.gen || o.state == Stopped {
		o.mu.Unlock()
		return false
	}
	if !advance {
		o.mu.Unlock()
		return true
	}
	o.cursor++
	st := o.statusLocked()
	o.mu.Unlock()
	o.emit(st)
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
