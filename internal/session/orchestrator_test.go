package session

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voxdeck/voxdeck-audio/internal/assetcache"
	"github.com/voxdeck/voxdeck-audio/internal/config"
	"github.com/voxdeck/voxdeck-audio/internal/playback"
	"github.com/voxdeck/voxdeck-audio/internal/synthesis"
	"github.com/voxdeck/voxdeck-audio/internal/unlock"
)

const desktopUA = "Mozilla/5.0 (X11; Linux x86_64) Chrome/126.0"

type harness struct {
	orch    *Orchestrator
	factory *playback.MockFactory
	cache   *assetcache.Cache
	synth   *synthesis.Client

	mu       sync.Mutex
	statuses []Status
}

func newHarness(t *testing.T, clipDuration time.Duration, fail func(synthesis.Request) bool) *harness {
	t.Helper()
	return newHarnessWith(t, clipDuration, fail,
		config.SessionConfig{InterClipDelayMS: 1, ItemGapMS: 1, WarmupTimeoutMS: 500, WarmupConcurrency: 2})
}

func newHarnessWith(t *testing.T, clipDuration time.Duration, fail func(synthesis.Request) bool, sessionCfg config.SessionConfig) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cacheCfg := config.CacheConfig{Path: filepath.Join(t.TempDir(), "cache.db"), MaxEntries: 100}
	cache := assetcache.Open(t.Context(), cacheCfg, log)
	t.Cleanup(func() { cache.Close() })

	synthCfg := config.SynthesisConfig{Mode: "mock", DefaultVoice: "v1", RequestTimeoutMS: 1000}
	client := synthesis.NewClient(synthCfg, cache, synthesis.NewMockSynth(0, fail), log)

	factory := playback.NewMockFactory(clipDuration)
	ctrl := playback.NewController(config.PlaybackConfig{Mode: "mock", ReadyTimeoutMS: 500, MaxClipMS: 5000}, factory, log)
	neg := unlock.NewNegotiator(factory, log)

	h := &harness{
		orch:    New(sessionCfg, client, ctrl, neg, cache, log),
		factory: factory,
		cache:   cache,
		synth:   client,
	}
	h.orch.OnStatus(func(st Status) {
		h.mu.Lock()
		h.statuses = append(h.statuses, st)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) lastStatus() (Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.statuses) == 0 {
		return Status{}, false
	}
	return h.statuses[len(h.statuses)-1], true
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testItems() []Item {
	return []Item{
		{ID: "1", Primary: "cão", Secondary: "O cão ladra"},
		{ID: "2", Primary: "gato", Secondary: "O gato dorme"},
	}
}

func TestStartPlaysPrimaryThenSecondary(t *testing.T) {
	h := newHarness(t, 0, nil)
	if err := h.orch.Start(testItems(), "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.orch.Stop()

	waitFor(t, func() bool { return len(h.factory.Played()) >= 4 }, "both items to play")

	played := h.factory.Played()
	if string(played[0]) != "audio:cão:v1" && string(played[0]) != "audio:gato:v1" {
		t.Fatalf("unexpected first clip %q", played[0])
	}
	if h.orch.Snapshot().State != Playing {
		t.Fatalf("expected Playing, got %v", h.orch.Snapshot().State)
	}
}

func TestStartRejectsEmptyItems(t *testing.T) {
	h := newHarness(t, 0, nil)
	if err := h.orch.Start(nil, "v1", desktopUA, true); err == nil {
		t.Fatal("expected error for empty item list")
	}
}

func TestStartWithoutGestureAwaitsUnlock(t *testing.T) {
	h := newHarness(t, 0, nil)
	if err := h.orch.Start(testItems(), "v1", desktopUA, false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.orch.Stop()

	if st := h.orch.Snapshot(); st.State != AwaitingUnlock {
		t.Fatalf("expected AwaitingUnlock, got %v", st.State)
	}
	if n := h.factory.SinksCreated(); n != 0 {
		t.Fatalf("expected no sinks before unlock, got %d", n)
	}

	h.orch.Unlock(desktopUA)
	waitFor(t, func() bool { return len(h.factory.Played()) >= 1 }, "playback after unlock")
}

func TestPauseHaltsAndResumeReplays(t *testing.T) {
	h := newHarness(t, 80*time.Millisecond, nil)
	if err := h.orch.Start(testItems(), "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.orch.Stop()

	waitFor(t, func() bool { return len(h.factory.Played()) >= 1 }, "first clip to start")
	h.orch.Pause()
	if st := h.orch.Snapshot(); st.State != Paused {
		t.Fatalf("expected Paused, got %v", st.State)
	}

	// a clip already being dispatched when Pause landed may still
	// register; let it settle before sampling
	time.Sleep(50 * time.Millisecond)
	before := len(h.factory.Played())
	time.Sleep(150 * time.Millisecond)
	if after := len(h.factory.Played()); after != before {
		t.Fatalf("clips kept starting while paused: %d -> %d", before, after)
	}

	h.orch.Resume()
	waitFor(t, func() bool { return len(h.factory.Played()) > before }, "playback after resume")
	if st := h.orch.Snapshot(); st.State != Playing {
		t.Fatalf("expected Playing after resume, got %v", st.State)
	}
}

func TestStopClearsItemsAndKeepsCache(t *testing.T) {
	h := newHarness(t, 0, nil)
	if err := h.orch.Start(testItems(), "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, func() bool { return len(h.factory.Played()) >= 1 }, "playback to start")

	h.orch.Stop()
	st := h.orch.Snapshot()
	if st.State != Stopped {
		t.Fatalf("expected Stopped, got %v", st.State)
	}
	if st.ItemTotal != 0 {
		t.Fatalf("expected cleared item list, got %d", st.ItemTotal)
	}
	if h.cache.Stats().Entries == 0 {
		t.Fatal("stop must not clear the asset cache")
	}
}

func TestStopRightAfterStartLeavesNoResidue(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := assetcache.Open(t.Context(), config.CacheConfig{Path: filepath.Join(t.TempDir(), "cache.db"), MaxEntries: 100}, log)
	t.Cleanup(func() { cache.Close() })

	// slow synthesis keeps warm-up fetches in flight across the stop
	client := synthesis.NewClient(
		config.SynthesisConfig{Mode: "mock", DefaultVoice: "v1", RequestTimeoutMS: 1000},
		cache, synthesis.NewMockSynth(40*time.Millisecond, nil), log)
	factory := playback.NewMockFactory(0)
	ctrl := playback.NewController(config.PlaybackConfig{Mode: "mock", ReadyTimeoutMS: 500, MaxClipMS: 5000}, factory, log)
	orch := New(config.SessionConfig{InterClipDelayMS: 1, ItemGapMS: 1, WarmupTimeoutMS: 500, WarmupConcurrency: 2},
		client, ctrl, unlock.NewNegotiator(factory, log), cache, log)

	if err := orch.Start(testItems(), "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	orch.Stop()

	// let the superseded generation's fetches resolve
	time.Sleep(200 * time.Millisecond)

	st := orch.Snapshot()
	if st.State != Stopped {
		t.Fatalf("expected Stopped, got %v", st.State)
	}
	if st.ItemTotal != 0 || st.ItemIndex != 0 {
		t.Fatalf("stale continuation mutated state: %+v", st)
	}
	if n := len(factory.Played()); n != 0 {
		t.Fatalf("stale generation played %d clips after stop", n)
	}
}

func TestStopThenStartIsAFreshSession(t *testing.T) {
	h := newHarness(t, 0, nil)
	if err := h.orch.Start(testItems(), "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, func() bool { return len(h.factory.Played()) >= 1 }, "first session to play")
	first := h.orch.Snapshot().SessionID
	h.orch.Stop()

	if err := h.orch.Start(testItems(), "v1", desktopUA, true); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer h.orch.Stop()
	st := h.orch.Snapshot()
	if st.SessionID == first {
		t.Fatal("expected a new session id after restart")
	}
	if st.Skipped != 0 || st.Loop != 0 {
		t.Fatalf("expected fresh counters, got skipped=%d loop=%d", st.Skipped, st.Loop)
	}
	waitFor(t, func() bool { return h.orch.Snapshot().State == Playing }, "second session to play")
}

func TestStartSupersedesRunningSession(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond, nil)
	if err := h.orch.Start(testItems(), "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, func() bool { return len(h.factory.Played()) >= 1 }, "first session to play")

	replacement := []Item{{ID: "9", Primary: "peixe", Secondary: "O peixe nada"}}
	if err := h.orch.Start(replacement, "v1", desktopUA, true); err != nil {
		t.Fatalf("superseding start failed: %v", err)
	}
	defer h.orch.Stop()

	waitFor(t, func() bool {
		for _, p := range h.factory.Played() {
			if string(p) == "audio:peixe:v1" {
				return true
			}
		}
		return false
	}, "replacement items to play")
	if st := h.orch.Snapshot(); st.ItemTotal != 1 {
		t.Fatalf("expected replacement item list, got %d items", st.ItemTotal)
	}
}

func TestSynthesisFailureSkipsItem(t *testing.T) {
	fail := func(req synthesis.Request) bool { return req.Primary == "broken" }
	h := newHarness(t, 0, fail)
	items := []Item{
		{ID: "1", Primary: "broken", Secondary: "never"},
		{ID: "2", Primary: "gato", Secondary: "O gato dorme"},
	}
	if err := h.orch.Start(items, "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.orch.Stop()

	waitFor(t, func() bool { return h.orch.Snapshot().Skipped >= 1 }, "broken item to be skipped")
	waitFor(t, func() bool {
		for _, p := range h.factory.Played() {
			if string(p) == "audio:gato:v1" {
				return true
			}
		}
		return false
	}, "healthy item to play")
}

func TestLoopReshufflesAndCounts(t *testing.T) {
	h := newHarness(t, 0, nil)
	items := []Item{{ID: "1", Primary: "cão", Secondary: ""}}
	if err := h.orch.Start(items, "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.orch.Stop()

	waitFor(t, func() bool { return h.orch.Snapshot().Loop >= 2 }, "two full passes")
}

func TestReshuffledPassPlaysEachItemExactlyOnce(t *testing.T) {
	h := newHarness(t, 0, nil)
	items := []Item{
		{ID: "1", Primary: "cão"},
		{ID: "2", Primary: "gato"},
		{ID: "3", Primary: "peixe"},
	}
	if err := h.orch.Start(items, "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.orch.Stop()

	waitFor(t, func() bool { return h.orch.Snapshot().Loop >= 2 }, "two full passes")
	h.orch.Stop()

	played := h.factory.Played()
	if len(played) < 6 {
		t.Fatalf("expected two full passes, played only %d clips", len(played))
	}
	for i, want := range []string{"audio:cão:v1", "audio:gato:v1", "audio:peixe:v1"} {
		if string(played[i]) != want {
			t.Fatalf("first pass out of input order at %d: %q", i, played[i])
		}
	}
	counts := map[string]int{}
	for _, p := range played[3:6] {
		counts[string(p)]++
	}
	for _, want := range []string{"audio:cão:v1", "audio:gato:v1", "audio:peixe:v1"} {
		if counts[want] != 1 {
			t.Fatalf("reshuffled pass is not a permutation of the input: %v", counts)
		}
	}
}

func TestNoInterClipDelayWithoutSecondary(t *testing.T) {
	// an inter-clip delay far beyond the waitFor deadline: passes only
	// complete in time if single-clip items skip it
	cfg := config.SessionConfig{InterClipDelayMS: 60000, ItemGapMS: 1, WarmupTimeoutMS: 500, WarmupConcurrency: 2}
	h := newHarnessWith(t, 0, nil, cfg)
	items := []Item{{ID: "1", Primary: "cão"}}
	if err := h.orch.Start(items, "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.orch.Stop()

	waitFor(t, func() bool { return h.orch.Snapshot().Loop >= 2 }, "passes unthrottled by the inter-clip delay")
}

func TestBlockedPlaybackPausesForReUnlock(t *testing.T) {
	h := newHarness(t, 0, nil)
	if err := h.orch.Start(testItems(), "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.orch.Stop()
	waitFor(t, func() bool { return len(h.factory.Played()) >= 1 }, "playback to start")

	h.factory.Deny()
	waitFor(t, func() bool {
		st := h.orch.Snapshot()
		return st.State == Paused && st.UnlockRequired
	}, "blocked playback to pause the session")

	h.factory.Allow()
	before := len(h.factory.Played())
	h.orch.Unlock(desktopUA)
	waitFor(t, func() bool { return len(h.factory.Played()) > before }, "playback after re-unlock")
	if st := h.orch.Snapshot(); st.UnlockRequired {
		t.Fatal("unlock-required flag should clear after re-unlock")
	}
}

func TestStatusCallbackSeesStateChanges(t *testing.T) {
	h := newHarness(t, 0, nil)
	if err := h.orch.Start(testItems(), "v1", desktopUA, true); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, func() bool { return len(h.factory.Played()) >= 2 }, "playback progress")
	h.orch.Stop()

	waitFor(t, func() bool {
		st, ok := h.lastStatus()
		return ok && st.State == Stopped
	}, "stop to reach the status callback")

	h.mu.Lock()
	defer h.mu.Unlock()
	seen := map[State]bool{}
	for _, st := range h.statuses {
		seen[st.State] = true
	}
	if !seen[Preparing] || !seen[Playing] || !seen[Stopped] {
		t.Fatalf("missing lifecycle states in callback stream: %v", seen)
	}
}
