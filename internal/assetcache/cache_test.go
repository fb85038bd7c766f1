package assetcache

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/voxdeck/voxdeck-audio/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestKeyDeterministic(t *testing.T) {
	a := Key("cão", "v1")
	b := Key("  cão  ", "v1")
	if a != b {
		t.Fatalf("expected trimmed keys to match: %q vs %q", a, b)
	}
	if a != "cão_v1" {
		t.Fatalf("unexpected key: %q", a)
	}
	if Key("cão", "v1") != a {
		t.Fatal("expected key to be stable across calls")
	}
}

func TestPutGetMemoryOnly(t *testing.T) {
	c := Open(context.Background(), config.CacheConfig{}, newLogger())
	t.Cleanup(func() { _ = c.Close() })

	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for absent key")
	}
	c.Put("k1", []byte("audio"))
	payload, ok := c.Get("k1")
	if !ok || string(payload) != "audio" {
		t.Fatalf("expected cached payload, got %q ok=%v", payload, ok)
	}
	if !c.Has("k1") {
		t.Fatal("expected Has to report cached key")
	}

	stats := c.Stats()
	if stats.Entries != 1 || stats.ApproxBytes != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected hit counters: %+v", stats)
	}
}

func TestRestoreAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := config.CacheConfig{Path: path}

	c := Open(context.Background(), cfg, newLogger())
	c.Put(Key("gato", "v1"), []byte("payload-a"))
	c.Put(Key("O gato dorme.", "v1"), []byte("payload-b"))
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := Open(context.Background(), cfg, newLogger())
	t.Cleanup(func() { _ = reopened.Close() })

	payload, ok := reopened.Get(Key("gato", "v1"))
	if !ok || string(payload) != "payload-a" {
		t.Fatalf("expected restored payload, got %q ok=%v", payload, ok)
	}
	if reopened.Stats().Entries != 2 {
		t.Fatalf("expected 2 restored entries, got %d", reopened.Stats().Entries)
	}
}

func TestUnusableDurableStoreFallsBackToMemory(t *testing.T) {
	// Point the durable path at a directory so SQLite cannot open it.
	cfg := config.CacheConfig{Path: t.TempDir()}
	c := Open(context.Background(), cfg, newLogger())
	t.Cleanup(func() { _ = c.Close() })

	c.Put("k1", []byte("still works"))
	if payload, ok := c.Get("k1"); !ok || string(payload) != "still works" {
		t.Fatalf("expected memory cache to remain usable, got %q ok=%v", payload, ok)
	}
}

func TestPruneBoundsDurableRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := config.CacheConfig{Path: path, MaxEntries: 2}

	c := Open(context.Background(), cfg, newLogger())
	c.Put("a_v1", []byte("a"))
	c.Put("b_v1", []byte("b"))
	c.Put("c_v1", []byte("c"))
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := Open(context.Background(), cfg, newLogger())
	t.Cleanup(func() { _ = reopened.Close() })
	if got := reopened.Stats().Entries; got > 2 {
		t.Fatalf("expected at most 2 restored entries, got %d", got)
	}
}

func TestOverwriteAdjustsBytes(t *testing.T) {
	c := Open(context.Background(), config.CacheConfig{}, newLogger())
	t.Cleanup(func() { _ = c.Close() })

	c.Put("k", []byte("12345678"))
	c.Put("k", []byte("1234"))
	stats := c.Stats()
	if stats.Entries != 1 || stats.ApproxBytes != 4 {
		t.Fatalf("unexpected stats after overwrite: %+v", stats)
	}
}
