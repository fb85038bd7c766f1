package unlock

import (
	"io"
	"log/slog"
	"testing"

	"github.com/voxdeck/voxdeck-audio/internal/playback"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDetectBrowserClass(t *testing.T) {
	cases := []struct {
		ua   string
		want BrowserClass
	}{
		{"", Desktop},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", Desktop},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148 Safari/604.1", StrictMobileWebKit},
		{"Mozilla/5.0 (iPad; CPU OS 16_6 like Mac OS X) AppleWebKit/605.1.15", StrictMobileWebKit},
		{"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 Chrome/120.0 Mobile Safari/537.36", StandardMobile},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", Desktop},
	}
	for _, tc := range cases {
		if got := DetectBrowserClass(tc.ua); got != tc.want {
			t.Fatalf("DetectBrowserClass(%q) = %v, want %v", tc.ua, got, tc.want)
		}
	}
}

func TestUnlockDesktopNoIO(t *testing.T) {
	factory := playback.NewMockFactory(0)
	n := NewNegotiator(factory, newLogger())

	if n.IsUnlocked() {
		t.Fatal("expected locked before unlock")
	}
	if !n.Unlock(Desktop) {
		t.Fatal("expected unlock to succeed")
	}
	if !n.IsUnlocked() {
		t.Fatal("expected unlocked after unlock")
	}
	if factory.SinksCreated() != 0 {
		t.Fatal("desktop unlock must not touch the output")
	}
	if n.PrimedSink() != nil {
		t.Fatal("desktop unlock must not retain a primed sink")
	}
}

func TestUnlockStandardMobilePlaysSilentBuffer(t *testing.T) {
	factory := playback.NewMockFactory(0)
	n := NewNegotiator(factory, newLogger())

	n.Unlock(StandardMobile)
	if factory.SinksCreated() != 1 {
		t.Fatalf("expected one priming sink, got %d", factory.SinksCreated())
	}
	if len(factory.Played()) != 1 {
		t.Fatalf("expected silent buffer played once, got %d plays", len(factory.Played()))
	}
	if n.PrimedSink() != nil {
		t.Fatal("standard mobile unlock must not retain a primed sink")
	}
}

func TestUnlockStrictWebKitRetainsPrimedSink(t *testing.T) {
	factory := playback.NewMockFactory(0)
	n := NewNegotiator(factory, newLogger())

	n.Unlock(StrictMobileWebKit)
	if len(factory.Played()) != 0 {
		t.Fatal("strict unlock must load, not play")
	}
	sink := n.PrimedSink()
	if sink == nil {
		t.Fatal("expected a retained primed sink")
	}
	if n.PrimedSink() != nil {
		t.Fatal("primed sink must be handed over at most once")
	}
}

func TestUnlockIdempotent(t *testing.T) {
	factory := playback.NewMockFactory(0)
	n := NewNegotiator(factory, newLogger())

	n.Unlock(StandardMobile)
	created := factory.SinksCreated()
	if !n.Unlock(StandardMobile) {
		t.Fatal("expected repeated unlock to report true")
	}
	if factory.SinksCreated() != created {
		t.Fatal("repeated unlock must not repeat priming I/O")
	}
}

func TestUnlockFailOpen(t *testing.T) {
	factory := playback.NewMockFactory(0)
	factory.Deny() // silent buffer play will be refused
	n := NewNegotiator(factory, newLogger())

	if !n.Unlock(StandardMobile) {
		t.Fatal("expected fail-open unlock despite priming error")
	}
	if !n.IsUnlocked() {
		t.Fatal("expected unlocked state despite priming error")
	}
}
