package unlock

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/voxdeck/voxdeck-audio/internal/playback"
)

// BrowserClass partitions client platforms by how hostile their
// autoplay policy is.
type BrowserClass int

const (
	// Desktop imposes no restriction; treated as pre-unlocked.
	Desktop BrowserClass = iota
	// StandardMobile needs a resumed output and one silent play inside
	// a gesture.
	StandardMobile
	// StrictMobileWebKit blocks even context-resume patterns; it wants
	// a media handle whose load happened inside the gesture, and the
	// first real play should reuse that handle.
	StrictMobileWebKit
)

func (c BrowserClass) String() string {
	switch c {
	case StandardMobile:
		return "standard-mobile"
	case StrictMobileWebKit:
		return "strict-mobile-webkit"
	default:
		return "desktop"
	}
}

// DetectBrowserClass classifies a user-agent descriptor into the closed
// policy enum.
func DetectBrowserClass(userAgent string) BrowserClass {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return Desktop
	}
	apple := strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ipod")
	if apple {
		return StrictMobileWebKit
	}
	mobile := strings.Contains(ua, "mobile") || strings.Contains(ua, "android")
	if mobile {
		// Mobile Safari without the platform tokens still lands here.
		if strings.Contains(ua, "safari") && !strings.Contains(ua, "chrome") && !strings.Contains(ua, "android") {
			return StrictMobileWebKit
		}
		return StandardMobile
	}
	return Desktop
}

// silentClip is a minimal valid WAV container with zero samples, used
// as the priming source.
var silentClip = []byte{
	'R', 'I', 'F', 'F', 36, 0, 0, 0, 'W', 'A', 'V', 'E',
	'f', 'm', 't', ' ', 16, 0, 0, 0, 1, 0, 1, 0,
	0x44, 0xac, 0, 0, 0x88, 0x58, 0x01, 0, 2, 0, 16, 0,
	'd', 'a', 't', 'a', 0, 0, 0, 0,
}

// Negotiator executes the platform priming handshake during a genuine
// user gesture so later programmatic playback is not blocked.
type Negotiator struct {
	factory playback.SinkFactory
	log     *slog.Logger

	mu       sync.Mutex
	unlocked bool
	class    BrowserClass
	primed   playback.Sink
}

func NewNegotiator(factory playback.SinkFactory, log *slog.Logger) *Negotiator {
	return &Negotiator{
		factory: factory,
		log:     log.With(slog.String("component", "unlock")),
	}
}

// Unlock runs the priming strategy for class. Idempotent: once unlocked,
// later calls return true without repeating any I/O. If priming itself
// fails the session is still marked unlocked: some platforms report
// spurious priming errors yet permit playback afterwards, and blocking
// the user indefinitely is the worse failure.
func (n *Negotiator) Unlock(class BrowserClass) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.unlocked {
		return true
	}
	n.class = class

	switch class {
	case Desktop:
		// nothing to do
	case StandardMobile:
		sink := n.factory.NewSink()
		if err := sink.Load(silentClip); err != nil {
			n.log.Warn("silent buffer load failed, unlocking anyway", slogError(err))
			break
		}
		if err := sink.Start(); err != nil {
			n.log.Warn("silent buffer play failed, unlocking anyway", slogError(err))
		}
		sink.Stop()
	case StrictMobileWebKit:
		sink := n.factory.NewSink()
		// Load only; the act of loading inside the gesture is what the
		// platform's policy wants. The handle is kept for the first
		// real play.
		if err := sink.Load(silentClip); err != nil {
			n.log.Warn("priming load failed, unlocking anyway", slogError(err))
			break
		}
		n.primed = sink
	}

	n.unlocked = true
	n.log.Info("playback unlocked", slog.String("browser_class", class.String()))
	return true
}

// IsUnlocked reports whether the handshake has run.
func (n *Negotiator) IsUnlocked() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unlocked
}

// Class returns the detected class from the unlock, Desktop before any.
func (n *Negotiator) Class() BrowserClass {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.class
}

// PrimedSink hands over the retained pre-warmed handle, at most once.
func (n *Negotiator) PrimedSink() playback.Sink {
	n.mu.Lock()
	defer n.mu.Unlock()
	sink := n.primed
	n.primed = nil
	return sink
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
