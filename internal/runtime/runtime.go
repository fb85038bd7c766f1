package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxdeck/voxdeck-audio/internal/assetcache"
	"github.com/voxdeck/voxdeck-audio/internal/bus"
	"github.com/voxdeck/voxdeck-audio/internal/cards"
	"github.com/voxdeck/voxdeck-audio/internal/config"
	"github.com/voxdeck/voxdeck-audio/internal/control"
	"github.com/voxdeck/voxdeck-audio/internal/natsserver"
	"github.com/voxdeck/voxdeck-audio/internal/playback"
	"github.com/voxdeck/voxdeck-audio/internal/session"
	"github.com/voxdeck/voxdeck-audio/internal/synthesis"
	"github.com/voxdeck/voxdeck-audio/internal/unlock"
)

// Runtime composes the audio engine: telemetry, the control bus, the
// asset cache, synthesis, playback, and the session orchestrator.
type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	telemetryClose func(context.Context) error
	embedded       *natsserver.EmbeddedServer
	busClient      *bus.Client
	cache          *assetcache.Cache
	orchestrator   *session.Orchestrator
	controlSvc     *control.Service
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the engine up and blocks until ctx is canceled, then
// tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := newTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = tel.shutdown

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	r.cache = assetcache.Open(ctx, r.cfg.Cache, r.logger)

	synthClient := synthesis.NewClient(r.cfg.Synthesis, r.cache, r.newSynthesizer(), r.logger)

	factory, err := r.newSinkFactory()
	if err != nil {
		r.shutdownInfra()
		return err
	}
	controller := playback.NewController(r.cfg.Playback, factory, r.logger)
	negotiator := unlock.NewNegotiator(factory, r.logger)

	r.orchestrator = session.New(r.cfg.Session, synthClient, controller, negotiator, r.cache, r.logger)

	cardSource := cards.NewClient(r.cfg.Cards, r.logger)
	r.controlSvc = control.NewService(ctx, busClient, r.orchestrator, cardSource, r.logger)
	if err := r.controlSvc.Start(); err != nil {
		r.shutdownInfra()
		return fmt.Errorf("failed to start control service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	tel.mount(mux)
	r.metricsServer = tel.server()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if r.metricsServer != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	r.orchestrator.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.controlSvc.Close()
	r.shutdownInfra()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) newSynthesizer() synthesis.Synthesizer {
	switch r.cfg.Synthesis.Mode {
	case "http":
		timeout := time.Duration(r.cfg.Synthesis.RequestTimeoutMS) * time.Millisecond
		return synthesis.NewHTTPSynth(r.cfg.Synthesis.Endpoint, timeout)
	default:
		return synthesis.NewMockSynth(0, nil)
	}
}

func (r *Runtime) newSinkFactory() (playback.SinkFactory, error) {
	switch r.cfg.Playback.Mode {
	case "exec":
		factory, err := playback.NewExecFactory(r.cfg.Playback.PlayerCommand)
		if err != nil {
			return nil, fmt.Errorf("failed to build player: %w", err)
		}
		return factory, nil
	default:
		return playback.NewMockFactory(0), nil
	}
}

func (r *Runtime) shutdownInfra() {
	if r.cache != nil {
		if err := r.cache.Close(); err != nil {
			r.logger.Error("cache close error", slog.String("error", err.Error()))
		}
	}
	r.busClient.Close()
	r.embedded.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() && r.controlSvc.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleStatus exposes the orchestrator snapshot for debugging without
// a bus subscription.
func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := r.orchestrator.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"session_id":      st.SessionID,
		"state":           st.State.String(),
		"item_index":      st.ItemIndex,
		"item_total":      st.ItemTotal,
		"loop":            st.Loop,
		"skipped":         st.Skipped,
		"unlock_required": st.UnlockRequired,
		"cache_entries":   st.Cache.Entries,
		"cache_bytes":     st.Cache.ApproxBytes,
	})
}
