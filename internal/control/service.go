package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/voxdeck/voxdeck-audio/internal/bus"
	"github.com/voxdeck/voxdeck-audio/internal/protocol"
	"github.com/voxdeck/voxdeck-audio/internal/session"
)

// ItemSource resolves a named card set into playback items.
type ItemSource interface {
	Fetch(ctx context.Context, set string) ([]protocol.PlaybackItem, error)
}

// Service is the bus-facing control surface: it translates session
// commands into orchestrator calls and publishes a status event after
// every state change.
type Service struct {
	bus    *bus.Client
	orch   *session.Orchestrator
	source ItemSource
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, busClient *bus.Client, orch *session.Orchestrator, source ItemSource, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		bus:    busClient,
		orch:   orch,
		source: source,
		logger: logger.With(slog.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
	}
	orch.OnStatus(s.publishStatus)
	return s
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionCommand, s.handleCommand)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var cmd protocol.SessionCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode session command", slogError(err))
		return
	}

	switch strings.ToLower(cmd.Command) {
	case protocol.CommandStart:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.startSession(cmd)
		}()
	case protocol.CommandPause:
		s.orch.Pause()
	case protocol.CommandResume:
		s.orch.Resume()
	case protocol.CommandStop:
		s.orch.Stop()
	case protocol.CommandUnlock:
		s.orch.Unlock(cmd.UserAgent)
	default:
		s.logger.Warn("unknown session command", slog.String("command", cmd.Command))
	}
}

// startSession resolves the command's item list. Inline items win; a
// set name is fetched from the card source.
func (s *Service) startSession(cmd protocol.SessionCommand) {
	items := cmd.Items
	if len(items) == 0 && cmd.Set != "" {
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		fetched, err := s.source.Fetch(ctx, cmd.Set)
		if err != nil {
			s.logger.Warn("failed to fetch card set", slog.String("set", cmd.Set), slogError(err))
			return
		}
		items = fetched
	}

	sessionItems := make([]session.Item, 0, len(items))
	for _, item := range items {
		sessionItems = append(sessionItems, session.Item{
			ID:        item.ID,
			Primary:   item.Primary,
			Secondary: item.Secondary,
		})
	}

	if err := s.orch.Start(sessionItems, cmd.Voice, cmd.UserAgent, cmd.Gesture); err != nil {
		s.logger.Warn("failed to start session", slogError(err))
	}
}

func (s *Service) publishStatus(st session.Status) {
	status := protocol.SessionStatus{
		SessionID:      st.SessionID,
		State:          st.State.String(),
		ItemIndex:      st.ItemIndex,
		ItemTotal:      st.ItemTotal,
		Loop:           st.Loop,
		Skipped:        st.Skipped,
		UnlockRequired: st.UnlockRequired,
		CacheEntries:   st.Cache.Entries,
		CacheBytes:     st.Cache.ApproxBytes,
		CacheHits:      st.Cache.Hits,
		CacheMisses:    st.Cache.Misses,
		Timestamp:      time.Now().UTC(),
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Warn("failed to encode session status", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionStatus, data); err != nil {
		s.logger.Warn("failed to publish session status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
