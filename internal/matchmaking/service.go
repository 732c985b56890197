// internal/matchmaking/service.go
package matchmaking

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/apperr"
	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/jason-s-yu/matchmaker/internal/metrics"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/ratelimit"
	"github.com/jason-s-yu/matchmaker/internal/session"
	"github.com/sirupsen/logrus"
)

// MatchConfigFunc returns the backend config used for public matches of a queue.
type MatchConfigFunc func(gt models.GameType, mode int) models.LobbyConfig

// MatchRequest is a request-match event.
type MatchRequest struct {
	Player   models.Player
	IP       string
	GameType string
	Mode     int
}

// Service runs the public queues: admission, enqueue, match formation and cancellation.
type Service struct {
	queue       *Queue
	limiter     *ratelimit.Limiter
	orch        *session.Orchestrator
	notifier    events.Notifier
	metrics     *metrics.Metrics
	log         logrus.FieldLogger
	matchConfig MatchConfigFunc
}

func NewService(queue *Queue, limiter *ratelimit.Limiter, orch *session.Orchestrator, notifier events.Notifier, m *metrics.Metrics, log logrus.FieldLogger, matchConfig MatchConfigFunc) *Service {
	return &Service{
		queue:       queue,
		limiter:     limiter,
		orch:        orch,
		notifier:    notifier,
		metrics:     m,
		log:         log,
		matchConfig: matchConfig,
	}
}

// admit runs the cooldown limiter for one join or cancel action.
func (s *Service) admit(ctx context.Context, p models.Player, ip string) error {
	d, err := s.limiter.CheckAndRecord(ctx, ratelimit.Keys(p.PlayerID, ip, p.DeviceID), time.Now())
	if err != nil {
		return err
	}
	if !d.Admitted {
		return apperr.Cooldown(d.CooldownUntil)
	}
	return nil
}

// RequestMatch queues the player and forms as many matches as the queue now allows. The
// player id is checked first since it keys the limiter; everything else is validated after
// admission and before any queue mutation.
func (s *Service) RequestMatch(ctx context.Context, req MatchRequest) (models.QueueRef, error) {
	if req.Player.PlayerID == "" {
		return models.QueueRef{}, apperr.Validation("playerId is required")
	}
	if err := s.admit(ctx, req.Player, req.IP); err != nil {
		return models.QueueRef{}, err
	}
	if err := req.Player.Validate(); err != nil {
		return models.QueueRef{}, err
	}
	ref, err := ResolveQueue(req.GameType, req.Mode)
	if err != nil {
		return ref, err
	}

	entry := models.QueueEntry{
		PlayerID:   req.Player.PlayerID,
		PlayerName: req.Player.PlayerName,
		DeviceID:   req.Player.DeviceID,
		IP:         req.IP,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, ref, entry); err != nil {
		return ref, err
	}
	s.log.WithFields(logrus.Fields{"player_id": entry.PlayerID, "game_type": ref.GameType, "mode": ref.Mode}).Info("Player queued")

	if err := s.formMatches(ctx, ref); err != nil {
		s.log.WithError(err).WithField("queue", ref.String()).Error("Match formation failed")
	}
	s.BroadcastStatus(ctx)
	return ref, nil
}

// formMatches pulls full batches while enough players wait and hands each to the orchestrator.
// Leftover players stay queued for the next arrival.
func (s *Service) formMatches(ctx context.Context, ref models.QueueRef) error {
	required := ref.GameType.RequiredPlayers(ref.Mode)
	for {
		n, err := s.queue.Len(ctx, ref)
		if err != nil {
			return err
		}
		if n < required {
			return nil
		}
		entries, err := s.queue.TryPullBatch(ctx, ref, required)
		if errors.Is(err, ErrInsufficient) {
			// Another instance pulled first.
			return nil
		}
		if err != nil {
			return err
		}

		players := make([]models.Participant, 0, len(entries))
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			players = append(players, models.Participant{Player: e.Player(), IP: e.IP})
			ids = append(ids, e.PlayerID)
		}
		s.metrics.MatchFormed(string(ref.GameType), strconv.Itoa(ref.Mode))
		s.log.WithFields(logrus.Fields{"game_type": ref.GameType, "mode": ref.Mode, "players": ids}).Info("Match formed")

		s.orch.Launch(session.Request{
			GameType: ref.GameType,
			Mode:     ref.Mode,
			Config:   s.matchConfig(ref.GameType, ref.Mode),
			Players:  players,
		}, nil)
	}
}

// CancelMatch takes the player out of their queue and confirms with queue-cancelled.
func (s *Service) CancelMatch(ctx context.Context, p models.Player, ip string) error {
	if p.PlayerID == "" {
		return apperr.Validation("playerId is required")
	}
	if err := s.admit(ctx, p, ip); err != nil {
		return err
	}
	ref, err := s.queue.Dequeue(ctx, p.PlayerID)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"player_id": p.PlayerID, "queue": ref.String()}).Info("Player left queue")
	s.notifier.Send(ctx, []string{p.PlayerID}, events.QueueCancelled(p.PlayerID))
	s.BroadcastStatus(ctx)
	return nil
}

// DropPlayer takes a disconnected player out of their queue. It is not a player action, so
// the limiter is not consulted.
func (s *Service) DropPlayer(ctx context.Context, playerID string) error {
	ref, err := s.queue.Dequeue(ctx, playerID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"player_id": playerID, "queue": ref.String()}).Info("Disconnected player removed from queue")
	s.BroadcastStatus(ctx)
	return nil
}

// Status returns the waiting count of every queue.
func (s *Service) Status(ctx context.Context) (models.QueueStatus, error) {
	st, err := s.queue.Status(ctx)
	if err != nil {
		return nil, err
	}
	for gt, modes := range st {
		for mode, n := range modes {
			s.metrics.QueueDepth(string(gt), mode, n)
		}
	}
	return st, nil
}

// BroadcastStatus sends queue-status to every connected player.
func (s *Service) BroadcastStatus(ctx context.Context) {
	st, err := s.Status(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to read queue status")
		return
	}
	s.notifier.Broadcast(ctx, events.QueueStatus(st))
}

// Wait blocks until every session creation started by this service has finished.
func (s *Service) Wait() {
	s.orch.Wait()
}
