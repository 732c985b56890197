// internal/session/registry.go
package session

import (
	"context"
	"sync"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/apperr"
	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/jason-s-yu/matchmaker/internal/metrics"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/sirupsen/logrus"
)

// ClosedPayload is the body of the backend's session-closed webhook. Results maps a player id to
// win, loss or draw; WinnerIDs is the shorthand where everybody else lost. Players with neither
// are scored as a draw.
type ClosedPayload struct {
	SessionID string            `json:"sessionId"`
	Results   map[string]string `json:"results,omitempty"`
	WinnerIDs []string          `json:"winnerIds,omitempty"`
}

// EndReason says why a session left the registry.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndInvalid   EndReason = "invalid"
)

// EndedFunc is called after a session has been removed.
type EndedFunc func(ctx context.Context, s *models.Session, reason EndReason)

// Registry tracks active sessions and closes them exactly once.
type Registry struct {
	store        *cache.Store
	notifier     events.Notifier
	metrics      *metrics.Metrics
	log          logrus.FieldLogger
	endedTTL     time.Duration
	historyQueue string

	mu    sync.RWMutex
	ended []EndedFunc
}

// NewRegistry returns a Registry. endedTTL is how long a closed session id is remembered.
func NewRegistry(store *cache.Store, notifier events.Notifier, m *metrics.Metrics, log logrus.FieldLogger, endedTTL time.Duration, historyQueue string) *Registry {
	return &Registry{
		store:        store,
		notifier:     notifier,
		metrics:      m,
		log:          log,
		endedTTL:     endedTTL,
		historyQueue: historyQueue,
	}
}

// OnSessionEnded registers fn to run after every close or invalid report.
func (r *Registry) OnSessionEnded(fn EndedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, fn)
}

func (r *Registry) fireEnded(ctx context.Context, s *models.Session, reason EndReason) {
	r.mu.RLock()
	hooks := append([]EndedFunc(nil), r.ended...)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, s, reason)
	}
}

// Get loads an active session.
func (r *Registry) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var s models.Session
	ok, err := r.store.GetJSON(ctx, sessionKey(r.store, sessionID), &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("session %s not found", sessionID)
	}
	return &s, nil
}

func (r *Registry) endedKey(sessionID string) string {
	return r.store.Key("session", sessionID, "ended")
}

func (r *Registry) remove(ctx context.Context, s *models.Session) error {
	if _, err := r.store.Delete(ctx, sessionKey(r.store, s.SessionID)); err != nil {
		return err
	}
	return r.store.ClearPlayerSessions(ctx, s.PlayerIDs(), s.SessionID)
}

// ReportInvalid lets a participant clear a session the backend never actually ran. It is only
// honoured for a player listed in the session; otherwise nothing changes.
func (r *Registry) ReportInvalid(ctx context.Context, playerID, sessionID string) error {
	if playerID == "" || sessionID == "" {
		return apperr.Validation("playerId and sessionId are required")
	}
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.HasPlayer(playerID) {
		return apperr.Validation("player %s is not part of session %s", playerID, sessionID)
	}

	// Shares the close marker, so concurrent reports and a late webhook end the session once.
	endedKey := r.endedKey(sessionID)
	first, err := r.store.SetMarkerNX(ctx, endedKey, string(EndInvalid), r.endedTTL)
	if err != nil {
		return err
	}
	if !first {
		return apperr.NotFound("session %s already ended", sessionID)
	}
	if err := r.remove(ctx, s); err != nil {
		if _, delErr := r.store.Delete(context.WithoutCancel(ctx), endedKey); delErr != nil {
			r.log.WithError(delErr).WithField("session_id", sessionID).Warn("Failed to release ended marker")
		}
		return err
	}

	r.log.WithFields(logrus.Fields{"session_id": sessionID, "player_id": playerID}).Info("Session reported invalid and cleared")
	r.metrics.SessionClosed(string(EndInvalid))
	r.notifier.Send(ctx, s.PlayerIDs(), events.SessionCleared())
	r.fireEnded(ctx, s, EndInvalid)
	return nil
}

// Close handles a verified session-closed webhook. It reports false for a duplicate delivery,
// which changes nothing.
func (r *Registry) Close(ctx context.Context, p ClosedPayload) (bool, error) {
	if p.SessionID == "" {
		return false, apperr.Validation("sessionId is required")
	}
	log := r.log.WithField("session_id", p.SessionID)

	endedKey := r.endedKey(p.SessionID)
	first, err := r.store.SetMarkerNX(ctx, endedKey, time.Now().UTC().Format(time.RFC3339Nano), r.endedTTL)
	if err != nil {
		return false, err
	}
	if !first {
		log.Debug("Duplicate session-closed delivery ignored")
		return false, nil
	}

	s, err := r.Get(ctx, p.SessionID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		// The record expired before the backend reported.
		log.Info("Session closed after its record was gone")
		return true, nil
	}
	if err == nil {
		err = r.remove(ctx, s)
	}
	if err != nil {
		// Let the backend's redelivery try again.
		if _, delErr := r.store.Delete(context.WithoutCancel(ctx), endedKey); delErr != nil {
			log.WithError(delErr).Warn("Failed to release ended marker")
		}
		return false, err
	}

	outcomes := Outcomes(s, p)
	for id, outcome := range outcomes {
		r.notifier.Send(ctx, []string{id}, events.SessionEnded(s.SessionID, s.GameType, outcome))
	}
	r.metrics.SessionClosed(string(EndCompleted))
	log.WithField("outcomes", outcomes).Info("Session closed")

	rec := models.SessionResult{
		SessionID: s.SessionID,
		GameType:  s.GameType,
		Mode:      s.Mode,
		LobbyID:   s.LobbyID,
		Outcomes:  outcomes,
		StartedAt: s.CreatedAt,
		EndedAt:   time.Now().UTC(),
	}
	if err := cache.PublishSessionResult(ctx, r.store.Client(), r.historyQueue, rec); err != nil {
		log.WithError(err).Warn("Failed to queue session result for history")
	}

	r.fireEnded(ctx, s, EndCompleted)
	return true, nil
}

// Outcomes scores every participant of s from the webhook payload.
func Outcomes(s *models.Session, p ClosedPayload) map[string]models.Outcome {
	winners := make(map[string]bool, len(p.WinnerIDs))
	for _, id := range p.WinnerIDs {
		winners[id] = true
	}
	out := make(map[string]models.Outcome, len(s.Players))
	for _, pl := range s.Players {
		if o, ok := models.ParseOutcome(p.Results[pl.PlayerID]); ok {
			out[pl.PlayerID] = o
			continue
		}
		switch {
		case len(winners) == 0:
			out[pl.PlayerID] = models.OutcomeDraw
		case winners[pl.PlayerID]:
			out[pl.PlayerID] = models.OutcomeWin
		default:
			out[pl.PlayerID] = models.OutcomeLoss
		}
	}
	return out
}
