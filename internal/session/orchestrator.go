// internal/session/orchestrator.go
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/apperr"
	"github.com/jason-s-yu/matchmaker/internal/auth"
	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/jason-s-yu/matchmaker/internal/metrics"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/ratelimit"
	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 1 << 20

// failureMessage is what players see once every attempt has failed. Backend details stay in the logs.
const failureMessage = "could not start a game session, please queue again"

// Settings control the backend call.
type Settings struct {
	Secret         []byte
	BackendURL     func(models.GameType) string
	MaxAttempts    int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	SessionTTL     time.Duration
}

// Request describes a formed match or a started private lobby.
type Request struct {
	GameType models.GameType
	Mode     int
	Config   models.LobbyConfig
	Players  []models.Participant
	LobbyID  string
}

func (r Request) source() string {
	if r.LobbyID != "" {
		return "lobby"
	}
	return "queue"
}

func (r Request) playerIDs() []string {
	ids := make([]string, 0, len(r.Players))
	for _, p := range r.Players {
		ids = append(ids, p.PlayerID)
	}
	return ids
}

// startPayload is the body of POST <backend>/start.
type startPayload struct {
	GameType        models.GameType `json:"gameType"`
	Mode            int             `json:"mode"`
	PlayerCount     int             `json:"playerCount,omitempty"`
	TurnTimeMs      int             `json:"turnTimeMs,omitempty"`
	TurnDurationSec int             `json:"turnDurationSec,omitempty"`
	Players         []models.Player `json:"players"`
	LobbyID         string          `json:"lobbyId,omitempty"`
}

type startResponse struct {
	SessionID    string `json:"sessionId"`
	JoinURL      string `json:"joinUrl"`
	VoiceChannel string `json:"voiceChannel,omitempty"`
}

// Orchestrator turns a set of players into a live session on the game backend.
type Orchestrator struct {
	store    *cache.Store
	limiter  *ratelimit.Limiter
	notifier events.Notifier
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	client   *http.Client
	settings Settings

	// base outlives the request that formed the match; Shutdown cancels it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator returns an Orchestrator. client may be nil.
func NewOrchestrator(store *cache.Store, limiter *ratelimit.Limiter, notifier events.Notifier, m *metrics.Metrics, log logrus.FieldLogger, client *http.Client, settings Settings) *Orchestrator {
	if client == nil {
		client = &http.Client{}
	}
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		limiter:  limiter,
		notifier: notifier,
		metrics:  m,
		log:      log,
		client:   client,
		settings: settings,
		base:     base,
		cancel:   cancel,
	}
}

// Launch runs CreateSession in its own goroutine and hands the result to done, which may be nil.
func (o *Orchestrator) Launch(req Request, done func(*models.Session, error)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		s, err := o.CreateSession(o.base, req)
		if done != nil {
			done(s, err)
		}
	}()
}

// Wait blocks until every launched creation has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown waits for in-flight creations until ctx expires, then aborts the rest.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		o.log.Warn("Aborting in-flight session creations")
		o.cancel()
		<-finished
	}
	o.cancel()
}

// pendingTTL bounds how long the pending marker can outlive a crashed instance.
func (o *Orchestrator) pendingTTL() time.Duration {
	n := time.Duration(o.settings.MaxAttempts)
	return n*(o.settings.AttemptTimeout+o.settings.RetryDelay) + time.Minute
}

// CreateSession calls the backend for req, retrying with a fixed delay. On success the session
// is stored, each player's session marker set, their cooldown keys reset and match-found sent.
// On failure every player receives match-error and nobody is re-queued.
func (o *Orchestrator) CreateSession(ctx context.Context, req Request) (*models.Session, error) {
	if len(req.Players) == 0 {
		return nil, apperr.Validation("no players to start a session for")
	}
	ids := req.playerIDs()
	log := o.log.WithFields(logrus.Fields{
		"game_type": req.GameType,
		"mode":      req.Mode,
		"lobby_id":  req.LobbyID,
		"players":   ids,
	})

	pending := cache.PendingSession + uuid.NewString()
	if err := o.store.SetPlayerSessions(ctx, ids, pending, o.pendingTTL()); err != nil {
		log.WithError(err).Warn("Failed to mark players as pending a session")
	}
	o.releaseQueueMarkers(ctx, req, log)

	s, err := o.createWithRetry(ctx, req, log)
	if err == nil {
		err = o.record(ctx, s, req)
	}
	if err != nil {
		if clearErr := o.store.ClearPlayerSessions(context.WithoutCancel(ctx), ids, pending); clearErr != nil {
			log.WithError(clearErr).Warn("Failed to clear pending session markers")
		}
		o.metrics.SessionFailed(string(req.GameType))
		o.notifier.Send(context.WithoutCancel(ctx), ids, events.MatchError(failureMessage, time.Time{}))
		return nil, err
	}

	o.resetCooldowns(ctx, req, log)
	o.metrics.SessionCreated(string(req.GameType), req.source())
	o.notifier.Send(ctx, ids, events.MatchFound(s))
	log.WithField("session_id", s.SessionID).Info("Session created")
	return s, nil
}

func (o *Orchestrator) createWithRetry(ctx context.Context, req Request, log logrus.FieldLogger) (*models.Session, error) {
	base := o.settings.BackendURL(req.GameType)
	if base == "" {
		return nil, apperr.Backend("no backend configured for " + string(req.GameType))
	}
	url := strings.TrimRight(base, "/") + "/start"

	body, err := json.Marshal(buildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("marshal start payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= o.settings.MaxAttempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(o.settings.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, fmt.Errorf("%w: %v", apperr.Backend(failureMessage), ctx.Err())
			case <-t.C:
			}
		}

		resp, err := o.callStart(ctx, url, body)
		if err != nil {
			lastErr = err
			o.metrics.SessionAttempt(string(req.GameType), "error")
			log.WithError(err).WithField("attempt", attempt).Warn("Session creation attempt failed")
			continue
		}
		o.metrics.SessionAttempt(string(req.GameType), "ok")

		players := make([]models.Player, 0, len(req.Players))
		for _, p := range req.Players {
			players = append(players, p.Player)
		}
		return &models.Session{
			SessionID:    resp.SessionID,
			GameType:     req.GameType,
			Mode:         req.Mode,
			Players:      players,
			JoinURL:      resp.JoinURL,
			VoiceChannel: resp.VoiceChannel,
			LobbyID:      req.LobbyID,
			CreatedAt:    time.Now().UTC(),
		}, nil
	}

	log.WithError(lastErr).WithField("attempts", o.settings.MaxAttempts).Error("Session creation failed")
	return nil, fmt.Errorf("%w: %v", apperr.Backend(failureMessage), lastErr)
}

func buildPayload(req Request) startPayload {
	p := startPayload{
		GameType:        req.GameType,
		Mode:            req.Mode,
		PlayerCount:     req.Config.PlayerCount,
		TurnTimeMs:      req.Config.TurnTimeMs,
		TurnDurationSec: req.Config.TurnDurationSec,
		LobbyID:         req.LobbyID,
	}
	// tictactoe backends take no playerCount.
	if req.GameType == models.GameTicTacToe {
		p.PlayerCount = 0
	}
	for _, pl := range req.Players {
		p.Players = append(p.Players, pl.Player)
	}
	return p
}

// callStart performs one signed attempt. Any transport error, non-2xx status, unverifiable
// signature or incomplete body is an error.
func (o *Orchestrator) callStart(ctx context.Context, url string, body []byte) (*startResponse, error) {
	if o.settings.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.settings.AttemptTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(auth.SignatureHeader, auth.Sign(o.settings.Secret, body))

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("backend returned %d", resp.StatusCode)
	}
	if err := auth.Verify(o.settings.Secret, respBody, resp.Header.Get(auth.SignatureHeader)); err != nil {
		return nil, fmt.Errorf("response %w", err)
	}

	var out startResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.SessionID == "" || out.JoinURL == "" {
		return nil, errors.New("response missing sessionId or joinUrl")
	}
	return &out, nil
}

// releaseQueueMarkers clears the markers of the queue the players were pulled from, once the
// pending marker blocks re-queueing. A marker naming another queue is left alone.
func (o *Orchestrator) releaseQueueMarkers(ctx context.Context, req Request, log logrus.FieldLogger) {
	if req.LobbyID != "" {
		return
	}
	queue := models.QueueRef{GameType: req.GameType, Mode: req.Mode}.String()
	for _, id := range req.playerIDs() {
		if _, err := o.store.DeleteMarkerIf(ctx, o.store.PlayerKey(id, cache.ContextQueue), queue); err != nil {
			log.WithError(err).WithField("player_id", id).Warn("Failed to clear queue marker")
		}
	}
}

// SessionActive reports whether the record of sessionID still exists.
func (o *Orchestrator) SessionActive(ctx context.Context, sessionID string) (bool, error) {
	var s models.Session
	return o.store.GetJSON(ctx, sessionKey(o.store, sessionID), &s)
}

func (o *Orchestrator) record(ctx context.Context, s *models.Session, req Request) error {
	if err := o.store.PutJSON(ctx, sessionKey(o.store, s.SessionID), s, o.settings.SessionTTL); err != nil {
		return err
	}
	return o.store.SetPlayerSessions(ctx, req.playerIDs(), s.SessionID, o.settings.SessionTTL)
}

func (o *Orchestrator) resetCooldowns(ctx context.Context, req Request, log logrus.FieldLogger) {
	if o.limiter == nil {
		return
	}
	for _, p := range req.Players {
		if err := o.limiter.Reset(ctx, ratelimit.Keys(p.PlayerID, p.IP, p.DeviceID)); err != nil {
			log.WithError(err).WithField("player_id", p.PlayerID).Warn("Failed to reset cooldown counters")
		}
	}
}

func sessionKey(store *cache.Store, sessionID string) string {
	return store.Key("session", sessionID)
}
