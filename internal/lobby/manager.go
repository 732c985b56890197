// internal/lobby/manager.go
package lobby

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/apperr"
	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/jason-s-yu/matchmaker/internal/metrics"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/session"
	"github.com/sirupsen/logrus"
)

// Settings are the lobby lifetimes.
type Settings struct {
	Idle       time.Duration // PRIVATE_LOBBY_IDLE_MS
	EmptyGrace time.Duration // PRIVATE_LOBBY_EMPTY_GRACE_MS
	TTL        time.Duration // PRIVATE_LOBBY_TTL_MS
}

// CreateRequest is a create-private-lobby event.
type CreateRequest struct {
	Player   models.Player
	IP       string
	GameType string
	Config   models.LobbyConfig
}

// JoinRequest is a join-private-lobby event. A non-nil Config must match the lobby's.
type JoinRequest struct {
	LobbyID string
	Player  models.Player
	IP      string
	Config  *models.LobbyConfig
}

// Manager runs the private lobby state machine: forming -> active-game -> forming ... -> closed.
// State lives in the shared store; timers are local to the instance that last touched a lobby
// and re-check the stored state before acting.
type Manager struct {
	store    *Store
	cache    *cache.Store
	orch     *session.Orchestrator
	notifier events.Notifier
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	settings Settings
	timers   *Timers
}

func NewManager(c *cache.Store, orch *session.Orchestrator, notifier events.Notifier, m *metrics.Metrics, log logrus.FieldLogger, settings Settings) *Manager {
	return &Manager{
		store:    NewStore(c, settings.TTL),
		cache:    c,
		orch:     orch,
		notifier: notifier,
		metrics:  m,
		log:      log,
		settings: settings,
		timers:   NewTimers(),
	}
}

// Get returns the stored lobby.
func (m *Manager) Get(ctx context.Context, lobbyID string) (*models.Lobby, error) {
	return m.store.Get(ctx, lobbyID)
}

// Stop cancels every local timer.
func (m *Manager) Stop() {
	m.timers.Stop()
}

func (m *Manager) markerKey(playerID string) string {
	return m.cache.PlayerKey(playerID, cache.ContextLobby)
}

// claim reserves the player's lobby marker for lobbyID.
func (m *Manager) claim(ctx context.Context, pc cache.PlayerContext, playerID, lobbyID string) error {
	if err := pc.Conflict(); err != nil {
		return err
	}
	ok, err := m.cache.SetMarkerNX(ctx, m.markerKey(playerID), lobbyID, m.settings.TTL)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrAlreadyInLobby
	}
	return nil
}

func (m *Manager) release(ctx context.Context, playerID, lobbyID string) {
	if _, err := m.cache.DeleteMarkerIf(context.WithoutCancel(ctx), m.markerKey(playerID), lobbyID); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"player_id": playerID, "lobby_id": lobbyID}).Warn("Failed to release lobby marker")
	}
}

// touch refreshes member markers and restarts the idle timer while forming.
func (m *Manager) touch(ctx context.Context, l *models.Lobby) {
	if err := m.cache.RefreshPlayerMarkers(ctx, l.MemberIDs(), cache.ContextLobby, m.settings.TTL); err != nil {
		m.log.WithError(err).WithField("lobby_id", l.LobbyID).Warn("Failed to refresh lobby markers")
	}
	if l.State == models.LobbyForming {
		m.scheduleIdle(l.LobbyID)
	} else {
		m.timers.Cancel(l.LobbyID, TimerIdle)
	}
}

func (m *Manager) broadcast(ctx context.Context, l *models.Lobby, typ, playerID, reason string) {
	m.notifier.Send(ctx, l.MemberIDs(), events.Lobby(typ, l, playerID, reason))
}

// Create opens a lobby with the creator as its admin and only member.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Lobby, error) {
	if err := req.Player.Validate(); err != nil {
		return nil, err
	}
	gt, ok := models.ParseGameType(req.GameType)
	if !ok {
		return nil, apperr.Validation("unknown gameType %q", req.GameType)
	}
	cfg, err := req.Config.Normalize(gt)
	if err != nil {
		return nil, err
	}

	pc, err := m.cache.LoadPlayerContext(ctx, req.Player.PlayerID)
	if err != nil {
		return nil, err
	}
	lobbyID := uuid.NewString()
	if err := m.claim(ctx, pc, req.Player.PlayerID, lobbyID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	l := &models.Lobby{
		LobbyID:       lobbyID,
		GameType:      gt,
		Config:        cfg,
		AdminPlayerID: req.Player.PlayerID,
		Members: []models.LobbyMember{{
			Player:    req.Player,
			Role:      models.RoleAdmin,
			Connected: true,
			JoinedAt:  now,
			IP:        req.IP,
		}},
		State:          models.LobbyForming,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := m.store.Add(ctx, l); err != nil {
		m.release(ctx, req.Player.PlayerID, lobbyID)
		return nil, err
	}
	m.scheduleIdle(lobbyID)

	m.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "player_id": req.Player.PlayerID, "game_type": gt}).Info("Private lobby created")
	m.broadcast(ctx, l, events.TypeLobbyCreated, req.Player.PlayerID, "")
	return l, nil
}

// Join adds a player to a forming or running lobby that still has room.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (*models.Lobby, error) {
	if err := req.Player.Validate(); err != nil {
		return nil, err
	}
	if req.LobbyID == "" {
		return nil, apperr.Validation("lobbyId is required")
	}
	pid := req.Player.PlayerID

	pc, err := m.cache.LoadPlayerContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	if pc.Lobby == req.LobbyID {
		// Rejoining after a reconnect.
		if l, err := m.store.Get(ctx, req.LobbyID); err == nil && l.IsMember(pid) {
			return l, nil
		}
		m.release(ctx, pid, req.LobbyID)
		pc.Lobby = ""
	}
	if err := m.claim(ctx, pc, pid, req.LobbyID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	l, err := m.store.Update(ctx, req.LobbyID, func(l *models.Lobby) error {
		if l.State == models.LobbyClosed {
			return apperr.NotFound("lobby %s not found", l.LobbyID)
		}
		if req.Config != nil {
			cfg, err := req.Config.Normalize(l.GameType)
			if err != nil || cfg != l.Config {
				return apperr.ErrConfigMismatch
			}
		}
		if l.IsMember(pid) {
			return errSkip
		}
		if l.IsFull() {
			return apperr.ErrLobbyFull
		}
		role := models.RoleParticipant
		if l.AdminPlayerID == "" {
			role = models.RoleAdmin
			l.AdminPlayerID = pid
		}
		l.Members = append(l.Members, models.LobbyMember{
			Player:    req.Player,
			Role:      role,
			Connected: true,
			JoinedAt:  now,
			IP:        req.IP,
		})
		l.EmptySince = nil
		l.LastActivityAt = now
		return nil
	})
	if err != nil {
		m.release(ctx, pid, req.LobbyID)
		return nil, err
	}

	m.timers.Cancel(l.LobbyID, TimerEmpty)
	m.touch(ctx, l)
	m.log.WithFields(logrus.Fields{"lobby_id": l.LobbyID, "player_id": pid, "members": len(l.Members)}).Info("Player joined private lobby")
	m.broadcast(ctx, l, events.TypeLobbyJoined, pid, "")
	return l, nil
}

// Leave removes a member. The admin role passes to the earliest remaining member; a lobby
// left empty is closed only after the empty grace period.
func (m *Manager) Leave(ctx context.Context, lobbyID, playerID string) (*models.Lobby, error) {
	if lobbyID == "" || playerID == "" {
		return nil, apperr.Validation("lobbyId and playerId are required")
	}
	now := time.Now().UTC()
	l, err := m.store.Update(ctx, lobbyID, func(l *models.Lobby) error {
		if !l.RemoveMember(playerID) {
			return apperr.NotFound("player %s is not in lobby %s", playerID, lobbyID)
		}
		l.LastActivityAt = now
		if len(l.Members) == 0 {
			l.EmptySince = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.release(ctx, playerID, lobbyID)

	if len(l.Members) == 0 {
		m.scheduleEmpty(lobbyID)
	}
	m.touch(ctx, l)
	m.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "player_id": playerID, "admin": l.AdminPlayerID}).Info("Player left private lobby")
	m.notifier.Send(ctx, append([]string{playerID}, l.MemberIDs()...), events.Lobby(events.TypeLobbyLeft, l, playerID, ""))
	return l, nil
}

// Kick removes targetID on behalf of the admin.
func (m *Manager) Kick(ctx context.Context, lobbyID, adminID, targetID string) (*models.Lobby, error) {
	if lobbyID == "" || adminID == "" || targetID == "" {
		return nil, apperr.Validation("lobbyId, playerId and targetPlayerId are required")
	}
	if adminID == targetID {
		return nil, apperr.Validation("cannot kick yourself, leave the lobby instead")
	}
	now := time.Now().UTC()
	l, err := m.store.Update(ctx, lobbyID, func(l *models.Lobby) error {
		if l.AdminPlayerID != adminID {
			return apperr.Validation("only the lobby admin can kick")
		}
		if !l.RemoveMember(targetID) {
			return apperr.NotFound("player %s is not in lobby %s", targetID, lobbyID)
		}
		l.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.release(ctx, targetID, lobbyID)

	m.touch(ctx, l)
	m.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "player_id": targetID, "admin": adminID}).Info("Player kicked from private lobby")
	m.notifier.Send(ctx, append([]string{targetID}, l.MemberIDs()...), events.Lobby(events.TypeLobbyKicked, l, targetID, ""))
	return l, nil
}

// Start moves a full, forming lobby into active-game and asks the orchestrator for a session.
// A failed creation puts the lobby back to forming.
func (m *Manager) Start(ctx context.Context, lobbyID, adminID string) (*models.Lobby, error) {
	if lobbyID == "" || adminID == "" {
		return nil, apperr.Validation("lobbyId and playerId are required")
	}
	if err := m.recoverExpiredGame(ctx, lobbyID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	l, err := m.store.Update(ctx, lobbyID, func(l *models.Lobby) error {
		if l.AdminPlayerID != adminID {
			return apperr.Validation("only the lobby admin can start")
		}
		if l.State != models.LobbyForming {
			return apperr.Conflict("lobby already has a game in progress")
		}
		if len(l.Members) != l.Config.PlayerCount {
			return apperr.Validation("lobby needs %d players to start, has %d", l.Config.PlayerCount, len(l.Members))
		}
		l.State = models.LobbyActiveGame
		l.SessionID = ""
		l.GamesPlayed++
		l.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.touch(ctx, l)

	players := make([]models.Participant, 0, len(l.Members))
	for _, mem := range l.Members {
		players = append(players, models.Participant{Player: mem.Player, IP: mem.IP})
	}
	m.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "players": l.MemberIDs()}).Info("Private lobby starting")
	m.broadcast(ctx, l, events.TypeLobbyUpdated, adminID, "starting")

	m.orch.Launch(session.Request{
		GameType: l.GameType,
		Mode:     l.GameType.NormalizeMode(l.Config.PlayerCount),
		Config:   l.Config,
		Players:  players,
		LobbyID:  lobbyID,
	}, func(s *models.Session, err error) {
		m.afterStart(lobbyID, s, err)
	})
	return l, nil
}

// recoverExpiredGame returns a lobby to forming when the record of its game's session expired
// without the backend ever reporting the close.
func (m *Manager) recoverExpiredGame(ctx context.Context, lobbyID string) error {
	l, err := m.store.Get(ctx, lobbyID)
	if err != nil {
		return err
	}
	if l.State != models.LobbyActiveGame || l.SessionID == "" {
		return nil
	}
	sessionID := l.SessionID
	active, err := m.orch.SessionActive(ctx, sessionID)
	if err != nil || active {
		return err
	}

	var recovered bool
	l, err = m.store.Update(ctx, lobbyID, func(l *models.Lobby) error {
		recovered = false
		if l.State != models.LobbyActiveGame || l.SessionID != sessionID {
			return errSkip
		}
		l.State = models.LobbyForming
		l.SessionID = ""
		l.LastActivityAt = time.Now().UTC()
		recovered = true
		return nil
	})
	if err != nil || !recovered {
		return err
	}
	m.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "session_id": sessionID}).Warn("Session expired without a close, lobby back to forming")
	m.touch(ctx, l)
	m.broadcast(ctx, l, events.TypeLobbyUpdated, "", "session-expired")
	return nil
}

func (m *Manager) afterStart(lobbyID string, s *models.Session, startErr error) {
	ctx := context.Background()
	log := m.log.WithField("lobby_id", lobbyID)

	var reverted bool
	l, err := m.store.Update(ctx, lobbyID, func(l *models.Lobby) error {
		reverted = false
		if l.State != models.LobbyActiveGame || l.SessionID != "" {
			return errSkip
		}
		if startErr == nil {
			l.SessionID = s.SessionID
			return nil
		}
		l.State = models.LobbyForming
		l.GamesPlayed--
		l.LastActivityAt = time.Now().UTC()
		reverted = true
		return nil
	})
	if apperr.KindOf(err) == apperr.KindNotFound {
		log.Debug("Lobby closed before its session was created")
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to record lobby session result")
		return
	}
	if reverted {
		log.WithError(startErr).Warn("Private lobby session creation failed, back to forming")
		m.touch(ctx, l)
		m.broadcast(ctx, l, events.TypeLobbyUpdated, "", "session-failed")
	}
}

// OnSessionEnded returns the lobby that owned s to forming with a fresh idle timer.
func (m *Manager) OnSessionEnded(ctx context.Context, s *models.Session, reason session.EndReason) {
	if s.LobbyID == "" {
		return
	}
	var returned bool
	l, err := m.store.Update(ctx, s.LobbyID, func(l *models.Lobby) error {
		returned = false
		if l.State != models.LobbyActiveGame {
			return errSkip
		}
		if l.SessionID != "" && l.SessionID != s.SessionID {
			return errSkip
		}
		l.State = models.LobbyForming
		l.SessionID = ""
		l.LastActivityAt = time.Now().UTC()
		returned = true
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			m.log.WithError(err).WithField("lobby_id", s.LobbyID).Error("Failed to return lobby to forming")
		}
		return
	}
	if !returned {
		return
	}
	if len(l.Members) > 0 {
		m.touch(ctx, l)
	}
	m.log.WithFields(logrus.Fields{"lobby_id": l.LobbyID, "session_id": s.SessionID}).Info("Private lobby back to forming")
	m.broadcast(ctx, l, events.TypeLobbyUpdated, "", "session-"+string(reason))
}

// UpdateConfig replaces the config of a forming lobby that has not played a game yet.
func (m *Manager) UpdateConfig(ctx context.Context, lobbyID, adminID string, cfg models.LobbyConfig) (*models.Lobby, error) {
	if lobbyID == "" || adminID == "" {
		return nil, apperr.Validation("lobbyId and playerId are required")
	}
	now := time.Now().UTC()
	l, err := m.store.Update(ctx, lobbyID, func(l *models.Lobby) error {
		if l.AdminPlayerID != adminID {
			return apperr.Validation("only the lobby admin can change the config")
		}
		if l.State != models.LobbyForming || l.GamesPlayed > 0 {
			return apperr.Conflict("lobby config is locked once the first game starts")
		}
		norm, err := cfg.Normalize(l.GameType)
		if err != nil {
			return err
		}
		if norm.PlayerCount < len(l.Members) {
			return apperr.Validation("playerCount %d is below the current %d members", norm.PlayerCount, len(l.Members))
		}
		l.Config = norm
		l.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.touch(ctx, l)
	m.broadcast(ctx, l, events.TypeLobbyUpdated, adminID, "config")
	return l, nil
}

// SetConnected records a member's connection status, if they are in a lobby.
func (m *Manager) SetConnected(ctx context.Context, playerID string, connected bool) error {
	lobbyID, ok, err := m.cache.GetMarker(ctx, m.markerKey(playerID))
	if err != nil || !ok {
		return err
	}
	var changed bool
	l, err := m.store.Update(ctx, lobbyID, func(l *models.Lobby) error {
		changed = false
		i := l.MemberIndex(playerID)
		if i < 0 || l.Members[i].Connected == connected {
			return errSkip
		}
		l.Members[i].Connected = connected
		changed = true
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil
		}
		return err
	}
	if changed {
		m.broadcast(ctx, l, events.TypeLobbyUpdated, playerID, "connection")
	}
	return nil
}

func (m *Manager) scheduleIdle(lobbyID string) {
	m.timers.Schedule(lobbyID, TimerIdle, m.settings.Idle, func() { m.expire(lobbyID, TimerIdle) })
}

func (m *Manager) scheduleEmpty(lobbyID string) {
	m.timers.Schedule(lobbyID, TimerEmpty, m.settings.EmptyGrace, func() { m.expire(lobbyID, TimerEmpty) })
}

// deadline is when the timer of kind should close l, or false if it no longer applies.
func (m *Manager) deadline(l *models.Lobby, kind TimerKind) (time.Time, bool) {
	switch kind {
	case TimerIdle:
		if l.State != models.LobbyForming {
			return time.Time{}, false
		}
		return l.LastActivityAt.Add(m.settings.Idle), true
	case TimerEmpty:
		if len(l.Members) > 0 || l.EmptySince == nil {
			return time.Time{}, false
		}
		return l.EmptySince.Add(m.settings.EmptyGrace), true
	}
	return time.Time{}, false
}

// expire closes the lobby if the stored state still warrants it. Another instance may have
// touched the lobby since this timer was set; then the timer is re-armed for the remainder.
func (m *Manager) expire(lobbyID string, kind TimerKind) {
	ctx := context.Background()
	now := time.Now()
	var remaining time.Duration
	l, err := m.store.DeleteIf(ctx, lobbyID, func(l *models.Lobby) bool {
		remaining = 0
		due, ok := m.deadline(l, kind)
		if !ok {
			return false
		}
		if now.Before(due) {
			remaining = due.Sub(now)
			return false
		}
		return true
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.log.WithError(err).WithFields(logrus.Fields{"lobby_id": lobbyID, "timer": kind}).Error("Lobby timer check failed")
		}
		return
	}
	if remaining > 0 {
		m.timers.Schedule(lobbyID, kind, remaining, func() { m.expire(lobbyID, kind) })
		return
	}
	if l != nil {
		m.closed(ctx, l, string(kind))
	}
}

// closed finishes a lobby already removed from the store.
func (m *Manager) closed(ctx context.Context, l *models.Lobby, reason string) {
	m.timers.CancelAll(l.LobbyID)
	for _, id := range l.MemberIDs() {
		m.release(ctx, id, l.LobbyID)
	}
	l.State = models.LobbyClosed
	m.metrics.LobbyClosed(reason)
	m.log.WithFields(logrus.Fields{"lobby_id": l.LobbyID, "reason": reason}).Info("Private lobby closed")
	m.broadcast(ctx, l, events.TypeLobbyClosed, "", reason)
}
