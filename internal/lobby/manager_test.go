package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/apperr"
	"github.com/jason-s-yu/matchmaker/internal/auth"
	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/jason-s-yu/matchmaker/internal/cache/cachetest"
	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/jason-s-yu/matchmaker/internal/events/eventstest"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("lobby-secret")

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	store    *cache.Store
	mgr      *Manager
	orch     *session.Orchestrator
	registry *session.Registry
	recorder *eventstest.Recorder
	failing  *atomic.Bool
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	store, _ := cachetest.NewStore(t)

	var failing atomic.Bool
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if failing.Load() || auth.Verify(secret, body, r.Header.Get(auth.SignatureHeader)) != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		n := calls.Add(1)
		resp, _ := json.Marshal(map[string]string{
			"sessionId": fmt.Sprintf("lobby-sess-%d", n),
			"joinUrl":   "https://games.example/join",
		})
		w.Header().Set(auth.SignatureHeader, auth.Sign(secret, resp))
		_, _ = w.Write(resp)
	}))
	t.Cleanup(srv.Close)

	rec := eventstest.NewRecorder()
	orch := session.NewOrchestrator(store, nil, rec, nil, quietLogger(), srv.Client(), session.Settings{
		Secret:         secret,
		BackendURL:     func(models.GameType) string { return srv.URL },
		MaxAttempts:    1,
		AttemptTimeout: time.Second,
		SessionTTL:     time.Hour,
	})
	if settings.TTL == 0 {
		settings.TTL = time.Hour
	}
	mgr := NewManager(store, orch, rec, nil, quietLogger(), settings)
	t.Cleanup(mgr.Stop)

	reg := session.NewRegistry(store, rec, nil, quietLogger(), time.Hour, "history")
	reg.OnSessionEnded(mgr.OnSessionEnded)
	return &fixture{store: store, mgr: mgr, orch: orch, registry: reg, recorder: rec, failing: &failing}
}

func longTimers() Settings {
	return Settings{Idle: time.Hour, EmptyGrace: time.Hour}
}

func player(id string) models.Player {
	return models.Player{PlayerID: id, PlayerName: "name-" + id}
}

func (f *fixture) create(t *testing.T, admin, gameType string, cfg models.LobbyConfig) *models.Lobby {
	t.Helper()
	l, err := f.mgr.Create(context.Background(), CreateRequest{Player: player(admin), GameType: gameType, Config: cfg})
	require.NoError(t, err)
	return l
}

func (f *fixture) join(t *testing.T, lobbyID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.mgr.Join(context.Background(), JoinRequest{LobbyID: lobbyID, Player: player(id)})
		require.NoError(t, err)
	}
}

func TestCardLobbyScenario(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()

	l := f.create(t, "a", "card", models.LobbyConfig{PlayerCount: 4, TurnDurationSec: 12})
	assert.Equal(t, models.LobbyForming, l.State)
	assert.Equal(t, "a", l.AdminPlayerID)
	f.join(t, l.LobbyID, "b", "c", "d")

	_, err := f.mgr.Join(ctx, JoinRequest{LobbyID: l.LobbyID, Player: player("e")})
	assert.ErrorIs(t, err, apperr.ErrLobbyFull)
	pc, err := f.store.LoadPlayerContext(ctx, "e")
	require.NoError(t, err)
	assert.Empty(t, pc.Lobby, "a rejected join leaves no marker")

	_, err = f.mgr.Start(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	f.orch.Wait()

	var sessionID string
	for _, id := range []string{"a", "b", "c", "d"} {
		found := f.recorder.OfType(id, events.TypeMatchFound)
		require.Len(t, found, 1, id)
		data := found[0].Data.(events.MatchFoundData)
		assert.Equal(t, l.LobbyID, data.LobbyID)
		if sessionID == "" {
			sessionID = data.SessionID
		}
		assert.Equal(t, sessionID, data.SessionID)
	}

	stored, err := f.mgr.Get(ctx, l.LobbyID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyActiveGame, stored.State)
	assert.Equal(t, sessionID, stored.SessionID)
	assert.Equal(t, 1, stored.GamesPlayed)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()

	bad := []CreateRequest{
		{Player: player("a"), GameType: "chess", Config: models.LobbyConfig{PlayerCount: 2}},
		{Player: player("a"), GameType: "dice", Config: models.LobbyConfig{PlayerCount: 3, TurnTimeMs: 5000}},
		{Player: player("a"), GameType: "dice", Config: models.LobbyConfig{PlayerCount: 4}},
		{Player: player("a"), GameType: "card", Config: models.LobbyConfig{PlayerCount: 7, TurnDurationSec: 10}},
		{Player: models.Player{PlayerID: "a"}, GameType: "tictactoe", Config: models.LobbyConfig{TurnDurationSec: 10}},
	}
	for _, req := range bad {
		_, err := f.mgr.Create(ctx, req)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "%+v", req)
	}

	l := f.create(t, "a", "tictactoe", models.LobbyConfig{TurnDurationSec: 10})
	assert.Equal(t, 2, l.Config.PlayerCount, "tictactoe is always two players")
}

func TestJoinConfigMismatch(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()
	l := f.create(t, "a", "dice", models.LobbyConfig{PlayerCount: 4, TurnTimeMs: 20000})

	_, err := f.mgr.Join(ctx, JoinRequest{LobbyID: l.LobbyID, Player: player("b"), Config: &models.LobbyConfig{PlayerCount: 4, TurnTimeMs: 15000}})
	assert.ErrorIs(t, err, apperr.ErrConfigMismatch)

	_, err = f.mgr.Join(ctx, JoinRequest{LobbyID: l.LobbyID, Player: player("b"), Config: &models.LobbyConfig{PlayerCount: 4, TurnTimeMs: 20000}})
	assert.NoError(t, err)

	_, err = f.mgr.Join(ctx, JoinRequest{LobbyID: "missing", Player: player("c")})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestJoinConflicts(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()
	l1 := f.create(t, "a", "card", models.LobbyConfig{PlayerCount: 3, TurnDurationSec: 10})
	l2 := f.create(t, "b", "card", models.LobbyConfig{PlayerCount: 3, TurnDurationSec: 10})

	_, err := f.mgr.Join(ctx, JoinRequest{LobbyID: l2.LobbyID, Player: player("a")})
	assert.ErrorIs(t, err, apperr.ErrAlreadyInLobby)

	require.NoError(t, f.store.SetMarker(ctx, f.store.PlayerKey("q", cache.ContextQueue), "dice:2", time.Hour))
	_, err = f.mgr.Join(ctx, JoinRequest{LobbyID: l1.LobbyID, Player: player("q")})
	assert.ErrorIs(t, err, apperr.ErrAlreadyQueued)

	_, err = f.mgr.Create(ctx, CreateRequest{Player: player("q"), GameType: "card", Config: models.LobbyConfig{PlayerCount: 2, TurnDurationSec: 5}})
	assert.ErrorIs(t, err, apperr.ErrAlreadyQueued)

	// Joining the same lobby twice is a no-op.
	f.join(t, l1.LobbyID, "c")
	got, err := f.mgr.Join(ctx, JoinRequest{LobbyID: l1.LobbyID, Player: player("c")})
	require.NoError(t, err)
	assert.Len(t, got.Members, 2)
}

func TestAdminLeavePromotesEarliestMember(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()
	l := f.create(t, "a", "card", models.LobbyConfig{PlayerCount: 4, TurnDurationSec: 10})
	f.join(t, l.LobbyID, "b", "c")

	got, err := f.mgr.Leave(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	assert.Equal(t, "b", got.AdminPlayerID)
	assert.Equal(t, models.RoleAdmin, got.Members[0].Role)
	assert.Equal(t, []string{"b", "c"}, got.MemberIDs())

	pc, err := f.store.LoadPlayerContext(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, pc.Lobby)
	assert.Len(t, f.recorder.OfType("a", events.TypeLobbyLeft), 1)
	assert.Len(t, f.recorder.OfType("c", events.TypeLobbyLeft), 1)

	_, err = f.mgr.Leave(ctx, l.LobbyID, "a")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestKickRules(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()
	l := f.create(t, "a", "card", models.LobbyConfig{PlayerCount: 4, TurnDurationSec: 10})
	f.join(t, l.LobbyID, "b", "c")

	_, err := f.mgr.Kick(ctx, l.LobbyID, "b", "c")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "only the admin kicks")
	_, err = f.mgr.Kick(ctx, l.LobbyID, "a", "a")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "no self kick")
	_, err = f.mgr.Kick(ctx, l.LobbyID, "a", "zed")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	got, err := f.mgr.Kick(ctx, l.LobbyID, "a", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.MemberIDs())
	assert.Len(t, f.recorder.OfType("c", events.TypeLobbyKicked), 1)

	// The kicked player is free to go elsewhere.
	f.create(t, "c", "tictactoe", models.LobbyConfig{TurnDurationSec: 5})
}

func TestStartRules(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()
	l := f.create(t, "a", "card", models.LobbyConfig{PlayerCount: 3, TurnDurationSec: 10})
	f.join(t, l.LobbyID, "b")

	_, err := f.mgr.Start(ctx, l.LobbyID, "a")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "not full")

	f.join(t, l.LobbyID, "c")
	_, err = f.mgr.Start(ctx, l.LobbyID, "b")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "not admin")

	_, err = f.mgr.Start(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	_, err = f.mgr.Start(ctx, l.LobbyID, "a")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err), "already running")
	f.orch.Wait()
}

func TestFailedSessionReturnsLobbyToForming(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()
	f.failing.Store(true)

	l := f.create(t, "a", "tictactoe", models.LobbyConfig{TurnDurationSec: 10})
	f.join(t, l.LobbyID, "b")
	_, err := f.mgr.Start(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	f.orch.Wait()

	got, err := f.mgr.Get(ctx, l.LobbyID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyForming, got.State)
	assert.Zero(t, got.GamesPlayed)
	assert.Len(t, f.recorder.OfType("a", events.TypeMatchError), 1)

	// Config may still change since no game was played.
	_, err = f.mgr.UpdateConfig(ctx, l.LobbyID, "a", models.LobbyConfig{TurnDurationSec: 20})
	assert.NoError(t, err)
}

func TestConfigLockedAfterFirstGame(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()

	l := f.create(t, "a", "card", models.LobbyConfig{PlayerCount: 2, TurnDurationSec: 10})
	_, err := f.mgr.UpdateConfig(ctx, l.LobbyID, "a", models.LobbyConfig{PlayerCount: 3, TurnDurationSec: 15})
	require.NoError(t, err)
	_, err = f.mgr.UpdateConfig(ctx, l.LobbyID, "b", models.LobbyConfig{PlayerCount: 3, TurnDurationSec: 15})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	f.join(t, l.LobbyID, "b", "c")
	_, err = f.mgr.Start(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	f.orch.Wait()

	stored, err := f.mgr.Get(ctx, l.LobbyID)
	require.NoError(t, err)
	_, err = f.registry.Close(ctx, session.ClosedPayload{SessionID: stored.SessionID})
	require.NoError(t, err)

	stored, err = f.mgr.Get(ctx, l.LobbyID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyForming, stored.State)

	_, err = f.mgr.UpdateConfig(ctx, l.LobbyID, "a", models.LobbyConfig{PlayerCount: 3, TurnDurationSec: 30})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestIdleLobbyCloses(t *testing.T) {
	f := newFixture(t, Settings{Idle: 80 * time.Millisecond, EmptyGrace: time.Hour})
	ctx := context.Background()
	l := f.create(t, "a", "card", models.LobbyConfig{PlayerCount: 3, TurnDurationSec: 10})

	require.Eventually(t, func() bool { return len(f.recorder.OfType("a", events.TypeLobbyClosed)) == 1 }, time.Second, 10*time.Millisecond)
	_, err := f.mgr.Get(ctx, l.LobbyID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	pc, err := f.store.LoadPlayerContext(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, pc.Lobby)
}

func TestIdleTimerSuspendedDuringGame(t *testing.T) {
	idle := 200 * time.Millisecond
	f := newFixture(t, Settings{Idle: idle, EmptyGrace: time.Hour})
	ctx := context.Background()

	l := f.create(t, "a", "tictactoe", models.LobbyConfig{TurnDurationSec: 10})
	f.join(t, l.LobbyID, "b")

	// Start just before the idle deadline.
	time.Sleep(idle - 40*time.Millisecond)
	_, err := f.mgr.Start(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	f.orch.Wait()

	time.Sleep(2 * idle)
	stored, err := f.mgr.Get(ctx, l.LobbyID)
	require.NoError(t, err, "a running game keeps the lobby open")
	assert.Equal(t, models.LobbyActiveGame, stored.State)

	_, err = f.registry.Close(ctx, session.ClosedPayload{SessionID: stored.SessionID, WinnerIDs: []string{"a"}})
	require.NoError(t, err)
	returned := time.Now()

	stored, err = f.mgr.Get(ctx, l.LobbyID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyForming, stored.State)

	require.Eventually(t, func() bool { return len(f.recorder.OfType("a", events.TypeLobbyClosed)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(returned), idle-20*time.Millisecond, "the idle timer restarts fresh")
}

func TestEmptyGrace(t *testing.T) {
	grace := 120 * time.Millisecond
	f := newFixture(t, Settings{Idle: time.Hour, EmptyGrace: grace})
	ctx := context.Background()

	l := f.create(t, "a", "card", models.LobbyConfig{PlayerCount: 3, TurnDurationSec: 10})
	got, err := f.mgr.Leave(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	require.NotNil(t, got.EmptySince)
	assert.Empty(t, got.AdminPlayerID)

	// A join within the grace period keeps the lobby, and the joiner takes over as admin.
	f.join(t, l.LobbyID, "b")
	time.Sleep(2 * grace)
	got, err = f.mgr.Get(ctx, l.LobbyID)
	require.NoError(t, err)
	assert.Nil(t, got.EmptySince)
	assert.Equal(t, "b", got.AdminPlayerID)

	_, err = f.mgr.Leave(ctx, l.LobbyID, "b")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := f.mgr.Get(ctx, l.LobbyID)
		return apperr.KindOf(err) == apperr.KindNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestEmptyGraceClosesDuringGame(t *testing.T) {
	grace := 80 * time.Millisecond
	f := newFixture(t, Settings{Idle: time.Hour, EmptyGrace: grace})
	ctx := context.Background()

	l := f.create(t, "a", "tictactoe", models.LobbyConfig{TurnDurationSec: 10})
	f.join(t, l.LobbyID, "b")
	_, err := f.mgr.Start(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	f.orch.Wait()

	_, err = f.mgr.Leave(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	_, err = f.mgr.Leave(ctx, l.LobbyID, "b")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := f.mgr.Get(ctx, l.LobbyID)
		return apperr.KindOf(err) == apperr.KindNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionStatus(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()
	l := f.create(t, "a", "card", models.LobbyConfig{PlayerCount: 3, TurnDurationSec: 10})
	f.join(t, l.LobbyID, "b")

	require.NoError(t, f.mgr.SetConnected(ctx, "b", false))
	got, err := f.mgr.Get(ctx, l.LobbyID)
	require.NoError(t, err)
	assert.False(t, got.Members[1].Connected)
	assert.True(t, got.Members[0].Connected)

	require.NoError(t, f.mgr.SetConnected(ctx, "nobody", false))
}

func TestStartRecoversExpiredSession(t *testing.T) {
	f := newFixture(t, longTimers())
	ctx := context.Background()
	l := f.create(t, "a", "tictactoe", models.LobbyConfig{TurnDurationSec: 10})
	f.join(t, l.LobbyID, "b")

	_, err := f.mgr.Start(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	f.orch.Wait()
	running, err := f.mgr.Get(ctx, l.LobbyID)
	require.NoError(t, err)
	require.NotEmpty(t, running.SessionID)

	// A live session still blocks a new start.
	_, err = f.mgr.Start(ctx, l.LobbyID, "a")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// The session record expires and no close ever arrives.
	_, err = f.store.Delete(ctx, f.store.Key("session", running.SessionID))
	require.NoError(t, err)

	_, err = f.mgr.Start(ctx, l.LobbyID, "a")
	require.NoError(t, err)
	f.orch.Wait()

	got, err := f.mgr.Get(ctx, l.LobbyID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyActiveGame, got.State)
	assert.Equal(t, 2, got.GamesPlayed)
	assert.NotEqual(t, running.SessionID, got.SessionID)
	assert.Len(t, f.recorder.OfType("b", events.TypeMatchFound), 2)
}
