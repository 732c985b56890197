package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.MatchFormed("dice", "2")
	m.Cooldown()
	m.ClientConnected()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, w.Code)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.MatchFormed("dice", "4")
	m.SessionAttempt("dice", "ok")
	m.LobbyClosed("idle")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `matchmaker_matches_formed_total{game_type="dice",mode="4"} 1`)
	assert.Contains(t, string(body), `matchmaker_private_lobby_closures_total{reason="idle"} 1`)
}
