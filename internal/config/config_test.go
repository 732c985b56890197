package config

import (
	"testing"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, 3, cfg.MaxSessionCreationAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay())
	assert.Equal(t, 5, cfg.MaxCancelJoin)
	assert.Equal(t, 10*time.Minute, cfg.LobbyIdle())
}

func TestValidateRequiresSecretAndBackends(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHARED_SECRET")
	assert.Contains(t, err.Error(), "dice")

	cfg.SharedSecret = "s3cret"
	cfg.DiceBackendURL = "http://dice"
	cfg.TicTacToeBackendURL = "http://ttt"
	cfg.CardBackendURL = "http://card"
	require.NoError(t, cfg.Validate())

	cfg.CooldownMs = 0
	assert.ErrorContains(t, cfg.Validate(), "COOLDOWN_MS")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SHARED_SECRET", "abc")
	t.Setenv("DICE_BACKEND_URL", "http://dice")
	t.Setenv("TICTACTOE_BACKEND_URL", "http://ttt")
	t.Setenv("CARD_BACKEND_URL", "http://card")
	t.Setenv("MAX_CANCEL_JOIN", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxCancelJoin)
	assert.Equal(t, "http://card", cfg.BackendURL(models.GameCard))
}

func TestPublicMatchConfig(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, models.LobbyConfig{PlayerCount: 4, TurnTimeMs: 30000}, cfg.PublicMatchConfig(models.GameDice, 4))
	assert.Equal(t, models.LobbyConfig{PlayerCount: 2, TurnDurationSec: 30}, cfg.PublicMatchConfig(models.GameTicTacToe, 2))
	assert.Equal(t, models.LobbyConfig{PlayerCount: 3, TurnDurationSec: 30}, cfg.PublicMatchConfig(models.GameCard, 3))
}

func TestNewLogger(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	cfg.LogFormat = "xml"
	_, err = cfg.NewLogger()
	assert.Error(t, err)

	cfg.LogFormat = "text"
	cfg.LogLevel = "loud"
	_, err = cfg.NewLogger()
	assert.Error(t, err)
}

func TestLoadHistorian(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := LoadHistorian()
	assert.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://localhost/matchmaker")
	t.Setenv("HISTORY_BATCH_SIZE", "50")
	cfg, err := LoadHistorian()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.HistoryBatchSize)
	assert.Equal(t, "session_results", cfg.HistoryQueueName)
}
