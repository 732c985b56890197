// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jason-s-yu/matchmaker/internal/models"
)

// Config is the full service configuration, read from the environment (a .env file is
// autoloaded by the binaries). Durations keep their millisecond env names.
type Config struct {
	Port              string `env:"PORT" envDefault:"3000"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string `env:"LOG_FORMAT" envDefault:"text"`
	TrustProxyHeaders bool   `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	RedisAddr        string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisDB          int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix        string `env:"KEY_PREFIX" envDefault:"mm"`
	StoreOpTimeoutMs int64  `env:"STORE_OP_TIMEOUT_MS" envDefault:"2000"`

	// SharedSecret signs outbound session requests and verifies backend responses and webhooks.
	SharedSecret string `env:"SHARED_SECRET"`

	DiceBackendURL      string `env:"DICE_BACKEND_URL"`
	TicTacToeBackendURL string `env:"TICTACTOE_BACKEND_URL"`
	CardBackendURL      string `env:"CARD_BACKEND_URL"`

	MaxSessionCreationAttempts  int   `env:"MAX_SESSION_CREATION_ATTEMPTS" envDefault:"3"`
	SessionCreationRetryDelayMs int64 `env:"SESSION_CREATION_RETRY_DELAY_MS" envDefault:"1000"`
	SessionCreationTimeoutMs    int64 `env:"SESSION_CREATION_TIMEOUT_MS" envDefault:"5000"`
	ActiveGamesTTLMs            int64 `env:"ACTIVE_GAMES_TTL_MS" envDefault:"10800000"`
	DBEntryTTLMs                int64 `env:"DB_ENTRY_TTL_MS" envDefault:"86400000"`
	QueueTTLMs                  int64 `env:"QUEUE_TTL_MS" envDefault:"1800000"`
	PrivateLobbyIdleMs          int64 `env:"PRIVATE_LOBBY_IDLE_MS" envDefault:"600000"`
	PrivateLobbyEmptyGraceMs    int64 `env:"PRIVATE_LOBBY_EMPTY_GRACE_MS" envDefault:"30000"`
	PrivateLobbyTTLMs           int64 `env:"PRIVATE_LOBBY_TTL_MS" envDefault:"21600000"`
	CancelJoinWindowMs          int64 `env:"CANCEL_JOIN_WINDOW_MS" envDefault:"60000"`
	MaxCancelJoin               int   `env:"MAX_CANCEL_JOIN" envDefault:"5"`
	CooldownMs                  int64 `env:"COOLDOWN_MS" envDefault:"60000"`

	// Turn settings sent to the backend for public (queued) matches.
	DiceTurnTimeMs           int `env:"DICE_TURN_TIME_MS" envDefault:"30000"`
	TicTacToeTurnDurationSec int `env:"TICTACTOE_TURN_DURATION_SEC" envDefault:"30"`
	CardTurnDurationSec      int `env:"CARD_TURN_DURATION_SEC" envDefault:"30"`

	// PlayerTokenSecret enables HS256 player tokens on the client transport when set.
	PlayerTokenSecret string  `env:"PLAYER_TOKEN_SECRET"`
	ClientMsgRate     float64 `env:"CLIENT_MSG_RATE" envDefault:"10"`
	ClientMsgBurst    int     `env:"CLIENT_MSG_BURST" envDefault:"20"`

	DatabaseURL      string `env:"DATABASE_URL"`
	HistoryQueueName string `env:"HISTORY_QUEUE_NAME" envDefault:"session_results"`
	HistoryBatchSize int    `env:"HISTORY_BATCH_SIZE" envDefault:"20"`
	HistoryFlushMs   int64  `env:"HISTORY_FLUSH_MS" envDefault:"500"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadHistorian parses the environment for the historian, which only needs Redis and Postgres.
func LoadHistorian() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.HistoryBatchSize < 1 {
		return nil, errors.New("HISTORY_BATCH_SIZE must be at least 1")
	}
	return cfg, nil
}

// Defaults returns a config holding only default values, ignoring the process environment.
func Defaults() *Config {
	cfg := &Config{}
	// Defaults are static tags; a parse error here is a programming error.
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(err)
	}
	return cfg
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.SharedSecret == "" {
		errs = append(errs, errors.New("SHARED_SECRET is required"))
	}
	for _, gt := range models.GameTypes {
		if c.BackendURL(gt) == "" {
			errs = append(errs, fmt.Errorf("backend url for %s is required", gt))
		}
	}
	if c.MaxSessionCreationAttempts < 1 {
		errs = append(errs, errors.New("MAX_SESSION_CREATION_ATTEMPTS must be at least 1"))
	}
	if c.MaxCancelJoin < 1 {
		errs = append(errs, errors.New("MAX_CANCEL_JOIN must be at least 1"))
	}
	positive := map[string]int64{
		"STORE_OP_TIMEOUT_MS":          c.StoreOpTimeoutMs,
		"SESSION_CREATION_TIMEOUT_MS":  c.SessionCreationTimeoutMs,
		"ACTIVE_GAMES_TTL_MS":          c.ActiveGamesTTLMs,
		"DB_ENTRY_TTL_MS":              c.DBEntryTTLMs,
		"QUEUE_TTL_MS":                 c.QueueTTLMs,
		"PRIVATE_LOBBY_IDLE_MS":        c.PrivateLobbyIdleMs,
		"PRIVATE_LOBBY_EMPTY_GRACE_MS": c.PrivateLobbyEmptyGraceMs,
		"PRIVATE_LOBBY_TTL_MS":         c.PrivateLobbyTTLMs,
		"CANCEL_JOIN_WINDOW_MS":        c.CancelJoinWindowMs,
		"COOLDOWN_MS":                  c.CooldownMs,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.SessionCreationRetryDelayMs < 0 {
		errs = append(errs, errors.New("SESSION_CREATION_RETRY_DELAY_MS must not be negative"))
	}
	return errors.Join(errs...)
}

// BackendURL returns the base url of the backend serving gameType.
func (c *Config) BackendURL(gt models.GameType) string {
	switch gt {
	case models.GameDice:
		return c.DiceBackendURL
	case models.GameTicTacToe:
		return c.TicTacToeBackendURL
	case models.GameCard:
		return c.CardBackendURL
	}
	return ""
}

// PublicMatchConfig is the backend config used for queued matches of the given queue.
func (c *Config) PublicMatchConfig(gt models.GameType, mode int) models.LobbyConfig {
	switch gt {
	case models.GameDice:
		return models.LobbyConfig{PlayerCount: mode, TurnTimeMs: c.DiceTurnTimeMs}
	case models.GameTicTacToe:
		return models.LobbyConfig{PlayerCount: 2, TurnDurationSec: c.TicTacToeTurnDurationSec}
	default:
		return models.LobbyConfig{PlayerCount: mode, TurnDurationSec: c.CardTurnDurationSec}
	}
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (c *Config) StoreOpTimeout() time.Duration         { return Millis(c.StoreOpTimeoutMs) }
func (c *Config) RetryDelay() time.Duration             { return Millis(c.SessionCreationRetryDelayMs) }
func (c *Config) SessionCreationTimeout() time.Duration { return Millis(c.SessionCreationTimeoutMs) }
func (c *Config) ActiveGamesTTL() time.Duration         { return Millis(c.ActiveGamesTTLMs) }
func (c *Config) DBEntryTTL() time.Duration             { return Millis(c.DBEntryTTLMs) }
func (c *Config) QueueTTL() time.Duration               { return Millis(c.QueueTTLMs) }
func (c *Config) LobbyIdle() time.Duration              { return Millis(c.PrivateLobbyIdleMs) }
func (c *Config) LobbyEmptyGrace() time.Duration        { return Millis(c.PrivateLobbyEmptyGraceMs) }
func (c *Config) LobbyTTL() time.Duration               { return Millis(c.PrivateLobbyTTLMs) }
func (c *Config) CancelJoinWindow() time.Duration       { return Millis(c.CancelJoinWindowMs) }
func (c *Config) Cooldown() time.Duration               { return Millis(c.CooldownMs) }
