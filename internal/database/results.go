package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/matchmaker/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_results (
	session_id TEXT PRIMARY KEY,
	game_type  TEXT NOT NULL,
	mode       INT NOT NULL,
	lobby_id   TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS session_result_players (
	session_id TEXT NOT NULL REFERENCES session_results (session_id) ON DELETE CASCADE,
	player_id  TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	PRIMARY KEY (session_id, player_id)
);
`

// EnsureSchema creates the result tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ResultStore persists closed sessions.
type ResultStore struct {
	pool *pgxpool.Pool
}

func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// WriteResults inserts every record in one transaction. Records already stored are skipped,
// so a redelivered batch is harmless.
func (s *ResultStore) WriteResults(ctx context.Context, recs []models.SessionResult) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range recs {
			queueResult(batch, rec)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert session results: %w", err)
		}
		return nil
	})
}

func queueResult(batch *pgx.Batch, rec models.SessionResult) {
	var lobbyID *string
	if rec.LobbyID != "" {
		lobbyID = &rec.LobbyID
	}
	batch.Queue(`
		INSERT INTO session_results (session_id, game_type, mode, lobby_id, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO NOTHING
	`, rec.SessionID, string(rec.GameType), rec.Mode, lobbyID, rec.StartedAt, rec.EndedAt)

	for playerID, outcome := range rec.Outcomes {
		batch.Queue(`
			INSERT INTO session_result_players (session_id, player_id, outcome)
			VALUES ($1, $2, $3)
			ON CONFLICT (session_id, player_id) DO NOTHING
		`, rec.SessionID, playerID, string(outcome))
	}
}

// PlayerRecord counts a player's stored outcomes.
type PlayerRecord struct {
	Wins   int
	Losses int
	Draws  int
}

// GetPlayerRecord sums the outcomes stored for playerID.
func (s *ResultStore) GetPlayerRecord(ctx context.Context, playerID string) (PlayerRecord, error) {
	var rec PlayerRecord
	q := `
		SELECT
			COUNT(*) FILTER (WHERE outcome = 'win'),
			COUNT(*) FILTER (WHERE outcome = 'loss'),
			COUNT(*) FILTER (WHERE outcome = 'draw')
		FROM session_result_players
		WHERE player_id = $1
	`
	if err := s.pool.QueryRow(ctx, q, playerID).Scan(&rec.Wins, &rec.Losses, &rec.Draws); err != nil {
		return rec, fmt.Errorf("failed to read player record: %w", err)
	}
	return rec, nil
}
