package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real Postgres when TEST_DATABASE_URL is set.
func TestWriteResults(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, EnsureSchema(ctx, pool))

	store := NewResultStore(pool)
	winner, loser := uuid.NewString(), uuid.NewString()
	rec := models.SessionResult{
		SessionID: uuid.NewString(),
		GameType:  models.GameTicTacToe,
		Mode:      2,
		Outcomes:  map[string]models.Outcome{winner: models.OutcomeWin, loser: models.OutcomeLoss},
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
	}

	require.NoError(t, store.WriteResults(ctx, []models.SessionResult{rec}))
	// Redelivery is a no-op.
	require.NoError(t, store.WriteResults(ctx, []models.SessionResult{rec}))

	got, err := store.GetPlayerRecord(ctx, winner)
	require.NoError(t, err)
	assert.Equal(t, PlayerRecord{Wins: 1}, got)

	got, err = store.GetPlayerRecord(ctx, loser)
	require.NoError(t, err)
	assert.Equal(t, PlayerRecord{Losses: 1}, got)
}
