package historian

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type memWriter struct {
	failures atomic.Int32

	mu      sync.Mutex
	records []models.SessionResult
	batches int
}

func (w *memWriter) WriteResults(_ context.Context, recs []models.SessionResult) error {
	if w.failures.Load() > 0 {
		w.failures.Add(-1)
		return errors.New("database unavailable")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, recs...)
	w.batches++
	return nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

func setup(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func result(i int) models.SessionResult {
	return models.SessionResult{
		SessionID: fmt.Sprintf("sess-%d", i),
		GameType:  models.GameDice,
		Mode:      2,
		Outcomes:  map[string]models.Outcome{"a": models.OutcomeWin, "b": models.OutcomeLoss},
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
	}
}

func start(t *testing.T, svc *Service) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	return func() {
		stop()
		<-done
	}
}

func TestHistorianDrainsQueue(t *testing.T) {
	_, rdb := setup(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, cache.PublishSessionResult(ctx, rdb, "history", result(i)))
	}
	require.NoError(t, rdb.RPush(ctx, "history", "not json").Err())

	w := &memWriter{}
	svc := New(rdb, w, Settings{Queue: "history", BatchSize: 2, FlushDelay: 50 * time.Millisecond}, quietLogger())
	stop := start(t, svc)
	defer stop()

	require.Eventually(t, func() bool { return w.count() == 5 }, 3*time.Second, 20*time.Millisecond)
	w.mu.Lock()
	assert.Equal(t, "sess-0", w.records[0].SessionID)
	assert.Equal(t, models.OutcomeWin, w.records[0].Outcomes["a"])
	w.mu.Unlock()

	n, err := rdb.LLen(ctx, "history").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHistorianRetriesFailedBatch(t *testing.T) {
	_, rdb := setup(t)
	ctx := context.Background()
	require.NoError(t, cache.PublishSessionResult(ctx, rdb, "history", result(1)))

	w := &memWriter{}
	w.failures.Store(2)
	svc := New(rdb, w, Settings{Queue: "history", BatchSize: 10, FlushDelay: 30 * time.Millisecond}, quietLogger())
	stop := start(t, svc)
	defer stop()

	require.Eventually(t, func() bool { return w.count() == 1 }, 10*time.Second, 20*time.Millisecond)
}

func TestHistorianReturnsUnflushedOnShutdown(t *testing.T) {
	_, rdb := setup(t)
	ctx := context.Background()
	require.NoError(t, cache.PublishSessionResult(ctx, rdb, "history", result(1)))

	w := &memWriter{}
	w.failures.Store(1 << 20)
	svc := New(rdb, w, Settings{Queue: "history", BatchSize: 10, FlushDelay: 30 * time.Millisecond}, quietLogger())
	stop := start(t, svc)

	require.Eventually(t, func() bool {
		n, err := rdb.LLen(ctx, "history").Result()
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
	stop()

	n, err := rdb.LLen(ctx, "history").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Zero(t, w.count())
}
