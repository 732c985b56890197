// internal/cache/window.go
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WindowRecord appends an event at now to the sliding window stored under key, drops events
// older than now-window and returns the number of events left in the window.
func (s *Store) WindowRecord(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	var card *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		p.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: uuid.NewString()})
		card = p.ZCard(ctx, key)
		p.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("window record %s: %w", key, err)
	}
	return card.Val(), nil
}
