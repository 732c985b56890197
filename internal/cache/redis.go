// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultHistoryQueue is the Redis list that closed-session results are pushed to.
const DefaultHistoryQueue = "session_results"

// RedisOptions selects the Redis instance shared by every service replica.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// ConnectRedis opens a client and pings it with a short timeout.
func ConnectRedis(opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// PublishSessionResult serializes the record to JSON and pushes it to the history queue,
// where the historian picks it up.
func PublishSessionResult(ctx context.Context, rdb redis.Cmdable, queue string, rec models.SessionResult) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal SessionResult: %w", err)
	}
	if queue == "" {
		queue = DefaultHistoryQueue
	}
	if err := rdb.RPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", queue, err)
	}
	return nil
}
