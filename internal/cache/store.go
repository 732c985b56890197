// internal/cache/store.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the narrow durable-state contract every component works through: TTL'd get/put,
// expiring markers, ordered queues with an atomic pop, and sliding windows. All state lives in
// Redis; nothing is cached in-process across requests. Every call carries its own timeout.
type Store struct {
	rdb       redis.UniversalClient
	prefix    string
	opTimeout time.Duration
}

// NewStore wraps rdb. Keys are namespaced under prefix.
func NewStore(rdb redis.UniversalClient, prefix string, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Store{rdb: rdb, prefix: prefix, opTimeout: opTimeout}
}

// Client exposes the underlying client for pub/sub and the history queue.
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

// Key joins parts under the store prefix, e.g. Key("lobby", id) => "mm:lobby:<id>".
func (s *Store) Key(parts ...string) string {
	if s.prefix == "" {
		return strings.Join(parts, ":")
	}
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *Store) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// GetJSON loads key into v. It reports false if the key does not exist.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON stores v under key with the given TTL.
func (s *Store) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys and reports how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("del %v: %w", keys, err)
	}
	return n, nil
}

// SetMarker writes an expiring string marker.
func (s *Store) SetMarker(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetMarkerNX writes the marker only if the key is absent and reports whether it did.
func (s *Store) SetMarkerNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// GetMarker reads a string marker, reporting false if absent.
func (s *Store) GetMarker(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// GetMarkers reads several markers at once; absent keys come back as "".
func (s *Store) GetMarkers(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget %v: %w", keys, err)
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = str
		}
	}
	return out, nil
}

// DeleteMarkerIf deletes key only while it still holds value, so a stale writer cannot clear a
// marker that has since been replaced.
func (s *Store) DeleteMarkerIf(ctx context.Context, key, value string) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := compareAndDelete.Run(ctx, s.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}
