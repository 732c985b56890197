// internal/cache/update.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mutation is what an UpdateJSON callback wants done with the record.
type Mutation int

const (
	Keep Mutation = iota
	Put
	Remove
)

const maxTxRetries = 10

// ErrContended is returned when an optimistic update kept losing to concurrent writers.
var ErrContended = errors.New("too many concurrent updates")

// UpdateJSON runs a read-modify-write of the JSON record at key under WATCH, retrying when
// another writer touched the key in between. fn receives nil if the key does not exist and
// decides what to do with the (possibly modified) value. The final value is returned.
func UpdateJSON[T any](ctx context.Context, s *Store, key string, ttl time.Duration, fn func(cur *T) (Mutation, error)) (*T, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var result *T
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			var cur *T
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				cur = new(T)
				if err := json.Unmarshal(data, cur); err != nil {
					return fmt.Errorf("decode %s: %w", key, err)
				}
			}

			m, err := fn(cur)
			if err != nil {
				return err
			}
			result = cur
			switch m {
			case Put:
				payload, err := json.Marshal(cur)
				if err != nil {
					return fmt.Errorf("encode %s: %w", key, err)
				}
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Set(ctx, key, payload, ttl)
					return nil
				})
				return err
			case Remove:
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Del(ctx, key)
					return nil
				})
				return err
			}
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return nil, ErrContended
}
