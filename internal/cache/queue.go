// internal/cache/queue.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInsufficient is returned by QueuePopN when fewer than n members are queued.
var ErrInsufficient = errors.New("insufficient queued members")

// ErrAlreadyQueued is returned by QueuePush when the member is already in the queue.
var ErrAlreadyQueued = errors.New("member already queued")

func (s *Store) queueKeys(name string) []string {
	return []string{s.Key("queue", name), s.Key("queue", name, "entries")}
}

// QueuePush appends member (with its payload) to the named FIFO queue and refreshes the
// queue TTL. It returns the queue length after the push.
func (s *Store) QueuePush(ctx context.Context, name, member string, payload []byte, ttl time.Duration) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := queuePush.Run(ctx, s.rdb, s.queueKeys(name), member, payload, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue push %s: %w", name, err)
	}
	if n < 0 {
		return 0, ErrAlreadyQueued
	}
	return n, nil
}

// QueuePopN atomically removes and returns the payloads of the first n members.
func (s *Store) QueuePopN(ctx context.Context, name string, n int) ([][]byte, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	res, err := queuePopN.Run(ctx, s.rdb, s.queueKeys(name), n).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInsufficient
	}
	if err != nil {
		return nil, fmt.Errorf("queue pop %s: %w", name, err)
	}
	out := make([][]byte, 0, len(res))
	for _, v := range res {
		if str, ok := v.(string); ok {
			out = append(out, []byte(str))
		}
	}
	return out, nil
}

// QueueRemove removes member from the named queue and reports whether it was present.
func (s *Store) QueueRemove(ctx context.Context, name, member string) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := queueRemove.Run(ctx, s.rdb, s.queueKeys(name), member).Int64()
	if err != nil {
		return false, fmt.Errorf("queue remove %s: %w", name, err)
	}
	return n > 0, nil
}

// QueueMembers lists the member ids of the named queue in order.
func (s *Store) QueueMembers(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	ids, err := s.rdb.LRange(ctx, s.queueKeys(name)[0], 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue members %s: %w", name, err)
	}
	return ids, nil
}

// QueueLen returns the number of members waiting in the named queue.
func (s *Store) QueueLen(ctx context.Context, name string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.rdb.LLen(ctx, s.queueKeys(name)[0]).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len %s: %w", name, err)
	}
	return n, nil
}

// QueueLens returns the lengths of several queues in one round trip.
func (s *Store) QueueLens(ctx context.Context, names []string) (map[string]int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	cmds := make([]*redis.IntCmd, len(names))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = p.LLen(ctx, s.queueKeys(name)[0])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue lens: %w", err)
	}
	out := make(map[string]int64, len(names))
	for i, name := range names {
		out[name] = cmds[i].Val()
	}
	return out, nil
}
