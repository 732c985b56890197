// internal/matchmaking/queue.go
package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/apperr"
	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/jason-s-yu/matchmaker/internal/models"
)

// ErrInsufficient is returned by TryPullBatch when fewer players than requested are waiting.
var ErrInsufficient = cache.ErrInsufficient

// Queue is the set of public FIFO queues, one per (gameType, mode).
type Queue struct {
	store *cache.Store
	ttl   time.Duration
}

// NewQueue returns a Queue whose entries and markers expire after ttl of inactivity.
func NewQueue(store *cache.Store, ttl time.Duration) *Queue {
	return &Queue{store: store, ttl: ttl}
}

// ResolveQueue validates a requested game type and mode. tictactoe is always mode 2.
func ResolveQueue(gameType string, mode int) (models.QueueRef, error) {
	gt, ok := models.ParseGameType(gameType)
	if !ok {
		return models.QueueRef{}, apperr.Validation("unknown gameType %q", gameType)
	}
	mode = gt.NormalizeMode(mode)
	if !gt.ValidMode(mode) {
		return models.QueueRef{}, apperr.Validation("%s mode must be one of %v", gt, gt.Modes())
	}
	return models.QueueRef{GameType: gt, Mode: mode}, nil
}

// Enqueue appends entry to the queue of ref.
func (q *Queue) Enqueue(ctx context.Context, ref models.QueueRef, entry models.QueueEntry) error {
	if err := entry.Player().Validate(); err != nil {
		return err
	}
	pc, err := q.store.LoadPlayerContext(ctx, entry.PlayerID)
	if err != nil {
		return err
	}
	if err := pc.Conflict(); err != nil {
		return err
	}

	markerKey := q.store.PlayerKey(entry.PlayerID, cache.ContextQueue)
	ok, err := q.store.SetMarkerNX(ctx, markerKey, ref.String(), q.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrAlreadyQueued
	}

	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	_, err = q.store.QueuePush(ctx, ref.String(), entry.PlayerID, payload, q.ttl)
	if errors.Is(err, cache.ErrAlreadyQueued) {
		// Still listed though the marker had lapsed; the marker just set is accurate again.
		return apperr.ErrAlreadyQueued
	}
	if err != nil {
		if _, delErr := q.store.DeleteMarkerIf(context.WithoutCancel(ctx), markerKey, ref.String()); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return err
	}
	return q.refreshMarkers(ctx, ref)
}

// refreshMarkers gives every waiting player's marker the lifetime the push just gave the queue,
// so no marker lapses while its player is still listed.
func (q *Queue) refreshMarkers(ctx context.Context, ref models.QueueRef) error {
	ids, err := q.store.QueueMembers(ctx, ref.String())
	if err != nil {
		return err
	}
	return q.store.RefreshPlayerMarkers(ctx, ids, cache.ContextQueue, q.ttl)
}

// Dequeue removes the player from whichever queue holds them. It returns the queue left, or a
// NotFound error if the player was not queued.
func (q *Queue) Dequeue(ctx context.Context, playerID string) (models.QueueRef, error) {
	markerKey := q.store.PlayerKey(playerID, cache.ContextQueue)
	name, ok, err := q.store.GetMarker(ctx, markerKey)
	if err != nil {
		return models.QueueRef{}, err
	}
	if !ok {
		return models.QueueRef{}, apperr.NotFound("player %s is not queued", playerID)
	}
	ref, err := parseQueueName(name)
	if err != nil {
		return models.QueueRef{}, err
	}

	removed, err := q.store.QueueRemove(ctx, name, playerID)
	if err != nil {
		return ref, err
	}
	if !removed {
		// Pulled into a match a moment ago. The marker stays until the session takes over, so
		// the player cannot queue elsewhere in between.
		return ref, apperr.NotFound("player %s is not queued", playerID)
	}
	if _, err := q.store.DeleteMarkerIf(ctx, markerKey, name); err != nil {
		return ref, err
	}
	return ref, nil
}

// TryPullBatch atomically removes the first n players of ref's queue. It returns
// ErrInsufficient, removing nobody, when fewer than n are waiting.
func (q *Queue) TryPullBatch(ctx context.Context, ref models.QueueRef, n int) ([]models.QueueEntry, error) {
	payloads, err := q.store.QueuePopN(ctx, ref.String(), n)
	if err != nil {
		return nil, err
	}
	entries := make([]models.QueueEntry, 0, len(payloads))
	for _, p := range payloads {
		var e models.QueueEntry
		if err := json.Unmarshal(p, &e); err != nil {
			return entries, fmt.Errorf("decode queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns how many players wait in ref's queue.
func (q *Queue) Len(ctx context.Context, ref models.QueueRef) (int, error) {
	n, err := q.store.QueueLen(ctx, ref.String())
	return int(n), err
}

// Status counts every queue, zero included.
func (q *Queue) Status(ctx context.Context) (models.QueueStatus, error) {
	refs := models.AllQueues()
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.String()
	}
	lens, err := q.store.QueueLens(ctx, names)
	if err != nil {
		return nil, err
	}
	st := models.NewQueueStatus()
	for _, r := range refs {
		st[r.GameType][strconv.Itoa(r.Mode)] = int(lens[r.String()])
	}
	return st, nil
}

func parseQueueName(name string) (models.QueueRef, error) {
	gt, modeStr, ok := strings.Cut(name, ":")
	if !ok {
		return models.QueueRef{}, fmt.Errorf("malformed queue name %q", name)
	}
	mode, err := strconv.Atoi(modeStr)
	if err != nil {
		return models.QueueRef{}, fmt.Errorf("malformed queue name %q: %w", name, err)
	}
	return ResolveQueue(gt, mode)
}
