// internal/lobby/store.go
package lobby

import (
	"context"
	"errors"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/apperr"
	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/jason-s-yu/matchmaker/internal/models"
)

// errSkip aborts an Update without writing and without an error for the caller.
var errSkip = errors.New("skip update")

// Store keeps lobbies in the shared store. Every write refreshes the lobby TTL, which bounds
// how long a lobby abandoned by a crashed instance can linger.
type Store struct {
	cache *cache.Store
	ttl   time.Duration
}

func NewStore(c *cache.Store, ttl time.Duration) *Store {
	return &Store{cache: c, ttl: ttl}
}

func (s *Store) key(lobbyID string) string {
	return s.cache.Key("lobby", lobbyID)
}

// Get loads a lobby or returns a NotFound error.
func (s *Store) Get(ctx context.Context, lobbyID string) (*models.Lobby, error) {
	var l models.Lobby
	ok, err := s.cache.GetJSON(ctx, s.key(lobbyID), &l)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("lobby %s not found", lobbyID)
	}
	return &l, nil
}

// Add writes a new lobby.
func (s *Store) Add(ctx context.Context, l *models.Lobby) error {
	return s.cache.PutJSON(ctx, s.key(l.LobbyID), l, s.ttl)
}

// Update applies fn to the stored lobby atomically with respect to other writers. fn returning
// errSkip leaves the lobby untouched and Update returns (lobby, nil).
func (s *Store) Update(ctx context.Context, lobbyID string, fn func(l *models.Lobby) error) (*models.Lobby, error) {
	l, err := cache.UpdateJSON(ctx, s.cache, s.key(lobbyID), s.ttl, func(cur *models.Lobby) (cache.Mutation, error) {
		if cur == nil {
			return cache.Keep, apperr.NotFound("lobby %s not found", lobbyID)
		}
		if err := fn(cur); err != nil {
			if errors.Is(err, errSkip) {
				return cache.Keep, nil
			}
			return cache.Keep, err
		}
		return cache.Put, nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// DeleteIf removes the lobby if fn approves of its current state, checked and deleted as one
// step. It returns the removed lobby, or nil if the lobby was kept or already gone.
func (s *Store) DeleteIf(ctx context.Context, lobbyID string, fn func(l *models.Lobby) bool) (*models.Lobby, error) {
	var removed bool
	l, err := cache.UpdateJSON(ctx, s.cache, s.key(lobbyID), s.ttl, func(cur *models.Lobby) (cache.Mutation, error) {
		removed = cur != nil && fn(cur)
		if removed {
			return cache.Remove, nil
		}
		return cache.Keep, nil
	})
	if err != nil || !removed {
		return nil, err
	}
	return l, nil
}
