// internal/cache/context.go
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/apperr"
	"github.com/redis/go-redis/v9"
)

// Player context kinds. A player holds at most one of each; queue and lobby are mutually
// exclusive, and a session marker blocks both.
const (
	ContextQueue   = "queue"
	ContextLobby   = "lobby"
	ContextSession = "session"
)

// PendingSession prefixes the session marker value held while a backend call is in flight.
const PendingSession = "pending:"

// PlayerKey is the context marker key of playerID for kind.
func (s *Store) PlayerKey(playerID, kind string) string {
	return s.Key("player", playerID, kind)
}

// PlayerContext is what a player is currently committed to. Empty fields are unset.
type PlayerContext struct {
	Queue   string
	Lobby   string
	Session string
}

// InSession reports a live or pending session.
func (c PlayerContext) InSession() bool { return c.Session != "" }

// SessionPending reports a session whose backend call has not completed yet.
func (c PlayerContext) SessionPending() bool { return strings.HasPrefix(c.Session, PendingSession) }

// Conflict reports why the player cannot take on a new queue entry or lobby, or nil if free.
func (c PlayerContext) Conflict() error {
	switch {
	case c.InSession():
		return apperr.ErrAlreadyInSession
	case c.Lobby != "":
		return apperr.ErrAlreadyInLobby
	case c.Queue != "":
		return apperr.ErrAlreadyQueued
	}
	return nil
}

// LoadPlayerContext reads all three markers of playerID in one round trip.
func (s *Store) LoadPlayerContext(ctx context.Context, playerID string) (PlayerContext, error) {
	vals, err := s.GetMarkers(ctx,
		s.PlayerKey(playerID, ContextQueue),
		s.PlayerKey(playerID, ContextLobby),
		s.PlayerKey(playerID, ContextSession))
	if err != nil {
		return PlayerContext{}, err
	}
	return PlayerContext{Queue: vals[0], Lobby: vals[1], Session: vals[2]}, nil
}

// SetPlayerSessions points the session marker of every player at value.
func (s *Store) SetPlayerSessions(ctx context.Context, playerIDs []string, value string, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range playerIDs {
			p.Set(ctx, s.PlayerKey(id, ContextSession), value, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set session markers: %w", err)
	}
	return nil
}

// ClearPlayerSessions removes each player's session marker if it still holds value.
func (s *Store) ClearPlayerSessions(ctx context.Context, playerIDs []string, value string) error {
	for _, id := range playerIDs {
		if _, err := s.DeleteMarkerIf(ctx, s.PlayerKey(id, ContextSession), value); err != nil {
			return err
		}
	}
	return nil
}

// RefreshPlayerMarkers extends the kind marker of every player to ttl.
func (s *Store) RefreshPlayerMarkers(ctx context.Context, playerIDs []string, kind string, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range playerIDs {
			p.PExpire(ctx, s.PlayerKey(id, kind), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh %s markers: %w", kind, err)
	}
	return nil
}
