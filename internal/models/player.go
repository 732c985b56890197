// internal/models/player.go
package models

import (
	"strings"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/apperr"
)

// Player is a client identity. PlayerID is the stable unique key; DeviceID is only
// used for rate-limit keying.
type Player struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	DeviceID   string `json:"deviceId,omitempty"`
}

// Validate checks the fields every queue or lobby action needs.
func (p Player) Validate() error {
	if strings.TrimSpace(p.PlayerID) == "" {
		return apperr.Validation("playerId is required")
	}
	if strings.TrimSpace(p.PlayerName) == "" {
		return apperr.Validation("playerName is required")
	}
	return nil
}

// QueueEntry is one waiting player in a public queue.
type QueueEntry struct {
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	DeviceID   string    `json:"deviceId,omitempty"`
	IP         string    `json:"ip,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Player returns the identity part of the entry.
func (e QueueEntry) Player() Player {
	return Player{PlayerID: e.PlayerID, PlayerName: e.PlayerName, DeviceID: e.DeviceID}
}

// Participant is a player handed to the session orchestrator, either pulled from a queue
// or taken from a private lobby.
type Participant struct {
	Player
	IP string `json:"-"`
}
