// internal/models/session.go
package models

import (
	"slices"
	"time"
)

// Session is a live game instance confirmed by the downstream backend.
type Session struct {
	SessionID    string    `json:"sessionId"`
	GameType     GameType  `json:"gameType"`
	Mode         int       `json:"mode"`
	Players      []Player  `json:"players"`
	JoinURL      string    `json:"joinUrl"`
	VoiceChannel string    `json:"voiceChannel,omitempty"`
	LobbyID      string    `json:"lobbyId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasPlayer reports whether playerID is a participant of the session.
func (s *Session) HasPlayer(playerID string) bool {
	return slices.ContainsFunc(s.Players, func(p Player) bool { return p.PlayerID == playerID })
}

// PlayerIDs lists participant ids in seat order.
func (s *Session) PlayerIDs() []string {
	ids := make([]string, 0, len(s.Players))
	for _, p := range s.Players {
		ids = append(ids, p.PlayerID)
	}
	return ids
}

// Outcome is a single player's result for a finished session.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

// ParseOutcome accepts the backend's spelling of an outcome.
func ParseOutcome(s string) (Outcome, bool) {
	switch Outcome(s) {
	case OutcomeWin, OutcomeLoss, OutcomeDraw:
		return Outcome(s), true
	}
	return "", false
}

// SessionResult is the record pushed to the history queue when a session closes.
type SessionResult struct {
	SessionID string             `json:"sessionId"`
	GameType  GameType           `json:"gameType"`
	Mode      int                `json:"mode"`
	LobbyID   string             `json:"lobbyId,omitempty"`
	Outcomes  map[string]Outcome `json:"outcomes"`
	StartedAt time.Time          `json:"startedAt"`
	EndedAt   time.Time          `json:"endedAt"`
}
