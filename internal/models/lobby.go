// internal/models/lobby.go
package models

import (
	"slices"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/apperr"
)

// LobbyState is the lifecycle state of a private lobby.
type LobbyState string

const (
	LobbyForming    LobbyState = "forming"
	LobbyActiveGame LobbyState = "active-game"
	LobbyClosed     LobbyState = "closed"
)

// LobbyRole is a member's role within a private lobby.
type LobbyRole string

const (
	RoleAdmin       LobbyRole = "admin"
	RoleParticipant LobbyRole = "participant"
)

// LobbyConfig holds the per-game settings of a private lobby. Which fields apply depends on
// the game type:
//
//	dice:      playerCount + turnTimeMs
//	tictactoe: turnDurationSec (playerCount fixed at 2)
//	card:      playerCount + turnDurationSec
type LobbyConfig struct {
	PlayerCount     int `json:"playerCount,omitempty"`
	TurnTimeMs      int `json:"turnTimeMs,omitempty"`
	TurnDurationSec int `json:"turnDurationSec,omitempty"`
}

const (
	minTurnTimeMs      = 1000
	maxTurnTimeMs      = 300_000
	minTurnDurationSec = 1
	maxTurnDurationSec = 300
)

// Normalize validates the config shape against gameType and returns the canonical form.
func (c LobbyConfig) Normalize(gameType GameType) (LobbyConfig, error) {
	switch gameType {
	case GameDice:
		if !GameDice.ValidMode(c.PlayerCount) {
			return c, apperr.Validation("dice playerCount must be one of %v", GameDice.Modes())
		}
		if c.TurnTimeMs < minTurnTimeMs || c.TurnTimeMs > maxTurnTimeMs {
			return c, apperr.Validation("dice turnTimeMs must be between %d and %d", minTurnTimeMs, maxTurnTimeMs)
		}
		if c.TurnDurationSec != 0 {
			return c, apperr.Validation("dice config does not take turnDurationSec")
		}
	case GameTicTacToe:
		if c.PlayerCount != 0 && c.PlayerCount != 2 {
			return c, apperr.Validation("tictactoe playerCount is fixed at 2")
		}
		if c.TurnTimeMs != 0 {
			return c, apperr.Validation("tictactoe config does not take turnTimeMs")
		}
		if err := checkTurnDuration(c.TurnDurationSec); err != nil {
			return c, err
		}
		c.PlayerCount = 2
	case GameCard:
		if !GameCard.ValidMode(c.PlayerCount) {
			return c, apperr.Validation("card playerCount must be one of %v", GameCard.Modes())
		}
		if c.TurnTimeMs != 0 {
			return c, apperr.Validation("card config does not take turnTimeMs")
		}
		if err := checkTurnDuration(c.TurnDurationSec); err != nil {
			return c, err
		}
	default:
		return c, apperr.Validation("unsupported gameType %q", gameType)
	}
	return c, nil
}

func checkTurnDuration(sec int) error {
	if sec < minTurnDurationSec || sec > maxTurnDurationSec {
		return apperr.Validation("turnDurationSec must be between %d and %d", minTurnDurationSec, maxTurnDurationSec)
	}
	return nil
}

// LobbyMember is a player's presence in a private lobby.
type LobbyMember struct {
	Player
	Role      LobbyRole `json:"role"`
	Connected bool      `json:"connected"`
	JoinedAt  time.Time `json:"joinedAt"`
	IP        string    `json:"ip,omitempty"`
}

// Lobby is an invite-only, admin-controlled group that bypasses the public queue.
// Members are ordered by join time; the first member after the admin is next in line.
type Lobby struct {
	LobbyID        string        `json:"lobbyId"`
	GameType       GameType      `json:"gameType"`
	Config         LobbyConfig   `json:"config"`
	AdminPlayerID  string        `json:"adminPlayerId"`
	Members        []LobbyMember `json:"members"`
	State          LobbyState    `json:"state"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	EmptySince     *time.Time    `json:"emptySince,omitempty"`
	SessionID      string        `json:"sessionId,omitempty"`
	GamesPlayed    int           `json:"gamesPlayed"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Snapshot is the client-facing copy of the lobby; member IPs are stripped.
func (l *Lobby) Snapshot() Lobby {
	snap := *l
	snap.Members = make([]LobbyMember, len(l.Members))
	for i, m := range l.Members {
		m.IP = ""
		snap.Members[i] = m
	}
	return snap
}

// MemberIndex returns the index of playerID in Members, or -1.
func (l *Lobby) MemberIndex(playerID string) int {
	return slices.IndexFunc(l.Members, func(m LobbyMember) bool { return m.PlayerID == playerID })
}

// IsMember reports whether playerID belongs to the lobby.
func (l *Lobby) IsMember(playerID string) bool {
	return l.MemberIndex(playerID) >= 0
}

// IsFull reports whether no further member fits.
func (l *Lobby) IsFull() bool {
	return len(l.Members) >= l.Config.PlayerCount
}

// MemberIDs lists member ids in join order.
func (l *Lobby) MemberIDs() []string {
	ids := make([]string, 0, len(l.Members))
	for _, m := range l.Members {
		ids = append(ids, m.PlayerID)
	}
	return ids
}

// RemoveMember drops playerID, promoting the earliest remaining member when the admin leaves.
// It returns false if the player was not a member.
func (l *Lobby) RemoveMember(playerID string) bool {
	idx := l.MemberIndex(playerID)
	if idx < 0 {
		return false
	}
	l.Members = slices.Delete(l.Members, idx, idx+1)
	if playerID == l.AdminPlayerID {
		l.AdminPlayerID = ""
		if len(l.Members) > 0 {
			l.Members[0].Role = RoleAdmin
			l.AdminPlayerID = l.Members[0].PlayerID
		}
	}
	return true
}
