// internal/models/game.go
package models

import (
	"slices"
	"strconv"
)

// GameType identifies a downstream game backend.
type GameType string

const (
	GameDice      GameType = "dice"
	GameTicTacToe GameType = "tictactoe"
	GameCard      GameType = "card"
)

// GameTypes lists every supported game in a stable order.
var GameTypes = []GameType{GameDice, GameTicTacToe, GameCard}

var validModes = map[GameType][]int{
	GameDice:      {2, 4, 6, 15},
	GameTicTacToe: {2},
	GameCard:      {2, 3, 4, 5, 6},
}

// ParseGameType returns the game type for s, or false if unsupported.
func ParseGameType(s string) (GameType, bool) {
	gt := GameType(s)
	_, ok := validModes[gt]
	return gt, ok
}

// Modes returns the valid modes for the game type.
func (g GameType) Modes() []int {
	return slices.Clone(validModes[g])
}

// ValidMode reports whether mode is allowed for the game type.
func (g GameType) ValidMode(mode int) bool {
	return slices.Contains(validModes[g], mode)
}

// NormalizeMode applies forced modes. Tictactoe is always 2 players.
func (g GameType) NormalizeMode(mode int) int {
	if g == GameTicTacToe {
		return 2
	}
	return mode
}

// RequiredPlayers is the number of queued players needed to form a match.
func (g GameType) RequiredPlayers(mode int) int {
	switch g {
	case GameTicTacToe:
		return 2
	default:
		return mode
	}
}

// QueueRef names a single public queue.
type QueueRef struct {
	GameType GameType
	Mode     int
}

func (q QueueRef) String() string {
	return string(q.GameType) + ":" + strconv.Itoa(q.Mode)
}

// AllQueues enumerates every (gameType, mode) pair.
func AllQueues() []QueueRef {
	var refs []QueueRef
	for _, gt := range GameTypes {
		for _, m := range validModes[gt] {
			refs = append(refs, QueueRef{GameType: gt, Mode: m})
		}
	}
	return refs
}

// QueueStatus is the queue-status payload: gameType -> mode -> waiting count.
type QueueStatus map[GameType]map[string]int

// NewQueueStatus returns a status with every game/mode present at zero.
func NewQueueStatus() QueueStatus {
	st := make(QueueStatus, len(GameTypes))
	for _, ref := range AllQueues() {
		if st[ref.GameType] == nil {
			st[ref.GameType] = make(map[string]int)
		}
		st[ref.GameType][strconv.Itoa(ref.Mode)] = 0
	}
	return st
}
