// internal/events/events.go
package events

import (
	"context"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/models"
)

// Outgoing event types.
const (
	TypeMatchFound     = "match-found"
	TypeMatchError     = "match-error"
	TypeQueueStatus    = "queue-status"
	TypeQueueCancelled = "queue-cancelled"
	TypeSessionEnded   = "session-ended"
	TypeSessionCleared = "session-cleared"

	TypeLobbyCreated = "private-lobby-created"
	TypeLobbyJoined  = "private-lobby-joined"
	TypeLobbyUpdated = "private-lobby-updated"
	TypeLobbyLeft    = "private-lobby-left"
	TypeLobbyKicked  = "private-lobby-kicked"
	TypeLobbyClosed  = "private-lobby-closed"
	TypeLobbyError   = "private-lobby-error"

	TypePong  = "pong"
	TypeError = "error"
)

// Event is one message sent to clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Notifier delivers events to connected players wherever they are connected. Delivery is
// best effort; failures are logged, not returned.
type Notifier interface {
	Send(ctx context.Context, playerIDs []string, ev Event)
	Broadcast(ctx context.Context, ev Event)
}

type MatchFoundData struct {
	SessionID    string          `json:"sessionId"`
	JoinURL      string          `json:"joinUrl"`
	GameType     models.GameType `json:"gameType"`
	Mode         int             `json:"mode"`
	VoiceChannel string          `json:"voiceChannel,omitempty"`
	LobbyID      string          `json:"lobbyId,omitempty"`
}

// MatchFound announces a created session to its participants.
func MatchFound(s *models.Session) Event {
	return Event{Type: TypeMatchFound, Data: MatchFoundData{
		SessionID:    s.SessionID,
		JoinURL:      s.JoinURL,
		GameType:     s.GameType,
		Mode:         s.Mode,
		VoiceChannel: s.VoiceChannel,
		LobbyID:      s.LobbyID,
	}}
}

type MatchErrorData struct {
	Message string `json:"message"`
	// CooldownUntil is a unix millisecond timestamp, set only for cooldown rejections.
	CooldownUntil int64 `json:"cooldownUntil,omitempty"`
}

// MatchError reports a queue or session failure to the requester.
func MatchError(message string, cooldownUntil time.Time) Event {
	d := MatchErrorData{Message: message}
	if !cooldownUntil.IsZero() {
		d.CooldownUntil = cooldownUntil.UnixMilli()
	}
	return Event{Type: TypeMatchError, Data: d}
}

// QueueStatus broadcasts the waiting counts of every queue.
func QueueStatus(st models.QueueStatus) Event {
	return Event{Type: TypeQueueStatus, Data: st}
}

type QueueCancelledData struct {
	PlayerID string `json:"playerId"`
}

func QueueCancelled(playerID string) Event {
	return Event{Type: TypeQueueCancelled, Data: QueueCancelledData{PlayerID: playerID}}
}

type SessionEndedData struct {
	SessionID string          `json:"sessionId"`
	GameType  models.GameType `json:"gameType"`
	Outcome   models.Outcome  `json:"outcome"`
}

func SessionEnded(sessionID string, gt models.GameType, outcome models.Outcome) Event {
	return Event{Type: TypeSessionEnded, Data: SessionEndedData{SessionID: sessionID, GameType: gt, Outcome: outcome}}
}

func SessionCleared() Event {
	return Event{Type: TypeSessionCleared, Data: struct{}{}}
}

// LobbyData carries a lobby snapshot plus the player an event is about, if any.
type LobbyData struct {
	Lobby    models.Lobby `json:"lobby"`
	PlayerID string       `json:"playerId,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// Lobby builds a lobby lifecycle event of the given type.
func Lobby(typ string, l *models.Lobby, playerID, reason string) Event {
	return Event{Type: typ, Data: LobbyData{Lobby: l.Snapshot(), PlayerID: playerID, Reason: reason}}
}

type LobbyErrorData struct {
	Message string `json:"message"`
	LobbyID string `json:"lobbyId,omitempty"`
}

func LobbyError(lobbyID, message string) Event {
	return Event{Type: TypeLobbyError, Data: LobbyErrorData{Message: message, LobbyID: lobbyID}}
}

type ErrorData struct {
	Message string `json:"message"`
}

// Error reports a malformed or unroutable client message.
func Error(message string) Event {
	return Event{Type: TypeError, Data: ErrorData{Message: message}}
}

func Pong() Event {
	return Event{Type: TypePong}
}
