// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error by how it is reported back to the requester.
type Kind string

const (
	KindValidation Kind = "validation"
	KindCooldown   Kind = "cooldown"
	KindConflict   Kind = "conflict"
	KindBackend    Kind = "backend"
	KindSecurity   Kind = "security"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Error is a classified, requester-local error. None of these are fatal to the process.
type Error struct {
	Kind    Kind
	Message string

	// CooldownUntil is only set for KindCooldown.
	CooldownUntil time.Time
}

func (e *Error) Error() string {
	if e.Kind == KindCooldown && !e.CooldownUntil.IsZero() {
		return fmt.Sprintf("%s: %s (until %s)", e.Kind, e.Message, e.CooldownUntil.UTC().Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches another *Error with the same kind and message, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Backend(msg string) *Error {
	return &Error{Kind: KindBackend, Message: msg}
}

func Security(msg string) *Error {
	return &Error{Kind: KindSecurity, Message: msg}
}

// Cooldown reports a tripped rate limit.
func Cooldown(until time.Time) *Error {
	return &Error{Kind: KindCooldown, Message: "too many queue actions, please wait", CooldownUntil: until}
}

// Conflict sentinels.
var (
	ErrAlreadyQueued    = Conflict("player is already queued")
	ErrAlreadyInSession = Conflict("player is already in an active session")
	ErrAlreadyInLobby   = Conflict("player is already in a private lobby")
	ErrLobbyFull        = Conflict("lobby is full")
	ErrConfigMismatch   = Conflict("lobby config does not match")
)

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// As unwraps err into an *Error if it carries one.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}

// PublicMessage is what a client is allowed to see for err.
func PublicMessage(err error) string {
	if ae, ok := As(err); ok && ae.Kind != KindInternal {
		return ae.Message
	}
	return "internal error, please retry"
}
