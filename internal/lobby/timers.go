// internal/lobby/timers.go
package lobby

import (
	"sync"
	"time"
)

// TimerKind distinguishes the two lobby timers.
type TimerKind string

const (
	TimerIdle  TimerKind = "idle"
	TimerEmpty TimerKind = "empty"
)

type timerKey struct {
	lobbyID string
	kind    TimerKind
}

// Timers holds at most one pending timer per (lobby, kind). Rescheduling or cancelling
// replaces the entry, and a callback only runs if its entry is still the current one, so a
// timer that lost the race with Stop never fires.
type Timers struct {
	mu      sync.Mutex
	timers  map[timerKey]*time.Timer
	stopped bool
}

func NewTimers() *Timers {
	return &Timers{timers: make(map[timerKey]*time.Timer)}
}

// Schedule (re)starts the timer of kind for lobbyID.
func (t *Timers) Schedule(lobbyID string, kind TimerKind, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	key := timerKey{lobbyID, kind}
	if old := t.timers[key]; old != nil {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.timers[key] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
		t.mu.Unlock()
		fn()
	})
	t.timers[key] = timer
}

// Cancel stops the timer of kind for lobbyID, if any.
func (t *Timers) Cancel(lobbyID string, kind TimerKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := timerKey{lobbyID, kind}
	if timer := t.timers[key]; timer != nil {
		timer.Stop()
		delete(t.timers, key)
	}
}

// CancelAll stops every timer of lobbyID.
func (t *Timers) CancelAll(lobbyID string) {
	t.Cancel(lobbyID, TimerIdle)
	t.Cancel(lobbyID, TimerEmpty)
}

// Pending reports whether a timer of kind is scheduled for lobbyID.
func (t *Timers) Pending(lobbyID string, kind TimerKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timers[timerKey{lobbyID, kind}] != nil
}

// Stop cancels everything and refuses new timers.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}
