// Package eventstest records outgoing events instead of delivering them.
package eventstest

import (
	"context"
	"sync"

	"github.com/jason-s-yu/matchmaker/internal/events"
)

// Recorder is a Notifier that keeps every event it is given.
type Recorder struct {
	mu         sync.Mutex
	perPlayer  map[string][]events.Event
	broadcasts []events.Event
}

func NewRecorder() *Recorder {
	return &Recorder{perPlayer: make(map[string][]events.Event)}
}

func (r *Recorder) Send(_ context.Context, playerIDs []string, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range playerIDs {
		r.perPlayer[id] = append(r.perPlayer[id], ev)
	}
}

func (r *Recorder) Broadcast(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, ev)
}

// For returns the events sent to playerID.
func (r *Recorder) For(playerID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.perPlayer[playerID]...)
}

// OfType returns the events of type typ sent to playerID.
func (r *Recorder) OfType(playerID, typ string) []events.Event {
	var out []events.Event
	for _, ev := range r.For(playerID) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Last returns the most recent event sent to playerID, or nil.
func (r *Recorder) Last(playerID string) *events.Event {
	evs := r.For(playerID)
	if len(evs) == 0 {
		return nil
	}
	return &evs[len(evs)-1]
}

// Broadcasts returns every broadcast event.
func (r *Recorder) Broadcasts() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.broadcasts...)
}

// Count returns how many events of type typ were sent to anyone, broadcasts included.
func (r *Recorder) Count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evs := range r.perPlayer {
		for _, ev := range evs {
			if ev.Type == typ {
				n++
			}
		}
	}
	for _, ev := range r.broadcasts {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
