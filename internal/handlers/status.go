// internal/handlers/status.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/matchmaking"
	"github.com/sirupsen/logrus"
)

// QueueStatusHandler serves the current per-queue waiting counts.
func QueueStatusHandler(mm *matchmaking.Service, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := mm.Status(r.Context())
		if err != nil {
			log.WithError(err).Error("Failed to read queue status")
			http.Error(w, "queue status unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// Pinger is satisfied by the shared store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports 200 while the shared store answers.
func HealthHandler(p Pinger, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": hub.Connections()})
	}
}
