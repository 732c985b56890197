// internal/handlers/webhook.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jason-s-yu/matchmaker/internal/apperr"
	"github.com/jason-s-yu/matchmaker/internal/auth"
	"github.com/jason-s-yu/matchmaker/internal/session"
	"github.com/sirupsen/logrus"
)

const maxWebhookBody = 1 << 20

// SessionClosedHandler receives the backend's signed session-closed webhook.
func SessionClosedHandler(registry *session.Registry, secret []byte, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "unable to read body", http.StatusBadRequest)
			return
		}

		if err := auth.Verify(secret, body, r.Header.Get(auth.SignatureHeader)); err != nil {
			log.WithError(err).WithField("remote", r.RemoteAddr).Warn("Rejected session-closed webhook")
			if errors.Is(err, auth.ErrMissingSignature) {
				http.Error(w, "missing signature", http.StatusUnauthorized)
				return
			}
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}

		var payload session.ClosedPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if payload.SessionID == "" {
			http.Error(w, "sessionId is required", http.StatusBadRequest)
			return
		}

		first, err := registry.Close(r.Context(), payload)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindValidation {
				http.Error(w, apperr.PublicMessage(err), http.StatusBadRequest)
				return
			}
			log.WithError(err).WithField("session_id", payload.SessionID).Error("Failed to close session")
			http.Error(w, "failed to close session", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId": payload.SessionID,
			"duplicate": !first,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
