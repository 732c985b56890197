// internal/handlers/router.go
package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jason-s-yu/matchmaker/internal/middleware"
	"github.com/sirupsen/logrus"
)

// Routes gathers the handlers served by NewRouter.
type Routes struct {
	Gateway       http.Handler
	SessionClosed http.Handler
	QueueStatus   http.Handler
	Health        http.Handler
	Metrics       http.Handler
}

// NewRouter mounts the service's endpoints.
func NewRouter(routes Routes, log logrus.FieldLogger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.LogMiddleware(log))

	r.Handle("/ws", routes.Gateway)
	r.Handle("/session-closed", routes.SessionClosed).Methods(http.MethodPost)
	r.Handle("/queue-status", routes.QueueStatus).Methods(http.MethodGet)
	r.Handle("/healthz", routes.Health).Methods(http.MethodGet)
	if routes.Metrics != nil {
		r.Handle("/metrics", routes.Metrics).Methods(http.MethodGet)
	}
	return r
}
