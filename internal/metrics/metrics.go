// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid and records nothing,
// which keeps tests and tools free of registry wiring.
type Metrics struct {
	registry *prometheus.Registry

	matchesFormed    *prometheus.CounterVec
	sessionAttempts  *prometheus.CounterVec
	sessionsCreated  *prometheus.CounterVec
	sessionFailures  *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	cooldowns        prometheus.Counter
	lobbyClosures    *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	connectedClients prometheus.Gauge
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		matchesFormed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_matches_formed_total",
			Help: "Matches pulled from a public queue.",
		}, []string{"game_type", "mode"}),
		sessionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_session_creation_attempts_total",
			Help: "Calls made to a game backend's /start endpoint, by result.",
		}, []string{"game_type", "result"}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_sessions_created_total",
			Help: "Sessions confirmed by a game backend.",
		}, []string{"game_type", "source"}),
		sessionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_session_creation_failures_total",
			Help: "Session creations that exhausted every attempt.",
		}, []string{"game_type"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_sessions_closed_total",
			Help: "Sessions closed, by reason.",
		}, []string{"reason"}),
		cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchmaker_cooldowns_total",
			Help: "Queue actions rejected by the cooldown limiter.",
		}),
		lobbyClosures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_private_lobby_closures_total",
			Help: "Private lobbies closed, by reason.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matchmaker_queue_depth",
			Help: "Players waiting per public queue, as last observed by this instance.",
		}, []string{"game_type", "mode"}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchmaker_connected_clients",
			Help: "Client connections held by this instance.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		m.matchesFormed, m.sessionAttempts, m.sessionsCreated, m.sessionFailures,
		m.sessionsClosed, m.cooldowns, m.lobbyClosures, m.queueDepth, m.connectedClients,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MatchFormed(gameType, mode string) {
	if m != nil {
		m.matchesFormed.WithLabelValues(gameType, mode).Inc()
	}
}

// SessionAttempt records one backend call; result is "ok" or a short failure reason.
func (m *Metrics) SessionAttempt(gameType, result string) {
	if m != nil {
		m.sessionAttempts.WithLabelValues(gameType, result).Inc()
	}
}

func (m *Metrics) SessionCreated(gameType, source string) {
	if m != nil {
		m.sessionsCreated.WithLabelValues(gameType, source).Inc()
	}
}

func (m *Metrics) SessionFailed(gameType string) {
	if m != nil {
		m.sessionFailures.WithLabelValues(gameType).Inc()
	}
}

func (m *Metrics) SessionClosed(reason string) {
	if m != nil {
		m.sessionsClosed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Cooldown() {
	if m != nil {
		m.cooldowns.Inc()
	}
}

func (m *Metrics) LobbyClosed(reason string) {
	if m != nil {
		m.lobbyClosures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) QueueDepth(gameType, mode string, n int) {
	if m != nil {
		m.queueDepth.WithLabelValues(gameType, mode).Set(float64(n))
	}
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.connectedClients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.connectedClients.Dec()
	}
}
