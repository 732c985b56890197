// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/auth"
	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/jason-s-yu/matchmaker/internal/config"
	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/jason-s-yu/matchmaker/internal/handlers"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/matchmaking"
	"github.com/jason-s-yu/matchmaker/internal/metrics"
	"github.com/jason-s-yu/matchmaker/internal/ratelimit"
	"github.com/jason-s-yu/matchmaker/internal/session"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		logrus.WithError(err).Fatal("invalid logging configuration")
	}

	rdb, err := cache.ConnectRedis(cache.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.WithError(err).Fatal("redis unavailable")
	}
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := cache.NewStore(rdb, cfg.KeyPrefix, cfg.StoreOpTimeout())
	m := metrics.New()

	// Events fan out through Redis so a player connected to another replica still receives them.
	hub := handlers.NewHub()
	bus := events.NewBus(rdb, store.Key("events"), hub, logger.WithField("component", "bus"))
	go func() {
		if err := bus.Run(ctx); err != nil {
			logger.WithError(err).Error("event bus stopped")
		}
	}()

	limiter := ratelimit.New(store, ratelimit.Settings{
		Window:   cfg.CancelJoinWindow(),
		Max:      cfg.MaxCancelJoin,
		Cooldown: cfg.Cooldown(),
	}, m, logger.WithField("component", "ratelimit"))

	orch := session.NewOrchestrator(store, limiter, bus, m, logger.WithField("component", "orchestrator"),
		&http.Client{}, session.Settings{
			Secret:         []byte(cfg.SharedSecret),
			BackendURL:     cfg.BackendURL,
			MaxAttempts:    cfg.MaxSessionCreationAttempts,
			RetryDelay:     cfg.RetryDelay(),
			AttemptTimeout: cfg.SessionCreationTimeout(),
			SessionTTL:     cfg.ActiveGamesTTL(),
		})
	registry := session.NewRegistry(store, bus, m, logger.WithField("component", "registry"), cfg.DBEntryTTL(), cfg.HistoryQueueName)

	lobbies := lobby.NewManager(store, orch, bus, m, logger.WithField("component", "lobby"), lobby.Settings{
		Idle:       cfg.LobbyIdle(),
		EmptyGrace: cfg.LobbyEmptyGrace(),
		TTL:        cfg.LobbyTTL(),
	})
	registry.OnSessionEnded(lobbies.OnSessionEnded)

	mm := matchmaking.NewService(matchmaking.NewQueue(store, cfg.QueueTTL()), limiter, orch, bus, m,
		logger.WithField("component", "matchmaking"), cfg.PublicMatchConfig)

	gateway := handlers.NewGateway(hub, mm, lobbies, registry, m, logger.WithField("component", "gateway"), handlers.GatewayOptions{
		Tokens:            auth.NewPlayerTokens(cfg.PlayerTokenSecret),
		MessageRate:       rate.Limit(cfg.ClientMsgRate),
		MessageBurst:      cfg.ClientMsgBurst,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	router := handlers.NewRouter(handlers.Routes{
		Gateway:       gateway,
		SessionClosed: handlers.SessionClosedHandler(registry, []byte(cfg.SharedSecret), logger.WithField("component", "webhook")),
		QueueStatus:   handlers.QueueStatusHandler(mm, logger),
		Health:        handlers.HealthHandler(store, hub),
		Metrics:       m.Handler(),
	}, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("Running on %s", server.Addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server exited")
		}
	case <-ctx.Done():
		logger.Info("terminating")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	// Session creations already under way finish so their players get an answer.
	orch.Shutdown(shutdownCtx)
	lobbies.Stop()
	logger.Info("shutdown complete")
}
