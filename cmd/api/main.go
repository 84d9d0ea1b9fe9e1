package main

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/statikk/internal/app/migrate"
	httpx "github.com/splax/statikk/internal/http"
	"github.com/splax/statikk/internal/metrics"
	"github.com/splax/statikk/internal/queue"
	"github.com/splax/statikk/internal/queue/amqp"
	queuememory "github.com/splax/statikk/internal/queue/memory"
	"github.com/splax/statikk/internal/repository"
	"github.com/splax/statikk/internal/repository/memory"
	"github.com/splax/statikk/internal/repository/postgres"
	"github.com/splax/statikk/internal/service/auth"
	"github.com/splax/statikk/internal/service/build"
	"github.com/splax/statikk/internal/service/project"
	"github.com/splax/statikk/internal/service/reconcile"
	"github.com/splax/statikk/internal/ws"
	"github.com/splax/statikk/pkg/config"
	"github.com/splax/statikk/pkg/logger"
)

type store interface {
	repository.UserRepository
	repository.ProjectRepository
	repository.BuildStore
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := make(map[string]httpx.HealthCheck)

	var repo store
	switch strings.ToLower(cfg.StoreDriver) {
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		repo = memory.New()
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		repo = postgres.New(pool)
		health["database"] = pool.Ping
	}

	var (
		publisher queue.Publisher
		consumer  queue.Consumer
	)
	switch strings.ToLower(cfg.QueueDriver) {
	case "none":
		log.Warn("queue disabled; build dispatch unavailable")
	case "memory":
		broker := queuememory.NewBroker(0)
		defer broker.Close()
		publisher, consumer = broker, broker
		health["queue"] = broker.Ping
	default:
		client, err := amqp.Dial(ctx, amqp.Config{
			URL:            cfg.AMQPURL,
			BuildsQueue:    cfg.AMQPBuildsQueue,
			EventsExchange: cfg.AMQPEventsExchange,
		}, log)
		switch {
		case errors.Is(err, amqp.ErrNoURL):
			log.Warn("AMQP_CONNECTION_URL not set; build dispatch unavailable")
		case err != nil:
			log.Error("queue connection failed; build dispatch unavailable", "error", err)
		default:
			defer client.Close()
			publisher, consumer = client, client
			health["queue"] = client.Ping
		}
	}

	m := metrics.New()
	hub := ws.NewHub(cfg.HubBroadcastBuffer, log, m)
	defer hub.Close()

	authSvc := auth.New(repo, log, cfg)
	projectSvc := project.New(repo, log)
	dispatcher := build.NewDispatcher(repo, publisher, log, m)

	if consumer != nil {
		go reconcile.New(consumer, repo, hub, log, m).Run(ctx)
	}
	if sweeper := build.NewSweeper(repo, publisher, hub, log, m, cfg); sweeper != nil {
		go sweeper.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	var proxies []netip.Prefix
	for _, entry := range cfg.TrustedProxies {
		if prefix, err := config.ParsePrefix(entry); err == nil {
			proxies = append(proxies, prefix)
		}
	}

	router := httpx.NewRouter(httpx.Dependencies{
		Logger:         log,
		Auth:           authSvc,
		Projects:       projectSvc,
		Builds:         dispatcher,
		Hub:            hub,
		Metrics:        m,
		Limiter:        limiter,
		Health:         health,
		LiveProjects:   repo,
		WSSendBuffer:   cfg.WSSendBuffer,
		TrustedProxies: proxies,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "build_dispatch", build.Available(dispatcher))
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
