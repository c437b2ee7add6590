package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call_recovery_backend/internal/conference"
	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/email"
	"call_recovery_backend/internal/events"
	apphttp "call_recovery_backend/internal/http"
	"call_recovery_backend/internal/http/router"
	"call_recovery_backend/internal/notification"
	"call_recovery_backend/internal/reconnect"
	"call_recovery_backend/internal/recovery"
	"call_recovery_backend/internal/reporting"
	"call_recovery_backend/internal/scheduler"
	"call_recovery_backend/internal/telephony/twilio"
	"call_recovery_backend/internal/watcher"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/db"
	"call_recovery_backend/platform/logger"
	"call_recovery_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	rdb, err := conferencestate.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to configure redis", "error", err)
		panic("failed to configure redis: " + err.Error())
	}
	defer func() { _ = rdb.Close() }()

	if err := withRetry(ctx, log, "redis connection", 5, 2*time.Second, func() error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	log.Info("redis connection established")

	store := conferencestate.NewRedisStore(rdb, log, conferencestate.WithTTL(cfg.GetConferenceStateTTL()))

	pool := initDatabase(ctx, cfg, log)
	if pool != nil {
		defer pool.Close()
	}

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)
	defer eventBus.Wait()

	// Watcher events reach the replica holding the worker's stream, whichever
	// process published them.
	relay := events.NewRelay(rdb, eventBus, log)
	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("event relay stopped", "error", err)
		}
	}()

	pingScheduler, closeScheduler := initPingScheduler(cfg, log)
	if closeScheduler != nil {
		defer closeScheduler()
	}

	// Shared validator instance for dependency injection
	val := validator.New()

	telephonyClient := twilio.New(cfg, log)

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	// Notification and reporting subscribe to domain events (not HTTP-facing)
	notificationModule := notification.New(email.NewSender(cfg), cfg, log)
	notificationModule.RegisterHandlers(eventBus)

	if pool != nil {
		reportingModule := reporting.New(reporting.NewRepository(pool), log)
		reportingModule.RegisterHandlers(eventBus)
	}

	orchestrator := recovery.New(store, telephonyClient, telephonyClient, eventBus, cfg, log)
	if pingScheduler != nil {
		orchestrator.SetScheduler(pingScheduler)
	}
	orchestrator.RegisterHandlers(eventBus)

	conferenceModule := conference.NewModule(store, telephonyClient, eventBus, val, log)
	reconnectModule := reconnect.NewModule(store, telephonyClient, eventBus, cfg, val, log)
	watcherModule := watcher.NewModule(
		conferenceModule.Processor(),
		telephonyClient,
		reconnectModule.Dispatcher(),
		eventBus,
		cfg,
		val,
		log,
	)
	defer watcherModule.Close()
	watcherModule.Service().RegisterHandlers(relay)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   healthCheck{rdb: rdb, pool: pool},
		EventBus: eventBus,
		Modules: []apphttp.Module{
			conferenceModule,
			reconnectModule,
			watcherModule,
		},
	}

	engine := router.New(app)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		// SSE streams never finish on their own.
		watcherModule.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

// initDatabase connects the reporting ledger when DATABASE_URL is set.
func initDatabase(ctx context.Context, cfg *config.Config, log *logger.Logger) *pgxpool.Pool {
	if !cfg.IsDatabaseEnabled() {
		log.Warn("DATABASE_URL not configured; recovery reporting disabled")
		return nil
	}

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	log.Info("database connection established")
	return pool
}

func initPingScheduler(cfg config.SchedulerConfig, log *logger.Logger) (scheduler.PingScheduler, func()) {
	pingClient, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize ping scheduler client; pings run inline", "error", err)
		return nil, nil
	}

	return pingClient, func() {
		_ = pingClient.Close()
	}
}

// healthCheck reports ready when Redis and, if configured, Postgres answer.
type healthCheck struct {
	rdb  *redis.Client
	pool *pgxpool.Pool
}

func (h healthCheck) Ping(ctx context.Context) error {
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if h.pool != nil {
		if err := h.pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
