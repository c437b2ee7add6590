package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/email"
	"call_recovery_backend/internal/events"
	"call_recovery_backend/internal/notification"
	"call_recovery_backend/internal/recovery"
	"call_recovery_backend/internal/reporting"
	"call_recovery_backend/internal/scheduler"
	"call_recovery_backend/internal/telephony/twilio"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/db"
	"call_recovery_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env, "queue", cfg.GetAsynqQueueName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	store := conferencestate.NewRedisStore(rdb, log, conferencestate.WithTTL(cfg.GetConferenceStateTTL()))

	eventBus := events.NewInMemoryBus(log)
	defer eventBus.Wait()

	// ReconnectAborted from a failed ping job must reach the API replica
	// whose watcher holds the dropped worker.
	events.NewRelay(rdb, eventBus, log)

	// Alerts raised by the worker (ping creation exhausted, stale attempts)
	// are delivered from this process.
	notificationModule := notification.New(email.NewSender(cfg), cfg, log)
	notificationModule.RegisterHandlers(eventBus)

	if cfg.IsDatabaseEnabled() {
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
		defer pool.Close()

		reportingModule := reporting.New(reporting.NewRepository(pool), log)
		reportingModule.RegisterHandlers(eventBus)
	}

	telephonyClient := twilio.New(cfg, log)
	orchestrator := recovery.New(store, telephonyClient, telephonyClient, eventBus, cfg, log)

	sweeper := scheduler.NewAttemptSweeper(
		store,
		eventBus,
		log,
		getDurationEnv("RECOVERY_ATTEMPT_SWEEP_INTERVAL", 0),
		getDurationEnv("RECOVERY_ATTEMPT_STALE_AFTER", 0),
	).WithDisconnectRecovery(store, orchestrator)
	go sweeper.Run(ctx)

	worker, err := scheduler.NewWorker(cfg, orchestrator, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	worker.Run(ctx)
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
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

// getDurationEnv returns fallback when key is unset or not a positive duration.
func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}

	return parsed
}
