package scheduler

import (
	"context"
	"fmt"

	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// PingCreator performs the ping creation step of a recovery attempt.
type PingCreator interface {
	CreatePing(ctx context.Context, disconnectedTaskSID string) error
	PingCreationFailed(ctx context.Context, disconnectedTaskSID string, err error)
}

type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	creator PingCreator
	log     *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, creator PingCreator, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:  server,
		mux:     mux,
		creator: creator,
		log:     log,
	}

	mux.HandleFunc(TaskRecoveryPingCreate, w.handleRecoveryPing)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleRecoveryPing(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseRecoveryPingPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.DisconnectedTaskSID == "" {
		return fmt.Errorf("missing disconnected task sid: %w", asynq.SkipRetry)
	}

	err = w.creator.CreatePing(ctx, payload.DisconnectedTaskSID)
	if err == nil {
		return nil
	}

	retried, hasRetry := asynq.GetRetryCount(ctx)
	maxRetry, hasMax := asynq.GetMaxRetry(ctx)
	w.log.Warn("recovery ping creation failed",
		"taskSid", payload.DisconnectedTaskSID,
		"retry", retried,
		"maxRetry", maxRetry,
		"error", err,
	)
	if hasRetry && hasMax && retried >= maxRetry {
		w.creator.PingCreationFailed(ctx, payload.DisconnectedTaskSID, err)
	}
	return err
}
