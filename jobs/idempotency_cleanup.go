package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

// KeyPruner removes idempotency keys older than a retention window.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob prunes the idempotency key table on a schedule.
type IdempotencyCleanupJob struct {
	Store   KeyPruner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob wires dependencies for the cleanup handler.
func NewIdempotencyCleanupJob(store KeyPruner, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle processes cleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = 72
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskIdempotencyCleanup)
	retention := time.Duration(payload.RetentionHours) * time.Hour
	if err := j.Store.Cleanup(ctx, retention); err != nil {
		return tracker.End(err)
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("idempotency keys pruned", slog.String("job", TaskIdempotencyCleanup), slog.Duration("retention", retention))
	return tracker.End(nil)
}
