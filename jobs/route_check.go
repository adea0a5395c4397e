package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RouteEvaluator re-checks a route.
type RouteEvaluator interface {
	Evaluate(ctx context.Context, routeID int64) (routing.Evaluation, error)
}

// RouteCheckJob retries route completion checks that failed inline.
type RouteCheckJob struct {
	Monitor RouteEvaluator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRouteCheckJob wires dependencies for the route check handler.
func NewRouteCheckJob(monitor RouteEvaluator, logger *slog.Logger, metrics *jobmetrics.Metrics) *RouteCheckJob {
	return &RouteCheckJob{Monitor: monitor, Logger: logger, Metrics: metrics}
}

// Handle processes route check tasks. Returning an error lets asynq retry.
func (j *RouteCheckJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Monitor == nil {
		return errors.New("route check: handler not configured")
	}
	var payload RouteCheckPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.RouteID <= 0 {
		return fmt.Errorf("route check payload: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskRouteCompletionCheck)
	logger := j.logger().With(slog.Int64("route_id", payload.RouteID))

	eval, err := j.Monitor.Evaluate(ctx, payload.RouteID)
	if err != nil {
		logger.Warn("route check failed", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("route checked", slog.Bool("completed", eval.Completed), slog.Int("pending_orders", len(eval.Pending)))
	return tracker.End(nil)
}

func (j *RouteCheckJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRouteCompletionCheck))
	}
	return slog.Default().With(slog.String("job", TaskRouteCompletionCheck))
}

func (j *RouteCheckJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
