package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

// Enqueuer submits tasks to the queue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher hands follow-up work from the API process to the worker. It
// schedules route re-checks and publishes order status notifications.
type Dispatcher struct {
	client     Enqueuer
	maxRetry   int
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    *jobmetrics.Metrics
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(client Enqueuer, maxRetry int, logger *slog.Logger, metrics *jobmetrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &Dispatcher{client: client, maxRetry: maxRetry, retryDelay: 10 * time.Second, logger: logger, metrics: metrics}
}

// ScheduleRouteCheck implements routing.RetryScheduler. A check already
// waiting in the queue for the same route absorbs the request.
func (d *Dispatcher) ScheduleRouteCheck(ctx context.Context, routeID int64) error {
	task, err := NewRouteCheckTask(routeID)
	if err != nil {
		return err
	}
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(d.maxRetry),
		asynq.ProcessIn(d.retryDelay),
		asynq.TaskID(fmt.Sprintf("route_check:%d", routeID)),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		err = nil
	}
	d.metrics.Enqueued(TaskRouteCompletionCheck, err)
	if err != nil {
		return fmt.Errorf("enqueue route check %d: %w", routeID, err)
	}
	return nil
}

// OrderStatusChanged implements orders.StatusObserver. Failures are logged.
func (d *Dispatcher) OrderStatusChanged(ctx context.Context, change orders.StatusChange) {
	task, err := NewNotifyStatusTask(NotifyStatusPayload{
		OrderID: change.OrderID,
		RouteID: change.RouteID,
		From:    string(change.From),
		To:      string(change.To),
		ActorID: change.ActorID,
		Reason:  change.Reason,
		At:      change.At,
	})
	if err == nil {
		_, err = d.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
	}
	d.metrics.Enqueued(TaskNotifyOrderStatus, err)
	if err != nil {
		d.logger.WarnContext(ctx, "enqueue order notification",
			slog.Int64("order_id", change.OrderID), slog.String("to", string(change.To)), slog.Any("error", err))
	}
}
