package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRouteCompletionCheck re-runs the route completion monitor.
	TaskRouteCompletionCheck = "fulfillment:route_check"
	// TaskNotifyOrderStatus tells interested parties about an order status change.
	TaskNotifyOrderStatus = "fulfillment:notify_status"
	// TaskIdempotencyCleanup prunes old idempotency keys.
	TaskIdempotencyCleanup = "fulfillment:idempotency_cleanup"
)

// RouteCheckPayload identifies the route to re-evaluate.
type RouteCheckPayload struct {
	RouteID int64 `json:"route_id"`
}

// NewRouteCheckTask constructs an Asynq task.
func NewRouteCheckTask(routeID int64) (*asynq.Task, error) {
	data, err := json.Marshal(RouteCheckPayload{RouteID: routeID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRouteCompletionCheck, data), nil
}

// NotifyStatusPayload describes one order status change.
type NotifyStatusPayload struct {
	OrderID int64     `json:"order_id"`
	RouteID *int64    `json:"route_id,omitempty"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	ActorID int64     `json:"actor_id"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// NewNotifyStatusTask constructs an Asynq task.
func NewNotifyStatusTask(payload NotifyStatusPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyOrderStatus, data), nil
}

// IdempotencyCleanupPayload configures key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs an Asynq task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
