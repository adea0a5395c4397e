// Package routing groups dispatched orders into delivery routes and keeps
// each route's status in step with the orders attached to it.
package routing

import (
	"time"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
)

// Status represents the lifecycle of a route.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Route is a scheduled grouping of orders for physical delivery.
type Route struct {
	ID            int64      `json:"id" db:"id"`
	Code          string     `json:"code" db:"code"`
	ScheduledDate time.Time  `json:"scheduled_date" db:"scheduled_date"`
	Status        Status     `json:"status" db:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedBy     int64      `json:"created_by" db:"created_by"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Stop ties one order to a route at a delivery sequence position.
type Stop struct {
	ID          int64      `json:"id" db:"id"`
	RouteID     int64      `json:"route_id" db:"route_id"`
	OrderID     int64      `json:"order_id" db:"order_id"`
	Sequence    int        `json:"sequence" db:"sequence"`
	EvidenceRef *string    `json:"evidence_ref,omitempty" db:"evidence_ref"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty" db:"finalized_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// StopStatus pairs a stop with the current status of its order.
type StopStatus struct {
	StopID      int64         `json:"stop_id"`
	OrderID     int64         `json:"order_id"`
	OrderStatus orders.Status `json:"order_status"`
}

// RouteDetail is a route with its stops.
type RouteDetail struct {
	Route
	Stops []StopStatus `json:"stops"`
}

// CreateRouteRequest represents request to plan a route.
type CreateRouteRequest struct {
	Code          string    `json:"code" validate:"required,max=50"`
	ScheduledDate time.Time `json:"scheduled_date" validate:"required"`
}

// AttachRequest represents request to put a ready order on a route.
type AttachRequest struct {
	OrderID  int64 `json:"order_id" validate:"required,gt=0"`
	Sequence int   `json:"sequence" validate:"gte=0"`
}

// Evaluation reports one Route Completion Monitor run.
type Evaluation struct {
	RouteID   int64   `json:"route_id"`
	Status    Status  `json:"status"`
	Completed bool    `json:"completed"`
	Pending   []int64 `json:"pending_orders,omitempty"`
}
