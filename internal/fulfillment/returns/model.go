// Package returns keeps the ledger of returned quantities, fed by delivery
// reconciliation and by reviewers, and curated independently of order status.
package returns

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the curation state of a return record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected:
		return true
	default:
		return false
	}
}

// Record is one returned quantity of a product.
type Record struct {
	ID         int64      `json:"id" db:"id"`
	SourceKey  *uuid.UUID `json:"source_key,omitempty" db:"source_key"`
	OrderID    int64      `json:"order_id" db:"order_id"`
	LineItemID *int64     `json:"line_item_id,omitempty" db:"line_item_id"`
	ProductID  int64      `json:"product_id" db:"product_id"`
	RouteID    *int64     `json:"route_id,omitempty" db:"route_id"`
	Quantity   int64      `json:"quantity" db:"quantity"`
	Reason     string     `json:"reason" db:"reason"`
	Status     Status     `json:"status" db:"status"`
	CreatedBy  int64      `json:"created_by" db:"created_by"`
	ResolvedBy *int64     `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// SourceKey identifies the record emitted for one item of one route stop, so
// repeated outcomes for the same item land on the same record.
func SourceKey(routeOrderID, lineItemID int64) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("RET:%d:%d", routeOrderID, lineItemID)))
}

// Emission is a return produced by delivery reconciliation.
type Emission struct {
	RouteOrderID int64
	OrderID      int64
	LineItemID   int64
	ProductID    int64
	RouteID      int64
	Quantity     int64
	Reason       string
	ActorID      int64
}

// ManualRequest represents a reviewer-entered return.
type ManualRequest struct {
	OrderID   int64  `json:"order_id" validate:"required,gt=0"`
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	RouteID   *int64 `json:"route_id,omitempty" validate:"omitempty,gt=0"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
	Reason    string `json:"reason" validate:"max=500"`
}

// AcceptRequest selects pending records to accept.
type AcceptRequest struct {
	RouteID   *int64 `json:"route_id,omitempty" validate:"omitempty,gt=0"`
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
}

// Filter narrows listings. Nil fields match everything.
type Filter struct {
	RouteID   *int64
	ProductID *int64
	OrderID   *int64
	Status    *Status
}

// Summary aggregates records sharing route, product and status.
type Summary struct {
	RouteID   *int64 `json:"route_id,omitempty"`
	ProductID int64  `json:"product_id"`
	Status    Status `json:"status"`
	Quantity  int64  `json:"quantity"`
	Records   int    `json:"records"`
}
