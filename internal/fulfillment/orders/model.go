// Package orders owns the customer order lifecycle: creation, the two review
// passes that reconcile line-item shortages, explicit stage transitions,
// cancellation and the derived delivery status.
package orders

import (
	"time"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
)

// Status represents the lifecycle of a customer order.
type Status string

const (
	StatusReceived           Status = "received"
	StatusReviewArea1        Status = "review_area1" // first pass: availability
	StatusReviewArea2        Status = "review_area2" // second pass: shortage completion
	StatusReadyDispatch      Status = "ready_dispatch"
	StatusDispatched         Status = "dispatched"
	StatusInDelivery         Status = "in_delivery"
	StatusDelivered          Status = "delivered"
	StatusPartiallyDelivered Status = "partially_delivered"
	StatusReturned           Status = "returned"
	StatusCancelled          Status = "cancelled"
)

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	_, ok := stageRank[s]
	return ok || s.IsTerminal()
}

// IsTerminal reports whether no further core-driven transition occurs.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusPartiallyDelivered, StatusReturned, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanEditItems reports whether the item list may still be replaced.
func (s Status) CanEditItems() bool {
	return s == StatusReceived || s == StatusReviewArea1 || s == StatusReviewArea2
}

// AwaitsDelivery reports whether delivery outcomes may be recorded.
func (s Status) AwaitsDelivery() bool {
	return s == StatusDispatched || s == StatusInDelivery
}

// Order is one customer purchase request.
type Order struct {
	ID                    int64             `json:"id" db:"id"`
	ClientID              int64             `json:"client_id" db:"client_id"`
	BranchID              *int64            `json:"branch_id,omitempty" db:"branch_id"`
	Status                Status            `json:"status" db:"status"`
	RouteID               *int64            `json:"route_id,omitempty" db:"route_id"`
	IsInvoiced            bool              `json:"is_invoiced" db:"is_invoiced"`
	HasPendingMissing     bool              `json:"has_pending_missing" db:"has_pending_missing"`
	RequestedDeliveryDate *time.Time        `json:"requested_delivery_date,omitempty" db:"requested_delivery_date"`
	ExpectedDeliveryDate  *time.Time        `json:"expected_delivery_date,omitempty" db:"expected_delivery_date"`
	PurchaseOrderNumber   *string           `json:"purchase_order_number,omitempty" db:"purchase_order_number"`
	Observations          *string           `json:"observations,omitempty" db:"observations"`
	TotalValue            int64             `json:"total_value" db:"total_value"`
	CreatedBy             int64             `json:"created_by" db:"created_by"`
	UpdatedBy             int64             `json:"updated_by" db:"updated_by"`
	CreatedAt             time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at" db:"updated_at"`
	Items                 []ledger.LineItem `json:"items,omitempty" db:"-"`
}

// Item returns a pointer into Items for itemID, or nil.
func (o *Order) Item(itemID int64) *ledger.LineItem {
	for i := range o.Items {
		if o.Items[i].ID == itemID {
			return &o.Items[i]
		}
	}
	return nil
}

// StatusChange is the attributable record of one status write.
type StatusChange struct {
	OrderID int64     `json:"order_id"`
	RouteID *int64    `json:"route_id,omitempty"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	ActorID int64     `json:"actor_id"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}
