// Package ledger holds the per line item quantity counters of an order and
// the arithmetic that keeps them consistent. Nothing here performs I/O;
// callers persist the mutated item.
package ledger

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// LineItem is one product row within an order.
type LineItem struct {
	ID                 int64      `json:"id" db:"id"`
	OrderID            int64      `json:"order_id" db:"order_id"`
	ProductID          int64      `json:"product_id" db:"product_id"`
	UnitPrice          int64      `json:"unit_price" db:"unit_price"`
	QuantityRequested  int64      `json:"quantity_requested" db:"quantity_requested"`
	QuantityAvailable  int64      `json:"quantity_available" db:"quantity_available"`
	QuantityMissing    int64      `json:"quantity_missing" db:"quantity_missing"`
	QuantityCompleted  int64      `json:"quantity_completed" db:"quantity_completed"`
	QuantityDispatched int64      `json:"quantity_dispatched" db:"quantity_dispatched"`
	QuantityDelivered  int64      `json:"quantity_delivered" db:"quantity_delivered"`
	QuantityReturned   int64      `json:"quantity_returned" db:"quantity_returned"`
	CompletionNote     *string    `json:"completion_note,omitempty" db:"completion_note"`
	DispatchedAt       *time.Time `json:"dispatched_at,omitempty" db:"dispatched_at"`
	OutcomeRecordedAt  *time.Time `json:"outcome_recorded_at,omitempty" db:"outcome_recorded_at"`
	Version            int64      `json:"version" db:"version"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Totals sums the counters over a set of items.
type Totals struct {
	Requested  int64 `json:"requested"`
	Available  int64 `json:"available"`
	Missing    int64 `json:"missing"`
	Completed  int64 `json:"completed"`
	Dispatched int64 `json:"dispatched"`
	Delivered  int64 `json:"delivered"`
	Returned   int64 `json:"returned"`
}

// NewLineItem returns an item with only the requested quantity set.
func NewLineItem(productID, unitPrice, requested int64) (LineItem, error) {
	if requested < 0 || unitPrice < 0 {
		return LineItem{}, fmt.Errorf("product %d: negative quantity or price: %w", productID, shared.ErrInvalidQuantity)
	}
	item := LineItem{ProductID: productID, UnitPrice: unitPrice, QuantityRequested: requested}
	item.QuantityMissing = Missing(item)
	return item, nil
}

// Missing is the requested quantity not confirmed available.
func Missing(item LineItem) int64 {
	return max(0, item.QuantityRequested-item.QuantityAvailable)
}

// RemainingMissing is the shortage still open after second-pass completions.
func RemainingMissing(item LineItem) int64 {
	return max(0, item.QuantityMissing-item.QuantityCompleted)
}

// Dispatched reports whether a loaded quantity was recorded for the item.
func Dispatched(item LineItem) bool {
	return item.DispatchedAt != nil || item.QuantityDispatched > 0
}

// Ceiling bounds delivered plus returned: the dispatched quantity once a
// dispatch was recorded, zero included, otherwise the requested quantity.
func Ceiling(item LineItem) int64 {
	if Dispatched(item) {
		return item.QuantityDispatched
	}
	return item.QuantityRequested
}

// Value is the line's contribution to the order total.
func Value(item LineItem) int64 {
	return item.QuantityRequested * item.UnitPrice
}

// SetAvailable records the first-pass availability and recomputes missing.
func SetAvailable(item *LineItem, qty int64) error {
	if qty < 0 {
		return fmt.Errorf("available %d below zero: %w", qty, shared.ErrInvalidQuantity)
	}
	missing := max(0, item.QuantityRequested-qty)
	if item.QuantityCompleted > missing {
		return fmt.Errorf("available %d leaves missing %d under completed %d: %w", qty, missing, item.QuantityCompleted, shared.ErrInvalidQuantity)
	}
	item.QuantityAvailable = qty
	item.QuantityMissing = missing
	return nil
}

// OverrideMissing replaces the derived missing figure with a reviewer value.
func OverrideMissing(item *LineItem, qty int64) error {
	switch {
	case qty < 0:
		return fmt.Errorf("missing %d below zero: %w", qty, shared.ErrInvalidQuantity)
	case qty > item.QuantityRequested:
		return fmt.Errorf("missing %d exceeds requested %d: %w", qty, item.QuantityRequested, shared.ErrInvalidQuantity)
	case qty < item.QuantityCompleted:
		return fmt.Errorf("missing %d under completed %d: %w", qty, item.QuantityCompleted, shared.ErrInvalidQuantity)
	}
	item.QuantityMissing = qty
	return nil
}

// ApplyCompletion accumulates a second-pass completion against the shortage.
func ApplyCompletion(item *LineItem, qty int64) error {
	if qty < 0 {
		return fmt.Errorf("completion %d below zero: %w", qty, shared.ErrInvalidQuantity)
	}
	if item.QuantityCompleted+qty > item.QuantityMissing {
		return fmt.Errorf("completion %d exceeds remaining missing %d: %w", qty, RemainingMissing(*item), shared.ErrInvalidQuantity)
	}
	item.QuantityCompleted += qty
	return nil
}

// Dispatch records the physically loaded quantity: what was available plus
// what was completed, never more than requested.
func Dispatch(item *LineItem, at time.Time) {
	item.QuantityDispatched = min(item.QuantityAvailable+item.QuantityCompleted, item.QuantityRequested)
	stamp := at
	item.DispatchedAt = &stamp
}

// ApplyDeliveryOutcome overwrites the delivered and returned counters. A
// repeated call with the same figures leaves the item as the first call did.
func ApplyDeliveryOutcome(item *LineItem, delivered, rejected int64, at time.Time) error {
	if delivered < 0 || rejected < 0 {
		return fmt.Errorf("outcome %d/%d below zero: %w", delivered, rejected, shared.ErrInvalidQuantity)
	}
	if ceiling := Ceiling(*item); delivered+rejected > ceiling {
		return fmt.Errorf("outcome %d+%d exceeds ceiling %d: %w", delivered, rejected, ceiling, shared.ErrInvalidQuantity)
	}
	item.QuantityDelivered = delivered
	item.QuantityReturned = rejected
	stamp := at
	item.OutcomeRecordedAt = &stamp
	return nil
}

// Reset clears every counter downstream of the requested quantity.
func Reset(item *LineItem) {
	item.QuantityAvailable = 0
	item.QuantityCompleted = 0
	item.QuantityDispatched = 0
	item.QuantityDelivered = 0
	item.QuantityReturned = 0
	item.CompletionNote = nil
	item.DispatchedAt = nil
	item.OutcomeRecordedAt = nil
	item.QuantityMissing = Missing(*item)
}

// CheckInvariants reports the first violated counter rule.
func CheckInvariants(item LineItem) error {
	counters := []int64{
		item.QuantityRequested, item.QuantityAvailable, item.QuantityMissing,
		item.QuantityCompleted, item.QuantityDispatched, item.QuantityDelivered, item.QuantityReturned,
	}
	for _, c := range counters {
		if c < 0 {
			return shared.NewItemError(item.ID, fmt.Errorf("negative counter: %w", shared.ErrInvalidQuantity))
		}
	}
	if item.QuantityCompleted > item.QuantityMissing {
		return shared.NewItemError(item.ID, fmt.Errorf("completed %d exceeds missing %d: %w", item.QuantityCompleted, item.QuantityMissing, shared.ErrInvalidQuantity))
	}
	if item.QuantityDelivered+item.QuantityReturned > Ceiling(item) {
		return shared.NewItemError(item.ID, fmt.Errorf("delivered+returned exceeds ceiling %d: %w", Ceiling(item), shared.ErrInvalidQuantity))
	}
	return nil
}

// Sum totals the counters of items.
func Sum(items []LineItem) Totals {
	var t Totals
	for _, it := range items {
		t.Requested += it.QuantityRequested
		t.Available += it.QuantityAvailable
		t.Missing += it.QuantityMissing
		t.Completed += it.QuantityCompleted
		t.Dispatched += it.QuantityDispatched
		t.Delivered += it.QuantityDelivered
		t.Returned += it.QuantityReturned
	}
	return t
}

// OrderValue sums the line values.
func OrderValue(items []LineItem) int64 {
	var total int64
	for _, it := range items {
		total += Value(it)
	}
	return total
}

// AllOutcomesRecorded reports whether every item carries a delivery outcome.
func AllOutcomesRecorded(items []LineItem) bool {
	for _, it := range items {
		if it.OutcomeRecordedAt == nil {
			return false
		}
	}
	return true
}
