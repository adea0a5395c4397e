package orders

import (
	"fmt"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// stageRank orders the commanded, non-terminal stages.
var stageRank = map[Status]int{
	StatusReceived:      0,
	StatusReviewArea1:   1,
	StatusReviewArea2:   2,
	StatusReadyDispatch: 3,
	StatusDispatched:    4,
	StatusInDelivery:    5,
}

// ValidateAdvance checks an explicit forward transition. Forward skips are
// allowed; moving to the current or an earlier stage is not.
func ValidateAdvance(current, target Status) error {
	if current.IsTerminal() {
		return fmt.Errorf("order is %s: %w", current, shared.ErrAlreadyTerminal)
	}
	targetRank, ok := stageRank[target]
	if !ok || target == StatusReceived {
		return fmt.Errorf("%s is not a commandable stage: %w", target, shared.ErrInvalidTransition)
	}
	currentRank, ok := stageRank[current]
	if !ok {
		return fmt.Errorf("unknown status %q: %w", current, shared.ErrInvalidTransition)
	}
	if currentRank >= targetRank {
		return fmt.Errorf("order at %s cannot move to %s: %w", current, target, shared.ErrInvalidTransition)
	}
	return nil
}

// ValidateCancel checks that the order may still be cancelled.
func ValidateCancel(current Status) error {
	if current.IsTerminal() {
		return fmt.Errorf("order is %s: %w", current, shared.ErrAlreadyTerminal)
	}
	return nil
}

// Derivation is the outcome of DeriveDeliveryStatus. When Transition is
// false the order keeps its current status.
type Derivation struct {
	Status     Status        `json:"status,omitempty"`
	Transition bool          `json:"transition"`
	Reason     string        `json:"reason"`
	Totals     ledger.Totals `json:"totals"`
}

// DeriveDeliveryStatus computes the terminal delivery status from the item
// totals. It reads nothing but items.
func DeriveDeliveryStatus(items []ledger.LineItem) Derivation {
	t := ledger.Sum(items)
	d := Derivation{Totals: t}
	switch {
	case t.Returned > 0 && t.Delivered == 0:
		d.Status, d.Transition = StatusReturned, true
		d.Reason = fmt.Sprintf("nothing delivered, %d returned", t.Returned)
	case t.Delivered > 0 && t.Delivered < t.Requested:
		d.Status, d.Transition = StatusPartiallyDelivered, true
		d.Reason = fmt.Sprintf("delivered %d of %d", t.Delivered, t.Requested)
	case t.Delivered > 0 && t.Delivered >= t.Requested:
		d.Status, d.Transition = StatusDelivered, true
		d.Reason = fmt.Sprintf("delivered %d of %d", t.Delivered, t.Requested)
	default:
		d.Reason = "no delivery outcome recorded"
	}
	return d
}
