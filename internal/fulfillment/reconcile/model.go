// Package reconcile records what happened at each route stop, feeds the
// returns ledger and finalizes the stop's order once every item is settled.
package reconcile

import (
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
)

// Outcome is the delivered and rejected quantity of one item at a stop.
type Outcome struct {
	Delivered   int64  `json:"delivered"`
	Rejected    int64  `json:"rejected"`
	Reason      string `json:"reason,omitempty" validate:"max=500"`
	EvidenceRef string `json:"evidence_ref,omitempty" validate:"max=500"`
}

// ItemOutcome targets one line item.
type ItemOutcome struct {
	ItemID int64 `json:"item_id" validate:"required,gt=0"`
	Outcome
}

// StopRequest carries the outcomes of one stop.
type StopRequest struct {
	Items []ItemOutcome `json:"items" validate:"required,min=1,dive"`
}

// RouteRequest carries outcomes for several stops of a route.
type RouteRequest struct {
	Stops map[int64][]ItemOutcome `json:"stops" validate:"required,min=1"`
}

// StopResult reports a stop batch. Order is set once the stop was finalized.
type StopResult struct {
	StopID    int64                `json:"stop_id"`
	OrderID   int64                `json:"order_id"`
	Applied   []ledger.LineItem    `json:"applied"`
	Failures  []orders.ItemFailure `json:"failures"`
	Finalized bool                 `json:"finalized"`
	Order     *orders.Order        `json:"order,omitempty"`
	Err       error                `json:"-"`
	Error     string               `json:"error,omitempty"`
}

// OK reports whether every item was applied and no stop level error occurred.
func (r StopResult) OK() bool {
	return len(r.Failures) == 0 && r.Err == nil
}

func (r *StopResult) fail(itemID int64, err error) {
	r.Failures = append(r.Failures, orders.ItemFailure{ItemID: itemID, Err: err, Reason: err.Error()})
}

func (r *StopResult) abort(err error) {
	r.Err = err
	r.Error = err.Error()
}

// RouteResult collects the stop results of a route batch.
type RouteResult struct {
	RouteID int64        `json:"route_id"`
	Stops   []StopResult `json:"stops"`
}

// OK reports whether every stop succeeded.
func (r RouteResult) OK() bool {
	for _, s := range r.Stops {
		if !s.OK() {
			return false
		}
	}
	return true
}
