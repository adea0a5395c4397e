package orders

import (
	"time"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
)

// CreateRequest represents request to create an order.
type CreateRequest struct {
	ClientID              int64       `json:"client_id" validate:"required,gt=0"`
	BranchID              *int64      `json:"branch_id,omitempty" validate:"omitempty,gt=0"`
	RequestedDeliveryDate *time.Time  `json:"requested_delivery_date,omitempty"`
	ExpectedDeliveryDate  *time.Time  `json:"expected_delivery_date,omitempty"`
	PurchaseOrderNumber   *string     `json:"purchase_order_number,omitempty" validate:"omitempty,max=100"`
	Observations          *string     `json:"observations,omitempty" validate:"omitempty,max=2000"`
	Items                 []ItemInput `json:"items" validate:"required,min=1,dive"`
}

// ItemInput is one requested product line.
type ItemInput struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	UnitPrice int64 `json:"unit_price" validate:"gte=0"`
	Quantity  int64 `json:"quantity" validate:"gt=0"`
}

// ReplaceItemsRequest replaces the whole item list before dispatch.
type ReplaceItemsRequest struct {
	Items []ItemInput `json:"items" validate:"required,min=1,dive"`
}

// QuantityRequest carries a single counter value for one item.
type QuantityRequest struct {
	Quantity int64   `json:"quantity" validate:"gte=0"`
	Note     *string `json:"note,omitempty" validate:"omitempty,max=500"`
}

// ItemQuantity targets one item in a batch.
type ItemQuantity struct {
	ItemID   int64   `json:"item_id" validate:"required,gt=0"`
	Quantity int64   `json:"quantity" validate:"gte=0"`
	Note     *string `json:"note,omitempty" validate:"omitempty,max=500"`
}

// BatchRequest carries per-item quantities for a review pass.
type BatchRequest struct {
	Items []ItemQuantity `json:"items" validate:"required,min=1,dive"`
}

// AdvanceRequest represents request to move an order to a later stage.
type AdvanceRequest struct {
	Target Status `json:"target" validate:"required"`
}

// ItemFailure describes why one item of a batch was not applied.
type ItemFailure struct {
	ItemID int64  `json:"item_id"`
	Err    error  `json:"-"`
	Reason string `json:"reason"`
}

// BatchResult reports a partially successful batch.
type BatchResult struct {
	Applied  []ledger.LineItem `json:"applied"`
	Failures []ItemFailure     `json:"failures"`
}

// OK reports whether every item was applied.
func (r BatchResult) OK() bool {
	return len(r.Failures) == 0
}

func (r *BatchResult) fail(itemID int64, err error) {
	r.Failures = append(r.Failures, ItemFailure{ItemID: itemID, Err: err, Reason: err.Error()})
}

// ListResponse represents a page of orders.
type ListResponse struct {
	Orders []Order `json:"orders"`
	Total  int     `json:"total"`
	Page   int     `json:"page"`
	Pages  int     `json:"pages"`
}
