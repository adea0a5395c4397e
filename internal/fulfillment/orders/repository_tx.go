package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// InsertOrder creates a new order row.
func (t *txRepository) InsertOrder(ctx context.Context, o Order) (int64, error) {
	query := `
		INSERT INTO orders (
			client_id, branch_id, status, route_id, is_invoiced, has_pending_missing,
			requested_delivery_date, expected_delivery_date, purchase_order_number,
			observations, total_value, created_by, updated_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		o.ClientID, o.BranchID, o.Status, o.RouteID, o.IsInvoiced, o.HasPendingMissing,
		o.RequestedDeliveryDate, o.ExpectedDeliveryDate, o.PurchaseOrderNumber,
		o.Observations, o.TotalValue, o.CreatedBy, o.UpdatedBy,
	).Scan(&id)
	return id, mapErr(err)
}

// InsertLineItem inserts an order line item.
func (t *txRepository) InsertLineItem(ctx context.Context, item ledger.LineItem) (int64, error) {
	if err := ledger.CheckInvariants(item); err != nil {
		return 0, err
	}
	query := `
		INSERT INTO order_line_items (
			order_id, product_id, unit_price, quantity_requested, quantity_available,
			quantity_missing, quantity_completed, quantity_dispatched,
			quantity_delivered, quantity_returned, dispatched_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		item.OrderID, item.ProductID, item.UnitPrice, item.QuantityRequested,
		item.QuantityAvailable, item.QuantityMissing, item.QuantityCompleted,
		item.QuantityDispatched, item.QuantityDelivered, item.QuantityReturned,
		item.DispatchedAt,
	).Scan(&id)
	return id, mapErr(err)
}

// DeleteLineItems removes all items of an order.
func (t *txRepository) DeleteLineItems(ctx context.Context, orderID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM order_line_items WHERE order_id = $1`, orderID)
	return mapErr(err)
}

// GetOrderForUpdate loads the order and its items under row locks.
func (t *txRepository) GetOrderForUpdate(ctx context.Context, id int64) (*Order, error) {
	return getOrder(ctx, t.tx, id, "FOR UPDATE")
}

// GetOrderStatus reads the status under a share lock so concurrent item
// writes proceed while status writers wait.
func (t *txRepository) GetOrderStatus(ctx context.Context, id int64) (Status, error) {
	var status Status
	err := t.tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR SHARE`, id).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("order %d: %w", id, mapErr(err))
	}
	return status, nil
}

// GetLineItemForUpdate loads an item that must belong to orderID.
func (t *txRepository) GetLineItemForUpdate(ctx context.Context, orderID, itemID int64) (*ledger.LineItem, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM order_line_items WHERE id = $1 AND order_id = $2 FOR UPDATE`, itemID, orderID)
	item, err := scanItem(row)
	if err != nil {
		return nil, shared.NewItemError(itemID, mapErr(err))
	}
	return item, nil
}

// UpdateLineItem writes every counter guarded by the item version.
func (t *txRepository) UpdateLineItem(ctx context.Context, item *ledger.LineItem) error {
	if err := ledger.CheckInvariants(*item); err != nil {
		return err
	}
	now := time.Now()
	query := `
		UPDATE order_line_items
		SET quantity_requested = $1, quantity_available = $2, quantity_missing = $3,
		    quantity_completed = $4, quantity_dispatched = $5, quantity_delivered = $6,
		    quantity_returned = $7, completion_note = $8, outcome_recorded_at = $9,
		    dispatched_at = $10, version = version + 1, updated_at = $11
		WHERE id = $12 AND version = $13
	`
	cmdTag, err := t.tx.Exec(ctx, query,
		item.QuantityRequested, item.QuantityAvailable, item.QuantityMissing,
		item.QuantityCompleted, item.QuantityDispatched, item.QuantityDelivered,
		item.QuantityReturned, item.CompletionNote, item.OutcomeRecordedAt,
		item.DispatchedAt, now, item.ID, item.Version,
	)
	if err != nil {
		return shared.NewItemError(item.ID, mapErr(err))
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.NewItemError(item.ID, fmt.Errorf("version %d is stale: %w", item.Version, shared.ErrConcurrentModification))
	}
	item.Version++
	item.UpdatedAt = now
	return nil
}

// UpdateOrder updates order fields.
func (t *txRepository) UpdateOrder(ctx context.Context, id int64, updates map[string]interface{}) error {
	query, args := buildOrderUpdate(id, updates, "")
	if query == "" {
		return nil
	}
	cmdTag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// TransitionStatus updates status only while the row still holds from.
func (t *txRepository) TransitionStatus(ctx context.Context, id int64, from, to Status, updates map[string]interface{}) error {
	if updates == nil {
		updates = make(map[string]interface{})
	}
	updates["status"] = to
	query, args := buildOrderUpdate(id, updates, string(from))
	cmdTag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("order %d left %s: %w", id, from, shared.ErrConcurrentModification)
	}
	return nil
}

func buildOrderUpdate(id int64, updates map[string]interface{}, expectStatus string) (string, []interface{}) {
	if len(updates) == 0 {
		return "", nil
	}

	var setClauses []string
	var args []interface{}
	argPos := 1

	for field, value := range updates {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", field, argPos))
		args = append(args, value)
		argPos++
	}

	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now())
	argPos++

	args = append(args, id)
	where := fmt.Sprintf("id = $%d", argPos)
	if expectStatus != "" {
		argPos++
		args = append(args, expectStatus)
		where += fmt.Sprintf(" AND status = $%d", argPos)
	}

	query := fmt.Sprintf(`
		UPDATE orders
		SET %s
		WHERE %s
	`, strings.Join(setClauses, ", "), where)
	return query, args
}
