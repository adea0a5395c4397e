package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Repository defines the interface for order persistence.
type Repository interface {
	// Read operations
	GetOrder(ctx context.Context, id int64) (*Order, error)
	GetLineItem(ctx context.Context, itemID int64) (*ledger.LineItem, error)
	ListPendingMissing(ctx context.Context, page shared.PageRequest) ([]Order, int, error)

	// Write operations (transactional)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations. Reads take row locks.
type TxRepository interface {
	InsertOrder(ctx context.Context, o Order) (int64, error)
	InsertLineItem(ctx context.Context, item ledger.LineItem) (int64, error)
	DeleteLineItems(ctx context.Context, orderID int64) error
	GetOrderForUpdate(ctx context.Context, id int64) (*Order, error)
	GetOrderStatus(ctx context.Context, id int64) (Status, error)
	GetLineItemForUpdate(ctx context.Context, orderID, itemID int64) (*ledger.LineItem, error)
	// UpdateLineItem persists every counter when item.Version still matches
	// and bumps item.Version. A stale version yields ErrConcurrentModification.
	UpdateLineItem(ctx context.Context, item *ledger.LineItem) error
	UpdateOrder(ctx context.Context, id int64, updates map[string]interface{}) error
	// TransitionStatus writes to only while the row still holds from.
	TransitionStatus(ctx context.Context, id int64, from, to Status, updates map[string]interface{}) error
}

// repository implements Repository using pgxpool.
type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// txRepository implements TxRepository.
type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds order writes to an already open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx wraps callback in repeatable-read transaction.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return mapErr(err)
}

const orderColumns = `
	id, client_id, branch_id, status, route_id, is_invoiced, has_pending_missing,
	requested_delivery_date, expected_delivery_date, purchase_order_number,
	observations, total_value, created_by, updated_by, created_at, updated_at`

const itemColumns = `
	id, order_id, product_id, unit_price, quantity_requested, quantity_available,
	quantity_missing, quantity_completed, quantity_dispatched, quantity_delivered,
	quantity_returned, completion_note, dispatched_at, outcome_recorded_at, version, created_at, updated_at`

// GetOrder retrieves an order with its items.
func (r *repository) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return getOrder(ctx, r.pool, id, "")
}

// GetLineItem retrieves one line item.
func (r *repository) GetLineItem(ctx context.Context, itemID int64) (*ledger.LineItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM order_line_items WHERE id = $1`, itemID)
	item, err := scanItem(row)
	if err != nil {
		return nil, fmt.Errorf("line item %d: %w", itemID, mapErr(err))
	}
	return item, nil
}

// ListPendingMissing returns orders flagged for the Missing worklist, newest first.
func (r *repository) ListPendingMissing(ctx context.Context, page shared.PageRequest) ([]Order, int, error) {
	page = page.Normalize()
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE has_pending_missing`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE has_pending_missing
		ORDER BY updated_at DESC, id DESC
		LIMIT $1 OFFSET $2`, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var list []Order
	index := make(map[int64]int)
	var ids []int64
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		index[o.ID] = len(list)
		ids = append(ids, o.ID)
		list = append(list, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return list, total, nil
	}

	itemRows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM order_line_items WHERE order_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, 0, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		item, err := scanItem(itemRows)
		if err != nil {
			return nil, 0, err
		}
		i := index[item.OrderID]
		list[i].Items = append(list[i].Items, *item)
	}
	return list, total, itemRows.Err()
}

func getOrder(ctx context.Context, q db.Querier, id int64, lock string) (*Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 `+lock, id))
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", id, mapErr(err))
	}
	items, err := getItems(ctx, q, id, lock)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

func getItems(ctx context.Context, q db.Querier, orderID int64, lock string) ([]ledger.LineItem, error) {
	rows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM order_line_items WHERE order_id = $1 ORDER BY id `+lock, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ledger.LineItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.ClientID, &o.BranchID, &o.Status, &o.RouteID, &o.IsInvoiced,
		&o.HasPendingMissing, &o.RequestedDeliveryDate, &o.ExpectedDeliveryDate,
		&o.PurchaseOrderNumber, &o.Observations, &o.TotalValue, &o.CreatedBy,
		&o.UpdatedBy, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanItem(row pgx.Row) (*ledger.LineItem, error) {
	var it ledger.LineItem
	err := row.Scan(
		&it.ID, &it.OrderID, &it.ProductID, &it.UnitPrice, &it.QuantityRequested,
		&it.QuantityAvailable, &it.QuantityMissing, &it.QuantityCompleted,
		&it.QuantityDispatched, &it.QuantityDelivered, &it.QuantityReturned,
		&it.CompletionNote, &it.DispatchedAt, &it.OutcomeRecordedAt, &it.Version, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// mapErr translates driver errors into the shared taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w", pgErr.Message, shared.ErrConcurrentModification)
		case "23514":
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, shared.ErrInvalidQuantity)
		}
	}
	return err
}
