package returns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Repository defines the interface for return record persistence.
type Repository interface {
	// UpsertEmitted stores a record by source key. An accepted record is
	// returned unchanged; otherwise quantity and reason are refreshed and the
	// record is pending again.
	UpsertEmitted(ctx context.Context, r Record) (*Record, error)
	Insert(ctx context.Context, r Record) (*Record, error)
	GetBySourceKey(ctx context.Context, key uuid.UUID) (*Record, error)
	// Resolve moves the keyed record from one status to another, reporting
	// false when it was not in from.
	Resolve(ctx context.Context, key uuid.UUID, from, to Status, actor int64, at time.Time) (bool, error)
	AcceptPending(ctx context.Context, routeID *int64, productID int64, actor int64, at time.Time) ([]Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const recordColumns = `id, source_key, order_id, line_item_id, product_id, route_id, quantity,
	reason, status, created_by, resolved_by, created_at, updated_at, resolved_at`

func (r *repository) UpsertEmitted(ctx context.Context, rec Record) (*Record, error) {
	if rec.SourceKey == nil {
		return nil, fmt.Errorf("%w: emitted return without source key", shared.ErrValidation)
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO return_records (source_key, order_id, line_item_id, product_id, route_id, quantity, reason, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
		ON CONFLICT (source_key) DO UPDATE
		SET quantity = EXCLUDED.quantity, reason = EXCLUDED.reason, status = 'pending',
		    resolved_by = NULL, resolved_at = NULL, updated_at = NOW()
		WHERE return_records.status <> 'accepted'
		RETURNING `+recordColumns,
		pgUUID(*rec.SourceKey), rec.OrderID, rec.LineItemID, rec.ProductID, rec.RouteID, rec.Quantity, rec.Reason, rec.CreatedBy)
	stored, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// conflict with an accepted record: nothing was written
		return r.GetBySourceKey(ctx, *rec.SourceKey)
	}
	return stored, err
}

func (r *repository) Insert(ctx context.Context, rec Record) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO return_records (order_id, line_item_id, product_id, route_id, quantity, reason, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+recordColumns,
		rec.OrderID, rec.LineItemID, rec.ProductID, rec.RouteID, rec.Quantity, rec.Reason, rec.Status, rec.CreatedBy)
	return scanRecord(row)
}

func (r *repository) GetBySourceKey(ctx context.Context, key uuid.UUID) (*Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM return_records WHERE source_key = $1`, pgUUID(key))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("return %s: %w", key, shared.ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

func (r *repository) Resolve(ctx context.Context, key uuid.UUID, from, to Status, actor int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE return_records
		SET status = $1, resolved_by = $2, resolved_at = $3, updated_at = $3
		WHERE source_key = $4 AND status = $5`, to, actor, at, pgUUID(key), from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repository) AcceptPending(ctx context.Context, routeID *int64, productID int64, actor int64, at time.Time) ([]Record, error) {
	args := []interface{}{StatusAccepted, actor, at, productID, StatusPending}
	where := "product_id = $4 AND status = $5"
	if routeID != nil {
		args = append(args, *routeID)
		where += " AND route_id = $6"
	}
	rows, err := r.pool.Query(ctx, `
		UPDATE return_records
		SET status = $1, resolved_by = $2, resolved_at = $3, updated_at = $3
		WHERE `+where+`
		RETURNING `+recordColumns, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *repository) List(ctx context.Context, f Filter) ([]Record, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.RouteID != nil {
		add("route_id = $%d", *f.RouteID)
	}
	if f.ProductID != nil {
		add("product_id = $%d", *f.ProductID)
	}
	if f.OrderID != nil {
		add("order_id = $%d", *f.OrderID)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	query := `SELECT ` + recordColumns + ` FROM return_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var list []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var key pgtype.UUID
	err := row.Scan(
		&rec.ID, &key, &rec.OrderID, &rec.LineItemID, &rec.ProductID, &rec.RouteID,
		&rec.Quantity, &rec.Reason, &rec.Status, &rec.CreatedBy, &rec.ResolvedBy,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if key.Valid {
		id := uuid.UUID(key.Bytes)
		rec.SourceKey = &id
	}
	return &rec, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}
