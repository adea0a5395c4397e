package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Repository defines the interface for route persistence.
type Repository interface {
	CreateRoute(ctx context.Context, r Route) (int64, error)
	GetRoute(ctx context.Context, id int64) (*Route, error)
	// StartRoute moves a planned route to in_progress.
	StartRoute(ctx context.Context, id int64, at time.Time) error
	// CompleteRoute latches the route to completed while every attached order
	// is in one of resolved. It reports false when the route was already
	// completed or an attached order is still open.
	CompleteRoute(ctx context.Context, id int64, at time.Time, resolved []orders.Status) (bool, error)

	// InsertStop attaches an order to a route that is not completed.
	InsertStop(ctx context.Context, s Stop) (int64, error)
	DeleteStop(ctx context.Context, id int64) error
	GetStop(ctx context.Context, id int64) (*Stop, error)
	ListStopStatuses(ctx context.Context, routeID int64) ([]StopStatus, error)
	SetStopEvidence(ctx context.Context, stopID int64, ref string) error
	MarkStopFinalized(ctx context.Context, stopID int64, at time.Time) error
}

// ErrDuplicateStop indicates the order is already on the route.
var ErrDuplicateStop = fmt.Errorf("order already attached to route: %w", shared.ErrInvalidTransition)

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) CreateRoute(ctx context.Context, rt Route) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO routes (code, scheduled_date, status, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, rt.Code, rt.ScheduledDate, rt.Status, rt.CreatedBy).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("route code %s exists: %w", rt.Code, shared.ErrValidation)
		}
		return 0, err
	}
	return id, nil
}

func (r *repository) GetRoute(ctx context.Context, id int64) (*Route, error) {
	var rt Route
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, scheduled_date, status, started_at, completed_at, created_by, created_at, updated_at
		FROM routes WHERE id = $1`, id).Scan(
		&rt.ID, &rt.Code, &rt.ScheduledDate, &rt.Status, &rt.StartedAt, &rt.CompletedAt,
		&rt.CreatedBy, &rt.CreatedAt, &rt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("route %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	return &rt, nil
}

func (r *repository) StartRoute(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE routes SET status = $1, started_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4`, StatusInProgress, at, id, StatusPlanned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		rt, err := r.GetRoute(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("route %d is %s: %w", id, rt.Status, shared.ErrInvalidTransition)
	}
	return nil
}

// lockRoute takes the route row lock that serializes stop inserts against
// completion.
func lockRoute(ctx context.Context, tx pgx.Tx, id int64) (Status, error) {
	var status Status
	err := tx.QueryRow(ctx, `SELECT status FROM routes WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("route %d: %w", id, shared.ErrNotFound)
		}
		return "", err
	}
	return status, nil
}

func (r *repository) CompleteRoute(ctx context.Context, id int64, at time.Time, resolved []orders.Status) (bool, error) {
	statuses := make([]string, len(resolved))
	for i, st := range resolved {
		statuses[i] = string(st)
	}
	var changed bool
	err := db.WithTxIsolation(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		status, err := lockRoute(ctx, tx, id)
		if err != nil || status == StatusCompleted {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE routes SET status = $1, completed_at = $2, updated_at = $2
			WHERE id = $3 AND status <> $1
			  AND EXISTS (SELECT 1 FROM route_orders WHERE route_id = $3)
			  AND NOT EXISTS (
			    SELECT 1 FROM route_orders ro
			    JOIN orders o ON o.id = ro.order_id
			    WHERE ro.route_id = $3 AND NOT (o.status = ANY($4))
			  )`, StatusCompleted, at, id, statuses)
		if err != nil {
			return err
		}
		changed = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (r *repository) InsertStop(ctx context.Context, s Stop) (int64, error) {
	var id int64
	err := db.WithTxIsolation(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		status, err := lockRoute(ctx, tx, s.RouteID)
		if err != nil {
			return err
		}
		if status == StatusCompleted {
			return fmt.Errorf("route %d is completed: %w", s.RouteID, shared.ErrAlreadyTerminal)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO route_orders (route_id, order_id, sequence)
			VALUES ($1, $2, $3)
			RETURNING id`, s.RouteID, s.OrderID, s.Sequence).Scan(&id)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("order %d: %w", s.OrderID, ErrDuplicateStop)
		}
		return 0, err
	}
	return id, nil
}

func (r *repository) DeleteStop(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM route_orders WHERE id = $1`, id)
	return err
}

func (r *repository) GetStop(ctx context.Context, id int64) (*Stop, error) {
	var s Stop
	err := r.pool.QueryRow(ctx, `
		SELECT id, route_id, order_id, sequence, evidence_ref, finalized_at, created_at
		FROM route_orders WHERE id = $1`, id).Scan(
		&s.ID, &s.RouteID, &s.OrderID, &s.Sequence, &s.EvidenceRef, &s.FinalizedAt, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("route stop %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

func (r *repository) ListStopStatuses(ctx context.Context, routeID int64) ([]StopStatus, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ro.id, ro.order_id, o.status
		FROM route_orders ro
		JOIN orders o ON o.id = ro.order_id
		WHERE ro.route_id = $1
		ORDER BY ro.sequence, ro.id`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []StopStatus
	for rows.Next() {
		var s StopStatus
		if err := rows.Scan(&s.StopID, &s.OrderID, &s.OrderStatus); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func (r *repository) SetStopEvidence(ctx context.Context, stopID int64, ref string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE route_orders SET evidence_ref = $1 WHERE id = $2`, ref, stopID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("route stop %d: %w", stopID, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) MarkStopFinalized(ctx context.Context, stopID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE route_orders SET finalized_at = $1 WHERE id = $2`, at, stopID)
	return err
}
