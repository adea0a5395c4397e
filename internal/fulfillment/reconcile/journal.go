package reconcile

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgJournal writes outcomes into delivery_outcome_journal.
type PgJournal struct {
	pool *pgxpool.Pool
}

// NewPgJournal returns a journal backed by pool.
func NewPgJournal(pool *pgxpool.Pool) *PgJournal {
	return &PgJournal{pool: pool}
}

// Append stores one entry. Entries are never updated.
func (j *PgJournal) Append(ctx context.Context, e JournalEntry) error {
	if j == nil || j.pool == nil {
		return errors.New("outcome journal not initialised")
	}
	var reason *string
	if e.Reason != "" {
		reason = &e.Reason
	}
	_, err := j.pool.Exec(ctx, `
		INSERT INTO delivery_outcome_journal (route_order_id, line_item_id, delivered, rejected, reason, actor_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.RouteOrderID, e.LineItemID, e.Delivered, e.Rejected, reason, e.ActorID, e.RecordedAt)
	return err
}
