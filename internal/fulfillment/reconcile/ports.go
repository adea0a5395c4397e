package reconcile

import (
	"context"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/returns"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// JournalEntry is one recorded outcome kept in the detailed delivery ledger.
type JournalEntry struct {
	RouteOrderID int64
	LineItemID   int64
	Delivered    int64
	Rejected     int64
	Reason       string
	ActorID      int64
	RecordedAt   time.Time
}

// OutcomeJournal appends outcomes to a detailed ledger.
type OutcomeJournal interface {
	Append(ctx context.Context, e JournalEntry) error
}

// Locker serializes writes to one line item.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// ReturnsPort receives return emissions.
type ReturnsPort interface {
	RecordFromDelivery(ctx context.Context, e returns.Emission) (*returns.Record, error)
	WithdrawFromDelivery(ctx context.Context, routeOrderID, lineItemID int64, actor int64) error
}

// StatusDeriver persists the derived terminal status of an order.
type StatusDeriver interface {
	ApplyDerivedStatus(ctx context.Context, orderID int64, actor int64) (*orders.Order, orders.Derivation, error)
}

// AuditPort appends attributable history entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recorder counts reconciliation events.
type Recorder interface {
	OutcomeRecorded(result string)
	ReturnEmission(result string)
	StopFinalized(status orders.Status)
}

type nopJournal struct{}

func (nopJournal) Append(context.Context, JournalEntry) error { return nil }

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

type nopReturns struct{}

func (nopReturns) RecordFromDelivery(context.Context, returns.Emission) (*returns.Record, error) {
	return nil, nil
}

func (nopReturns) WithdrawFromDelivery(context.Context, int64, int64, int64) error { return nil }

type nopRecorder struct{}

func (nopRecorder) OutcomeRecorded(string)      {}
func (nopRecorder) ReturnEmission(string)       {}
func (nopRecorder) StopFinalized(orders.Status) {}
