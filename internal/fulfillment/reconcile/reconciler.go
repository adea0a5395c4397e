package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/returns"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// StopStore is the part of the route store the reconciler touches.
type StopStore interface {
	GetRoute(ctx context.Context, id int64) (*routing.Route, error)
	GetStop(ctx context.Context, id int64) (*routing.Stop, error)
	SetStopEvidence(ctx context.Context, stopID int64, ref string) error
	MarkStopFinalized(ctx context.Context, stopID int64, at time.Time) error
}

// Reconciler applies delivery outcomes to line items.
type Reconciler struct {
	orders   orders.Repository
	stops    StopStore
	deriver  StatusDeriver
	journal  OutcomeJournal
	locker   Locker
	returns  ReturnsPort
	audit    AuditPort
	recorder Recorder
	validate *validator.Validate
	limit    int
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler wires the reconciler. Optional collaborators default to no-ops.
func NewReconciler(orderRepo orders.Repository, stops StopStore, deriver StatusDeriver, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		orders:   orderRepo,
		stops:    stops,
		deriver:  deriver,
		journal:  nopJournal{},
		locker:   nopLocker{},
		returns:  nopReturns{},
		audit:    shared.NopAudit{},
		recorder: nopRecorder{},
		validate: validator.New(),
		limit:    4,
		logger:   logger,
		now:      time.Now,
	}
}

// SetJournal sets the detailed outcome ledger.
func (r *Reconciler) SetJournal(j OutcomeJournal) {
	if j != nil {
		r.journal = j
	}
}

// SetLocker sets the per line item lock.
func (r *Reconciler) SetLocker(l Locker) {
	if l != nil {
		r.locker = l
	}
}

// SetReturns sets the returns ledger.
func (r *Reconciler) SetReturns(p ReturnsPort) {
	if p != nil {
		r.returns = p
	}
}

// SetAudit sets the history log.
func (r *Reconciler) SetAudit(a AuditPort) {
	if a != nil {
		r.audit = a
	}
}

// SetRecorder sets the metrics sink.
func (r *Reconciler) SetRecorder(rec Recorder) {
	if rec != nil {
		r.recorder = rec
	}
}

// SetConcurrency bounds how many stops ReconcileRoute works on at once.
func (r *Reconciler) SetConcurrency(n int) {
	if n > 0 {
		r.limit = n
	}
}

// RecordDeliveryOutcome stores what was delivered and rejected for one item
// of a stop. Repeating the call with corrected figures overwrites the
// previous outcome. Return ledger failures are logged and never fail the call.
func (r *Reconciler) RecordDeliveryOutcome(ctx context.Context, routeOrderID, itemID int64, out Outcome, actor int64) (*ledger.LineItem, error) {
	if err := r.validate.Struct(out); err != nil {
		return nil, shared.NewItemError(itemID, fmt.Errorf("%w: %v", shared.ErrValidation, err))
	}
	stop, err := r.stops.GetStop(ctx, routeOrderID)
	if err != nil {
		return nil, err
	}
	item, previous, err := r.applyOutcome(ctx, stop, itemID, out)
	if err != nil {
		r.recorder.OutcomeRecorded("error")
		return nil, err
	}
	r.recorder.OutcomeRecorded("ok")
	r.logger.InfoContext(ctx, "delivery outcome recorded",
		slog.Int64("route_order_id", stop.ID),
		slog.Int64("order_id", stop.OrderID),
		slog.Int64("line_item_id", itemID),
		slog.Int64("delivered", out.Delivered),
		slog.Int64("rejected", out.Rejected))
	r.record(ctx, actor, itemID, map[string]any{
		"route_order_id":     stop.ID,
		"delivered":          out.Delivered,
		"rejected":           out.Rejected,
		"previous_delivered": previous.QuantityDelivered,
		"previous_rejected":  previous.QuantityReturned,
	})

	if out.EvidenceRef != "" {
		if err := r.stops.SetStopEvidence(ctx, stop.ID, out.EvidenceRef); err != nil {
			r.logger.WarnContext(ctx, "store stop evidence failed", slog.Int64("route_order_id", stop.ID), slog.Any("error", err))
		}
	}
	entry := JournalEntry{
		RouteOrderID: stop.ID,
		LineItemID:   itemID,
		Delivered:    out.Delivered,
		Rejected:     out.Rejected,
		Reason:       out.Reason,
		ActorID:      actor,
		RecordedAt:   *item.OutcomeRecordedAt,
	}
	if err := r.journal.Append(ctx, entry); err != nil {
		r.logger.WarnContext(ctx, "append outcome journal failed", slog.Int64("line_item_id", itemID), slog.Any("error", err))
	}
	r.syncReturn(ctx, stop, item, previous, out, actor)
	return item, nil
}

func (r *Reconciler) applyOutcome(ctx context.Context, stop *routing.Stop, itemID int64, out Outcome) (*ledger.LineItem, ledger.LineItem, error) {
	release, err := r.locker.Acquire(ctx, shared.LineItemLockKey(itemID))
	if err != nil {
		return nil, ledger.LineItem{}, shared.NewItemError(itemID, err)
	}
	defer release()

	var item *ledger.LineItem
	var previous ledger.LineItem
	err = r.orders.WithTx(ctx, func(ctx context.Context, tx orders.TxRepository) error {
		status, err := tx.GetOrderStatus(ctx, stop.OrderID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return fmt.Errorf("order %d is %s: %w", stop.OrderID, status, shared.ErrAlreadyTerminal)
		}
		if !status.AwaitsDelivery() {
			return fmt.Errorf("order %d is %s: %w", stop.OrderID, status, shared.ErrWrongStage)
		}
		it, err := tx.GetLineItemForUpdate(ctx, stop.OrderID, itemID)
		if err != nil {
			return err
		}
		previous = *it
		if err := ledger.ApplyDeliveryOutcome(it, out.Delivered, out.Rejected, r.now()); err != nil {
			return err
		}
		if err := tx.UpdateLineItem(ctx, it); err != nil {
			return err
		}
		item = it
		return nil
	})
	if err != nil {
		return nil, previous, shared.NewItemError(itemID, err)
	}
	return item, previous, nil
}

// syncReturn keeps the emitted return record in line with the rejected
// quantity of the item.
func (r *Reconciler) syncReturn(ctx context.Context, stop *routing.Stop, item *ledger.LineItem, previous ledger.LineItem, out Outcome, actor int64) {
	var err error
	switch {
	case out.Rejected > 0:
		_, err = r.returns.RecordFromDelivery(ctx, returns.Emission{
			RouteOrderID: stop.ID,
			OrderID:      stop.OrderID,
			LineItemID:   item.ID,
			ProductID:    item.ProductID,
			RouteID:      stop.RouteID,
			Quantity:     out.Rejected,
			Reason:       out.Reason,
			ActorID:      actor,
		})
	case previous.QuantityReturned > 0:
		err = r.returns.WithdrawFromDelivery(ctx, stop.ID, item.ID, actor)
	default:
		return
	}
	if err != nil {
		err = fmt.Errorf("sync return for item %d: %w: %v", item.ID, shared.ErrDependencyUnavailable, err)
		r.recorder.ReturnEmission("error")
		r.logger.WarnContext(ctx, "return ledger unavailable",
			slog.Int64("route_order_id", stop.ID), slog.Int64("line_item_id", item.ID), slog.Any("error", err))
		return
	}
	r.recorder.ReturnEmission("ok")
}

// ReconcileStop records a batch of outcomes for one stop and finalizes the
// stop when every item was applied and each item of the order has an outcome.
func (r *Reconciler) ReconcileStop(ctx context.Context, routeOrderID int64, items []ItemOutcome, actor int64) (StopResult, error) {
	result := StopResult{StopID: routeOrderID, Applied: []ledger.LineItem{}, Failures: []orders.ItemFailure{}}
	if len(items) == 0 {
		return result, fmt.Errorf("%w: no outcomes for stop %d", shared.ErrValidation, routeOrderID)
	}
	stop, err := r.stops.GetStop(ctx, routeOrderID)
	if err != nil {
		return result, err
	}
	result.OrderID = stop.OrderID
	for _, in := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		item, err := r.RecordDeliveryOutcome(ctx, routeOrderID, in.ItemID, in.Outcome, actor)
		if err != nil {
			result.fail(in.ItemID, err)
			continue
		}
		result.Applied = append(result.Applied, *item)
	}
	if len(result.Failures) > 0 {
		return result, nil
	}
	o, err := r.FinalizeRouteStopDelivery(ctx, routeOrderID, actor)
	switch {
	case errors.Is(err, shared.ErrOutcomesPending):
		r.logger.DebugContext(ctx, "stop left open, outcomes pending", slog.Int64("route_order_id", routeOrderID))
		return result, nil
	case err != nil:
		return result, err
	}
	result.Order = o
	result.Finalized = o.Status.IsTerminal()
	return result, nil
}

// ReconcileRoute processes the stops of a route in parallel. Items within a
// stop stay sequential. A failing stop never aborts the others.
func (r *Reconciler) ReconcileRoute(ctx context.Context, routeID int64, batches map[int64][]ItemOutcome, actor int64) (RouteResult, error) {
	result := RouteResult{RouteID: routeID}
	if _, err := r.stops.GetRoute(ctx, routeID); err != nil {
		return result, err
	}
	stopIDs := make([]int64, 0, len(batches))
	for id := range batches {
		stopIDs = append(stopIDs, id)
	}
	sort.Slice(stopIDs, func(i, j int) bool { return stopIDs[i] < stopIDs[j] })

	result.Stops = make([]StopResult, len(stopIDs))
	var g errgroup.Group
	g.SetLimit(r.limit)
	for i, stopID := range stopIDs {
		g.Go(func() error {
			res, err := r.reconcileRouteStop(ctx, routeID, stopID, batches[stopID], actor)
			if err != nil {
				res.abort(err)
			}
			result.Stops[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		// stop failures are already carried in result.Stops
		r.logger.WarnContext(ctx, "route reconciliation left stops failed",
			slog.Int64("route_id", routeID), slog.Any("first_error", err))
	}
	return result, nil
}

func (r *Reconciler) reconcileRouteStop(ctx context.Context, routeID, stopID int64, items []ItemOutcome, actor int64) (StopResult, error) {
	stop, err := r.stops.GetStop(ctx, stopID)
	if err != nil {
		return StopResult{StopID: stopID}, err
	}
	if stop.RouteID != routeID {
		return StopResult{StopID: stopID, OrderID: stop.OrderID},
			fmt.Errorf("%w: stop %d belongs to route %d", shared.ErrValidation, stopID, stop.RouteID)
	}
	return r.ReconcileStop(ctx, stopID, items, actor)
}

// FinalizeRouteStopDelivery settles the order of a stop once every item
// carries an outcome. The derived terminal status is written once; repeated
// calls return the order as stored.
func (r *Reconciler) FinalizeRouteStopDelivery(ctx context.Context, routeOrderID int64, actor int64) (*orders.Order, error) {
	stop, err := r.stops.GetStop(ctx, routeOrderID)
	if err != nil {
		return nil, err
	}
	o, err := r.orders.GetOrder(ctx, stop.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.IsTerminal() {
		if !o.Status.AwaitsDelivery() {
			return nil, fmt.Errorf("order %d is %s: %w", o.ID, o.Status, shared.ErrWrongStage)
		}
		if !ledger.AllOutcomesRecorded(o.Items) {
			return nil, fmt.Errorf("order %d: %w", o.ID, shared.ErrOutcomesPending)
		}
	}

	updated, derivation, err := r.deriver.ApplyDerivedStatus(ctx, stop.OrderID, actor)
	if err != nil {
		return nil, err
	}
	if !updated.Status.IsTerminal() {
		r.logger.InfoContext(ctx, "stop not finalized",
			slog.Int64("route_order_id", stop.ID), slog.String("reason", derivation.Reason))
		return updated, nil
	}
	if stop.FinalizedAt == nil {
		if err := r.stops.MarkStopFinalized(ctx, stop.ID, r.now()); err != nil {
			r.logger.WarnContext(ctx, "mark stop finalized failed", slog.Int64("route_order_id", stop.ID), slog.Any("error", err))
		} else {
			r.recorder.StopFinalized(updated.Status)
		}
	}
	return updated, nil
}

func (r *Reconciler) record(ctx context.Context, actor, itemID int64, meta map[string]any) {
	err := r.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   "line_item.outcome_recorded",
		Entity:   shared.AuditEntityLineItem,
		EntityID: strconv.FormatInt(itemID, 10),
		Meta:     meta,
		At:       r.now(),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "audit append failed", slog.Int64("line_item_id", itemID), slog.Any("error", err))
	}
}
