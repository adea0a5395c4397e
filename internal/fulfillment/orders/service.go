package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// AuditPort appends attributable history entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// StatusObserver is told about every committed status change. Observers run
// after the write and cannot fail it.
type StatusObserver interface {
	OrderStatusChanged(ctx context.Context, change StatusChange)
}

// Service provides business logic for orders and their review passes.
type Service struct {
	repo      Repository
	audit     AuditPort
	idem      shared.IdempotencyPort
	observers []StatusObserver
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		audit:  shared.NopAudit{},
		logger: logger,
		now:    time.Now,
	}
}

// SetAudit sets the history log.
func (s *Service) SetAudit(audit AuditPort) {
	if audit != nil {
		s.audit = audit
	}
}

// SetIdempotency enables duplicate suppression for accumulating writes.
func (s *Service) SetIdempotency(store shared.IdempotencyPort) {
	s.idem = store
}

// AddObserver registers a status change observer.
func (s *Service) AddObserver(o StatusObserver) {
	s.observers = append(s.observers, o)
}

// Create creates a new order in received status.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor int64) (*Order, error) {
	if err := ValidateCreateRequest(req); err != nil {
		return nil, err
	}
	items, err := buildItems(req.Items)
	if err != nil {
		return nil, err
	}

	var orderID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o := Order{
			ClientID:              req.ClientID,
			BranchID:              req.BranchID,
			Status:                StatusReceived,
			RequestedDeliveryDate: req.RequestedDeliveryDate,
			ExpectedDeliveryDate:  req.ExpectedDeliveryDate,
			PurchaseOrderNumber:   req.PurchaseOrderNumber,
			Observations:          req.Observations,
			TotalValue:            ledger.OrderValue(items),
			CreatedBy:             actor,
			UpdatedBy:             actor,
		}
		id, err := tx.InsertOrder(ctx, o)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		orderID = id
		for _, item := range items {
			item.OrderID = id
			if _, err := tx.InsertLineItem(ctx, item); err != nil {
				return fmt.Errorf("insert line item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, actor, "order.created", shared.AuditEntityOrder, orderID, map[string]any{
		"client_id": req.ClientID,
		"items":     len(items),
	})
	return s.repo.GetOrder(ctx, orderID)
}

// ReplaceItems swaps the whole item list of an order still under review.
// Downstream counters start over and the total is recomputed.
func (s *Service) ReplaceItems(ctx context.Context, orderID int64, req ReplaceItemsRequest, actor int64) (*Order, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	items, err := buildItems(req.Items)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.Status.CanEditItems() {
			return fmt.Errorf("order %d is %s: %w", orderID, o.Status, shared.ErrWrongStage)
		}
		if err := tx.DeleteLineItems(ctx, orderID); err != nil {
			return fmt.Errorf("delete line items: %w", err)
		}
		for _, item := range items {
			item.OrderID = orderID
			if _, err := tx.InsertLineItem(ctx, item); err != nil {
				return fmt.Errorf("insert line item: %w", err)
			}
		}
		return tx.UpdateOrder(ctx, orderID, map[string]interface{}{
			"total_value": ledger.OrderValue(items),
			"updated_by":  actor,
		})
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, actor, "order.items_replaced", shared.AuditEntityOrder, orderID, map[string]any{
		"items":       len(items),
		"total_value": ledger.OrderValue(items),
	})
	return s.repo.GetOrder(ctx, orderID)
}

// Get returns an order with its items.
func (s *Service) Get(ctx context.Context, orderID int64) (*Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// ListPendingMissing returns the Missing worklist.
func (s *Service) ListPendingMissing(ctx context.Context, page shared.PageRequest) (*ListResponse, error) {
	page = page.Normalize()
	list, total, err := s.repo.ListPendingMissing(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("list pending missing: %w", err)
	}
	p := shared.NewPagination(page, total)
	return &ListResponse{Orders: list, Total: total, Page: p.Page, Pages: p.TotalPages}, nil
}

// AdvanceOrderStatus performs an explicit forward stage transition.
func (s *Service) AdvanceOrderStatus(ctx context.Context, orderID int64, target Status, actor int64) (*Order, error) {
	var change StatusChange
	var updated *Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := ValidateAdvance(o.Status, target); err != nil {
			return err
		}
		change, err = s.transition(ctx, tx, o, target, actor, "advanced", nil)
		updated = o
		return err
	})
	if err != nil {
		return nil, s.resolveRace(ctx, orderID, err)
	}
	s.publish(ctx, change)
	return updated, nil
}

// CancelOrder forces a non-terminal order to cancelled. Counters are untouched.
func (s *Service) CancelOrder(ctx context.Context, orderID int64, actor int64) (*Order, error) {
	var change StatusChange
	var updated *Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := ValidateCancel(o.Status); err != nil {
			return err
		}
		change, err = s.transition(ctx, tx, o, StatusCancelled, actor, "cancelled", nil)
		updated = o
		return err
	})
	if err != nil {
		return nil, s.resolveRace(ctx, orderID, err)
	}
	s.publish(ctx, change)
	return updated, nil
}

// ApplyDerivedStatus derives and persists the terminal delivery status. An
// order that is already terminal is returned unchanged, as is one whose
// items carry no delivered or returned quantity.
func (s *Service) ApplyDerivedStatus(ctx context.Context, orderID int64, actor int64) (*Order, Derivation, error) {
	var change StatusChange
	var derivation Derivation
	var result *Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		result = o
		if o.Status.IsTerminal() {
			derivation = Derivation{Status: o.Status, Reason: "already " + string(o.Status), Totals: ledger.Sum(o.Items)}
			return nil
		}
		if !o.Status.AwaitsDelivery() {
			return fmt.Errorf("order %d is %s: %w", orderID, o.Status, shared.ErrWrongStage)
		}
		derivation = DeriveDeliveryStatus(o.Items)
		if !derivation.Transition {
			return nil
		}
		change, err = s.transition(ctx, tx, o, derivation.Status, actor, derivation.Reason, nil)
		return err
	})
	if err != nil {
		raceErr := s.resolveRace(ctx, orderID, err)
		if !errors.Is(raceErr, shared.ErrAlreadyTerminal) {
			return nil, derivation, raceErr
		}
		o, getErr := s.repo.GetOrder(ctx, orderID)
		if getErr != nil {
			return nil, derivation, getErr
		}
		s.logger.InfoContext(ctx, "order turned terminal before derivation",
			slog.Int64("order_id", orderID), slog.String("status", string(o.Status)))
		return o, Derivation{Status: o.Status, Reason: "already " + string(o.Status), Totals: ledger.Sum(o.Items)}, nil
	}
	if change.To != "" {
		s.publish(ctx, change)
	} else {
		s.logger.DebugContext(ctx, "no delivery status transition",
			slog.Int64("order_id", orderID), slog.String("reason", derivation.Reason))
	}
	return result, derivation, nil
}

// MarkDispatched attaches a ready order to a route and loads its items.
func (s *Service) MarkDispatched(ctx context.Context, orderID, routeID int64, actor int64) (*Order, error) {
	var change StatusChange
	var updated *Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status.IsTerminal() {
			return fmt.Errorf("order %d is %s: %w", orderID, o.Status, shared.ErrAlreadyTerminal)
		}
		if o.Status != StatusReadyDispatch {
			return fmt.Errorf("order %d is %s: %w", orderID, o.Status, shared.ErrWrongStage)
		}
		now := s.now()
		for i := range o.Items {
			ledger.Dispatch(&o.Items[i], now)
			if err := tx.UpdateLineItem(ctx, &o.Items[i]); err != nil {
				return err
			}
		}
		o.RouteID = &routeID
		change, err = s.transition(ctx, tx, o, StatusDispatched, actor, "dispatched on route "+strconv.FormatInt(routeID, 10),
			map[string]interface{}{"route_id": routeID})
		updated = o
		return err
	})
	if err != nil {
		return nil, s.resolveRace(ctx, orderID, err)
	}
	s.publish(ctx, change)
	return updated, nil
}

func (s *Service) transition(ctx context.Context, tx TxRepository, o *Order, to Status, actor int64, reason string, updates map[string]interface{}) (StatusChange, error) {
	if updates == nil {
		updates = make(map[string]interface{})
	}
	updates["updated_by"] = actor
	from := o.Status
	if err := tx.TransitionStatus(ctx, o.ID, from, to, updates); err != nil {
		return StatusChange{}, err
	}
	o.Status = to
	o.UpdatedBy = actor
	return StatusChange{
		OrderID: o.ID,
		RouteID: o.RouteID,
		From:    from,
		To:      to,
		ActorID: actor,
		At:      s.now(),
		Reason:  reason,
	}, nil
}

// resolveRace turns a lost conditional status write into ErrAlreadyTerminal
// when the competing writer left the order terminal.
func (s *Service) resolveRace(ctx context.Context, orderID int64, err error) error {
	if !errors.Is(err, shared.ErrConcurrentModification) {
		return err
	}
	o, getErr := s.repo.GetOrder(ctx, orderID)
	if getErr != nil || !o.Status.IsTerminal() {
		return err
	}
	return fmt.Errorf("order %d became %s: %w", orderID, o.Status, shared.ErrAlreadyTerminal)
}

func (s *Service) publish(ctx context.Context, change StatusChange) {
	s.logger.InfoContext(ctx, "order status changed",
		slog.Int64("order_id", change.OrderID),
		slog.String("from", string(change.From)),
		slog.String("to", string(change.To)),
		slog.Int64("actor_id", change.ActorID),
		slog.String("reason", change.Reason),
	)
	s.recordAt(ctx, change.ActorID, "order.status_changed", shared.AuditEntityOrder, change.OrderID, change.At, map[string]any{
		"from":   change.From,
		"to":     change.To,
		"reason": change.Reason,
	})
	for _, o := range s.observers {
		o.OrderStatusChanged(ctx, change)
	}
}

func (s *Service) record(ctx context.Context, actor int64, action, entity string, id int64, meta map[string]any) {
	s.recordAt(ctx, actor, action, entity, id, s.now(), meta)
}

func (s *Service) recordAt(ctx context.Context, actor int64, action, entity string, id int64, at time.Time, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       at,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit append failed", slog.String("action", action), slog.Any("error", err))
	}
}

func buildItems(inputs []ItemInput) ([]ledger.LineItem, error) {
	items := make([]ledger.LineItem, 0, len(inputs))
	for _, in := range inputs {
		item, err := ledger.NewLineItem(in.ProductID, in.UnitPrice, in.Quantity)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
