package orders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// RecordAvailability records the first-pass available quantity of one item.
func (s *Service) RecordAvailability(ctx context.Context, orderID, itemID, qty int64, actor int64) (*ledger.LineItem, error) {
	item, err := s.mutateItem(ctx, orderID, itemID, StatusReviewArea1, func(it *ledger.LineItem) error {
		return ledger.SetAvailable(it, qty)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "line_item.availability_recorded", shared.AuditEntityLineItem, itemID, map[string]any{
		"order_id":  orderID,
		"available": item.QuantityAvailable,
		"missing":   item.QuantityMissing,
	})
	return item, nil
}

// RecordAvailabilityBatch applies first-pass quantities item by item. Failing
// items are reported without blocking the rest.
func (s *Service) RecordAvailabilityBatch(ctx context.Context, orderID int64, req BatchRequest, actor int64) (BatchResult, error) {
	if err := Validate(req); err != nil {
		return BatchResult{}, err
	}
	var result BatchResult
	for _, in := range req.Items {
		item, err := s.RecordAvailability(ctx, orderID, in.ItemID, in.Quantity, actor)
		if err != nil {
			result.fail(in.ItemID, err)
			continue
		}
		result.Applied = append(result.Applied, *item)
	}
	return result, nil
}

// OverrideMissing replaces the derived missing figure during the first pass.
func (s *Service) OverrideMissing(ctx context.Context, orderID, itemID, qty int64, actor int64) (*ledger.LineItem, error) {
	item, err := s.mutateItem(ctx, orderID, itemID, StatusReviewArea1, func(it *ledger.LineItem) error {
		return ledger.OverrideMissing(it, qty)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "line_item.missing_overridden", shared.AuditEntityLineItem, itemID, map[string]any{
		"order_id": orderID,
		"missing":  item.QuantityMissing,
	})
	return item, nil
}

// RecordCompletion accumulates a second-pass completion for one item. A
// non-empty idempotency key makes a resubmitted request fail instead of
// counting twice.
func (s *Service) RecordCompletion(ctx context.Context, orderID, itemID, qty int64, note *string, idempotencyKey string, actor int64) (*ledger.LineItem, error) {
	var item *ledger.LineItem
	err := shared.RunOnce(ctx, s.idem, idempotencyKey, shared.IdempotencyModuleReview, func() error {
		var err error
		item, err = s.mutateItem(ctx, orderID, itemID, StatusReviewArea2, func(it *ledger.LineItem) error {
			if err := ledger.ApplyCompletion(it, qty); err != nil {
				return err
			}
			if note != nil {
				it.CompletionNote = note
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "line_item.completion_recorded", shared.AuditEntityLineItem, itemID, map[string]any{
		"order_id":  orderID,
		"added":     qty,
		"completed": item.QuantityCompleted,
		"remaining": ledger.RemainingMissing(*item),
	})
	return item, nil
}

// RecordCompletionBatch applies second-pass completions item by item.
// Item keys are derived from idempotencyKey when one is given.
func (s *Service) RecordCompletionBatch(ctx context.Context, orderID int64, req BatchRequest, idempotencyKey string, actor int64) (BatchResult, error) {
	if err := Validate(req); err != nil {
		return BatchResult{}, err
	}
	var result BatchResult
	for _, in := range req.Items {
		key := ""
		if idempotencyKey != "" {
			key = fmt.Sprintf("%s:%d", idempotencyKey, in.ItemID)
		}
		item, err := s.RecordCompletion(ctx, orderID, in.ItemID, in.Quantity, in.Note, key, actor)
		if err != nil {
			result.fail(in.ItemID, err)
			continue
		}
		result.Applied = append(result.Applied, *item)
	}
	return result, nil
}

// CompleteSecondReview closes pass two: the pending-missing flag is raised
// when any item received a completion, and the order moves to ready_dispatch
// whether or not shortages remain. Both happen in one transaction.
func (s *Service) CompleteSecondReview(ctx context.Context, orderID int64, actor int64) (*Order, error) {
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
		if o.Status != StatusReviewArea2 {
			return fmt.Errorf("order %d is %s: %w", orderID, o.Status, shared.ErrWrongStage)
		}
		var updates map[string]interface{}
		if ledger.Sum(o.Items).Completed > 0 {
			updates = map[string]interface{}{"has_pending_missing": true}
			o.HasPendingMissing = true
		}
		change, err = s.transition(ctx, tx, o, StatusReadyDispatch, actor, "second review completed", updates)
		updated = o
		return err
	})
	if err != nil {
		return nil, s.resolveRace(ctx, orderID, err)
	}
	if remaining := remainingShortage(updated.Items); remaining > 0 {
		s.logger.InfoContext(ctx, "order released with open shortage",
			slog.Int64("order_id", orderID), slog.Int64("remaining_missing", remaining))
	}
	s.publish(ctx, change)
	return updated, nil
}

// ClearPendingMissing acknowledges the Missing worklist entry. Status and
// counters are untouched.
func (s *Service) ClearPendingMissing(ctx context.Context, orderID int64, actor int64) (*Order, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetOrderStatus(ctx, orderID); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, orderID, map[string]interface{}{
			"has_pending_missing": false,
			"updated_by":          actor,
		})
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "order.pending_missing_cleared", shared.AuditEntityOrder, orderID, nil)
	return s.repo.GetOrder(ctx, orderID)
}

// mutateItem loads one item under lock, checks the order stage, applies fn
// and persists the result. fn leaves the item untouched on error.
func (s *Service) mutateItem(ctx context.Context, orderID, itemID int64, stage Status, fn func(*ledger.LineItem) error) (*ledger.LineItem, error) {
	var item *ledger.LineItem
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		status, err := tx.GetOrderStatus(ctx, orderID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return fmt.Errorf("order %d is %s: %w", orderID, status, shared.ErrAlreadyTerminal)
		}
		if status != stage {
			return fmt.Errorf("order %d is %s, want %s: %w", orderID, status, stage, shared.ErrWrongStage)
		}
		item, err = tx.GetLineItemForUpdate(ctx, orderID, itemID)
		if err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return shared.NewItemError(itemID, err)
		}
		return tx.UpdateLineItem(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func remainingShortage(items []ledger.LineItem) int64 {
	var total int64
	for _, it := range items {
		total += ledger.RemainingMissing(it)
	}
	return total
}
