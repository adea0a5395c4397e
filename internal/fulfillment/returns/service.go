package returns

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// DefaultReason is used when a rejection carries no reason.
const DefaultReason = "rejected at delivery"

// AuditPort appends attributable history entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service provides business logic for the returns ledger.
type Service struct {
	repo          Repository
	audit         AuditPort
	validate      *validator.Validate
	defaultReason string
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a new service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:          repo,
		audit:         shared.NopAudit{},
		validate:      validator.New(),
		defaultReason: DefaultReason,
		logger:        logger,
		now:           time.Now,
	}
}

// SetAudit sets the history log.
func (s *Service) SetAudit(audit AuditPort) {
	if audit != nil {
		s.audit = audit
	}
}

// SetDefaultReason overrides the fallback reason for emitted returns.
func (s *Service) SetDefaultReason(reason string) {
	if reason != "" {
		s.defaultReason = reason
	}
}

// RecordFromDelivery stores the pending return for a rejected item. Repeated
// emissions for the same stop item update the one record.
func (s *Service) RecordFromDelivery(ctx context.Context, e Emission) (*Record, error) {
	if e.Quantity <= 0 {
		return nil, fmt.Errorf("%w: return quantity %d", shared.ErrValidation, e.Quantity)
	}
	key := SourceKey(e.RouteOrderID, e.LineItemID)
	reason := e.Reason
	if reason == "" {
		reason = s.defaultReason
	}
	itemID, routeID := e.LineItemID, e.RouteID
	rec, err := s.repo.UpsertEmitted(ctx, Record{
		SourceKey:  &key,
		OrderID:    e.OrderID,
		LineItemID: &itemID,
		ProductID:  e.ProductID,
		RouteID:    &routeID,
		Quantity:   e.Quantity,
		Reason:     reason,
		Status:     StatusPending,
		CreatedBy:  e.ActorID,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert return: %w", err)
	}
	s.record(ctx, e.ActorID, "return.emitted", rec.ID, map[string]any{
		"order_id":     e.OrderID,
		"line_item_id": e.LineItemID,
		"quantity":     rec.Quantity,
		"status":       rec.Status,
	})
	return rec, nil
}

// WithdrawFromDelivery rejects a still pending emitted record after a
// corrected outcome removed the rejection. Missing or curated records are
// left alone.
func (s *Service) WithdrawFromDelivery(ctx context.Context, routeOrderID, lineItemID int64, actor int64) error {
	key := SourceKey(routeOrderID, lineItemID)
	changed, err := s.repo.Resolve(ctx, key, StatusPending, StatusRejected, actor, s.now())
	if err != nil {
		return fmt.Errorf("withdraw return: %w", err)
	}
	if changed {
		s.logger.InfoContext(ctx, "emitted return withdrawn",
			slog.Int64("route_order_id", routeOrderID), slog.Int64("line_item_id", lineItemID))
		s.recordKey(ctx, actor, "return.withdrawn", key)
	}
	return nil
}

// CreateManual records a reviewer-entered return.
func (s *Service) CreateManual(ctx context.Context, req ManualRequest, actor int64) (*Record, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual return"
	}
	rec, err := s.repo.Insert(ctx, Record{
		OrderID:   req.OrderID,
		ProductID: req.ProductID,
		RouteID:   req.RouteID,
		Quantity:  req.Quantity,
		Reason:    reason,
		Status:    StatusPending,
		CreatedBy: actor,
	})
	if err != nil {
		return nil, fmt.Errorf("insert return: %w", err)
	}
	s.record(ctx, actor, "return.created", rec.ID, map[string]any{"order_id": req.OrderID, "quantity": req.Quantity})
	return rec, nil
}

// AcceptReturn accepts every pending record for the product, optionally
// limited to one route. Accepting never touches the order.
func (s *Service) AcceptReturn(ctx context.Context, req AcceptRequest, actor int64) ([]Record, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	list, err := s.repo.AcceptPending(ctx, req.RouteID, req.ProductID, actor, s.now())
	if err != nil {
		return nil, fmt.Errorf("accept returns: %w", err)
	}
	for _, rec := range list {
		s.record(ctx, actor, "return.accepted", rec.ID, map[string]any{"product_id": rec.ProductID, "quantity": rec.Quantity})
	}
	return list, nil
}

// List returns records matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]Record, error) {
	if f.Status != nil && !f.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown return status %q", shared.ErrValidation, *f.Status)
	}
	return s.repo.List(ctx, f)
}

// Summarize groups matching records by route, product and status.
func (s *Service) Summarize(ctx context.Context, f Filter) ([]Summary, error) {
	list, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}
	type groupKey struct {
		route   int64
		product int64
		status  Status
	}
	groups := make(map[groupKey]*Summary)
	for _, rec := range list {
		k := groupKey{product: rec.ProductID, status: rec.Status}
		if rec.RouteID != nil {
			k.route = *rec.RouteID
		}
		g, ok := groups[k]
		if !ok {
			g = &Summary{RouteID: rec.RouteID, ProductID: rec.ProductID, Status: rec.Status}
			groups[k] = g
		}
		g.Quantity += rec.Quantity
		g.Records++
	}
	out := make([]Summary, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := routeOf(out[i]), routeOf(out[j])
		if ri != rj {
			return ri < rj
		}
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func routeOf(s Summary) int64 {
	if s.RouteID == nil {
		return 0
	}
	return *s.RouteID
}

func (s *Service) record(ctx context.Context, actor int64, action string, id int64, meta map[string]any) {
	s.write(ctx, actor, action, strconv.FormatInt(id, 10), meta)
}

func (s *Service) recordKey(ctx context.Context, actor int64, action string, key uuid.UUID) {
	s.write(ctx, actor, action, key.String(), nil)
}

func (s *Service) write(ctx context.Context, actor int64, action, entityID string, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   shared.AuditEntityReturn,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit append failed", slog.String("action", action), slog.Any("error", err))
	}
}
