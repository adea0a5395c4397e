package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// OrderDispatcher moves orders through the dispatch stages.
type OrderDispatcher interface {
	MarkDispatched(ctx context.Context, orderID, routeID int64, actor int64) (*orders.Order, error)
	AdvanceOrderStatus(ctx context.Context, orderID int64, target orders.Status, actor int64) (*orders.Order, error)
}

// Service provides route planning and dispatch assignment.
type Service struct {
	repo     Repository
	orders   OrderDispatcher
	audit    orders.AuditPort
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new service.
func NewService(repo Repository, dispatcher OrderDispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		orders:   dispatcher,
		audit:    shared.NopAudit{},
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetAudit sets the history log.
func (s *Service) SetAudit(audit orders.AuditPort) {
	if audit != nil {
		s.audit = audit
	}
}

// CreateRoute plans a new route.
func (s *Service) CreateRoute(ctx context.Context, req CreateRouteRequest, actor int64) (*Route, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	id, err := s.repo.CreateRoute(ctx, Route{
		Code:          req.Code,
		ScheduledDate: req.ScheduledDate,
		Status:        StatusPlanned,
		CreatedBy:     actor,
	})
	if err != nil {
		return nil, fmt.Errorf("create route: %w", err)
	}
	s.record(ctx, actor, "route.created", id, map[string]any{"code": req.Code})
	return s.repo.GetRoute(ctx, id)
}

// Get returns a route with its stops.
func (s *Service) Get(ctx context.Context, routeID int64) (*RouteDetail, error) {
	rt, err := s.repo.GetRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	stops, err := s.repo.ListStopStatuses(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("list route stops: %w", err)
	}
	return &RouteDetail{Route: *rt, Stops: stops}, nil
}

// AttachOrder puts a ready_dispatch order on the route and dispatches it.
// The stop is removed again when the order refuses dispatch.
func (s *Service) AttachOrder(ctx context.Context, routeID int64, req AttachRequest, actor int64) (*Stop, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	rt, err := s.repo.GetRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if rt.Status == StatusCompleted {
		return nil, fmt.Errorf("route %d is completed: %w", routeID, shared.ErrAlreadyTerminal)
	}

	stopID, err := s.repo.InsertStop(ctx, Stop{RouteID: routeID, OrderID: req.OrderID, Sequence: req.Sequence})
	if err != nil {
		return nil, fmt.Errorf("insert stop: %w", err)
	}
	if _, err := s.orders.MarkDispatched(ctx, req.OrderID, routeID, actor); err != nil {
		if delErr := s.repo.DeleteStop(ctx, stopID); delErr != nil {
			s.logger.ErrorContext(ctx, "remove stop after failed dispatch",
				slog.Int64("stop_id", stopID), slog.Any("error", delErr))
		}
		return nil, err
	}

	if rt.Status == StatusInProgress {
		s.startDelivery(ctx, routeID, req.OrderID, actor)
	}
	s.record(ctx, actor, "route.order_attached", routeID, map[string]any{
		"order_id": req.OrderID,
		"stop_id":  stopID,
		"sequence": req.Sequence,
	})
	return s.repo.GetStop(ctx, stopID)
}

// StartRoute marks the route running and moves its dispatched orders into
// in_delivery. Orders that already left dispatched are skipped.
func (s *Service) StartRoute(ctx context.Context, routeID int64, actor int64) (*RouteDetail, error) {
	if err := s.repo.StartRoute(ctx, routeID, s.now()); err != nil {
		return nil, err
	}
	stops, err := s.repo.ListStopStatuses(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("list route stops: %w", err)
	}
	for _, st := range stops {
		if st.OrderStatus == orders.StatusDispatched {
			s.startDelivery(ctx, routeID, st.OrderID, actor)
		}
	}
	s.record(ctx, actor, "route.started", routeID, map[string]any{"stops": len(stops)})
	return s.Get(ctx, routeID)
}

func (s *Service) startDelivery(ctx context.Context, routeID, orderID, actor int64) {
	_, err := s.orders.AdvanceOrderStatus(ctx, orderID, orders.StatusInDelivery, actor)
	if err == nil || errors.Is(err, shared.ErrAlreadyTerminal) || errors.Is(err, shared.ErrInvalidTransition) {
		return
	}
	s.logger.WarnContext(ctx, "order not moved to in_delivery",
		slog.Int64("route_id", routeID), slog.Int64("order_id", orderID), slog.Any("error", err))
}

func (s *Service) record(ctx context.Context, actor int64, action string, routeID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   shared.AuditEntityRoute,
		EntityID: strconv.FormatInt(routeID, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit append failed", slog.String("action", action), slog.Any("error", err))
	}
}
