package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
)

// Policy tunes which order statuses close a route.
type Policy struct {
	// CancelledCompletesRoute counts cancelled orders as resolved.
	CancelledCompletesRoute bool
}

// DefaultPolicy lets cancelled orders complete a route.
func DefaultPolicy() Policy {
	return Policy{CancelledCompletesRoute: true}
}

// Resolved reports whether an order in status s no longer holds its route open.
func (p Policy) Resolved(s orders.Status) bool {
	if s == orders.StatusCancelled {
		return p.CancelledCompletesRoute
	}
	return s.IsTerminal()
}

// ResolvedStatuses lists every order status that Resolved accepts.
func (p Policy) ResolvedStatuses() []orders.Status {
	out := []orders.Status{orders.StatusDelivered, orders.StatusPartiallyDelivered, orders.StatusReturned}
	if p.CancelledCompletesRoute {
		out = append(out, orders.StatusCancelled)
	}
	return out
}

// CompletionRecorder observes route completions.
type CompletionRecorder interface {
	RouteCompleted()
}

// Monitor promotes a route to completed once every attached order is
// resolved. Completed is a one-way latch.
type Monitor struct {
	repo     Repository
	policy   Policy
	group    singleflight.Group
	recorder CompletionRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewMonitor creates a monitor.
func NewMonitor(repo Repository, policy Policy, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{repo: repo, policy: policy, logger: logger, now: time.Now}
}

// SetRecorder sets the completion metrics sink.
func (m *Monitor) SetRecorder(r CompletionRecorder) {
	m.recorder = r
}

// Evaluate re-checks the route. Concurrent calls for one route share a run,
// and a shared run that left the route open is repeated for each caller.
// Calls against a completed route return without touching storage further.
func (m *Monitor) Evaluate(ctx context.Context, routeID int64) (Evaluation, error) {
	v, err, shared := m.group.Do(strconv.FormatInt(routeID, 10), func() (interface{}, error) {
		return m.evaluate(ctx, routeID)
	})
	if err != nil {
		return Evaluation{RouteID: routeID}, err
	}
	eval := v.(Evaluation)
	if shared && !eval.Completed {
		// the shared run may have read stop statuses before this caller's write
		return m.evaluate(ctx, routeID)
	}
	return eval, nil
}

func (m *Monitor) evaluate(ctx context.Context, routeID int64) (Evaluation, error) {
	rt, err := m.repo.GetRoute(ctx, routeID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("load route: %w", err)
	}
	eval := Evaluation{RouteID: routeID, Status: rt.Status}
	if rt.Status == StatusCompleted {
		eval.Completed = true
		return eval, nil
	}

	stops, err := m.repo.ListStopStatuses(ctx, routeID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("list route stops: %w", err)
	}
	for _, s := range stops {
		if !m.policy.Resolved(s.OrderStatus) {
			eval.Pending = append(eval.Pending, s.OrderID)
		}
	}
	if len(stops) == 0 || len(eval.Pending) > 0 {
		return eval, nil
	}

	changed, err := m.repo.CompleteRoute(ctx, routeID, m.now(), m.policy.ResolvedStatuses())
	if err != nil {
		return Evaluation{}, fmt.Errorf("complete route: %w", err)
	}
	if !changed {
		// either another run latched first or an order was attached after the listing
		return m.recheck(ctx, routeID)
	}
	eval.Status = StatusCompleted
	eval.Completed = true
	m.logger.InfoContext(ctx, "route completed", slog.Int64("route_id", routeID), slog.Int("orders", len(stops)))
	if m.recorder != nil {
		m.recorder.RouteCompleted()
	}
	return eval, nil
}

// recheck reports the route state after a refused latch without retrying it.
func (m *Monitor) recheck(ctx context.Context, routeID int64) (Evaluation, error) {
	rt, err := m.repo.GetRoute(ctx, routeID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("load route: %w", err)
	}
	eval := Evaluation{RouteID: routeID, Status: rt.Status, Completed: rt.Status == StatusCompleted}
	if eval.Completed {
		return eval, nil
	}
	stops, err := m.repo.ListStopStatuses(ctx, routeID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("list route stops: %w", err)
	}
	for _, s := range stops {
		if !m.policy.Resolved(s.OrderStatus) {
			eval.Pending = append(eval.Pending, s.OrderID)
		}
	}
	return eval, nil
}

// RetryScheduler defers a failed evaluation to a background worker.
type RetryScheduler interface {
	ScheduleRouteCheck(ctx context.Context, routeID int64) error
}

// Trigger re-evaluates a route whenever one of its orders reaches a terminal
// status. Failures are logged and handed to the retry scheduler.
type Trigger struct {
	monitor *Monitor
	retry   RetryScheduler
	failed  func()
	logger  *slog.Logger
}

// NewTrigger wires a monitor to order status changes. retry may be nil.
func NewTrigger(monitor *Monitor, retry RetryScheduler, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{monitor: monitor, retry: retry, logger: logger}
}

// OnFailure registers a callback counting failed evaluations.
func (t *Trigger) OnFailure(fn func()) {
	t.failed = fn
}

// OrderStatusChanged implements orders.StatusObserver.
func (t *Trigger) OrderStatusChanged(ctx context.Context, change orders.StatusChange) {
	if change.RouteID == nil || !change.To.IsTerminal() {
		return
	}
	routeID := *change.RouteID
	if _, err := t.monitor.Evaluate(ctx, routeID); err != nil {
		if t.failed != nil {
			t.failed()
		}
		t.logger.WarnContext(ctx, "route completion check failed",
			slog.Int64("route_id", routeID),
			slog.Int64("order_id", change.OrderID),
			slog.Any("error", err),
		)
		if t.retry == nil {
			return
		}
		if err := t.retry.ScheduleRouteCheck(ctx, routeID); err != nil {
			t.logger.ErrorContext(ctx, "schedule route check", slog.Int64("route_id", routeID), slog.Any("error", err))
		}
	}
}
