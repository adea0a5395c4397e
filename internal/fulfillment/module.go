package fulfillment

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/reconcile"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/returns"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing"
	"github.com/odyssey-erp/fulfillment/internal/observability"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Deps carries infrastructure shared by the fulfillment services.
type Deps struct {
	Logger  *slog.Logger
	Metrics *observability.FulfillmentMetrics
	// Retry defers failed route checks to the worker. Optional.
	Retry routing.RetryScheduler
	// Notifier receives every committed order status change. Optional.
	Notifier orders.StatusObserver
}

// Options tunes pipeline behaviour.
type Options struct {
	Policy              routing.Policy
	Concurrency         int
	DefaultReturnReason string
}

// Stores are the persistence adapters behind the services.
type Stores struct {
	Orders      orders.Repository
	Routes      routing.Repository
	Returns     returns.Repository
	Journal     reconcile.OutcomeJournal
	Locker      reconcile.Locker
	Audit       orders.AuditPort
	Idempotency shared.IdempotencyPort
}

// PostgresStores builds the production adapters. Line item locking is
// skipped when rdb is nil.
func PostgresStores(pool *pgxpool.Pool, rdb redis.UniversalClient, lockTTL time.Duration) Stores {
	stores := Stores{
		Orders:      orders.NewRepository(pool),
		Routes:      routing.NewRepository(pool),
		Returns:     returns.NewRepository(pool),
		Journal:     reconcile.NewPgJournal(pool),
		Audit:       shared.NewAuditLogger(pool),
		Idempotency: shared.NewIdempotencyStore(pool),
	}
	if rdb != nil {
		stores.Locker = shared.NewRedisLocker(rdb, lockTTL)
	}
	return stores
}

// Module is the assembled fulfillment pipeline.
type Module struct {
	Orders     *orders.Service
	Routes     *routing.Service
	Monitor    *routing.Monitor
	Reconciler *reconcile.Reconciler
	Returns    *returns.Service
	Handler    *Handler
}

// NewModule wires services over stores. Observers are registered in a fixed
// order: route completion, metrics, then notification.
func NewModule(stores Stores, deps Deps, opts Options) *Module {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	orderSvc := orders.NewService(stores.Orders, logger.With(slog.String("component", "orders")))
	returnSvc := returns.NewService(stores.Returns, logger.With(slog.String("component", "returns")))
	if stores.Audit != nil {
		orderSvc.SetAudit(stores.Audit)
		returnSvc.SetAudit(stores.Audit)
	}
	if stores.Idempotency != nil {
		orderSvc.SetIdempotency(stores.Idempotency)
	}
	if opts.DefaultReturnReason != "" {
		returnSvc.SetDefaultReason(opts.DefaultReturnReason)
	}

	monitor := routing.NewMonitor(stores.Routes, opts.Policy, logger.With(slog.String("component", "route_monitor")))
	monitor.SetRecorder(deps.Metrics)
	trigger := routing.NewTrigger(monitor, deps.Retry, logger)
	trigger.OnFailure(deps.Metrics.MonitorFailed)

	orderSvc.AddObserver(trigger)
	orderSvc.AddObserver(deps.Metrics)
	if deps.Notifier != nil {
		orderSvc.AddObserver(deps.Notifier)
	}

	routeSvc := routing.NewService(stores.Routes, orderSvc, logger.With(slog.String("component", "routing")))
	if stores.Audit != nil {
		routeSvc.SetAudit(stores.Audit)
	}

	rec := reconcile.NewReconciler(stores.Orders, stores.Routes, orderSvc, logger.With(slog.String("component", "reconcile")))
	rec.SetReturns(returnSvc)
	rec.SetRecorder(deps.Metrics)
	if stores.Journal != nil {
		rec.SetJournal(stores.Journal)
	}
	if stores.Locker != nil {
		rec.SetLocker(stores.Locker)
	}
	if stores.Audit != nil {
		rec.SetAudit(stores.Audit)
	}
	if opts.Concurrency > 0 {
		rec.SetConcurrency(opts.Concurrency)
	}

	return &Module{
		Orders:     orderSvc,
		Routes:     routeSvc,
		Monitor:    monitor,
		Reconciler: rec,
		Returns:    returnSvc,
		Handler:    NewHandler(logger, orderSvc, routeSvc, monitor, rec, returnSvc),
	}
}
