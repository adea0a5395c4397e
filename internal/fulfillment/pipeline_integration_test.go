//go:build integration

package fulfillment_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/reconcile"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/returns"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// PipelineIntegrationSuite drives the module against a real Postgres.
type PipelineIntegrationSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	redis     *redis.Client
	module    *fulfillment.Module
}

func (s *PipelineIntegrationSuite) SetupSuite() {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("fulfillment"),
		postgres.WithUsername("fulfillment"),
		postgres.WithPassword("fulfillment"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)
	pool, err := db.New(ctx, dsn, db.Options{MaxConns: 8})
	s.Require().NoError(err)
	s.pool = pool
	s.Require().NoError(db.ApplySchema(ctx, pool))

	mr := miniredis.RunT(s.T())
	s.redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s.module = fulfillment.NewModule(
		fulfillment.PostgresStores(pool, s.redis, 5*time.Second),
		fulfillment.Deps{},
		fulfillment.Options{Policy: routing.DefaultPolicy(), Concurrency: 2},
	)
}

func (s *PipelineIntegrationSuite) TearDownSuite() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		s.Require().NoError(testcontainers.TerminateContainer(s.container))
	}
}

func (s *PipelineIntegrationSuite) SetupTest() {
	_, err := s.pool.Exec(context.Background(), `TRUNCATE delivery_outcome_journal, return_records, route_orders, order_line_items, orders, routes, audit_logs, idempotency_keys RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)
}

// readyOrder walks a new order through both review passes with every unit available.
func (s *PipelineIntegrationSuite) readyOrder(quantities ...int64) *orders.Order {
	ctx := context.Background()
	items := make([]orders.ItemInput, 0, len(quantities))
	for i, q := range quantities {
		items = append(items, orders.ItemInput{ProductID: int64(500 + i), UnitPrice: 1000, Quantity: q})
	}
	o, err := s.module.Orders.Create(ctx, orders.CreateRequest{ClientID: 9, Items: items}, 1)
	s.Require().NoError(err)
	_, err = s.module.Orders.AdvanceOrderStatus(ctx, o.ID, orders.StatusReviewArea1, 1)
	s.Require().NoError(err)
	for _, it := range o.Items {
		_, err = s.module.Orders.RecordAvailability(ctx, o.ID, it.ID, it.QuantityRequested, 1)
		s.Require().NoError(err)
	}
	_, err = s.module.Orders.AdvanceOrderStatus(ctx, o.ID, orders.StatusReadyDispatch, 1)
	s.Require().NoError(err)
	o, err = s.module.Orders.Get(ctx, o.ID)
	s.Require().NoError(err)
	return o
}

func (s *PipelineIntegrationSuite) TestRouteReconciliationPersists() {
	ctx := context.Background()
	rt, err := s.module.Routes.CreateRoute(ctx, routing.CreateRouteRequest{
		Code:          "INT-1",
		ScheduledDate: time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC),
	}, 1)
	s.Require().NoError(err)

	full := s.readyOrder(3)
	partial := s.readyOrder(5, 2)
	fullStop, err := s.module.Routes.AttachOrder(ctx, rt.ID, routing.AttachRequest{OrderID: full.ID}, 1)
	s.Require().NoError(err)
	partialStop, err := s.module.Routes.AttachOrder(ctx, rt.ID, routing.AttachRequest{OrderID: partial.ID, Sequence: 1}, 1)
	s.Require().NoError(err)
	_, err = s.module.Routes.StartRoute(ctx, rt.ID, 1)
	s.Require().NoError(err)

	res, err := s.module.Reconciler.ReconcileRoute(ctx, rt.ID, map[int64][]reconcile.ItemOutcome{
		fullStop.ID: {
			{ItemID: full.Items[0].ID, Outcome: reconcile.Outcome{Delivered: 3}},
		},
		partialStop.ID: {
			{ItemID: partial.Items[0].ID, Outcome: reconcile.Outcome{Delivered: 5}},
			{ItemID: partial.Items[1].ID, Outcome: reconcile.Outcome{Delivered: 1, Rejected: 1, Reason: "crushed"}},
		},
	}, 2)
	s.Require().NoError(err)
	s.Require().True(res.OK())

	got, err := s.module.Orders.Get(ctx, full.ID)
	s.Require().NoError(err)
	s.Equal(orders.StatusDelivered, got.Status)
	got, err = s.module.Orders.Get(ctx, partial.ID)
	s.Require().NoError(err)
	s.Equal(orders.StatusPartiallyDelivered, got.Status)

	detail, err := s.module.Routes.Get(ctx, rt.ID)
	s.Require().NoError(err)
	s.Equal(routing.StatusCompleted, detail.Route.Status)
	s.NotNil(detail.Route.CompletedAt)

	pending := returns.StatusPending
	recs, err := s.module.Returns.List(ctx, returns.Filter{Status: &pending})
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal(int64(1), recs[0].Quantity)
	s.Equal("crushed", recs[0].Reason)

	var journaled, audited int
	s.Require().NoError(s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_outcome_journal`).Scan(&journaled))
	s.Equal(3, journaled)
	s.Require().NoError(s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs WHERE action = 'line_item.outcome_recorded'`).Scan(&audited))
	s.Equal(3, audited)
}

func (s *PipelineIntegrationSuite) TestCorrectionWithdrawsPendingReturn() {
	ctx := context.Background()
	rt, err := s.module.Routes.CreateRoute(ctx, routing.CreateRouteRequest{
		Code:          "INT-2",
		ScheduledDate: time.Date(2026, 10, 22, 0, 0, 0, 0, time.UTC),
	}, 1)
	s.Require().NoError(err)
	o := s.readyOrder(4)
	stop, err := s.module.Routes.AttachOrder(ctx, rt.ID, routing.AttachRequest{OrderID: o.ID}, 1)
	s.Require().NoError(err)

	_, err = s.module.Reconciler.RecordDeliveryOutcome(ctx, stop.ID, o.Items[0].ID, reconcile.Outcome{Delivered: 2, Rejected: 2}, 2)
	s.Require().NoError(err)
	_, err = s.module.Reconciler.RecordDeliveryOutcome(ctx, stop.ID, o.Items[0].ID, reconcile.Outcome{Delivered: 4}, 2)
	s.Require().NoError(err)

	pending := returns.StatusPending
	recs, err := s.module.Returns.List(ctx, returns.Filter{Status: &pending})
	s.Require().NoError(err)
	s.Empty(recs)

	updated, err := s.module.Reconciler.FinalizeRouteStopDelivery(ctx, stop.ID, 2)
	s.Require().NoError(err)
	s.Equal(orders.StatusDelivered, updated.Status)

	_, err = s.module.Reconciler.RecordDeliveryOutcome(ctx, stop.ID, o.Items[0].ID, reconcile.Outcome{Delivered: 3}, 2)
	s.Require().ErrorIs(err, shared.ErrAlreadyTerminal)
}

func (s *PipelineIntegrationSuite) TestCompletionIdempotencyKeyIsPersisted() {
	ctx := context.Background()
	o, err := s.module.Orders.Create(ctx, orders.CreateRequest{ClientID: 9, Items: []orders.ItemInput{
		{ProductID: 1, UnitPrice: 10, Quantity: 6},
	}}, 1)
	s.Require().NoError(err)
	_, err = s.module.Orders.AdvanceOrderStatus(ctx, o.ID, orders.StatusReviewArea1, 1)
	s.Require().NoError(err)
	_, err = s.module.Orders.RecordAvailability(ctx, o.ID, o.Items[0].ID, 2, 1)
	s.Require().NoError(err)
	_, err = s.module.Orders.AdvanceOrderStatus(ctx, o.ID, orders.StatusReviewArea2, 1)
	s.Require().NoError(err)

	_, err = s.module.Orders.RecordCompletion(ctx, o.ID, o.Items[0].ID, 3, nil, "scan-77", 1)
	s.Require().NoError(err)
	_, err = s.module.Orders.RecordCompletion(ctx, o.ID, o.Items[0].ID, 3, nil, "scan-77", 1)
	s.Require().ErrorIs(err, shared.ErrIdempotencyConflict)

	item, err := s.module.Orders.Get(ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(int64(3), item.Items[0].QuantityCompleted)
}

func (s *PipelineIntegrationSuite) TestRouteLatchHonoursAttachedOrders() {
	ctx := context.Background()
	repo := routing.NewRepository(s.pool)
	rt, err := s.module.Routes.CreateRoute(ctx, routing.CreateRouteRequest{
		Code:          "INT-3",
		ScheduledDate: time.Date(2026, 10, 23, 0, 0, 0, 0, time.UTC),
	}, 1)
	s.Require().NoError(err)

	done := s.readyOrder(2)
	_, err = s.module.Routes.AttachOrder(ctx, rt.ID, routing.AttachRequest{OrderID: done.ID}, 1)
	s.Require().NoError(err)
	open := s.readyOrder(1)
	_, err = repo.InsertStop(ctx, routing.Stop{RouteID: rt.ID, OrderID: open.ID, Sequence: 1})
	s.Require().NoError(err)
	_, err = s.pool.Exec(ctx, `UPDATE orders SET status = 'delivered' WHERE id = $1`, done.ID)
	s.Require().NoError(err)

	resolved := routing.DefaultPolicy().ResolvedStatuses()
	changed, err := repo.CompleteRoute(ctx, rt.ID, time.Now(), resolved)
	s.Require().NoError(err)
	s.False(changed, "ready_dispatch order still attached")

	_, err = s.pool.Exec(ctx, `UPDATE orders SET status = 'cancelled' WHERE id = $1`, open.ID)
	s.Require().NoError(err)
	changed, err = repo.CompleteRoute(ctx, rt.ID, time.Now(), resolved)
	s.Require().NoError(err)
	s.True(changed)

	late := s.readyOrder(1)
	_, err = repo.InsertStop(ctx, routing.Stop{RouteID: rt.ID, OrderID: late.ID})
	s.Require().ErrorIs(err, shared.ErrAlreadyTerminal)

	got, err := s.module.Orders.Get(ctx, done.ID)
	s.Require().NoError(err)
	s.NotNil(got.Items[0].DispatchedAt)
	s.Equal(int64(2), got.Items[0].QuantityDispatched)
}

func TestPipelineIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration suite in short mode")
	}
	suite.Run(t, new(PipelineIntegrationSuite))
}
