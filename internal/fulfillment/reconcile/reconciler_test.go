package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders/orderstest"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/reconcile"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/returns"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/returns/returnstest"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing/routingtest"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

const actor int64 = 11

type recorderSpy struct {
	mu        sync.Mutex
	outcomes  map[string]int
	emissions map[string]int
	finalized map[orders.Status]int
}

func newRecorderSpy() *recorderSpy {
	return &recorderSpy{outcomes: map[string]int{}, emissions: map[string]int{}, finalized: map[orders.Status]int{}}
}

func (r *recorderSpy) OutcomeRecorded(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[result]++
}

func (r *recorderSpy) ReturnEmission(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions[result]++
}

func (r *recorderSpy) StopFinalized(status orders.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized[status]++
}

type journalSpy struct {
	mu      sync.Mutex
	entries []reconcile.JournalEntry
}

func (j *journalSpy) Append(_ context.Context, e reconcile.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

type fixture struct {
	orderRepo   *orderstest.MemRepository
	routeRepo   *routingtest.MemRepository
	returnsRepo *returnstest.MemRepository
	routes      *routing.Service
	reconciler  *reconcile.Reconciler
	recorder    *recorderSpy
	journal     *journalSpy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orderRepo := orderstest.NewMemRepository()
	routeRepo := routingtest.NewMemRepository(func(id int64) orders.Status {
		return orderRepo.Snapshot(id).Status
	})
	returnsRepo := returnstest.NewMemRepository()
	orderSvc := orders.NewService(orderRepo, nil)
	monitor := routing.NewMonitor(routeRepo, routing.DefaultPolicy(), nil)
	orderSvc.AddObserver(routing.NewTrigger(monitor, nil, nil))

	rec := reconcile.NewReconciler(orderRepo, routeRepo, orderSvc, nil)
	rec.SetReturns(returns.NewService(returnsRepo, nil))
	spy := newRecorderSpy()
	rec.SetRecorder(spy)
	journal := &journalSpy{}
	rec.SetJournal(journal)

	return &fixture{
		orderRepo:   orderRepo,
		routeRepo:   routeRepo,
		returnsRepo: returnsRepo,
		routes:      routing.NewService(routeRepo, orderSvc, nil),
		reconciler:  rec,
		recorder:    spy,
		journal:     journal,
	}
}

func (f *fixture) route(t *testing.T, code string) int64 {
	t.Helper()
	rt, err := f.routes.CreateRoute(context.Background(), routing.CreateRouteRequest{
		Code:          code,
		ScheduledDate: time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC),
	}, actor)
	require.NoError(t, err)
	return rt.ID
}

// dispatch attaches a ready order with fully available items to the route and
// returns the stop and the stored order.
func (f *fixture) dispatch(t *testing.T, routeID int64, requested ...int64) (int64, orders.Order) {
	t.Helper()
	items := make([]ledger.LineItem, 0, len(requested))
	for i, qty := range requested {
		items = append(items, ledger.LineItem{ProductID: int64(100 + i), UnitPrice: 10, QuantityRequested: qty, QuantityAvailable: qty})
	}
	o := f.orderRepo.Seed(orders.Order{ClientID: 1, Status: orders.StatusReadyDispatch, Items: items})
	stop, err := f.routes.AttachOrder(context.Background(), routeID, routing.AttachRequest{OrderID: o.ID}, actor)
	require.NoError(t, err)
	return stop.ID, f.orderRepo.Snapshot(o.ID)
}

func TestScenarioPartialDeliveryEmitsOneReturn(t *testing.T) {
	f := newFixture(t)
	stopID, o := f.dispatch(t, f.route(t, "B-1"), 5, 5)

	res, err := f.reconciler.ReconcileStop(context.Background(), stopID, []reconcile.ItemOutcome{
		{ItemID: o.Items[0].ID, Outcome: reconcile.Outcome{Delivered: 5}},
		{ItemID: o.Items[1].ID, Outcome: reconcile.Outcome{Rejected: 5, Reason: "damaged box"}},
	}, actor)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.True(t, res.Finalized)
	require.NotNil(t, res.Order)
	assert.Equal(t, orders.StatusPartiallyDelivered, res.Order.Status)
	assert.Equal(t, orders.StatusPartiallyDelivered, f.orderRepo.Snapshot(o.ID).Status)

	recs := f.returnsRepo.All()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(5), recs[0].Quantity)
	require.NotNil(t, recs[0].LineItemID)
	assert.Equal(t, o.Items[1].ID, *recs[0].LineItemID)
	assert.Equal(t, "damaged box", recs[0].Reason)
	assert.Equal(t, returns.StatusPending, recs[0].Status)
	assert.Equal(t, 1, f.recorder.finalized[orders.StatusPartiallyDelivered])
	assert.Len(t, f.journal.entries, 2)
}

func TestScenarioAllRejectedIsReturned(t *testing.T) {
	f := newFixture(t)
	stopID, o := f.dispatch(t, f.route(t, "C-1"), 4)
	ctx := context.Background()

	_, err := f.reconciler.RecordDeliveryOutcome(ctx, stopID, o.Items[0].ID, reconcile.Outcome{Rejected: 4}, actor)
	require.NoError(t, err)
	updated, err := f.reconciler.FinalizeRouteStopDelivery(ctx, stopID, actor)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusReturned, updated.Status)

	recs := f.returnsRepo.All()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(4), recs[0].Quantity)
	assert.Equal(t, returns.StatusPending, recs[0].Status)
	assert.Equal(t, returns.DefaultReason, recs[0].Reason)
}

func TestScenarioFullDeliveryEmitsNothing(t *testing.T) {
	f := newFixture(t)
	routeID := f.route(t, "D-1")
	stopID, o := f.dispatch(t, routeID, 4)

	res, err := f.reconciler.ReconcileStop(context.Background(), stopID, []reconcile.ItemOutcome{
		{ItemID: o.Items[0].ID, Outcome: reconcile.Outcome{Delivered: 4, EvidenceRef: "photo-1"}},
	}, actor)
	require.NoError(t, err)
	require.True(t, res.Finalized)
	assert.Equal(t, orders.StatusDelivered, res.Order.Status)
	assert.Empty(t, f.returnsRepo.All())

	stops := f.routeRepo.Stops(routeID)
	require.Len(t, stops, 1)
	require.NotNil(t, stops[0].EvidenceRef)
	assert.Equal(t, "photo-1", *stops[0].EvidenceRef)
	assert.NotNil(t, stops[0].FinalizedAt)
	// the only order is terminal, so the route latched
	assert.Equal(t, routing.StatusCompleted, f.routeRepo.Route(routeID).Status)
}

func TestCorrectedOutcomeOverwritesAndWithdraws(t *testing.T) {
	f := newFixture(t)
	stopID, o := f.dispatch(t, f.route(t, "O-1"), 4)
	ctx := context.Background()
	itemID := o.Items[0].ID

	_, err := f.reconciler.RecordDeliveryOutcome(ctx, stopID, itemID, reconcile.Outcome{Delivered: 2, Rejected: 2}, actor)
	require.NoError(t, err)
	item, err := f.reconciler.RecordDeliveryOutcome(ctx, stopID, itemID, reconcile.Outcome{Delivered: 4}, actor)
	require.NoError(t, err)
	assert.Equal(t, int64(4), item.QuantityDelivered)
	assert.Equal(t, int64(0), item.QuantityReturned)

	recs := f.returnsRepo.All()
	require.Len(t, recs, 1)
	assert.Equal(t, returns.StatusRejected, recs[0].Status)

	_, err = f.reconciler.RecordDeliveryOutcome(ctx, stopID, itemID, reconcile.Outcome{Delivered: 3, Rejected: 1}, actor)
	require.NoError(t, err)
	recs = f.returnsRepo.All()
	require.Len(t, recs, 1)
	assert.Equal(t, returns.StatusPending, recs[0].Status)
	assert.Equal(t, int64(1), recs[0].Quantity)

	stored := f.orderRepo.Snapshot(o.ID).Items[0]
	assert.Equal(t, int64(3), stored.QuantityDelivered)
	assert.Equal(t, int64(1), stored.QuantityReturned)
}

func TestRepeatedOutcomeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	stopID, o := f.dispatch(t, f.route(t, "I-1"), 4)
	ctx := context.Background()
	itemID := o.Items[0].ID

	first, err := f.reconciler.RecordDeliveryOutcome(ctx, stopID, itemID, reconcile.Outcome{Delivered: 1, Rejected: 3}, actor)
	require.NoError(t, err)
	second, err := f.reconciler.RecordDeliveryOutcome(ctx, stopID, itemID, reconcile.Outcome{Delivered: 1, Rejected: 3}, actor)
	require.NoError(t, err)
	assert.Equal(t, first.QuantityDelivered, second.QuantityDelivered)
	assert.Equal(t, first.QuantityReturned, second.QuantityReturned)
	assert.Len(t, f.returnsRepo.All(), 1)
}

func TestReturnsFailureDoesNotBlockOutcome(t *testing.T) {
	f := newFixture(t)
	stopID, o := f.dispatch(t, f.route(t, "R-1"), 4)
	f.returnsRepo.SetErr(errors.New("connection refused"))

	item, err := f.reconciler.RecordDeliveryOutcome(context.Background(), stopID, o.Items[0].ID, reconcile.Outcome{Delivered: 1, Rejected: 3}, actor)
	require.NoError(t, err)
	assert.Equal(t, int64(3), item.QuantityReturned)
	assert.Equal(t, int64(3), f.orderRepo.Snapshot(o.ID).Items[0].QuantityReturned)
	assert.Equal(t, 1, f.recorder.emissions["error"])
}

func TestHeldLockRejectsOutcome(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := shared.NewRedisLocker(client, time.Second)
	f.reconciler.SetLocker(locker)

	stopID, o := f.dispatch(t, f.route(t, "L-1"), 4)
	ctx := context.Background()
	itemID := o.Items[0].ID

	release, err := locker.Acquire(ctx, shared.LineItemLockKey(itemID))
	require.NoError(t, err)

	_, err = f.reconciler.RecordDeliveryOutcome(ctx, stopID, itemID, reconcile.Outcome{Delivered: 4}, actor)
	require.ErrorIs(t, err, shared.ErrConcurrentModification)
	assert.True(t, shared.Retryable(err))
	assert.Nil(t, f.orderRepo.Snapshot(o.ID).Items[0].OutcomeRecordedAt)

	release()
	_, err = f.reconciler.RecordDeliveryOutcome(ctx, stopID, itemID, reconcile.Outcome{Delivered: 4}, actor)
	require.NoError(t, err)
	assert.False(t, mr.Exists(shared.LineItemLockKey(itemID)))
}

func TestOutcomeGuards(t *testing.T) {
	f := newFixture(t)
	stopID, o := f.dispatch(t, f.route(t, "G-1"), 4)
	ctx := context.Background()
	itemID := o.Items[0].ID

	_, err := f.reconciler.RecordDeliveryOutcome(ctx, stopID, itemID, reconcile.Outcome{Delivered: 3, Rejected: 2}, actor)
	require.ErrorIs(t, err, shared.ErrInvalidQuantity)
	var itemErr *shared.ItemError
	require.True(t, errors.As(err, &itemErr))
	assert.Equal(t, itemID, itemErr.ItemID)

	_, err = f.reconciler.RecordDeliveryOutcome(ctx, stopID, itemID, reconcile.Outcome{Delivered: -1}, actor)
	assert.ErrorIs(t, err, shared.ErrInvalidQuantity)

	_, err = f.reconciler.RecordDeliveryOutcome(ctx, 999, itemID, reconcile.Outcome{Delivered: 1}, actor)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	f.orderRepo.SetStatus(o.ID, orders.StatusCancelled)
	_, err = f.reconciler.RecordDeliveryOutcome(ctx, stopID, itemID, reconcile.Outcome{Delivered: 1}, actor)
	assert.ErrorIs(t, err, shared.ErrAlreadyTerminal)
	assert.Equal(t, 3, f.recorder.outcomes["error"])
}

func TestFailedItemLeavesOrderDispatched(t *testing.T) {
	f := newFixture(t)
	stopID, o := f.dispatch(t, f.route(t, "F-1"), 5, 5)
	f.orderRepo.FailItemUpdate[o.Items[1].ID] = errors.New("disk full")

	res, err := f.reconciler.ReconcileStop(context.Background(), stopID, []reconcile.ItemOutcome{
		{ItemID: o.Items[0].ID, Outcome: reconcile.Outcome{Delivered: 5}},
		{ItemID: o.Items[1].ID, Outcome: reconcile.Outcome{Delivered: 5}},
	}, actor)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.False(t, res.Finalized)
	require.Len(t, res.Applied, 1)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, o.Items[1].ID, res.Failures[0].ItemID)
	assert.Equal(t, orders.StatusDispatched, f.orderRepo.Snapshot(o.ID).Status)
}

func TestFinalizeRequiresEveryOutcome(t *testing.T) {
	f := newFixture(t)
	stopID, o := f.dispatch(t, f.route(t, "P-1"), 5, 5)
	ctx := context.Background()

	_, err := f.reconciler.RecordDeliveryOutcome(ctx, stopID, o.Items[0].ID, reconcile.Outcome{Delivered: 5}, actor)
	require.NoError(t, err)
	_, err = f.reconciler.FinalizeRouteStopDelivery(ctx, stopID, actor)
	assert.ErrorIs(t, err, shared.ErrOutcomesPending)
	assert.Equal(t, orders.StatusDispatched, f.orderRepo.Snapshot(o.ID).Status)

	// a partial batch leaves the stop open without failing
	res, err := f.reconciler.ReconcileStop(ctx, stopID, []reconcile.ItemOutcome{
		{ItemID: o.Items[0].ID, Outcome: reconcile.Outcome{Delivered: 4, Rejected: 1}},
	}, actor)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.False(t, res.Finalized)
}

func TestFinalizeTwiceKeepsStatus(t *testing.T) {
	f := newFixture(t)
	stopID, o := f.dispatch(t, f.route(t, "T-1"), 4)
	ctx := context.Background()

	_, err := f.reconciler.RecordDeliveryOutcome(ctx, stopID, o.Items[0].ID, reconcile.Outcome{Delivered: 2, Rejected: 2}, actor)
	require.NoError(t, err)
	first, err := f.reconciler.FinalizeRouteStopDelivery(ctx, stopID, actor)
	require.NoError(t, err)
	second, err := f.reconciler.FinalizeRouteStopDelivery(ctx, stopID, actor)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPartiallyDelivered, first.Status)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, f.recorder.finalized[orders.StatusPartiallyDelivered])

	_, err = f.reconciler.RecordDeliveryOutcome(ctx, stopID, o.Items[0].ID, reconcile.Outcome{Delivered: 4}, actor)
	assert.ErrorIs(t, err, shared.ErrAlreadyTerminal)
}

func TestReconcileRouteProcessesStopsConcurrently(t *testing.T) {
	f := newFixture(t)
	f.reconciler.SetConcurrency(2)
	routeID := f.route(t, "RR-1")
	otherRoute := f.route(t, "RR-2")

	stopA, a := f.dispatch(t, routeID, 3)
	stopB, b := f.dispatch(t, routeID, 2, 2)
	stopC, c := f.dispatch(t, routeID, 6)
	foreign, x := f.dispatch(t, otherRoute, 1)

	res, err := f.reconciler.ReconcileRoute(context.Background(), routeID, map[int64][]reconcile.ItemOutcome{
		stopA:   {{ItemID: a.Items[0].ID, Outcome: reconcile.Outcome{Delivered: 3}}},
		stopB:   {{ItemID: b.Items[0].ID, Outcome: reconcile.Outcome{Delivered: 2}}, {ItemID: b.Items[1].ID, Outcome: reconcile.Outcome{Rejected: 2}}},
		stopC:   {{ItemID: c.Items[0].ID, Outcome: reconcile.Outcome{Rejected: 6}}},
		foreign: {{ItemID: x.Items[0].ID, Outcome: reconcile.Outcome{Delivered: 1}}},
	}, actor)
	require.NoError(t, err)
	require.Len(t, res.Stops, 4)
	assert.False(t, res.OK())

	byStop := map[int64]reconcile.StopResult{}
	for _, s := range res.Stops {
		byStop[s.StopID] = s
	}
	assert.ErrorIs(t, byStop[foreign].Err, shared.ErrValidation)
	assert.True(t, byStop[stopA].Finalized)
	assert.True(t, byStop[stopB].Finalized)
	assert.True(t, byStop[stopC].Finalized)

	assert.Equal(t, orders.StatusDelivered, f.orderRepo.Snapshot(a.ID).Status)
	assert.Equal(t, orders.StatusPartiallyDelivered, f.orderRepo.Snapshot(b.ID).Status)
	assert.Equal(t, orders.StatusReturned, f.orderRepo.Snapshot(c.ID).Status)
	assert.Equal(t, orders.StatusDispatched, f.orderRepo.Snapshot(x.ID).Status)
	assert.Equal(t, routing.StatusCompleted, f.routeRepo.Route(routeID).Status)
	assert.Len(t, f.returnsRepo.All(), 2)
}

func TestReconcileRouteUnknownRoute(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconciler.ReconcileRoute(context.Background(), 404, nil, actor)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
