package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

type stubEvaluator struct {
	eval  routing.Evaluation
	err   error
	calls []int64
}

func (s *stubEvaluator) Evaluate(_ context.Context, routeID int64) (routing.Evaluation, error) {
	s.calls = append(s.calls, routeID)
	return s.eval, s.err
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestRouteCheckJobEvaluates(t *testing.T) {
	eval := &stubEvaluator{eval: routing.Evaluation{RouteID: 9, Completed: true}}
	job := NewRouteCheckJob(eval, nil, testMetrics())
	task, err := NewRouteCheckTask(9)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, []int64{9}, eval.calls)
}

func TestRouteCheckJobReturnsErrorForRetry(t *testing.T) {
	boom := errors.New("db down")
	job := NewRouteCheckJob(&stubEvaluator{err: boom}, nil, testMetrics())
	task, err := NewRouteCheckTask(9)
	require.NoError(t, err)

	assert.ErrorIs(t, job.Handle(context.Background(), task), boom)
}

func TestRouteCheckJobSkipsBadPayload(t *testing.T) {
	job := NewRouteCheckJob(&stubEvaluator{}, nil, testMetrics())
	err := job.Handle(context.Background(), asynq.NewTask(TaskRouteCompletionCheck, []byte(`{"route_id":0}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type enqueueSpy struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (e *enqueueSpy) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	e.opts = append(e.opts, opts)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (interface{}, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestDispatcherSchedulesRouteCheck(t *testing.T) {
	spy := &enqueueSpy{}
	d := NewDispatcher(spy, 7, nil, testMetrics())

	require.NoError(t, d.ScheduleRouteCheck(context.Background(), 12))
	require.Len(t, spy.tasks, 1)
	assert.Equal(t, TaskRouteCompletionCheck, spy.tasks[0].Type())

	var payload RouteCheckPayload
	require.NoError(t, json.Unmarshal(spy.tasks[0].Payload(), &payload))
	assert.Equal(t, int64(12), payload.RouteID)

	retry, ok := optionValue(spy.opts[0], asynq.MaxRetryOpt)
	require.True(t, ok)
	assert.Equal(t, 7, retry)
	id, ok := optionValue(spy.opts[0], asynq.TaskIDOpt)
	require.True(t, ok)
	assert.Equal(t, "route_check:12", id)
}

func TestDispatcherAbsorbsQueuedDuplicate(t *testing.T) {
	d := NewDispatcher(&enqueueSpy{err: asynq.ErrTaskIDConflict}, 3, nil, testMetrics())
	assert.NoError(t, d.ScheduleRouteCheck(context.Background(), 12))

	d = NewDispatcher(&enqueueSpy{err: errors.New("redis down")}, 3, nil, testMetrics())
	assert.Error(t, d.ScheduleRouteCheck(context.Background(), 12))
}

func TestDispatcherPublishesStatusChange(t *testing.T) {
	spy := &enqueueSpy{}
	d := NewDispatcher(spy, 3, nil, testMetrics())
	routeID := int64(4)
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	d.OrderStatusChanged(context.Background(), orders.StatusChange{
		OrderID: 5, RouteID: &routeID, From: orders.StatusDispatched, To: orders.StatusDelivered, ActorID: 2, At: at,
	})
	require.Len(t, spy.tasks, 1)
	var payload NotifyStatusPayload
	require.NoError(t, json.Unmarshal(spy.tasks[0].Payload(), &payload))
	assert.Equal(t, int64(5), payload.OrderID)
	assert.Equal(t, "delivered", payload.To)
	assert.True(t, at.Equal(payload.At))

	failing := NewDispatcher(&enqueueSpy{err: errors.New("redis down")}, 3, nil, testMetrics())
	failing.OrderStatusChanged(context.Background(), orders.StatusChange{OrderID: 5, To: orders.StatusCancelled})
}

type stubOrders struct {
	order *orders.Order
	err   error
}

func (s stubOrders) Get(context.Context, int64) (*orders.Order, error) {
	return s.order, s.err
}

type senderSpy struct {
	sent []Notification
	err  error
}

func (s *senderSpy) Send(_ context.Context, n Notification) error {
	s.sent = append(s.sent, n)
	return s.err
}

func deliveredOrder() *orders.Order {
	return &orders.Order{
		ID:         7,
		ClientID:   3,
		Status:     orders.StatusPartiallyDelivered,
		TotalValue: 1250000,
		Items: []ledger.LineItem{
			{QuantityRequested: 1500, QuantityDelivered: 1200, QuantityReturned: 300},
		},
	}
}

func TestRenderStatusNotificationUsesLocale(t *testing.T) {
	payload := NotifyStatusPayload{OrderID: 7, From: "dispatched", To: "partially_delivered"}

	en := RenderStatusNotification(NewPrinter("en"), deliveredOrder(), payload)
	assert.Equal(t, "Order #7: partially_delivered", en.Subject)
	assert.Equal(t, "1,200 of 1,500 units delivered, 300 returned. Order value 1,250,000.", en.Body)
	assert.Equal(t, int64(3), en.ClientID)

	id := RenderStatusNotification(NewPrinter("id"), deliveredOrder(), payload)
	assert.Equal(t, "1.200 of 1.500 units delivered, 300 returned. Order value 1.250.000.", id.Body)
}

func TestNotifyStatusJobSends(t *testing.T) {
	sender := &senderSpy{}
	job := NewNotifyStatusJob(stubOrders{order: deliveredOrder()}, sender, "en", nil, testMetrics())
	task, err := NewNotifyStatusTask(NotifyStatusPayload{OrderID: 7, To: "cancelled"})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Order cancelled. Order value 1,250,000.", sender.sent[0].Body)

	sender.err = errors.New("smtp down")
	assert.Error(t, job.Handle(context.Background(), task))
}

type prunerSpy struct {
	retention time.Duration
}

func (p *prunerSpy) Cleanup(_ context.Context, olderThan time.Duration) error {
	p.retention = olderThan
	return nil
}

func TestIdempotencyCleanupJob(t *testing.T) {
	pruner := &prunerSpy{}
	job := NewIdempotencyCleanupJob(pruner, nil, testMetrics())
	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 48*time.Hour, pruner.retention)
}
