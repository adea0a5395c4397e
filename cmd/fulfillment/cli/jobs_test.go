package cli

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/jobs"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestTriggerRouteCheck(t *testing.T) {
	client := &stubEnqueuer{}
	c := NewJobsCLIWith(client, nil)

	info, err := c.Trigger(context.Background(), jobs.TaskRouteCompletionCheck, []string{"42"})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskRouteCompletionCheck, info.Type)
	require.Len(t, client.tasks, 1)

	var payload jobs.RouteCheckPayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	require.Equal(t, int64(42), payload.RouteID)
}

func TestTriggerRejectsBadInput(t *testing.T) {
	c := NewJobsCLIWith(&stubEnqueuer{}, nil)
	ctx := context.Background()

	_, err := c.Trigger(ctx, jobs.TaskRouteCompletionCheck, nil)
	require.Error(t, err)
	_, err = c.Trigger(ctx, jobs.TaskRouteCompletionCheck, []string{"x"})
	require.Error(t, err)
	_, err = c.Trigger(ctx, "unknown", nil)
	require.ErrorContains(t, err, "unsupported job")
}

func TestInspectQueue(t *testing.T) {
	c := NewJobsCLIWith(nil, stubInspector{info: &asynq.QueueInfo{Pending: 3, Retry: 1}})
	stats, err := c.InspectQueue()
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 3, Retry: 1}, stats)

	c = NewJobsCLIWith(nil, stubInspector{err: errors.New("redis down")})
	_, err = c.InspectQueue()
	require.Error(t, err)
}
