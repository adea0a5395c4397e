package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fulfillment/jobs"
)

// Enqueuer submits tasks to the queue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueInspector reads queue state.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector QueueInspector
	closers   []func() error
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})
	return &JobsCLI{client: client, inspector: inspector, closers: []func() error{client.Close, inspector.Close}}
}

// NewJobsCLIWith builds the helpers over existing clients.
func NewJobsCLIWith(client Enqueuer, inspector QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	for _, fn := range c.closers {
		if closeErr := fn(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name. route_check takes the route id
// as its only argument.
func (c *JobsCLI) Trigger(ctx context.Context, name string, args []string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskRouteCompletionCheck:
		if len(args) != 1 {
			return nil, fmt.Errorf("jobs cli: %s needs a route id", name)
		}
		routeID, parseErr := strconv.ParseInt(args[0], 10, 64)
		if parseErr != nil || routeID <= 0 {
			return nil, fmt.Errorf("jobs cli: invalid route id %q", args[0])
		}
		task, err = jobs.NewRouteCheckTask(routeID)
	case jobs.TaskIdempotencyCleanup:
		task, err = jobs.NewIdempotencyCleanupTask(72 * time.Hour)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue() (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = int(info.Pending)
		stats.Active = int(info.Active)
		stats.Scheduled = int(info.Scheduled)
		stats.Retry = int(info.Retry)
	}
	return stats, nil
}
