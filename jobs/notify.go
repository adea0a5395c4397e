package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

// Notification is a rendered status message for the client of an order.
type Notification struct {
	OrderID  int64
	ClientID int64
	Subject  string
	Body     string
}

// Sender delivers notifications to an external channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log. Used until a delivery channel is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "order notification",
		slog.Int64("order_id", n.OrderID),
		slog.Int64("client_id", n.ClientID),
		slog.String("subject", n.Subject),
		slog.String("body", n.Body))
	return nil
}

// OrderReader loads orders for rendering.
type OrderReader interface {
	Get(ctx context.Context, orderID int64) (*orders.Order, error)
}

// NotifyStatusJob renders and sends order status notifications.
type NotifyStatusJob struct {
	Orders  OrderReader
	Sender  Sender
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	printer *message.Printer
}

// NewNotifyStatusJob wires dependencies. Unknown locales fall back to Indonesian.
func NewNotifyStatusJob(reader OrderReader, sender Sender, locale string, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyStatusJob {
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	return &NotifyStatusJob{
		Orders:  reader,
		Sender:  sender,
		Logger:  logger,
		Metrics: metrics,
		printer: NewPrinter(locale),
	}
}

// NewPrinter returns a message printer for locale.
func NewPrinter(locale string) *message.Printer {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.Indonesian
	}
	return message.NewPrinter(tag)
}

// Handle processes notification tasks.
func (j *NotifyStatusJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Orders == nil {
		return errors.New("notify status: handler not configured")
	}
	var payload NotifyStatusPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.OrderID <= 0 {
		return fmt.Errorf("notify status payload: %w", asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskNotifyOrderStatus)

	o, err := j.Orders.Get(ctx, payload.OrderID)
	if err != nil {
		return tracker.End(fmt.Errorf("load order %d: %w", payload.OrderID, err))
	}
	n := RenderStatusNotification(j.printer, o, payload)
	if err := j.Sender.Send(ctx, n); err != nil {
		j.logger().Warn("send notification", slog.Int64("order_id", o.ID), slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(nil)
}

// RenderStatusNotification builds the message for a status change.
func RenderStatusNotification(p *message.Printer, o *orders.Order, payload NotifyStatusPayload) Notification {
	if p == nil {
		p = NewPrinter("")
	}
	totals := ledger.Sum(o.Items)
	subject := p.Sprintf("Order #%d: %s", o.ID, payload.To)
	var body string
	switch orders.Status(payload.To) {
	case orders.StatusDelivered, orders.StatusPartiallyDelivered, orders.StatusReturned:
		body = p.Sprintf("%d of %d units delivered, %d returned. Order value %d.",
			totals.Delivered, totals.Requested, totals.Returned, o.TotalValue)
	case orders.StatusCancelled:
		body = p.Sprintf("Order cancelled. Order value %d.", o.TotalValue)
	default:
		body = p.Sprintf("Order moved from %s to %s. %d units requested.", payload.From, payload.To, totals.Requested)
	}
	return Notification{OrderID: o.ID, ClientID: o.ClientID, Subject: subject, Body: body}
}

func (j *NotifyStatusJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskNotifyOrderStatus))
	}
	return slog.Default().With(slog.String("job", TaskNotifyOrderStatus))
}

func (j *NotifyStatusJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
