package outbox

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/models"
	"credit-card-platform/shared/logx"
	"credit-card-platform/shared/metricsx"
	"credit-card-platform/shared/observability"
	"credit-card-platform/shared/workflow"
)

type Result struct {
	Processed    int `json:"processed"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

type Dispatcher struct {
	repo      *Repo
	publisher Publisher
	batchSize int
	logger    logx.Logger
}

func NewDispatcher(repo *Repo, publisher Publisher, batchSize int, logger logx.Logger) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{repo: repo, publisher: publisher, batchSize: batchSize, logger: logger}
}

// ProcessOutbox drains one batch of pending events, then one batch of events
// due for retry. Each event is handled on its own; a failure never stops the
// run. Overlapping runs are safe because every status write is a CAS.
func (d *Dispatcher) ProcessOutbox(ctx context.Context) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "outbox.process")
	start := time.Now()
	defer func() {
		span.SetAttributes(
			attribute.Int("outbox.processed", res.Processed),
			attribute.Int("outbox.sent", res.Sent),
			attribute.Int("outbox.failed", res.Failed),
			attribute.Int("outbox.dead_lettered", res.DeadLettered),
		)
		observability.EndSpan(span, err)
		metricsx.ObserveOutboxRun(time.Since(start))
	}()

	pending, err := d.repo.FindPending(ctx, d.batchSize)
	if err != nil {
		return res, err
	}
	d.dispatchAll(ctx, pending, &res)

	retry, err := d.repo.FindReadyForRetry(ctx, d.batchSize)
	if err != nil {
		return res, err
	}
	d.dispatchAll(ctx, retry, &res)

	if res.Processed > 0 {
		d.logger.Info(ctx, "outbox_processed", "outbox batch processed",
			slog.Int("processed", res.Processed),
			slog.Int("sent", res.Sent),
			slog.Int("failed", res.Failed),
			slog.Int("dead_lettered", res.DeadLettered),
			slog.Int("skipped", res.Skipped),
		)
	}
	return res, nil
}

func (d *Dispatcher) dispatchAll(ctx context.Context, batch []models.OutboxEvent, res *Result) {
	for _, e := range batch {
		if ctx.Err() != nil {
			return
		}
		res.Processed++
		d.dispatch(ctx, e, res)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, e models.OutboxEvent, res *Result) {
	attrs := []slog.Attr{
		slog.String("event_id", e.EventID),
		slog.String("event_type", e.EventType),
		slog.String("tenant_id", e.TenantID),
		slog.Int64("sequence_number", e.SequenceNumber),
	}
	if pubErr := d.publisher.Publish(ctx, e); pubErr != nil {
		derr := &apperr.DeliveryError{EventID: e.EventID, Cause: pubErr}
		updated, err := d.repo.MarkFailed(ctx, e, derr)
		if err != nil {
			d.logger.Error(ctx, "outbox_mark_failed_error", "failed to record delivery failure",
				append(attrs, slog.String("error", err.Error()), slog.String("error_code", apperr.CodeOf(err)))...)
			res.Failed++
			metricsx.IncOutboxDispatch("error")
			return
		}
		switch updated.Status {
		case workflow.OutboxStatusSent:
			// another dispatcher delivered it first
			res.Skipped++
			metricsx.IncOutboxDispatch("skipped")
			d.logger.Debug(ctx, "outbox_publish_superseded", "event already sent by another run", attrs...)
			return
		case workflow.OutboxStatusDeadLetter:
			res.DeadLettered++
			metricsx.IncOutboxDispatch("dead_letter")
			d.logger.Error(ctx, "outbox_dead_lettered", "event moved to dead letter",
				append(attrs, slog.Int("retry_count", updated.RetryCount), slog.String("error", derr.Error()))...)
			return
		}
		res.Failed++
		metricsx.IncOutboxDispatch("failed")
		d.logger.Warn(ctx, "outbox_publish_failed", "event delivery failed",
			append(attrs, slog.Int("retry_count", updated.RetryCount), slog.String("error", derr.Error()))...)
		return
	}
	if _, err := d.repo.MarkSent(ctx, e); err != nil {
		// Published but not recorded: the event goes out again and receivers
		// deduplicate on event_id.
		d.logger.Error(ctx, "outbox_mark_sent_error", "failed to mark event sent",
			append(attrs, slog.String("error", err.Error()))...)
		res.Failed++
		metricsx.IncOutboxDispatch("error")
		return
	}
	res.Sent++
	metricsx.IncOutboxDispatch("sent")
}
