package outbox

import (
	"context"
	"encoding/json"
	"log/slog"

	"credit-card-platform/api/internal/models"
	"credit-card-platform/shared/events"
	"credit-card-platform/shared/logx"
)

type Publisher interface {
	Publish(ctx context.Context, e models.OutboxEvent) error
}

type PublisherFunc func(ctx context.Context, e models.OutboxEvent) error

func (f PublisherFunc) Publish(ctx context.Context, e models.OutboxEvent) error { return f(ctx, e) }

// EnvelopeSender is implemented by the kafka, nats and webhook clients.
type EnvelopeSender interface {
	PublishEvent(ctx context.Context, env events.Envelope) error
}

func ToEnvelope(e models.OutboxEvent) events.Envelope {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return events.Envelope{
		EventID:        e.EventID,
		TenantID:       e.TenantID,
		OccurredAt:     e.CreatedAt.UTC(),
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		SequenceNumber: e.SequenceNumber,
		EventType:      e.EventType,
		Payload:        payload,
	}
}

type envelopePublisher struct {
	sender EnvelopeSender
}

func NewEnvelopePublisher(sender EnvelopeSender) Publisher {
	return envelopePublisher{sender: sender}
}

func (p envelopePublisher) Publish(ctx context.Context, e models.OutboxEvent) error {
	return p.sender.PublishEvent(ctx, ToEnvelope(e))
}

// LogPublisher only logs the envelope. It is the local default.
type LogPublisher struct {
	Logger logx.Logger
}

func (p LogPublisher) Publish(ctx context.Context, e models.OutboxEvent) error {
	env := ToEnvelope(e)
	p.Logger.Info(ctx, "outbox_event_published", "event published",
		slog.String("event_id", env.EventID),
		slog.String("event_type", env.EventType),
		slog.String("stream", events.StreamKey(env)),
		slog.Int64("sequence_number", env.SequenceNumber),
	)
	return nil
}
