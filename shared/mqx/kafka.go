package mqx

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"credit-card-platform/shared/config"
	"credit-card-platform/shared/events"
	"credit-card-platform/shared/observability"
)

type Producer struct {
	writer *kafka.Writer
	topic  string
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr: kafka.TCP(cfg.KafkaBrokers...),
		// Hash keeps one entity stream on one partition.
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  maxInt(cfg.KafkaRetryMax, 1),
		WriteTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w, topic: cfg.KafkaTopic}, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) (err error) {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := observability.StartSpan(ctx, "kafka.produce",
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer func() { observability.EndSpan(span, err) }()
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return p.writer.WriteMessages(ctx, msg)
}

// PublishEvent writes env keyed by its stream. An empty configured topic
// routes by entity type.
func (p *Producer) PublishEvent(ctx context.Context, env events.Envelope) error {
	value, err := events.Encode(env)
	if err != nil {
		return err
	}
	topic := p.topic
	if topic == "" {
		topic = events.TopicFor(env.EntityType)
	}
	return p.Publish(ctx, topic, []byte(events.StreamKey(env)), value, map[string]string{
		"event_id":   env.EventID,
		"event_type": env.EventType,
		"tenant_id":  env.TenantID,
	})
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
