package mqx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"

	"credit-card-platform/shared/config"
	"credit-card-platform/shared/events"
	"credit-card-platform/shared/logx"
	"credit-card-platform/shared/observability"
)

const (
	natsMaxReconnects = -1
	natsReconnectWait = 2 * time.Second
	natsDedupWindow   = 2 * time.Hour
)

// NATSPublisher publishes envelopes to a JetStream stream. The event id is
// the message id, so redelivery of the same event inside the duplicate
// window is dropped by the server.
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	stream string
}

func NewNATSPublisher(ctx context.Context, cfg config.Config, l logx.Logger) (*NATSPublisher, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		return nil, errors.New("NATS_URL is required")
	}
	opts := []nats.Option{
		nats.Name(cfg.ServiceName),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				l.Warn(context.Background(), "nats_disconnected", "nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info(context.Background(), "nats_reconnected", "nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	p := &NATSPublisher{nc: nc, js: js, prefix: cfg.NATSSubjectPrefix, stream: cfg.NATSStream}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{p.prefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: natsDedupWindow,
	})
	return err
}

// Subject is <prefix>.<entity_type>.<event_type>.
func (p *NATSPublisher) Subject(env events.Envelope) string {
	return p.prefix + "." + env.EntityType + "." + env.EventType
}

func (p *NATSPublisher) PublishEvent(ctx context.Context, env events.Envelope) (err error) {
	if p == nil || p.js == nil {
		return errors.New("nats publisher not initialized")
	}
	subject := p.Subject(env)
	ctx, span := observability.StartSpan(ctx, "nats.publish",
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination", subject),
	)
	defer func() { observability.EndSpan(span, err) }()

	data, err := events.Encode(env)
	if err != nil {
		return err
	}
	_, err = p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type":      []string{env.EventType},
			"Event-ID":        []string{env.EventID},
			"Stream-Key":      []string{events.StreamKey(env)},
			"Sequence-Number": []string{strconv.FormatInt(env.SequenceNumber, 10)},
		},
	},
		jetstream.WithMsgID(env.EventID),
		jetstream.WithExpectStream(p.stream),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
	return nil
}
