package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"credit-card-platform/shared/config"
	"credit-card-platform/shared/events"
)

func testEnvelope() events.Envelope {
	return events.Envelope{
		EventID:        "evt-1",
		TenantID:       "t1",
		EntityType:     events.EntityCard,
		EntityID:       "card-1",
		SequenceNumber: 4,
		EventType:      "card.purchase_posted",
		Payload:        json.RawMessage(`{"amount":100}`),
	}
}

func TestPublishEventPostsEnvelope(t *testing.T) {
	var got events.Envelope
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := New(config.Config{WebhookURL: srv.URL, WebhookTimeoutMS: 1000})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.PublishEvent(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if key != "evt-1" || got.SequenceNumber != 4 || got.EntityID != "card-1" {
		t.Fatalf("unexpected delivery: key=%q env=%+v", key, got)
	}
}

func TestPublishEventOpensCircuitAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	c, err := NewWithClock(config.Config{WebhookURL: srv.URL, WebhookTimeoutMS: 1000}, clock)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	for i := 0; i < 5; i++ {
		var se *StatusError
		if err := c.PublishEvent(context.Background(), testEnvelope()); !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
			t.Fatalf("attempt %d: expected status error, got %v", i, err)
		}
	}
	if err := c.PublishEvent(context.Background(), testEnvelope()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 calls, got %d", calls.Load())
	}

	clock.Advance(31 * time.Second)
	_ = c.PublishEvent(context.Background(), testEnvelope())
	if calls.Load() != 6 {
		t.Fatalf("expected circuit to close after reset, calls=%d", calls.Load())
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(config.Config{}); err == nil {
		t.Fatalf("expected error without WEBHOOK_URL")
	}
}
