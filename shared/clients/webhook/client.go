package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"credit-card-platform/shared/config"
	"credit-card-platform/shared/events"
)

var ErrCircuitOpen = errors.New("webhook circuit open")

// StatusError is a non-2xx answer from the receiver.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	url     string
	http    *http.Client
	breaker *circuitBreaker
}

func New(cfg config.Config) (*Client, error) {
	return NewWithClock(cfg, clockwork.NewRealClock())
}

func NewWithClock(cfg config.Config, clock clockwork.Clock) (*Client, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, errors.New("WEBHOOK_URL is required")
	}
	timeout := time.Duration(cfg.WebhookTimeoutMS) * time.Millisecond
	return &Client{
		url:     cfg.WebhookURL,
		http:    &http.Client{Timeout: timeout},
		breaker: newCircuitBreaker(clock, 5, 30*time.Second),
	}, nil
}

// PublishEvent posts one envelope. The receiver deduplicates on the
// Idempotency-Key header, which carries the event id.
func (c *Client) PublishEvent(ctx context.Context, env events.Envelope) error {
	if c == nil || c.http == nil {
		return errors.New("webhook client not initialized")
	}
	if c.breaker.Open() {
		return ErrCircuitOpen
	}
	body, err := events.Encode(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.EventID)
	req.Header.Set("X-Event-Type", env.EventType)
	req.Header.Set("X-Stream-Key", events.StreamKey(env))
	req.Header.Set("X-Sequence-Number", strconv.FormatInt(env.SequenceNumber, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Fail()
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.breaker.Success()
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		c.breaker.Fail()
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

type circuitBreaker struct {
	mu            sync.Mutex
	clock         clockwork.Clock
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(clock clockwork.Clock, threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{clock: clock, threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if b.clock.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.clock.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
