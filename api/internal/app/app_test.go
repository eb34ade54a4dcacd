package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"credit-card-platform/api/internal/cards"
	"credit-card-platform/api/internal/models"
	"credit-card-platform/api/internal/outbox"
	"credit-card-platform/shared/config"
	"credit-card-platform/shared/lockx"
	"credit-card-platform/shared/logx"
	"credit-card-platform/shared/workflow"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.OutboxEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, e models.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Env:                      "test",
		StoreBackend:             config.StoreMemory,
		IdempotencyBackend:       config.IdempotencyDocstore,
		IdempotencyTTLSec:        3600,
		OutboxPublisher:          config.PublisherLog,
		OutboxBatchSize:          10,
		OutboxMaxRetries:         5,
		OutboxBaseDelayMS:        1000,
		OutboxMaxDelayMS:         60000,
		OutboxSequenceStrategy:   config.SequenceScan,
		OutboxAllocationAttempts: 10,
		ApprovalTTLSec:           3600,
		ApprovalBatchSize:        10,
	}
}

func TestBuildWiresMemoryPlatform(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{}
	p, err := Build(context.Background(), testConfig(), logx.Nop(), WithClock(clock), WithPublisher(pub))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer p.Close()
	if p.Outbox.Config().Strategy != outbox.StrategyScan {
		t.Fatalf("strategy not applied: %+v", p.Outbox.Config())
	}
	if err := p.Ready(context.Background()); err != nil {
		t.Fatalf("memory platform should be ready: %v", err)
	}

	ctx := context.Background()
	if _, err := p.Cards.SubmitApplication(ctx, "t1", "k1", cards.SubmitApplicationRequest{ApplicantName: "Ada", RequestedLimit: 500}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := p.Dispatcher.ProcessOutbox(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Sent != 1 || len(pub.events) != 1 || pub.events[0].EventType != workflow.EventApplicationSubmitted {
		t.Fatalf("unexpected dispatch %+v %+v", res, pub.events)
	}

	clock.Advance(2 * time.Hour)
	sweep, err := p.Sweeper.SweepExpiredApprovals(ctx)
	if err != nil || sweep.SuccessCount != 1 {
		t.Fatalf("unexpected sweep %+v %v", sweep, err)
	}
	clock.Advance(2 * time.Hour)
	purged, err := p.PurgeIdempotency(ctx, 100)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	// submit and the expiry rejection each left one record
	if purged != 2 {
		t.Fatalf("expected 2 purged records, got %d", purged)
	}
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.StoreBackend = "cassandra"
	if _, err := Build(context.Background(), cfg, logx.Nop()); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}

func TestJobsFollowConfig(t *testing.T) {
	cfg := testConfig()
	cfg.OutboxScanSec = 7
	p, err := Build(context.Background(), cfg, logx.Nop(), WithClock(clockwork.NewFakeClock()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer p.Close()

	jobs := p.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("expected outbox, sweep and purge jobs, got %d", len(jobs))
	}
	if jobs[0].Name != TaskOutboxProcess || jobs[0].Interval != 7*time.Second {
		t.Fatalf("unexpected outbox job %+v", jobs[0])
	}
	if jobs[2].Name != TaskIdempotencyPurge || jobs[2].Interval != 600*time.Second {
		t.Fatalf("unexpected purge job %+v", jobs[2])
	}
	for _, j := range jobs {
		if err := j.Run(context.Background()); err != nil {
			t.Fatalf("%s: %v", j.Name, err)
		}
	}
}

// heldLock reports every key as already taken.
type heldLock struct{}

func (heldLock) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(false, nil)
}

func (heldLock) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(int64(0), nil)
}

func TestJobsSkipWhileLockHeld(t *testing.T) {
	pub := &recordingPublisher{}
	p, err := Build(context.Background(), testConfig(), logx.Nop(), WithClock(clockwork.NewFakeClock()), WithPublisher(pub))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer p.Close()
	p.Locker = lockx.New(heldLock{}, "")

	ctx := context.Background()
	if _, err := p.Cards.SubmitApplication(ctx, "t1", "k1", cards.SubmitApplicationRequest{ApplicantName: "Ada", RequestedLimit: 500}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, j := range p.Jobs() {
		if err := j.Run(ctx); err != nil {
			t.Fatalf("%s: %v", j.Name, err)
		}
	}
	if len(pub.events) != 0 {
		t.Fatalf("outbox must not be drained while another worker holds the lock")
	}
}
