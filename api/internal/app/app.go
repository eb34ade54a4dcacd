// Package app wires the configured backends into the command, outbox and
// approval services shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"credit-card-platform/api/internal/approval"
	"credit-card-platform/api/internal/cards"
	"credit-card-platform/api/internal/command"
	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/idempotency"
	"credit-card-platform/api/internal/outbox"
	"credit-card-platform/shared/cachex"
	"credit-card-platform/shared/clients/webhook"
	"credit-card-platform/shared/config"
	"credit-card-platform/shared/dbx"
	"credit-card-platform/shared/lockx"
	"credit-card-platform/shared/logx"
	"credit-card-platform/shared/mqx"
)

// Purger deletes expired idempotency records. Only the docstore-backed
// store needs it; redis expires keys itself.
type Purger interface {
	Purge(ctx context.Context, limit int) (int, error)
}

type Platform struct {
	Config      config.Config
	Clock       clockwork.Clock
	Logger      logx.Logger
	Store       docstore.Store
	Idempotency idempotency.Store
	Purger      Purger
	Outbox      *outbox.Repo
	Executor    *command.Executor
	Trackers    *approval.TrackerRepo
	Cards       *cards.Service
	Dispatcher  *outbox.Dispatcher
	Sweeper     *approval.Sweeper
	// Locker is set when REDIS_ADDR is configured.
	Locker      *lockx.Locker

	cache   *cachex.Client
	pings   []func(context.Context) error
	closers []func() error
}

type Option func(*options)

type options struct {
	clock     clockwork.Clock
	store     docstore.Store
	publisher outbox.Publisher
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithStore skips the STORE_BACKEND factory.
func WithStore(s docstore.Store) Option { return func(o *options) { o.store = s } }

// WithPublisher skips the OUTBOX_PUBLISHER factory.
func WithPublisher(p outbox.Publisher) Option { return func(o *options) { o.publisher = p } }

// Build opens every configured backend. On error anything already opened is
// closed again.
func Build(ctx context.Context, cfg config.Config, logger logx.Logger, opts ...Option) (*Platform, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	p := &Platform{Config: cfg, Clock: o.clock, Logger: logger}
	if err := p.build(ctx, o); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Platform) build(ctx context.Context, o options) error {
	cfg := p.Config
	var err error

	p.Store = o.store
	if p.Store == nil {
		if p.Store, err = p.openStore(ctx); err != nil {
			return err
		}
	}
	if err = p.openIdempotency(); err != nil {
		return err
	}
	if cfg.RedisAddr != "" {
		cache, err := p.openCache()
		if err != nil {
			return err
		}
		p.Locker = lockx.New(cache.Redis(), "lock:"+cfg.Env+":")
	}

	strategy, err := outbox.ParseStrategy(cfg.OutboxSequenceStrategy)
	if err != nil {
		return err
	}
	p.Outbox = outbox.NewRepo(p.Store, p.Clock, outbox.Config{
		Strategy:              strategy,
		MaxAllocationAttempts: cfg.OutboxAllocationAttempts,
		MaxRetries:            cfg.OutboxMaxRetries,
		BaseDelay:             cfg.OutboxBaseDelay(),
		MaxDelay:              cfg.OutboxMaxDelay(),
	})
	p.Executor = command.NewExecutor(p.Store, p.Idempotency, p.Outbox, p.Clock, p.Logger, command.Config{
		TTL:                   cfg.IdempotencyTTL(),
		MaxAllocationAttempts: cfg.OutboxAllocationAttempts,
	})
	p.Trackers = approval.NewTrackerRepo(p.Store, p.Clock)
	p.Cards = cards.NewService(p.Store, p.Executor, p.Trackers, cfg.ApprovalTTL())
	p.Sweeper = approval.NewSweeper(p.Trackers, p.Cards, cfg.ApprovalBatchSize, p.Logger)

	publisher := o.publisher
	if publisher == nil {
		if publisher, err = p.openPublisher(ctx); err != nil {
			return err
		}
	}
	p.Dispatcher = outbox.NewDispatcher(p.Outbox, publisher, cfg.OutboxBatchSize, p.Logger)
	return nil
}

func (p *Platform) openStore(ctx context.Context) (docstore.Store, error) {
	switch p.Config.StoreBackend {
	case config.StorePostgres:
		pool, err := dbx.NewPool(p.Config)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		p.closers = append(p.closers, func() error { pool.Close(); return nil })
		p.pings = append(p.pings, func(ctx context.Context) error { return dbx.Ping(ctx, pool) })
		store := docstore.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure docstore schema: %w", err)
		}
		return store, nil
	case config.StoreSQLite:
		store, err := docstore.OpenSQLite(p.Config.SQLitePath)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, store.Close)
		p.pings = append(p.pings, store.Ping)
		return store, nil
	case config.StoreMemory, "":
		p.Logger.Warn(ctx, "store_memory", "using the in-memory document store; state is lost on restart")
		return docstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", p.Config.StoreBackend)
	}
}

func (p *Platform) openIdempotency() error {
	switch p.Config.IdempotencyBackend {
	case config.IdempotencyRedis:
		cache, err := p.openCache()
		if err != nil {
			return err
		}
		p.Idempotency = idempotency.NewRedisStore(cache, p.Clock)
	default:
		ds := idempotency.NewDocStore(p.Store, p.Clock)
		p.Idempotency = ds
		p.Purger = ds
	}
	return nil
}

func (p *Platform) openCache() (*cachex.Client, error) {
	if p.cache != nil {
		return p.cache, nil
	}
	cache, err := cachex.New(p.Config)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	p.closers = append(p.closers, cache.Close)
	p.pings = append(p.pings, cache.Ping)
	p.cache = cache
	return cache, nil
}

func (p *Platform) openPublisher(ctx context.Context) (outbox.Publisher, error) {
	switch p.Config.OutboxPublisher {
	case config.PublisherKafka:
		producer, err := mqx.NewProducer(p.Config)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		p.closers = append(p.closers, producer.Close)
		return outbox.NewEnvelopePublisher(producer), nil
	case config.PublisherNATS:
		pub, err := mqx.NewNATSPublisher(ctx, p.Config, p.Logger)
		if err != nil {
			return nil, fmt.Errorf("nats publisher: %w", err)
		}
		p.closers = append(p.closers, pub.Close)
		return outbox.NewEnvelopePublisher(pub), nil
	case config.PublisherWebhook:
		client, err := webhook.NewWithClock(p.Config, p.Clock)
		if err != nil {
			return nil, fmt.Errorf("webhook client: %w", err)
		}
		return outbox.NewEnvelopePublisher(client), nil
	default:
		return outbox.LogPublisher{Logger: p.Logger}, nil
	}
}

// Ready pings every backend that can be pinged.
func (p *Platform) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var errs []error
	for _, ping := range p.pings {
		if err := ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases backends in reverse order of opening.
func (p *Platform) Close() {
	if p == nil {
		return
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			p.Logger.Warn(context.Background(), "close_failed", "backend close failed", slog.String("error", err.Error()))
		}
	}
	p.closers = nil
}

// PurgeIdempotency removes up to limit expired records and reports how many
// went. It is a no-op for stores that expire on their own.
func (p *Platform) PurgeIdempotency(ctx context.Context, limit int) (int, error) {
	if p.Purger == nil {
		return 0, nil
	}
	return p.Purger.Purge(ctx, limit)
}
