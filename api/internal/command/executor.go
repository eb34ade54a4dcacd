// Package command runs money-moving commands at most once per idempotency
// key. A command's aggregate writes, outbox events and idempotency record
// commit together in one docstore commit.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"credit-card-platform/api/internal/aggregate"
	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/idempotency"
	"credit-card-platform/api/internal/models"
	"credit-card-platform/api/internal/outbox"
	"credit-card-platform/shared/logx"
	"credit-card-platform/shared/metricsx"
	"credit-card-platform/shared/observability"
)

type Outcome struct {
	StatusCode int
	Response   any
}

type Result struct {
	StatusCode int
	Response   json.RawMessage
	Replayed   bool
}

// Decode unmarshals the stored response into dest.
func (r Result) Decode(dest any) error {
	return json.Unmarshal(r.Response, dest)
}

type Func func(ctx context.Context, uow *UnitOfWork) (Outcome, error)

type Config struct {
	TTL                   time.Duration
	MaxAllocationAttempts int
}

type Executor struct {
	store  docstore.Store
	idem   idempotency.Store
	outbox *outbox.Repo
	clock  clockwork.Clock
	logger logx.Logger
	cfg    Config
}

func NewExecutor(store docstore.Store, idem idempotency.Store, ob *outbox.Repo, clock clockwork.Clock, logger logx.Logger, cfg Config) *Executor {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxAllocationAttempts <= 0 {
		cfg.MaxAllocationAttempts = ob.Config().MaxAllocationAttempts
	}
	return &Executor{store: store, idem: idem, outbox: ob, clock: clock, logger: logger, cfg: cfg}
}

// ExecuteIdempotent runs fn at most once for (tenantID, key). A retry with
// the same key and operation replays the first response; a different
// operation is an IdempotencyMismatchError. Nothing is recorded when fn
// or the commit fails.
func (e *Executor) ExecuteIdempotent(ctx context.Context, tenantID string, key string, operation string, fn Func) (res Result, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "command.execute",
		attribute.String("command.operation", operation),
		attribute.String("tenant.id", tenantID),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("command.replayed", res.Replayed))
		observability.EndSpan(span, err)
		result := "OK"
		if err != nil {
			result = apperr.CodeOf(err)
		} else if res.Replayed {
			result = "REPLAYED"
		}
		metricsx.ObserveCommand(operation, result, time.Since(start))
	}()

	if strings.TrimSpace(tenantID) == "" {
		return Result{}, apperr.Validation("tenant_id", "tenant id is required")
	}
	if strings.TrimSpace(operation) == "" {
		return Result{}, apperr.Validation("operation", "operation name is required")
	}
	keyHash, err := idempotency.HashKey(key)
	if err != nil {
		return Result{}, err
	}
	if res, found, err := e.lookup(ctx, tenantID, keyHash, operation); found || err != nil {
		return res, err
	}

	uow := newUnitOfWork(tenantID, e.clock)
	outcome, err := fn(ctx, uow)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(outcome.Response)
	if err != nil {
		return Result{}, err
	}
	status := outcome.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	now := e.clock.Now().UTC()
	rec := models.IdempotencyRecord{
		TenantID:      tenantID,
		KeyHash:       keyHash,
		OperationName: operation,
		Response:      body,
		StatusCode:    status,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.cfg.TTL),
	}

	txIdem, transactional := e.idem.(idempotency.Transactional)
	idemCollection := ""
	if transactional {
		idemCollection = txIdem.Collection()
	}
	for attempt := 1; ; attempt++ {
		writes := append([]docstore.Write(nil), uow.writes...)
		obWrites, _, err := e.outbox.PrepareAppend(ctx, uow.events)
		if err != nil {
			return Result{}, err
		}
		writes = append(writes, obWrites...)
		if transactional {
			w, err := txIdem.SaveWrite(rec)
			if err != nil {
				return Result{}, err
			}
			writes = append(writes, w)
		}
		if len(writes) == 0 {
			break
		}
		_, err = e.store.Commit(ctx, writes)
		if err == nil {
			break
		}
		ce, ok := docstore.AsConflict(err)
		if !ok {
			return Result{}, err
		}
		if idemCollection != "" && ce.InCollection(idemCollection) {
			// a concurrent request with the same key won
			if res, found, err := e.lookup(ctx, tenantID, keyHash, operation); found || err != nil {
				return res, err
			}
		}
		if !retryable(ce, idemCollection) {
			return Result{}, aggregateConflict(ce, idemCollection)
		}
		if attempt >= e.cfg.MaxAllocationAttempts {
			return Result{}, &apperr.AllocationError{Stream: conflictStream(ce), Attempts: attempt}
		}
		metricsx.IncSequenceRetry()
	}

	if !transactional {
		if err := e.idem.Save(ctx, rec); err != nil {
			// committed but not recorded: a retry with this key will run again
			e.logger.Error(ctx, "idempotency_save_failed", "command committed without idempotency record",
				slog.String("tenant_id", tenantID),
				slog.String("operation", operation),
				slog.String("error", err.Error()),
			)
		}
	}
	return Result{StatusCode: status, Response: body}, nil
}

func (e *Executor) lookup(ctx context.Context, tenantID string, keyHash string, operation string) (Result, bool, error) {
	rec, found, err := e.idem.Find(ctx, tenantID, keyHash)
	if err != nil || !found {
		return Result{}, false, err
	}
	if err := idempotency.Check(rec, operation); err != nil {
		return Result{}, true, err
	}
	metricsx.IncIdempotencyReplay(operation)
	return Result{StatusCode: rec.StatusCode, Response: rec.Response, Replayed: true}, true, nil
}

// retryable reports whether every conflict came from sequence allocation or
// a stale idempotency record, leaving the staged aggregate writes valid.
func retryable(ce *docstore.ConflictError, idemCollection string) bool {
	for _, c := range ce.Conflicts {
		switch c.Collection {
		case outbox.EventsCollection, outbox.SequencesCollection:
		case idemCollection:
			if idemCollection == "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// aggregateConflict picks the first conflict on an aggregate document.
func aggregateConflict(ce *docstore.ConflictError, idemCollection string) error {
	for _, c := range ce.Conflicts {
		switch c.Collection {
		case outbox.EventsCollection, outbox.SequencesCollection, idemCollection:
			continue
		}
		return &apperr.ConcurrencyError{AggregateID: aggregate.IDFromKey(c.Key), Expected: c.Expected, Actual: c.Actual}
	}
	return ce
}

func conflictStream(ce *docstore.ConflictError) string {
	for _, c := range ce.Conflicts {
		if c.Collection == outbox.SequencesCollection {
			return c.Key
		}
		if c.Collection == outbox.EventsCollection {
			if i := strings.LastIndexByte(c.Key, '/'); i > 0 {
				return c.Key[:i]
			}
		}
	}
	return ""
}

// CASUpdate is the standalone compare-and-swap on one aggregate.
func CASUpdate[T any](ctx context.Context, s *aggregate.Store[T], tenantID string, id string, next T, expectedVersion int64) (int64, error) {
	return s.UpdateWithVersion(ctx, tenantID, id, next, expectedVersion)
}

// AppendEvent writes one event outside any command.
func (e *Executor) AppendEvent(ctx context.Context, ev outbox.NewEvent) (models.OutboxEvent, error) {
	return e.outbox.Append(ctx, ev)
}

// IsConflict reports whether err is a lost optimistic write of any kind.
func IsConflict(err error) bool {
	return errors.Is(err, apperr.ErrConcurrencyConflict) || errors.Is(err, docstore.ErrConflict)
}
