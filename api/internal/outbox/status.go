package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/models"
	"credit-card-platform/shared/workflow"
)

const maxMarkAttempts = 3

// Backoff is the delay before retry number retryCount (1-based):
// base * 2^(retryCount-1), capped.
func (r *Repo) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := r.cfg.BaseDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= r.cfg.MaxDelay {
			return r.cfg.MaxDelay
		}
	}
	if delay > r.cfg.MaxDelay {
		return r.cfg.MaxDelay
	}
	return delay
}

func (r *Repo) Get(ctx context.Context, e models.OutboxEvent) (models.OutboxEvent, error) {
	doc, err := r.store.Get(ctx, EventsCollection, keyOf(e))
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return fromDoc(doc)
}

// FindPending returns pending events oldest first.
func (r *Repo) FindPending(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	docs, err := r.store.Scan(ctx, EventsCollection, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("status", workflow.OutboxStatusPending)},
		OrderBy: "created_at_ms",
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return fromDocs(docs)
}

// FindReadyForRetry returns failed events whose retry time has come, earliest first.
func (r *Repo) FindReadyForRetry(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	docs, err := r.store.Scan(ctx, EventsCollection, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("status", workflow.OutboxStatusFailed),
			docstore.Lte("next_retry_at_ms", r.clock.Now().UnixMilli()),
		},
		OrderBy: "next_retry_at_ms",
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return fromDocs(docs)
}

func (r *Repo) ListByStatus(ctx context.Context, status string, limit int) ([]models.OutboxEvent, error) {
	status = workflow.NormalizeStatus(status)
	if !knownStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", docstore.ErrInvalidQuery, status)
	}
	docs, err := r.store.Scan(ctx, EventsCollection, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("status", status)},
		OrderBy: "created_at_ms",
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return fromDocs(docs)
}

// Summary counts events per status. Every status is present in the result.
func (r *Repo) Summary(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, 4)
	for _, status := range workflow.AllOutboxStatuses() {
		docs, err := r.store.Scan(ctx, EventsCollection, docstore.Query{
			Filters: []docstore.Filter{docstore.Eq("status", status)},
		})
		if err != nil {
			return nil, err
		}
		out[status] = len(docs)
	}
	return out, nil
}

// MarkSent is a no-op for an event that is already sent. A lost race is
// re-read and re-applied unless the event has become terminal.
func (r *Repo) MarkSent(ctx context.Context, e models.OutboxEvent) (models.OutboxEvent, error) {
	for attempt := 0; attempt < maxMarkAttempts; attempt++ {
		if e.Status == workflow.OutboxStatusSent {
			return e, nil
		}
		if !workflow.Outbox.CanTransition(e.Status, workflow.OutboxStatusSent) {
			return e, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, workflow.OutboxStatusSent)
		}
		now := r.clock.Now().UTC()
		next := e
		next.Status = workflow.OutboxStatusSent
		next.SentAt = &now
		next.NextRetryAt = nil
		next.LastError = ""
		saved, err := r.write(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return e, err
		}
		if e, err = r.Get(ctx, e); err != nil {
			return e, err
		}
		if workflow.Outbox.IsTerminal(e.Status) {
			return e, nil
		}
	}
	return e, fmt.Errorf("mark %s sent: %w", e.EventID, docstore.ErrConflict)
}

// MarkFailed records one failed delivery. Past MaxRetries the event is
// dead-lettered and never scheduled again. A lost race means another
// dispatcher already recorded the attempt, so the current state is returned
// unchanged.
func (r *Repo) MarkFailed(ctx context.Context, e models.OutboxEvent, cause error) (models.OutboxEvent, error) {
	if workflow.Outbox.IsTerminal(e.Status) {
		return e, nil
	}
	next := e
	next.RetryCount = e.RetryCount + 1
	if cause != nil {
		next.LastError = truncate(cause.Error(), 500)
	}
	if next.RetryCount > r.cfg.MaxRetries {
		next.Status = workflow.OutboxStatusDeadLetter
		next.NextRetryAt = nil
	} else {
		next.Status = workflow.OutboxStatusFailed
		at := r.clock.Now().UTC().Add(r.Backoff(next.RetryCount))
		next.NextRetryAt = &at
	}
	if !workflow.Outbox.CanTransition(e.Status, next.Status) {
		return e, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next.Status)
	}
	saved, err := r.write(ctx, next)
	if errors.Is(err, docstore.ErrConflict) {
		return r.Get(ctx, e)
	}
	if err != nil {
		return e, err
	}
	return saved, nil
}

func (r *Repo) write(ctx context.Context, e models.OutboxEvent) (models.OutboxEvent, error) {
	w, err := docstore.Put(EventsCollection, keyOf(e), e.Revision, toDoc(e))
	if err != nil {
		return e, err
	}
	docs, err := r.store.Commit(ctx, []docstore.Write{w})
	if err != nil {
		return e, err
	}
	e.Revision = docs[0].Revision
	return e, nil
}

func knownStatus(status string) bool {
	for _, s := range workflow.AllOutboxStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
