// Package approval tracks time-bound human approvals and expires the ones
// nobody answered.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/models"
	"credit-card-platform/shared/workflow"
)

const Collection = "approval_trackers"

var ErrTrackerDecided = errors.New("approval tracker already decided")

type trackerDoc struct {
	models.ApprovalTracker
	ExpiresAtMS int64 `json:"expires_at_ms"`
}

type TrackerRepo struct {
	store docstore.Store
	clock clockwork.Clock
}

func NewTrackerRepo(store docstore.Store, clock clockwork.Clock) *TrackerRepo {
	return &TrackerRepo{store: store, clock: clock}
}

func trackerKey(tenantID string, requestID string) string {
	return tenantID + "/" + requestID
}

// New builds a pending tracker that expires ttl from now.
func (r *TrackerRepo) New(tenantID string, requestID string, ttl time.Duration) models.ApprovalTracker {
	now := r.clock.Now().UTC()
	return models.ApprovalTracker{
		RequestID: requestID,
		TenantID:  tenantID,
		Status:    workflow.ApprovalStatusPending,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

func (r *TrackerRepo) CreateWrite(t models.ApprovalTracker) (docstore.Write, error) {
	if strings.TrimSpace(t.TenantID) == "" || strings.TrimSpace(t.RequestID) == "" {
		return docstore.Write{}, apperr.Validation("request_id", "tenant and request id are required")
	}
	if t.Status != workflow.ApprovalStatusPending {
		return docstore.Write{}, fmt.Errorf("new tracker must be pending, got %q", t.Status)
	}
	return r.put(t, 0)
}

func (r *TrackerRepo) put(t models.ApprovalTracker, rev int64) (docstore.Write, error) {
	return docstore.Put(Collection, trackerKey(t.TenantID, t.RequestID), rev, trackerDoc{
		ApprovalTracker: t,
		ExpiresAtMS:     t.ExpiresAt.UnixMilli(),
	})
}

func (r *TrackerRepo) Get(ctx context.Context, tenantID string, requestID string) (models.ApprovalTracker, error) {
	doc, err := r.store.Get(ctx, Collection, trackerKey(tenantID, requestID))
	if errors.Is(err, docstore.ErrNotFound) {
		return models.ApprovalTracker{}, fmt.Errorf("approval tracker %s: %w", requestID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.ApprovalTracker{}, err
	}
	return decode(doc)
}

// FindExpired returns pending trackers whose deadline has passed, earliest
// deadline first, across all tenants.
func (r *TrackerRepo) FindExpired(ctx context.Context, limit int) ([]models.ApprovalTracker, error) {
	docs, err := r.store.Scan(ctx, Collection, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("status", workflow.ApprovalStatusPending),
			docstore.Lt("expires_at_ms", r.clock.Now().UnixMilli()),
		},
		OrderBy: "expires_at_ms",
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.ApprovalTracker, 0, len(docs))
	for _, doc := range docs {
		t, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// RespondWrite stages a human answer. The commit fails if the tracker moved
// since it was read.
func (r *TrackerRepo) RespondWrite(t models.ApprovalTracker, status string, actor string) (docstore.Write, error) {
	if status != workflow.ApprovalStatusApproved && status != workflow.ApprovalStatusRejected {
		return docstore.Write{}, apperr.Validation("status", "response must be approved or rejected")
	}
	next, err := r.transition(t, status, actor)
	if err != nil {
		return docstore.Write{}, err
	}
	return r.put(next, t.Revision)
}

// MarkExpired moves a pending tracker to expired. It returns ErrTrackerDecided
// when the tracker has already left pending.
func (r *TrackerRepo) MarkExpired(ctx context.Context, t models.ApprovalTracker) (models.ApprovalTracker, error) {
	for attempt := 0; attempt < 2; attempt++ {
		next, err := r.transition(t, workflow.ApprovalStatusExpired, "")
		if err != nil {
			return t, err
		}
		w, err := r.put(next, t.Revision)
		if err != nil {
			return t, err
		}
		docs, err := r.store.Commit(ctx, []docstore.Write{w})
		if err == nil {
			next.Revision = docs[0].Revision
			return next, nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return t, err
		}
		if t, err = r.Get(ctx, t.TenantID, t.RequestID); err != nil {
			return t, err
		}
	}
	return t, fmt.Errorf("expire tracker %s: %w", t.RequestID, docstore.ErrConflict)
}

func (r *TrackerRepo) transition(t models.ApprovalTracker, status string, actor string) (models.ApprovalTracker, error) {
	if t.Status != workflow.ApprovalStatusPending {
		return t, ErrTrackerDecided
	}
	if !workflow.Approval.CanTransition(t.Status, status) {
		return t, fmt.Errorf("approval: %s -> %s not allowed", t.Status, status)
	}
	now := r.clock.Now().UTC()
	next := t
	next.Status = status
	next.ResponseReceivedAt = &now
	if actor != "" {
		next.RespondingActor = actor
	}
	return next, nil
}

func decode(doc docstore.Document) (models.ApprovalTracker, error) {
	var d trackerDoc
	if err := doc.Decode(&d); err != nil {
		return models.ApprovalTracker{}, err
	}
	t := d.ApprovalTracker
	t.Revision = doc.Revision
	return t, nil
}
