package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/models"
	"credit-card-platform/shared/logx"
	"credit-card-platform/shared/workflow"
)

type fakeResolver struct {
	mu        sync.Mutex
	open      map[string]bool
	rejectErr map[string]error
	rejected  map[string]string
	checks    map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		open:      map[string]bool{},
		rejectErr: map[string]error{},
		rejected:  map[string]string{},
		checks:    map[string]int{},
	}
}

func (f *fakeResolver) IsOpen(ctx context.Context, tenantID string, requestID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[requestID]++
	return f.open[requestID], nil
}

func (f *fakeResolver) RejectExpired(ctx context.Context, tenantID string, requestID string, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rejectErr[requestID]; err != nil {
		if errors.Is(err, apperr.ErrConcurrencyConflict) {
			// the competing writer decided the request
			f.open[requestID] = false
		}
		return err
	}
	f.rejected[requestID] = actor
	f.open[requestID] = false
	return nil
}

func seed(t *testing.T, repo *TrackerRepo, store docstore.Store, id string, ttl time.Duration) models.ApprovalTracker {
	t.Helper()
	tr := repo.New("t1", id, ttl)
	w, err := repo.CreateWrite(tr)
	if err != nil {
		t.Fatalf("create write: %v", err)
	}
	if _, err := store.Commit(context.Background(), []docstore.Write{w}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return tr
}

func TestSweepExpiresOverdueRequestOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := docstore.NewMemoryStore()
	repo := NewTrackerRepo(store, clock)
	resolver := newFakeResolver()
	resolver.open["app-1"] = true
	seed(t, repo, store, "app-1", 72*time.Hour)

	// created 96h ago with a 72h ttl: 24h past its deadline
	clock.Advance(96 * time.Hour)
	s := NewSweeper(repo, resolver, 10, logx.Nop())
	res, err := s.SweepExpiredApprovals(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.ProcessedCount != 1 || res.SuccessCount != 1 || len(res.ExpiredIDs) != 1 || res.ExpiredIDs[0] != "app-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if resolver.rejected["app-1"] != SystemActor {
		t.Fatalf("expected rejection by %s, got %q", SystemActor, resolver.rejected["app-1"])
	}
	tr, err := repo.Get(ctx, "t1", "app-1")
	if err != nil || tr.Status != workflow.ApprovalStatusExpired || tr.ResponseReceivedAt == nil {
		t.Fatalf("tracker not expired: %+v %v", tr, err)
	}

	res, err = s.SweepExpiredApprovals(ctx)
	if err != nil || res.ProcessedCount != 0 || len(res.ExpiredIDs) != 0 {
		t.Fatalf("second sweep should be a no-op: %+v %v", res, err)
	}
}

func TestSweepIgnoresTrackersNotYetDue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := docstore.NewMemoryStore()
	repo := NewTrackerRepo(store, clock)
	seed(t, repo, store, "app-1", time.Hour)
	clock.Advance(time.Hour)

	res, err := NewSweeper(repo, newFakeResolver(), 10, logx.Nop()).SweepExpiredApprovals(context.Background())
	if err != nil || res.ProcessedCount != 0 {
		t.Fatalf("tracker at its deadline is not yet expired: %+v %v", res, err)
	}
}

func TestSweepDecidedRequestOnlyBookkeeps(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := docstore.NewMemoryStore()
	repo := NewTrackerRepo(store, clock)
	resolver := newFakeResolver()
	seed(t, repo, store, "app-1", time.Hour)
	clock.Advance(2 * time.Hour)

	res, err := NewSweeper(repo, resolver, 10, logx.Nop()).SweepExpiredApprovals(ctx)
	if err != nil || res.SuccessCount != 1 {
		t.Fatalf("sweep: %+v %v", res, err)
	}
	if len(resolver.rejected) != 0 {
		t.Fatalf("decided request must not be rejected again")
	}
	if tr, _ := repo.Get(ctx, "t1", "app-1"); tr.Status != workflow.ApprovalStatusExpired {
		t.Fatalf("expected bookkeeping expiry, got %s", tr.Status)
	}
}

func TestSweepRechecksAfterConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := docstore.NewMemoryStore()
	repo := NewTrackerRepo(store, clock)
	resolver := newFakeResolver()
	resolver.open["app-1"] = true
	resolver.rejectErr["app-1"] = &apperr.ConcurrencyError{AggregateID: "app-1", Expected: 1, Actual: 2}
	seed(t, repo, store, "app-1", time.Hour)
	clock.Advance(2 * time.Hour)

	res, err := NewSweeper(repo, resolver, 10, logx.Nop()).SweepExpiredApprovals(ctx)
	if err != nil || res.SuccessCount != 1 || res.FailedCount != 0 {
		t.Fatalf("expected recheck to resolve conflict: %+v %v", res, err)
	}
	if resolver.checks["app-1"] != 2 {
		t.Fatalf("expected exactly one re-check, got %d checks", resolver.checks["app-1"])
	}
}

func TestSweepIsolatesItemErrors(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := docstore.NewMemoryStore()
	repo := NewTrackerRepo(store, clock)
	resolver := newFakeResolver()
	resolver.open["app-1"] = true
	resolver.open["app-2"] = true
	resolver.rejectErr["app-1"] = errors.New("downstream unavailable")
	seed(t, repo, store, "app-1", time.Hour)
	clock.Advance(time.Minute)
	seed(t, repo, store, "app-2", time.Hour)
	clock.Advance(2 * time.Hour)

	res, err := NewSweeper(repo, resolver, 10, logx.Nop()).SweepExpiredApprovals(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.ProcessedCount != 2 || res.SuccessCount != 1 || res.FailedCount != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].ID != "app-1" {
		t.Fatalf("unexpected errors %+v", res.Errors)
	}
	if tr, _ := repo.Get(ctx, "t1", "app-1"); tr.Status != workflow.ApprovalStatusPending {
		t.Fatalf("failed item must stay pending for the next sweep, got %s", tr.Status)
	}
}

func TestRespondWriteAndMarkExpired(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := docstore.NewMemoryStore()
	repo := NewTrackerRepo(store, clock)
	seed(t, repo, store, "app-1", time.Hour)
	tr, _ := repo.Get(ctx, "t1", "app-1")

	w, err := repo.RespondWrite(tr, workflow.ApprovalStatusApproved, "alice")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if _, err := store.Commit(ctx, []docstore.Write{w}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := repo.MarkExpired(ctx, tr); !errors.Is(err, ErrTrackerDecided) {
		t.Fatalf("expected ErrTrackerDecided for stale pending copy, got %v", err)
	}
	got, _ := repo.Get(ctx, "t1", "app-1")
	if got.Status != workflow.ApprovalStatusApproved || got.RespondingActor != "alice" {
		t.Fatalf("unexpected tracker %+v", got)
	}
	if _, err := repo.RespondWrite(got, workflow.ApprovalStatusRejected, "bob"); !errors.Is(err, ErrTrackerDecided) {
		t.Fatalf("expected decided tracker to refuse a second answer, got %v", err)
	}
}
