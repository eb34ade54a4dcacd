package cards

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/approval"
	"credit-card-platform/api/internal/command"
	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/idempotency"
	"credit-card-platform/api/internal/outbox"
	"credit-card-platform/shared/logx"
	"credit-card-platform/shared/workflow"
)

type fixture struct {
	svc      *Service
	clock    *clockwork.FakeClock
	outbox   *outbox.Repo
	trackers *approval.TrackerRepo
	sweeper  *approval.Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := docstore.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	ob := outbox.NewRepo(store, clock, outbox.DefaultConfig())
	exec := command.NewExecutor(store, idempotency.NewDocStore(store, clock), ob, clock, logx.Nop(), command.Config{})
	trackers := approval.NewTrackerRepo(store, clock)
	svc := NewService(store, exec, trackers, 72*time.Hour)
	return &fixture{
		svc:      svc,
		clock:    clock,
		outbox:   ob,
		trackers: trackers,
		sweeper:  approval.NewSweeper(trackers, svc, 10, logx.Nop()),
	}
}

func (f *fixture) submit(t *testing.T, key string) ApplicationResponse {
	t.Helper()
	res, err := f.svc.SubmitApplication(context.Background(), "t1", key, SubmitApplicationRequest{ApplicantName: "Ada", RequestedLimit: 10000})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var out ApplicationResponse
	if err := res.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

// issue submits and approves an application, returning the new card id.
func (f *fixture) issue(t *testing.T) string {
	t.Helper()
	app := f.submit(t, "submit-"+t.Name())
	res, err := f.svc.Approve(context.Background(), "t1", "approve-"+t.Name(), DecisionRequest{ApplicationID: app.Application.ApplicationID, Actor: "officer-1"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	var out ApplicationResponse
	if err := res.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Application.CardID == "" {
		t.Fatalf("approval did not issue a card: %+v", out)
	}
	return out.Application.CardID
}

func decodePosting(t *testing.T, res command.Result) PostingResponse {
	t.Helper()
	var out PostingResponse
	if err := res.Decode(&out); err != nil {
		t.Fatalf("decode posting: %v", err)
	}
	return out
}

func TestPurchaseAndPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cardID := f.issue(t)

	res, err := f.svc.Purchase(ctx, "t1", "p1", PurchaseRequest{CardID: cardID, Amount: 2500, Merchant: "books"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	p := decodePosting(t, res)
	if p.Balance != 2500 || p.AvailableCredit != 7500 || p.Version != 2 || p.TransactionID == "" {
		t.Fatalf("unexpected purchase %+v", p)
	}
	res, err = f.svc.Payment(ctx, "t1", "pay1", PaymentRequest{CardID: cardID, Amount: 1000})
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if pay := decodePosting(t, res); pay.Balance != 1500 || pay.Amount != 1000 || pay.Version != 3 {
		t.Fatalf("unexpected payment %+v", pay)
	}

	if _, err := f.svc.Purchase(ctx, "t1", "p2", PurchaseRequest{CardID: cardID, Amount: 9000}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected over-limit rejection, got %v", err)
	}
	if _, err := f.svc.Payment(ctx, "t1", "pay2", PaymentRequest{CardID: cardID, Amount: 1501}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected overpayment rejection, got %v", err)
	}
	if _, err := f.svc.Purchase(ctx, "t1", "p3", PurchaseRequest{CardID: "missing", Amount: 1}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	events, _ := f.outbox.ListByStatus(ctx, workflow.OutboxStatusPending, 0)
	var cardSeqs []int64
	for _, e := range events {
		if e.EntityID == cardID {
			cardSeqs = append(cardSeqs, e.SequenceNumber)
		}
	}
	// card.issued, purchase, payment
	if len(cardSeqs) != 3 {
		t.Fatalf("expected 3 card events, got %v", cardSeqs)
	}
}

func TestPurchaseNearMaxInt64IsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cardID := f.issue(t)

	if _, err := f.svc.Purchase(ctx, "t1", "p1", PurchaseRequest{CardID: cardID, Amount: 100}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	for i, amount := range []int64{math.MaxInt64 - 50, math.MaxInt64, 9901} {
		_, err := f.svc.Purchase(ctx, "t1", fmt.Sprintf("big-%d", i), PurchaseRequest{CardID: cardID, Amount: amount})
		if !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("amount %d: expected over-limit rejection, got %v", amount, err)
		}
	}
	card, err := f.svc.GetCard(ctx, "t1", cardID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if card.State.Balance != 100 || card.Version != 2 {
		t.Fatalf("balance changed by a rejected purchase: %+v v%d", card.State, card.Version)
	}
	// exactly the remaining credit still fits
	res, err := f.svc.Purchase(ctx, "t1", "p-rest", PurchaseRequest{CardID: cardID, Amount: 9900})
	if err != nil {
		t.Fatalf("purchase rest: %v", err)
	}
	if p := decodePosting(t, res); p.Balance != 10000 || p.AvailableCredit != 0 {
		t.Fatalf("unexpected posting %+v", p)
	}
}

func TestParallelPurchaseSameKeyDebitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cardID := f.issue(t)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]PostingResponse, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Purchase(ctx, "t1", "k1", PurchaseRequest{CardID: cardID, Amount: 100})
			errs[i] = err
			if err == nil {
				errs[i] = res.Decode(&results[i])
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].TransactionID != results[0].TransactionID {
			t.Fatalf("caller %d got transaction %s, want %s", i, results[i].TransactionID, results[0].TransactionID)
		}
	}
	card, _ := f.svc.GetCard(ctx, "t1", cardID)
	if card.State.Balance != 100 || card.Version != 2 {
		t.Fatalf("expected a single debit, got balance=%d version=%d", card.State.Balance, card.Version)
	}
}

func TestConcurrentPurchasesAtSameVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cardID := f.issue(t)
	for i := 0; i < 2; i++ {
		if _, err := f.svc.Purchase(ctx, "t1", fmt.Sprintf("warm-%d", i), PurchaseRequest{CardID: cardID, Amount: 10}); err != nil {
			t.Fatalf("warm up: %v", err)
		}
	}
	v3 := int64(3)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Purchase(ctx, "t1", fmt.Sprintf("race-%d", i), PurchaseRequest{CardID: cardID, Amount: 50, ExpectedVersion: &v3})
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var ce *apperr.ConcurrencyError
		if !errors.As(err, &ce) || ce.Expected != 3 || ce.Actual != 4 || ce.AggregateID != cardID {
			t.Fatalf("expected conflict(3,4), got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	card, _ := f.svc.GetCard(ctx, "t1", cardID)
	if card.Version != 4 || card.State.Balance != 70 {
		t.Fatalf("unexpected card %+v", card)
	}
}

func TestSetCardStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cardID := f.issue(t)

	if _, err := f.svc.SetCardStatus(ctx, "t1", "freeze", CardStatusRequest{CardID: cardID, Status: "frozen"}); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := f.svc.Purchase(ctx, "t1", "p1", PurchaseRequest{CardID: cardID, Amount: 1}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("frozen card must refuse purchases, got %v", err)
	}
	if _, err := f.svc.SetCardStatus(ctx, "t1", "unfreeze", CardStatusRequest{CardID: cardID, Status: "active"}); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := f.svc.Purchase(ctx, "t1", "p2", PurchaseRequest{CardID: cardID, Amount: 5}); err != nil {
		t.Fatalf("purchase after unfreeze: %v", err)
	}
	if _, err := f.svc.SetCardStatus(ctx, "t1", "close", CardStatusRequest{CardID: cardID, Status: "closed"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("closing with a balance must fail, got %v", err)
	}
	if _, err := f.svc.SetCardStatus(ctx, "t1", "bogus", CardStatusRequest{CardID: cardID, Status: "active"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("active -> active must fail, got %v", err)
	}
}

func TestExpiredApplicationIsRejectedBySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	app := f.submit(t, "s1")
	id := app.Application.ApplicationID

	f.clock.Advance(96 * time.Hour)
	res, err := f.sweeper.SweepExpiredApprovals(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.SuccessCount != 1 || len(res.ExpiredIDs) != 1 || res.ExpiredIDs[0] != id {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	got, err := f.svc.GetApplication(ctx, "t1", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State.Status != workflow.ApplicationStatusRejected || got.State.DecidedBy != approval.SystemActor || got.State.DecisionReason != "expired" {
		t.Fatalf("unexpected application %+v", got.State)
	}
	tr, _ := f.trackers.Get(ctx, "t1", id)
	if tr.Status != workflow.ApprovalStatusExpired {
		t.Fatalf("tracker should be expired, got %s", tr.Status)
	}
	if !hasEvent(t, f, id, workflow.EventApplicationRejected) {
		t.Fatalf("expected application.rejected event")
	}

	res, err = f.sweeper.SweepExpiredApprovals(ctx)
	if err != nil || res.ProcessedCount != 0 {
		t.Fatalf("second sweep should be a no-op: %+v %v", res, err)
	}
	// a replayed expiry rejection is harmless
	if err := f.svc.RejectExpired(ctx, "t1", id, approval.SystemActor); err != nil {
		t.Fatalf("replayed expiry: %v", err)
	}
}

func TestHumanDecisionsCloseTracker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	approved := f.submit(t, "s1").Application.ApplicationID
	rejected := f.submit(t, "s2").Application.ApplicationID

	if _, err := f.svc.Approve(ctx, "t1", "a1", DecisionRequest{ApplicationID: approved, Actor: "officer-1", Reason: "good history"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.Reject(ctx, "t1", "r1", DecisionRequest{ApplicationID: rejected, Actor: "officer-2", Reason: "thin file"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if tr, _ := f.trackers.Get(ctx, "t1", approved); tr.Status != workflow.ApprovalStatusApproved || tr.RespondingActor != "officer-1" {
		t.Fatalf("unexpected approved tracker %+v", tr)
	}
	if tr, _ := f.trackers.Get(ctx, "t1", rejected); tr.Status != workflow.ApprovalStatusRejected {
		t.Fatalf("unexpected rejected tracker %+v", tr)
	}
	if _, err := f.svc.Approve(ctx, "t1", "a2", DecisionRequest{ApplicationID: rejected, Actor: "officer-1"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("decided application must not be approved, got %v", err)
	}

	f.clock.Advance(96 * time.Hour)
	if res, _ := f.sweeper.SweepExpiredApprovals(ctx); res.ProcessedCount != 0 {
		t.Fatalf("decided approvals must not be swept, got %+v", res)
	}
	if !hasEvent(t, f, approved, workflow.EventApplicationApproved) {
		t.Fatalf("expected application.approved event")
	}
}

func hasEvent(t *testing.T, f *fixture, entityID string, eventType string) bool {
	t.Helper()
	events, err := f.outbox.ListByStatus(context.Background(), workflow.OutboxStatusPending, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, e := range events {
		if e.EntityID == entityID && e.EventType == eventType {
			return true
		}
	}
	return false
}
