package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/docstore"
)

type account struct {
	Balance int64 `json:"balance"`
}

func TestCreateLoadUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewStore[account](docstore.NewMemoryStore(), "accounts")

	created, err := s.Create(ctx, "t1", "a1", account{Balance: 10})
	if err != nil || created.Version != 1 {
		t.Fatalf("create: %+v %v", created, err)
	}
	if _, err := s.Create(ctx, "t1", "a1", account{}); !errors.Is(err, apperr.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	v, err := s.UpdateWithVersion(ctx, "t1", "a1", account{Balance: 20}, 1)
	if err != nil || v != 2 {
		t.Fatalf("update: v=%d err=%v", v, err)
	}
	loaded, err := s.Load(ctx, "t1", "a1")
	if err != nil || loaded.Version != 2 || loaded.State.Balance != 20 {
		t.Fatalf("load: %+v %v", loaded, err)
	}
	if _, err := s.Load(ctx, "t2", "a1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found in other tenant, got %v", err)
	}
}

func TestConcurrentUpdatesOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewStore[account](docstore.NewMemoryStore(), "accounts")
	if _, err := s.Create(ctx, "t1", "a1", account{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for v := int64(1); v < 3; v++ {
		if _, err := s.UpdateWithVersion(ctx, "t1", "a1", account{Balance: v}, v); err != nil {
			t.Fatalf("advance to %d: %v", v+1, err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	versions := make([]int64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			versions[i], errs[i] = s.UpdateWithVersion(ctx, "t1", "a1", account{Balance: int64(100 + i)}, 3)
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for i, err := range errs {
		if err == nil {
			wins++
			if versions[i] != 4 {
				t.Fatalf("winner should be at 4, got %d", versions[i])
			}
			continue
		}
		var ce *apperr.ConcurrencyError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConcurrencyError, got %v", err)
		}
		if ce.AggregateID != "a1" || ce.Expected != 3 || ce.Actual != 4 {
			t.Fatalf("unexpected conflict %+v", ce)
		}
		conflicts++
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one win and one conflict, got %d/%d", wins, conflicts)
	}
}

func TestIDFromKey(t *testing.T) {
	if IDFromKey("t1/card-1") != "card-1" || IDFromKey("plain") != "plain" {
		t.Fatalf("unexpected id extraction")
	}
}
