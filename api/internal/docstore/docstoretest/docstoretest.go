// Package docstoretest holds the behaviour every docstore backend must share.
package docstoretest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"credit-card-platform/api/internal/docstore"
)

type Factory func(t *testing.T) docstore.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("conditional update", func(t *testing.T) { testConditionalUpdate(t, newStore(t)) })
	t.Run("multi key commit is atomic", func(t *testing.T) { testAtomicCommit(t, newStore(t)) })
	t.Run("conditional delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("scan filters and order", func(t *testing.T) { testScan(t, newStore(t)) })
	t.Run("concurrent compare and swap", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
}

func put(t *testing.T, collection string, key string, rev int64, body map[string]any) docstore.Write {
	t.Helper()
	w, err := docstore.Put(collection, key, rev, body)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	return w
}

func testCreateGet(t *testing.T, store docstore.Store) {
	ctx := context.Background()
	docs, err := store.Commit(ctx, []docstore.Write{put(t, "cards", "t1/c1", 0, map[string]any{"balance": 10})})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if docs[0].Revision != 1 {
		t.Fatalf("expected revision 1, got %d", docs[0].Revision)
	}
	doc, err := store.Get(ctx, "cards", "t1/c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body struct {
		Balance int `json:"balance"`
	}
	if err := doc.Decode(&body); err != nil || body.Balance != 10 || doc.Revision != 1 {
		t.Fatalf("unexpected doc: %+v body=%+v err=%v", doc, body, err)
	}

	_, err = store.Commit(ctx, []docstore.Write{put(t, "cards", "t1/c1", 0, map[string]any{"balance": 20})})
	ce, ok := docstore.AsConflict(err)
	if !ok {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}
	c, found := ce.Find("cards", "t1/c1")
	if !found || c.Expected != 0 || c.Actual != 1 {
		t.Fatalf("unexpected conflict detail: %+v", ce.Conflicts)
	}
	if _, err := store.Get(ctx, "cards", "missing"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testConditionalUpdate(t *testing.T, store docstore.Store) {
	ctx := context.Background()
	if _, err := store.Commit(ctx, []docstore.Write{put(t, "cards", "c", 0, map[string]any{"v": 1})}); err != nil {
		t.Fatalf("create: %v", err)
	}
	docs, err := store.Commit(ctx, []docstore.Write{put(t, "cards", "c", 1, map[string]any{"v": 2})})
	if err != nil || docs[0].Revision != 2 {
		t.Fatalf("update: docs=%+v err=%v", docs, err)
	}
	_, err = store.Commit(ctx, []docstore.Write{put(t, "cards", "c", 1, map[string]any{"v": 3})})
	ce, ok := docstore.AsConflict(err)
	if !ok || !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("expected conflict on stale revision, got %v", err)
	}
	if c, _ := ce.Find("cards", "c"); c.Expected != 1 || c.Actual != 2 {
		t.Fatalf("expected (1, 2), got %+v", c)
	}
	_, err = store.Commit(ctx, []docstore.Write{put(t, "cards", "nope", 4, map[string]any{"v": 3})})
	ce, ok = docstore.AsConflict(err)
	if !ok {
		t.Fatalf("expected conflict updating a missing key, got %v", err)
	}
	if c, _ := ce.Find("cards", "nope"); c.Actual != 0 {
		t.Fatalf("expected actual 0 for missing key, got %+v", c)
	}
}

func testAtomicCommit(t *testing.T, store docstore.Store) {
	ctx := context.Background()
	if _, err := store.Commit(ctx, []docstore.Write{put(t, "counters", "s", 0, map[string]any{"current": 1})}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := store.Commit(ctx, []docstore.Write{
		put(t, "events", "s/2", 0, map[string]any{"seq": 2}),
		put(t, "counters", "s", 7, map[string]any{"current": 2}),
	})
	if _, ok := docstore.AsConflict(err); !ok {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.Get(ctx, "events", "s/2"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("event must not be written when the counter write fails, got %v", err)
	}
	docs, err := store.Commit(ctx, []docstore.Write{
		put(t, "events", "s/2", 0, map[string]any{"seq": 2}),
		put(t, "counters", "s", 1, map[string]any{"current": 2}),
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if docs[0].Key != "s/2" || docs[1].Key != "s" || docs[1].Revision != 2 {
		t.Fatalf("results must follow input order: %+v", docs)
	}
}

func testDelete(t *testing.T, store docstore.Store) {
	ctx := context.Background()
	if _, err := store.Commit(ctx, []docstore.Write{put(t, "idem", "k", 0, map[string]any{"x": 1})}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Commit(ctx, []docstore.Write{docstore.Remove("idem", "k", 2)}); err == nil {
		t.Fatalf("expected conflict deleting with a stale revision")
	}
	if _, err := store.Commit(ctx, []docstore.Write{docstore.Remove("idem", "k", 1)}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "idem", "k"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := store.Commit(ctx, []docstore.Write{put(t, "idem", "k", 0, map[string]any{"x": 2})}); err != nil {
		t.Fatalf("recreate after delete: %v", err)
	}
}

func testScan(t *testing.T, store docstore.Store) {
	ctx := context.Background()
	seed := []struct {
		key    string
		status string
		due    int64
	}{
		{"e1", "pending", 30},
		{"e2", "failed", 10},
		{"e3", "failed", 50},
		{"e4", "pending", 20},
		{"e5", "failed", 20},
	}
	writes := make([]docstore.Write, 0, len(seed))
	for _, s := range seed {
		writes = append(writes, put(t, "outbox", s.key, 0, map[string]any{"status": s.status, "due": s.due}))
	}
	if _, err := store.Commit(ctx, writes); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Commit(ctx, []docstore.Write{put(t, "other", "e9", 0, map[string]any{"status": "failed", "due": 1})}); err != nil {
		t.Fatalf("seed other: %v", err)
	}

	docs, err := store.Scan(ctx, "outbox", docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("status", "failed"), docstore.Lte("due", 20)},
		OrderBy: "due",
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := keys(docs); got != "e2,e5" {
		t.Fatalf("unexpected scan result: %s", got)
	}

	docs, err = store.Scan(ctx, "outbox", docstore.Query{OrderBy: "due", Descending: true, Limit: 2})
	if err != nil {
		t.Fatalf("scan desc: %v", err)
	}
	if got := keys(docs); got != "e3,e1" {
		t.Fatalf("unexpected desc result: %s", got)
	}

	docs, err = store.Scan(ctx, "outbox", docstore.Query{Filters: []docstore.Filter{docstore.Gt("due", 20)}, OrderBy: "due"})
	if err != nil {
		t.Fatalf("scan gt: %v", err)
	}
	if got := keys(docs); got != "e1,e3" {
		t.Fatalf("unexpected gt result: %s", got)
	}

	docs, err = store.Scan(ctx, "outbox", docstore.Query{Filters: []docstore.Filter{docstore.Eq("status", "failed"), docstore.Gte("due", 20)}, OrderBy: "due"})
	if err != nil {
		t.Fatalf("scan gte: %v", err)
	}
	if got := keys(docs); got != "e5,e3" {
		t.Fatalf("unexpected gte result: %s", got)
	}

	if _, err := store.Scan(ctx, "outbox", docstore.Query{Filters: []docstore.Filter{docstore.Eq("bad field", "x")}}); !errors.Is(err, docstore.ErrInvalidQuery) {
		t.Fatalf("expected invalid query, got %v", err)
	}
}

func testConcurrentCAS(t *testing.T, store docstore.Store) {
	ctx := context.Background()
	if _, err := store.Commit(ctx, []docstore.Write{put(t, "counters", "n", 0, map[string]any{"n": 0})}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	const workers = 12
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				doc, err := store.Get(ctx, "counters", "n")
				if err != nil {
					errs <- err
					return
				}
				var body struct {
					N int `json:"n"`
				}
				if err := doc.Decode(&body); err != nil {
					errs <- err
					return
				}
				body.N++
				w, _ := docstore.Put("counters", "n", doc.Revision, body)
				_, err = store.Commit(ctx, []docstore.Write{w})
				if err == nil {
					return
				}
				if !errors.Is(err, docstore.ErrConflict) {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker: %v", err)
	}
	doc, err := store.Get(ctx, "counters", "n")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body struct {
		N int `json:"n"`
	}
	_ = json.Unmarshal(doc.Body, &body)
	if body.N != workers || doc.Revision != workers+1 {
		t.Fatalf("expected n=%d rev=%d, got n=%d rev=%d", workers, workers+1, body.N, doc.Revision)
	}
}

func keys(docs []docstore.Document) string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Key
	}
	return strings.Join(out, ",")
}
