package docstore_test

import (
	"context"
	"errors"
	"testing"

	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/docstore/docstoretest"
)

func TestMemoryStoreConformance(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store { return docstore.NewMemoryStore() })
}

func TestCommitRejectsInvalidWrites(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	cases := map[string][]docstore.Write{
		"empty":          nil,
		"not an object":  {{Collection: "c", Key: "k", Body: []byte(`[1]`)}},
		"missing key":    {{Collection: "c", Body: []byte(`{}`)}},
		"blind delete":   {docstore.Remove("c", "k", 0)},
		"duplicate keys": {{Collection: "c", Key: "k", Body: []byte(`{}`)}, {Collection: "c", Key: "k", Body: []byte(`{}`)}},
	}
	for name, writes := range cases {
		if _, err := store.Commit(ctx, writes); !errors.Is(err, docstore.ErrInvalidWrite) {
			t.Fatalf("%s: expected invalid write, got %v", name, err)
		}
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	w, _ := docstore.Put("c", "k", 0, map[string]any{"a": "b"})
	if _, err := store.Commit(ctx, []docstore.Write{w}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	doc, _ := store.Get(ctx, "c", "k")
	doc.Body[2] = 'X'
	again, _ := store.Get(ctx, "c", "k")
	if string(again.Body) != `{"a":"b"}` {
		t.Fatalf("stored body was mutated: %s", again.Body)
	}
}
