// Package aggregate stores versioned aggregates on a docstore. The version
// is the document revision: it starts at 1 and moves by exactly one per write.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/docstore"
)

type Versioned[T any] struct {
	ID       string
	TenantID string
	Version  int64
	State    T
}

type Store[T any] struct {
	store      docstore.Store
	collection string
}

func NewStore[T any](store docstore.Store, collection string) *Store[T] {
	return &Store[T]{store: store, collection: collection}
}

func (s *Store[T]) Collection() string { return s.collection }

func Key(tenantID string, id string) string {
	return tenantID + "/" + id
}

// IDFromKey strips the tenant prefix from a document key.
func IDFromKey(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

func (s *Store[T]) Load(ctx context.Context, tenantID string, id string) (Versioned[T], error) {
	doc, err := s.store.Get(ctx, s.collection, Key(tenantID, id))
	if errors.Is(err, docstore.ErrNotFound) {
		return Versioned[T]{}, fmt.Errorf("%s %s: %w", s.collection, id, apperr.ErrNotFound)
	}
	if err != nil {
		return Versioned[T]{}, err
	}
	var state T
	if err := doc.Decode(&state); err != nil {
		return Versioned[T]{}, err
	}
	return Versioned[T]{ID: id, TenantID: tenantID, Version: doc.Revision, State: state}, nil
}

func (s *Store[T]) CreateWrite(tenantID string, id string, state T) (docstore.Write, error) {
	return s.UpdateWrite(tenantID, id, state, 0)
}

// UpdateWrite stages next as the successor of expectedVersion.
func (s *Store[T]) UpdateWrite(tenantID string, id string, next T, expectedVersion int64) (docstore.Write, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(id) == "" {
		return docstore.Write{}, apperr.Validation("id", "tenant and aggregate id are required")
	}
	if expectedVersion < 0 {
		return docstore.Write{}, apperr.Validation("expected_version", "must be >= 0")
	}
	return docstore.Put(s.collection, Key(tenantID, id), expectedVersion, next)
}

func (s *Store[T]) Create(ctx context.Context, tenantID string, id string, state T) (Versioned[T], error) {
	version, err := s.UpdateWithVersion(ctx, tenantID, id, state, 0)
	if err != nil {
		return Versioned[T]{}, err
	}
	return Versioned[T]{ID: id, TenantID: tenantID, Version: version, State: state}, nil
}

// UpdateWithVersion is the single-key compare-and-swap. A lost race returns
// *apperr.ConcurrencyError and is never retried here.
func (s *Store[T]) UpdateWithVersion(ctx context.Context, tenantID string, id string, next T, expectedVersion int64) (int64, error) {
	w, err := s.UpdateWrite(tenantID, id, next, expectedVersion)
	if err != nil {
		return 0, err
	}
	docs, err := s.store.Commit(ctx, []docstore.Write{w})
	if err != nil {
		return 0, ConflictToConcurrency(err)
	}
	return docs[0].Revision, nil
}

// ConflictToConcurrency maps the first docstore conflict to a
// ConcurrencyError; other errors pass through.
func ConflictToConcurrency(err error) error {
	ce, ok := docstore.AsConflict(err)
	if !ok || len(ce.Conflicts) == 0 {
		return err
	}
	c := ce.Conflicts[0]
	return &apperr.ConcurrencyError{AggregateID: IDFromKey(c.Key), Expected: c.Expected, Actual: c.Actual}
}
