package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/models"
)

const Collection = "idempotency_records"

type recordDoc struct {
	models.IdempotencyRecord
	ExpiresAtMS int64 `json:"expires_at_ms"`
}

type DocStore struct {
	store docstore.Store
	clock clockwork.Clock
}

func NewDocStore(store docstore.Store, clock clockwork.Clock) *DocStore {
	return &DocStore{store: store, clock: clock}
}

func recordKey(tenantID string, keyHash string) string {
	return tenantID + "/" + keyHash
}

func (s *DocStore) Collection() string { return Collection }

func (s *DocStore) Find(ctx context.Context, tenantID string, keyHash string) (models.IdempotencyRecord, bool, error) {
	doc, err := s.store.Get(ctx, Collection, recordKey(tenantID, keyHash))
	if errors.Is(err, docstore.ErrNotFound) {
		return models.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return models.IdempotencyRecord{}, false, err
	}
	var rec recordDoc
	if err := doc.Decode(&rec); err != nil {
		return models.IdempotencyRecord{}, false, err
	}
	if !rec.ExpiresAt.After(s.clock.Now()) {
		// best effort; Purge catches what this misses
		_, _ = s.store.Commit(ctx, []docstore.Write{docstore.Remove(Collection, doc.Key, doc.Revision)})
		return models.IdempotencyRecord{}, false, nil
	}
	return rec.IdempotencyRecord, true, nil
}

func (s *DocStore) SaveWrite(rec models.IdempotencyRecord) (docstore.Write, error) {
	if rec.TenantID == "" || rec.KeyHash == "" {
		return docstore.Write{}, fmt.Errorf("idempotency record needs tenant and key hash")
	}
	return docstore.Put(Collection, recordKey(rec.TenantID, rec.KeyHash), 0, recordDoc{
		IdempotencyRecord: rec,
		ExpiresAtMS:       rec.ExpiresAt.UnixMilli(),
	})
}

func (s *DocStore) Save(ctx context.Context, rec models.IdempotencyRecord) error {
	w, err := s.SaveWrite(rec)
	if err != nil {
		return err
	}
	_, err = s.store.Commit(ctx, []docstore.Write{w})
	if err == nil {
		return nil
	}
	if !errors.Is(err, docstore.ErrConflict) {
		return err
	}
	// A stale record may still occupy the key.
	if _, found, ferr := s.Find(ctx, rec.TenantID, rec.KeyHash); ferr != nil {
		return ferr
	} else if found {
		return ErrRecordExists
	}
	if _, err := s.store.Commit(ctx, []docstore.Write{w}); err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			return ErrRecordExists
		}
		return err
	}
	return nil
}

// Purge deletes up to limit expired records and returns how many went.
func (s *DocStore) Purge(ctx context.Context, limit int) (int, error) {
	docs, err := s.store.Scan(ctx, Collection, docstore.Query{
		Filters: []docstore.Filter{docstore.Lte("expires_at_ms", s.clock.Now().UnixMilli())},
		OrderBy: "expires_at_ms",
		Limit:   limit,
	})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		_, err := s.store.Commit(ctx, []docstore.Write{docstore.Remove(Collection, doc.Key, doc.Revision)})
		if errors.Is(err, docstore.ErrConflict) {
			continue
		}
		if err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
