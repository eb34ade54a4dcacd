package idempotency

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"credit-card-platform/api/internal/models"
)

// JSONCache is the subset of cachex.Client the redis store needs.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSONNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
}

// RedisStore keeps records in redis with a native TTL. It cannot join a
// docstore commit, so the executor saves after the command commits.
type RedisStore struct {
	cache JSONCache
	clock clockwork.Clock
}

func NewRedisStore(cache JSONCache, clock clockwork.Clock) *RedisStore {
	return &RedisStore{cache: cache, clock: clock}
}

func redisKey(tenantID string, keyHash string) string {
	return "idem:" + tenantID + ":" + keyHash
}

func (s *RedisStore) Find(ctx context.Context, tenantID string, keyHash string) (models.IdempotencyRecord, bool, error) {
	var rec models.IdempotencyRecord
	ok, err := s.cache.GetJSON(ctx, redisKey(tenantID, keyHash), &rec)
	if err != nil || !ok {
		return models.IdempotencyRecord{}, false, err
	}
	if !rec.ExpiresAt.After(s.clock.Now()) {
		return models.IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) Save(ctx context.Context, rec models.IdempotencyRecord) error {
	ttl := rec.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	ok, err := s.cache.SetJSONNX(ctx, redisKey(rec.TenantID, rec.KeyHash), rec, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecordExists
	}
	return nil
}
