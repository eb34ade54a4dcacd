// Package idempotency records the outcome of completed commands so a retried
// request with the same key replays the stored response.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/models"
)

const MaxKeyLength = 255

var ErrRecordExists = errors.New("idempotency record already exists")

type Store interface {
	// Find treats expired records as absent.
	Find(ctx context.Context, tenantID string, keyHash string) (models.IdempotencyRecord, bool, error)
	Save(ctx context.Context, rec models.IdempotencyRecord) error
}

// Transactional stores can stage the save inside the command commit.
type Transactional interface {
	Store
	SaveWrite(rec models.IdempotencyRecord) (docstore.Write, error)
	Collection() string
}

// HashKey returns the hex SHA-256 of the trimmed key.
func HashKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", apperr.Validation("idempotency_key", "idempotency key is required")
	}
	if len(key) > MaxKeyLength {
		return "", apperr.Validation("idempotency_key", "idempotency key must be at most 255 bytes")
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]), nil
}

// Check compares a stored record against the requested operation.
func Check(rec models.IdempotencyRecord, operation string) error {
	if rec.OperationName != operation {
		return &apperr.IdempotencyMismatchError{
			KeyHash:            rec.KeyHash,
			StoredOperation:    rec.OperationName,
			RequestedOperation: operation,
		}
	}
	return nil
}
