package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrIdempotencyMismatch = errors.New("idempotency key reused for a different operation")
	ErrConcurrencyConflict = errors.New("concurrent modification")
	ErrTransientDelivery   = errors.New("event delivery failed")
	ErrAllocationExhausted = errors.New("sequence allocation exhausted")
)

const (
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeNotFound            = "NOT_FOUND"
	CodeIdempotencyMismatch = "IDEMPOTENCY_MISMATCH"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeUnavailable         = "UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func Validation(field string, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type IdempotencyMismatchError struct {
	KeyHash            string `json:"-"`
	StoredOperation    string `json:"stored_operation"`
	RequestedOperation string `json:"requested_operation"`
}

func (e *IdempotencyMismatchError) Error() string {
	return fmt.Sprintf("idempotency key already used for %q, requested %q", e.StoredOperation, e.RequestedOperation)
}

func (e *IdempotencyMismatchError) Is(target error) bool { return target == ErrIdempotencyMismatch }

// ConcurrencyError reports a lost compare-and-swap. Actual is 0 when the aggregate no longer exists.
type ConcurrencyError struct {
	AggregateID string `json:"aggregate_id"`
	Expected    int64  `json:"expected_version"`
	Actual      int64  `json:"actual_version"`
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d", e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrencyConflict }

type DeliveryError struct {
	EventID string
	Cause   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver event %s: %v", e.EventID, e.Cause)
}

func (e *DeliveryError) Is(target error) bool { return target == ErrTransientDelivery }

func (e *DeliveryError) Unwrap() error { return e.Cause }

type AllocationError struct {
	Stream   string
	Attempts int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("sequence allocation exhausted for %s after %d attempts", e.Stream, e.Attempts)
}

func (e *AllocationError) Is(target error) bool { return target == ErrAllocationExhausted }

func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeInvalidArgument
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrIdempotencyMismatch):
		return CodeIdempotencyMismatch
	case errors.Is(err, ErrConcurrencyConflict):
		return CodeConcurrencyConflict
	case errors.Is(err, ErrAllocationExhausted), errors.Is(err, ErrTransientDelivery):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIdempotencyMismatch:
		return http.StatusUnprocessableEntity
	case CodeConcurrencyConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Details returns the structured body clients use to decide on a retry.
func Details(err error) any {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	var me *IdempotencyMismatchError
	if errors.As(err, &me) {
		return me
	}
	var ce *ConcurrencyError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
