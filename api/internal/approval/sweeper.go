package approval

import (
	"context"
	"errors"
	"log/slog"

	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/models"
	"credit-card-platform/shared/logx"
	"credit-card-platform/shared/metricsx"
	"credit-card-platform/shared/observability"
)

const SystemActor = "system:approval-expiry"

// RequestResolver owns the request an approval gates.
type RequestResolver interface {
	IsOpen(ctx context.Context, tenantID string, requestID string) (bool, error)
	// RejectExpired runs the normal rejection path for an unanswered request.
	RejectExpired(ctx context.Context, tenantID string, requestID string, actor string) error
}

type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type Result struct {
	ProcessedCount int         `json:"processed_count"`
	SuccessCount   int         `json:"success_count"`
	FailedCount    int         `json:"failed_count"`
	ExpiredIDs     []string    `json:"expired_ids"`
	Errors         []ItemError `json:"errors"`
}

type Sweeper struct {
	trackers  *TrackerRepo
	resolver  RequestResolver
	batchSize int
	logger    logx.Logger
}

func NewSweeper(trackers *TrackerRepo, resolver RequestResolver, batchSize int, logger logx.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{trackers: trackers, resolver: resolver, batchSize: batchSize, logger: logger}
}

// SweepExpiredApprovals expires every overdue pending tracker in one batch.
// Item failures are collected and the sweep goes on.
func (s *Sweeper) SweepExpiredApprovals(ctx context.Context) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "approvals.sweep")
	defer func() { observability.EndSpan(span, err) }()

	res = Result{ExpiredIDs: []string{}, Errors: []ItemError{}}
	expired, err := s.trackers.FindExpired(ctx, s.batchSize)
	if err != nil {
		return res, err
	}
	for _, t := range expired {
		if ctx.Err() != nil {
			break
		}
		res.ProcessedCount++
		expiredNow, err := s.expire(ctx, t)
		if err != nil {
			res.FailedCount++
			res.Errors = append(res.Errors, ItemError{ID: t.RequestID, Error: err.Error()})
			metricsx.IncApprovalSweep("failed")
			s.logger.Warn(ctx, "approval_expiry_failed", "failed to expire approval",
				slog.String("tenant_id", t.TenantID),
				slog.String("request_id", t.RequestID),
				slog.String("error", err.Error()),
				slog.String("error_code", apperr.CodeOf(err)),
			)
			continue
		}
		res.SuccessCount++
		if expiredNow {
			res.ExpiredIDs = append(res.ExpiredIDs, t.RequestID)
			metricsx.IncApprovalSweep("expired")
		} else {
			metricsx.IncApprovalSweep("skipped")
		}
	}
	if res.ProcessedCount > 0 {
		s.logger.Info(ctx, "approvals_swept", "approval sweep finished",
			slog.Int("processed", res.ProcessedCount),
			slog.Int("succeeded", res.SuccessCount),
			slog.Int("failed", res.FailedCount),
		)
	}
	return res, nil
}

func (s *Sweeper) expire(ctx context.Context, t models.ApprovalTracker) (bool, error) {
	open, err := s.resolver.IsOpen(ctx, t.TenantID, t.RequestID)
	if err != nil {
		return false, err
	}
	if open {
		err := s.resolver.RejectExpired(ctx, t.TenantID, t.RequestID, SystemActor)
		if errors.Is(err, apperr.ErrConcurrencyConflict) {
			// someone else moved the request; only bookkeeping is left if it is decided now
			stillOpen, cerr := s.resolver.IsOpen(ctx, t.TenantID, t.RequestID)
			if cerr != nil {
				return false, cerr
			}
			if stillOpen {
				return false, err
			}
		} else if err != nil {
			return false, err
		}
	}
	if _, err := s.trackers.MarkExpired(ctx, t); err != nil {
		if errors.Is(err, ErrTrackerDecided) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
