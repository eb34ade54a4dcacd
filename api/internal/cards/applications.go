package cards

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"credit-card-platform/api/internal/aggregate"
	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/approval"
	"credit-card-platform/api/internal/command"
	"credit-card-platform/api/internal/models"
	"credit-card-platform/shared/events"
	"credit-card-platform/shared/workflow"
)

type SubmitApplicationRequest struct {
	ApplicantName  string `json:"applicant_name"`
	RequestedLimit int64  `json:"requested_limit"`
	Currency       string `json:"currency"`
}

type DecisionRequest struct {
	ApplicationID string `json:"-"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason"`
	ApprovedLimit *int64 `json:"approved_limit,omitempty"`
}

type ApplicationResponse struct {
	Application models.CardApplication `json:"application"`
	Version     int64                  `json:"version"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
}

func (s *Service) SubmitApplication(ctx context.Context, tenantID string, key string, req SubmitApplicationRequest) (command.Result, error) {
	return s.exec.ExecuteIdempotent(ctx, tenantID, key, OpSubmitApplication, func(ctx context.Context, uow *command.UnitOfWork) (command.Outcome, error) {
		name := strings.TrimSpace(req.ApplicantName)
		if name == "" {
			return command.Outcome{}, apperr.Validation("applicant_name", "applicant name is required")
		}
		if req.RequestedLimit <= 0 {
			return command.Outcome{}, apperr.Validation("requested_limit", "requested limit must be positive")
		}
		currency := strings.ToUpper(strings.TrimSpace(req.Currency))
		if currency == "" {
			currency = "USD"
		}
		if len(currency) != 3 {
			return command.Outcome{}, apperr.Validation("currency", "currency must be a 3 letter code")
		}
		app := models.CardApplication{
			ApplicationID:  uuid.NewString(),
			TenantID:       uow.TenantID(),
			ApplicantName:  name,
			RequestedLimit: req.RequestedLimit,
			Currency:       currency,
			Status:         workflow.ApplicationStatusPending,
			CreatedAt:      uow.Now(),
		}
		aw, err := s.applications.CreateWrite(uow.TenantID(), app.ApplicationID, app)
		if err != nil {
			return command.Outcome{}, err
		}
		tracker := s.trackers.New(uow.TenantID(), app.ApplicationID, s.approvalTTL)
		tw, err := s.trackers.CreateWrite(tracker)
		if err != nil {
			return command.Outcome{}, err
		}
		uow.Stage(aw, tw)
		uow.Emit(workflow.EventApplicationSubmitted, events.EntityApplication, app.ApplicationID, app)
		return command.Outcome{StatusCode: http.StatusCreated, Response: ApplicationResponse{
			Application: app,
			Version:     1,
			ExpiresAt:   &tracker.ExpiresAt,
		}}, nil
	})
}

func (s *Service) Approve(ctx context.Context, tenantID string, key string, req DecisionRequest) (command.Result, error) {
	return s.exec.ExecuteIdempotent(ctx, tenantID, key, OpApprove, func(ctx context.Context, uow *command.UnitOfWork) (command.Outcome, error) {
		if strings.TrimSpace(req.Actor) == "" {
			return command.Outcome{}, apperr.Validation("actor", "actor is required")
		}
		app, err := s.openApplication(ctx, uow.TenantID(), req.ApplicationID)
		if err != nil {
			return command.Outcome{}, err
		}
		limit := app.State.RequestedLimit
		if req.ApprovedLimit != nil {
			limit = *req.ApprovedLimit
		}
		if limit <= 0 {
			return command.Outcome{}, apperr.Validation("approved_limit", "approved limit must be positive")
		}

		now := uow.Now()
		card := models.Card{
			CardID:        uuid.NewString(),
			TenantID:      uow.TenantID(),
			HolderName:    app.State.ApplicantName,
			CreditLimit:   limit,
			Currency:      app.State.Currency,
			Status:        workflow.CardStatusActive,
			ApplicationID: app.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		next := app.State
		next.Status = workflow.ApplicationStatusApproved
		next.DecidedBy = strings.TrimSpace(req.Actor)
		next.DecisionReason = strings.TrimSpace(req.Reason)
		next.DecidedAt = &now
		next.CardID = card.CardID

		aw, err := s.applications.UpdateWrite(uow.TenantID(), app.ID, next, app.Version)
		if err != nil {
			return command.Outcome{}, err
		}
		cw, err := s.cards.CreateWrite(uow.TenantID(), card.CardID, card)
		if err != nil {
			return command.Outcome{}, err
		}
		uow.Stage(aw, cw)
		if err := s.respondTracker(ctx, uow, app.ID, workflow.ApprovalStatusApproved, next.DecidedBy); err != nil {
			return command.Outcome{}, err
		}
		uow.Emit(workflow.EventApplicationApproved, events.EntityApplication, app.ID, next)
		uow.Emit(workflow.EventCardIssued, events.EntityCard, card.CardID, card)
		return command.Outcome{StatusCode: http.StatusOK, Response: ApplicationResponse{Application: next, Version: app.Version + 1}}, nil
	})
}

func (s *Service) Reject(ctx context.Context, tenantID string, key string, req DecisionRequest) (command.Result, error) {
	return s.reject(ctx, tenantID, key, req, false)
}

// reject is shared by human rejection and expiry. On expiry the tracker is
// left for the sweeper, which marks it expired after this commits.
func (s *Service) reject(ctx context.Context, tenantID string, key string, req DecisionRequest, expiry bool) (command.Result, error) {
	return s.exec.ExecuteIdempotent(ctx, tenantID, key, OpReject, func(ctx context.Context, uow *command.UnitOfWork) (command.Outcome, error) {
		actor := strings.TrimSpace(req.Actor)
		if actor == "" {
			return command.Outcome{}, apperr.Validation("actor", "actor is required")
		}
		app, err := s.openApplication(ctx, uow.TenantID(), req.ApplicationID)
		if err != nil {
			return command.Outcome{}, err
		}
		now := uow.Now()
		next := app.State
		next.Status = workflow.ApplicationStatusRejected
		next.DecidedBy = actor
		next.DecisionReason = strings.TrimSpace(req.Reason)
		next.DecidedAt = &now
		aw, err := s.applications.UpdateWrite(uow.TenantID(), app.ID, next, app.Version)
		if err != nil {
			return command.Outcome{}, err
		}
		uow.Stage(aw)
		if !expiry {
			if err := s.respondTracker(ctx, uow, app.ID, workflow.ApprovalStatusRejected, actor); err != nil {
				return command.Outcome{}, err
			}
		}
		uow.Emit(workflow.EventApplicationRejected, events.EntityApplication, app.ID, next)
		return command.Outcome{StatusCode: http.StatusOK, Response: ApplicationResponse{Application: next, Version: app.Version + 1}}, nil
	})
}

func (s *Service) GetApplication(ctx context.Context, tenantID string, applicationID string) (aggregate.Versioned[models.CardApplication], error) {
	if strings.TrimSpace(applicationID) == "" {
		return aggregate.Versioned[models.CardApplication]{}, apperr.Validation("application_id", "application id is required")
	}
	return s.applications.Load(ctx, tenantID, applicationID)
}

func (s *Service) openApplication(ctx context.Context, tenantID string, applicationID string) (aggregate.Versioned[models.CardApplication], error) {
	app, err := s.GetApplication(ctx, tenantID, applicationID)
	if err != nil {
		return app, err
	}
	if app.State.Status != workflow.ApplicationStatusPending {
		return app, apperr.Validation("application_id", "application is already "+app.State.Status)
	}
	return app, nil
}

// respondTracker stages the human answer on the tracker. A tracker that is
// missing or already expired does not block the decision.
func (s *Service) respondTracker(ctx context.Context, uow *command.UnitOfWork, requestID string, status string, actor string) error {
	tracker, err := s.trackers.Get(ctx, uow.TenantID(), requestID)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if tracker.Status != workflow.ApprovalStatusPending {
		return nil
	}
	w, err := s.trackers.RespondWrite(tracker, status, actor)
	if err != nil {
		return err
	}
	uow.Stage(w)
	return nil
}

// IsOpen reports whether the application still waits for a decision.
func (s *Service) IsOpen(ctx context.Context, tenantID string, requestID string) (bool, error) {
	app, err := s.applications.Load(ctx, tenantID, requestID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return app.State.Status == workflow.ApplicationStatusPending, nil
}

// RejectExpired rejects an unanswered application. The key is derived from
// the request, so a sweep retried after a crash replays instead of
// rejecting twice.
func (s *Service) RejectExpired(ctx context.Context, tenantID string, requestID string, actor string) error {
	_, err := s.reject(ctx, tenantID, "approval-expiry:"+requestID, DecisionRequest{
		ApplicationID: requestID,
		Actor:         actor,
		Reason:        expiredReason,
	}, true)
	return err
}

var _ approval.RequestResolver = (*Service)(nil)
