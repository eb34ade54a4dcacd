// Package cards holds the credit-card command handlers: card issuance from
// approved applications, purchases, payments and status changes.
package cards

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"credit-card-platform/api/internal/aggregate"
	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/approval"
	"credit-card-platform/api/internal/command"
	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/models"
	"credit-card-platform/shared/events"
	"credit-card-platform/shared/workflow"
)

const (
	OpPurchase          = "card.purchase"
	OpPayment           = "card.payment"
	OpCardStatus        = "card.status"
	OpSubmitApplication = "application.submit"
	OpApprove           = "application.approve"
	OpReject            = "application.reject"
)

const (
	CardsCollection        = "cards"
	ApplicationsCollection = "card_applications"
	TransactionsCollection = "card_transactions"
)

const (
	kindPurchase  = "purchase"
	kindPayment   = "payment"
	expiredReason = "expired"
)

type Service struct {
	exec         *command.Executor
	cards        *aggregate.Store[models.Card]
	applications *aggregate.Store[models.CardApplication]
	transactions *aggregate.Store[models.CardTransaction]
	trackers     *approval.TrackerRepo
	approvalTTL  time.Duration
}

func NewService(store docstore.Store, exec *command.Executor, trackers *approval.TrackerRepo, approvalTTL time.Duration) *Service {
	if approvalTTL <= 0 {
		approvalTTL = 72 * time.Hour
	}
	return &Service{
		exec:         exec,
		cards:        aggregate.NewStore[models.Card](store, CardsCollection),
		applications: aggregate.NewStore[models.CardApplication](store, ApplicationsCollection),
		transactions: aggregate.NewStore[models.CardTransaction](store, TransactionsCollection),
		trackers:     trackers,
		approvalTTL:  approvalTTL,
	}
}

type PurchaseRequest struct {
	CardID          string `json:"-"`
	Amount          int64  `json:"amount"`
	Merchant        string `json:"merchant"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type PaymentRequest struct {
	CardID          string `json:"-"`
	Amount          int64  `json:"amount"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type PostingResponse struct {
	TransactionID   string `json:"transaction_id"`
	CardID          string `json:"card_id"`
	Kind            string `json:"kind"`
	Amount          int64  `json:"amount"`
	Balance         int64  `json:"balance"`
	AvailableCredit int64  `json:"available_credit"`
	Version         int64  `json:"version"`
}

type CardStatusRequest struct {
	CardID          string `json:"-"`
	Status          string `json:"status"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type CardResponse struct {
	Card    models.Card `json:"card"`
	Version int64       `json:"version"`
}

func (s *Service) Purchase(ctx context.Context, tenantID string, key string, req PurchaseRequest) (command.Result, error) {
	return s.exec.ExecuteIdempotent(ctx, tenantID, key, OpPurchase, func(ctx context.Context, uow *command.UnitOfWork) (command.Outcome, error) {
		if req.Amount <= 0 {
			return command.Outcome{}, apperr.Validation("amount", "amount must be positive")
		}
		card, err := s.loadCard(ctx, uow.TenantID(), req.CardID, req.ExpectedVersion)
		if err != nil {
			return command.Outcome{}, err
		}
		if card.State.Status != workflow.CardStatusActive {
			return command.Outcome{}, apperr.Validation("card_id", "card is "+card.State.Status)
		}
		// balance never exceeds the limit, so the subtraction cannot overflow
		if req.Amount > card.State.CreditLimit-card.State.Balance {
			return command.Outcome{}, apperr.Validation("amount", "amount exceeds available credit")
		}
		return s.post(uow, card, kindPurchase, req.Amount, strings.TrimSpace(req.Merchant), workflow.EventPurchasePosted)
	})
}

func (s *Service) Payment(ctx context.Context, tenantID string, key string, req PaymentRequest) (command.Result, error) {
	return s.exec.ExecuteIdempotent(ctx, tenantID, key, OpPayment, func(ctx context.Context, uow *command.UnitOfWork) (command.Outcome, error) {
		if req.Amount <= 0 {
			return command.Outcome{}, apperr.Validation("amount", "amount must be positive")
		}
		card, err := s.loadCard(ctx, uow.TenantID(), req.CardID, req.ExpectedVersion)
		if err != nil {
			return command.Outcome{}, err
		}
		if card.State.Status == workflow.CardStatusClosed {
			return command.Outcome{}, apperr.Validation("card_id", "card is closed")
		}
		if req.Amount > card.State.Balance {
			return command.Outcome{}, apperr.Validation("amount", "amount exceeds outstanding balance")
		}
		return s.post(uow, card, kindPayment, -req.Amount, "", workflow.EventPaymentPosted)
	})
}

// post stages the balance change, its ledger entry and the event. delta is
// signed; the response reports the absolute amount.
func (s *Service) post(uow *command.UnitOfWork, card aggregate.Versioned[models.Card], kind string, delta int64, merchant string, eventType string) (command.Outcome, error) {
	now := uow.Now()
	next := card.State
	next.Balance += delta
	next.UpdatedAt = now
	cw, err := s.cards.UpdateWrite(uow.TenantID(), card.ID, next, card.Version)
	if err != nil {
		return command.Outcome{}, err
	}
	amount := delta
	if amount < 0 {
		amount = -amount
	}
	txn := models.CardTransaction{
		TransactionID: uuid.NewString(),
		CardID:        card.ID,
		TenantID:      uow.TenantID(),
		Kind:          kind,
		Amount:        amount,
		BalanceAfter:  next.Balance,
		Merchant:      merchant,
		CreatedAt:     now,
	}
	tw, err := s.transactions.CreateWrite(uow.TenantID(), txn.TransactionID, txn)
	if err != nil {
		return command.Outcome{}, err
	}
	uow.Stage(cw, tw)
	resp := PostingResponse{
		TransactionID:   txn.TransactionID,
		CardID:          card.ID,
		Kind:            kind,
		Amount:          amount,
		Balance:         next.Balance,
		AvailableCredit: next.CreditLimit - next.Balance,
		Version:         card.Version + 1,
	}
	uow.Emit(eventType, events.EntityCard, card.ID, resp)
	return command.Outcome{StatusCode: http.StatusCreated, Response: resp}, nil
}

// SetCardStatus freezes, unfreezes or closes a card.
func (s *Service) SetCardStatus(ctx context.Context, tenantID string, key string, req CardStatusRequest) (command.Result, error) {
	return s.exec.ExecuteIdempotent(ctx, tenantID, key, OpCardStatus, func(ctx context.Context, uow *command.UnitOfWork) (command.Outcome, error) {
		card, err := s.loadCard(ctx, uow.TenantID(), req.CardID, req.ExpectedVersion)
		if err != nil {
			return command.Outcome{}, err
		}
		status := workflow.NormalizeStatus(req.Status)
		if !workflow.Card.CanTransition(card.State.Status, status) {
			return command.Outcome{}, apperr.Validation("status", "cannot move card from "+card.State.Status+" to "+status)
		}
		if status == workflow.CardStatusClosed && card.State.Balance > 0 {
			return command.Outcome{}, apperr.Validation("status", "card with an outstanding balance cannot be closed")
		}
		next := card.State
		next.Status = status
		next.UpdatedAt = uow.Now()
		w, err := s.cards.UpdateWrite(uow.TenantID(), card.ID, next, card.Version)
		if err != nil {
			return command.Outcome{}, err
		}
		uow.Stage(w)
		uow.Emit(workflow.Card.EventTypeForTransition(card.State.Status, status), events.EntityCard, card.ID, map[string]string{
			"card_id": card.ID,
			"from":    card.State.Status,
			"to":      status,
		})
		return command.Outcome{StatusCode: http.StatusOK, Response: CardResponse{Card: next, Version: card.Version + 1}}, nil
	})
}

func (s *Service) GetCard(ctx context.Context, tenantID string, cardID string) (aggregate.Versioned[models.Card], error) {
	if strings.TrimSpace(cardID) == "" {
		return aggregate.Versioned[models.Card]{}, apperr.Validation("card_id", "card id is required")
	}
	return s.cards.Load(ctx, tenantID, cardID)
}

func (s *Service) loadCard(ctx context.Context, tenantID string, cardID string, expected *int64) (aggregate.Versioned[models.Card], error) {
	card, err := s.GetCard(ctx, tenantID, cardID)
	if err != nil {
		return card, err
	}
	if expected != nil && *expected != card.Version {
		return card, &apperr.ConcurrencyError{AggregateID: cardID, Expected: *expected, Actual: card.Version}
	}
	return card, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
