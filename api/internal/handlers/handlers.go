// Package handlers exposes the card commands, reads and outbox operations
// over HTTP.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/approval"
	"credit-card-platform/api/internal/cards"
	"credit-card-platform/api/internal/command"
	"credit-card-platform/api/internal/outbox"
	"credit-card-platform/shared/httpx"
	"credit-card-platform/shared/logx"
	"credit-card-platform/shared/tenantx"
	"credit-card-platform/shared/workflow"
)

const HeaderReplayed = httpx.HeaderReplayed

type Handler struct {
	Cards      *cards.Service
	Outbox     *outbox.Repo
	Dispatcher *outbox.Dispatcher
	Sweeper    *approval.Sweeper
	Logger     logx.Logger
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/cards/{cardID}/purchases", h.command(func(ctx context.Context, tenantID, key string, r *http.Request) (command.Result, error) {
		var req cards.PurchaseRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			return command.Result{}, apperr.Validation("body", err.Error())
		}
		req.CardID = r.PathValue("cardID")
		return h.Cards.Purchase(ctx, tenantID, key, req)
	}))
	mux.HandleFunc("POST /api/v1/cards/{cardID}/payments", h.command(func(ctx context.Context, tenantID, key string, r *http.Request) (command.Result, error) {
		var req cards.PaymentRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			return command.Result{}, apperr.Validation("body", err.Error())
		}
		req.CardID = r.PathValue("cardID")
		return h.Cards.Payment(ctx, tenantID, key, req)
	}))
	mux.HandleFunc("POST /api/v1/cards/{cardID}/status", h.command(func(ctx context.Context, tenantID, key string, r *http.Request) (command.Result, error) {
		var req cards.CardStatusRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			return command.Result{}, apperr.Validation("body", err.Error())
		}
		req.CardID = r.PathValue("cardID")
		return h.Cards.SetCardStatus(ctx, tenantID, key, req)
	}))
	mux.HandleFunc("POST /api/v1/applications", h.command(func(ctx context.Context, tenantID, key string, r *http.Request) (command.Result, error) {
		var req cards.SubmitApplicationRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			return command.Result{}, apperr.Validation("body", err.Error())
		}
		return h.Cards.SubmitApplication(ctx, tenantID, key, req)
	}))
	mux.HandleFunc("POST /api/v1/applications/{applicationID}/approve", h.command(func(ctx context.Context, tenantID, key string, r *http.Request) (command.Result, error) {
		req, err := decodeDecision(r)
		if err != nil {
			return command.Result{}, err
		}
		return h.Cards.Approve(ctx, tenantID, key, req)
	}))
	mux.HandleFunc("POST /api/v1/applications/{applicationID}/reject", h.command(func(ctx context.Context, tenantID, key string, r *http.Request) (command.Result, error) {
		req, err := decodeDecision(r)
		if err != nil {
			return command.Result{}, err
		}
		return h.Cards.Reject(ctx, tenantID, key, req)
	}))

	mux.HandleFunc("GET /api/v1/cards/{cardID}", h.getCard)
	mux.HandleFunc("GET /api/v1/applications/{applicationID}", h.getApplication)

	mux.HandleFunc("GET /ops/outbox/summary", h.outboxSummary)
	mux.HandleFunc("GET /ops/outbox/events", h.outboxEvents)
	mux.HandleFunc("POST /ops/outbox/process", h.processOutbox)
	mux.HandleFunc("POST /ops/approvals/sweep", h.sweepApprovals)
}

func decodeDecision(r *http.Request) (cards.DecisionRequest, error) {
	var req cards.DecisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return req, apperr.Validation("body", err.Error())
	}
	req.ApplicationID = r.PathValue("applicationID")
	return req, nil
}

type commandFunc func(ctx context.Context, tenantID string, key string, r *http.Request) (command.Result, error)

// command resolves the tenant and idempotency key, runs fn and writes the
// stored response. Replays carry the Idempotent-Replayed header.
func (h *Handler) command(fn commandFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := tenantx.TenantIDFromContext(r.Context())
		if tenantID == "" {
			h.writeError(w, r, apperr.Validation("tenant", "missing tenant"))
			return
		}
		key := strings.TrimSpace(r.Header.Get(httpx.HeaderIdempotencyKey))
		if key == "" {
			h.writeError(w, r, apperr.Validation("idempotency_key", httpx.HeaderIdempotencyKey+" header is required"))
			return
		}
		res, err := fn(r.Context(), tenantID, key, r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if res.Replayed {
			w.Header().Set(HeaderReplayed, "true")
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(res.StatusCode)
		_, _ = w.Write(res.Response)
	}
}

func (h *Handler) getCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.Cards.GetCard(r.Context(), tenantx.TenantIDFromContext(r.Context()), r.PathValue("cardID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cards.CardResponse{Card: card.State, Version: card.Version})
}

func (h *Handler) getApplication(w http.ResponseWriter, r *http.Request) {
	app, err := h.Cards.GetApplication(r.Context(), tenantx.TenantIDFromContext(r.Context()), r.PathValue("applicationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cards.ApplicationResponse{Application: app.State, Version: app.Version})
}

func (h *Handler) outboxSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Outbox.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"counts": summary})
}

func (h *Handler) outboxEvents(w http.ResponseWriter, r *http.Request) {
	status := workflow.NormalizeStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = workflow.OutboxStatusDeadLetter
	}
	if !slices.Contains(workflow.AllOutboxStatuses(), status) {
		h.writeError(w, r, apperr.Validation("status", "unknown outbox status "+strconv.Quote(status)))
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, apperr.Validation("limit", "limit must be a positive integer"))
			return
		}
		limit = n
	}
	events, err := h.Outbox.ListByStatus(r.Context(), status, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": status, "events": events})
}

func (h *Handler) processOutbox(w http.ResponseWriter, r *http.Request) {
	res, err := h.Dispatcher.ProcessOutbox(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) sweepApprovals(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.SweepExpiredApprovals(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	code := apperr.CodeOf(err)
	msg := err.Error()
	if code == apperr.CodeInternal {
		h.Logger.Error(r.Context(), "request_failed", "request failed",
			slog.String("error_code", code),
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	}
	httpx.WriteError(w, r, status, code, msg, apperr.Details(err))
}
