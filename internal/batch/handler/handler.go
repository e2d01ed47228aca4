package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cohort/internal/batch/models"
	"cohort/internal/batch/service"
	"cohort/internal/commitment"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
	"cohort/pkg/platform/httputil"
	"cohort/pkg/platform/middleware/auth"
	request "cohort/pkg/platform/middleware/request"
)

// Service is the batch coordinator as seen by HTTP.
type Service interface {
	Join(ctx context.Context, req service.JoinRequest) (*service.JoinResult, error)
	PayBalance(ctx context.Context, batchID id.BatchID, identity id.Identity, amount int64) (*models.Participant, error)
	RegisterCommitment(ctx context.Context, batchID id.BatchID, identity id.Identity, digest commitment.Digest) error
	CurrentView(ctx context.Context) (*service.BatchView, error)
	View(ctx context.Context, batchID id.BatchID) (*service.BatchView, error)
}

// Handler serves the payment rail, the kit registration gateway and the
// public batch views.
type Handler struct {
	svc          Service
	logger       *slog.Logger
	serviceToken string
}

func New(svc Service, serviceToken string, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger, serviceToken: serviceToken}
}

// Register mounts the batch routes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/batches/current", h.handleCurrent)
	r.Get("/batches/{batchID}", h.handleGet)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireServiceToken(h.serviceToken, h.logger))
		r.Post("/rail/deposits", h.handleDeposit)
		r.Post("/rail/balances", h.handleBalance)
		r.Post("/batches/{batchID}/commitments", h.handleCommitment)
	})
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[DepositRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.svc.Join(ctx, service.JoinRequest{
		BatchID:       req.batchID,
		Identity:      req.identity,
		DepositAmount: req.Amount,
	})
	if err != nil {
		h.logFailure(ctx, "join failed", requestID, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toJoinResponse(res))
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[BalanceRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	p, err := h.svc.PayBalance(ctx, req.batchID, req.identity, req.Amount)
	if err != nil {
		h.logFailure(ctx, "balance payment failed", requestID, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toParticipantResponse(req.batchID, p))
}

func (h *Handler) handleCommitment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[CommitmentRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	if err := h.svc.RegisterCommitment(ctx, batchID, req.identity, req.digest); err != nil {
		h.logFailure(ctx, "commitment registration failed", requestID, err)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.svc.CurrentView(ctx)
	if err != nil {
		h.logFailure(ctx, "failed to load current batch", request.GetRequestID(ctx), err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	view, err := h.svc.View(ctx, batchID)
	if err != nil {
		h.logFailure(ctx, "failed to load batch", request.GetRequestID(ctx), err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

// logFailure logs expected domain outcomes at info and everything else at
// error.
func (h *Handler) logFailure(ctx context.Context, msg, requestID string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err)
		return
	}
	h.logger.InfoContext(ctx, msg, "request_id", requestID, "code", dErrors.CodeOf(err))
}
