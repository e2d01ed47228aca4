package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"cohort/internal/batch/models"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
	"cohort/pkg/platform/httputil"
	adminmw "cohort/pkg/platform/middleware/admin"
	request "cohort/pkg/platform/middleware/request"
)

// Handler serves /admin. Every route requires X-Admin-Token.
type Handler struct {
	svc        *Service
	adminToken string
	logger     *slog.Logger
}

func NewHandler(svc *Service, adminToken string, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, adminToken: adminToken, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(adminmw.RequireAdminToken(h.adminToken, h.logger, h.svc.RecordAuthFailure))

		r.Get("/batches", h.handleList)
		r.Get("/batches/{batchID}", h.handleGet)
		r.Get("/batches/{batchID}/audit", h.handleBatchAudit)
		r.Get("/audit", h.handleRecentAudit)

		for _, action := range []Action{ActionStage, ActionActivate, ActionStartSequencing, ActionComplete, ActionPurge} {
			r.Post("/batches/{batchID}/"+string(action), h.handleAction(action))
		}
		r.Post("/batches/{batchID}/fast-forward", h.handleFastForward)
		r.Post("/batches/{batchID}/slash", h.handleSlash)
		r.Post("/batches/{batchID}/expire-overdue", h.handleExpire)
	})
}

func (h *Handler) handleAction(action Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		batchID, ok := h.batchID(w, r)
		if !ok {
			return
		}
		detail, err := h.svc.Apply(ctx, batchID, action)
		if err != nil {
			h.fail(ctx, w, "admin action failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, detail)
	}
}

func (h *Handler) handleFastForward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, ok := h.batchID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[FastForwardRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	detail, err := h.svc.FastForward(ctx, batchID, req.target)
	if err != nil {
		h.fail(ctx, w, "fast-forward failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleSlash(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, ok := h.batchID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[SlashRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	view, err := h.svc.Slash(ctx, batchID, req.identity)
	if err != nil {
		h.fail(ctx, w, "slash failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) handleExpire(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, ok := h.batchID(w, r)
	if !ok {
		return
	}
	removed, err := h.svc.ExpireOverdue(ctx, batchID)
	if err != nil {
		h.fail(ctx, w, "expire overdue failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ExpireResponse{BatchID: batchID, Removed: removed})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batches, err := h.svc.ListBatches(ctx)
	if err != nil {
		h.fail(ctx, w, "failed to list batches", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, BatchListResponse{Batches: batches, Total: len(batches)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, ok := h.batchID(w, r)
	if !ok {
		return
	}
	detail, err := h.svc.Batch(ctx, batchID)
	if err != nil {
		h.fail(ctx, w, "failed to load batch", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleBatchAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, ok := h.batchID(w, r)
	if !ok {
		return
	}
	events, err := h.svc.AuditTrail(ctx, batchID)
	if err != nil {
		h.fail(ctx, w, "failed to read audit trail", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AuditListResponse{Events: events, Total: len(events)})
}

func (h *Handler) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidArgument, "limit must be an integer"))
			return
		}
		limit = n
	}
	events, err := h.svc.RecentAudit(ctx, limit)
	if err != nil {
		h.fail(ctx, w, "failed to read audit trail", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AuditListResponse{Events: events, Total: len(events)})
}

func (h *Handler) batchID(w http.ResponseWriter, r *http.Request) (id.BatchID, bool) {
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		httputil.WriteError(w, err)
		return 0, false
	}
	return batchID, true
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	requestID := request.GetRequestID(ctx)
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err)
	} else {
		h.logger.InfoContext(ctx, msg, "request_id", requestID, "code", dErrors.CodeOf(err))
	}
	httputil.WriteError(w, err)
}

// FastForwardRequest names the state to walk the batch to.
type FastForwardRequest struct {
	Target string `json:"target"`

	target models.State
}

func (r *FastForwardRequest) Validate() error {
	target, err := models.ParseState(r.Target)
	if err != nil {
		return err
	}
	r.target = target
	return nil
}

type SlashRequest struct {
	Identity string `json:"identity"`

	identity id.Identity
}

func (r *SlashRequest) Validate() error {
	identity, err := id.ParseIdentity(r.Identity)
	if err != nil {
		return err
	}
	r.identity = identity
	return nil
}
