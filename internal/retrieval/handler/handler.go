package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"cohort/internal/retrieval/service"
	"cohort/internal/retrieval/token"
	dErrors "cohort/pkg/domain-errors"
	"cohort/pkg/platform/httputil"
	"cohort/pkg/platform/middleware/auth"
	request "cohort/pkg/platform/middleware/request"
)

// Service is the retrieval issuer as seen by HTTP.
type Service interface {
	Redeem(ctx context.Context, req service.RedeemRequest) (*token.Issued, error)
	ResolveDownload(ctx context.Context, value string) (*service.Download, error)
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the public retrieval routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/retrieval/verify", h.handleVerify)
	r.Get("/retrieval/download", h.handleDownload)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[VerifyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	issued, err := h.svc.Redeem(ctx, service.RedeemRequest{
		BatchID: req.batchID,
		KitID:   req.kitID,
		PIN:     req.PIN,
	})
	if err != nil {
		h.logFailure(ctx, "verification failed", requestID, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTokenResponse(issued))
}

// handleDownload answers with the object location as JSON, or with a 302 to
// the presigned URL when ?redirect=true and one is available.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	value, ok := auth.BearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="retrieval"`)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "retrieval token required"))
		return
	}

	download, err := h.svc.ResolveDownload(ctx, value)
	if err != nil {
		h.logFailure(ctx, "download resolution failed", requestID, err)
		httputil.WriteError(w, err)
		return
	}

	redirect, _ := strconv.ParseBool(r.URL.Query().Get("redirect"))
	if redirect && download.URL != "" {
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, download.URL, http.StatusFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, download)
}

func (h *Handler) logFailure(ctx context.Context, msg, requestID string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err)
		return
	}
	h.logger.InfoContext(ctx, msg, "request_id", requestID, "code", dErrors.CodeOf(err))
}
