// Package httputil writes JSON responses and maps domain error codes to HTTP
// status codes.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	dErrors "cohort/pkg/domain-errors"
)

// maxBodyBytes bounds request bodies; every request in this API is tiny.
const maxBodyBytes = 64 << 10

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

var statusByCode = map[dErrors.Code]int{
	dErrors.CodeInvalidArgument:    http.StatusBadRequest,
	dErrors.CodeNotFound:           http.StatusNotFound,
	dErrors.CodeConflict:           http.StatusConflict,
	dErrors.CodeUnauthorized:       http.StatusUnauthorized,
	dErrors.CodeForbidden:          http.StatusForbidden,
	dErrors.CodeRateLimited:        http.StatusTooManyRequests,
	dErrors.CodeTimeout:            http.StatusGatewayTimeout,
	dErrors.CodeInternal:           http.StatusInternalServerError,
	dErrors.CodeWrongState:         http.StatusConflict,
	dErrors.CodeInvalidTransition:  http.StatusConflict,
	dErrors.CodeAlreadyJoined:      http.StatusConflict,
	dErrors.CodeAlreadyRegistered:  http.StatusConflict,
	dErrors.CodeAlreadyBalancePaid: http.StatusConflict,
	dErrors.CodeAlreadySlashed:     http.StatusConflict,
	dErrors.CodeBatchFull:          http.StatusConflict,
	dErrors.CodeTooEarly:           http.StatusConflict,
	dErrors.CodeResultsNotReady:    http.StatusConflict,
	dErrors.CodeNoMatch:            http.StatusUnauthorized,
}

// StatusFor returns the HTTP status for a domain error code.
func StatusFor(code dErrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteError writes err as an ErrorResponse. Errors without a code, and
// internal errors, never expose their message.
func WriteError(w http.ResponseWriter, err error) {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: string(dErrors.CodeInternal)})
		return
	}
	resp := ErrorResponse{Error: string(de.Code)}
	if de.Code != dErrors.CodeInternal {
		resp.ErrorDescription = de.Message
	}
	WriteJSON(w, StatusFor(de.Code), resp)
}

// WriteJSON encodes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Validatable requests normalise and check themselves after decoding.
type Validatable interface {
	Validate() error
}

// DecodeAndPrepare decodes a JSON body into T and runs its Validate. On
// failure it writes the error response and returns false.
func DecodeAndPrepare[T any, PT interface {
	*T
	Validatable
}](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (*T, bool) {
	var req T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		logger.WarnContext(ctx, "failed to decode request", "error", err, "request_id", requestID)
		WriteError(w, dErrors.New(dErrors.CodeInvalidArgument, "invalid JSON body"))
		return nil, false
	}
	if err := PT(&req).Validate(); err != nil {
		logger.InfoContext(ctx, "request failed validation", "error", err, "request_id", requestID)
		WriteError(w, err)
		return nil, false
	}
	return &req, true
}
