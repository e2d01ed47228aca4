package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	request "cohort/pkg/platform/middleware/request"
	"cohort/pkg/requestcontext"
)

const (
	HeaderAdminToken = "X-Admin-Token"
	HeaderAdminActor = "X-Admin-Actor"

	maxActorLength = 128
)

// FailureRecorder is notified of rejected admin requests.
type FailureRecorder func(ctx context.Context, reason string)

// RequireAdminToken admits requests carrying the shared admin token and
// attributes them to the X-Admin-Actor header (or "admin" when absent).
func RequireAdminToken(expectedToken string, logger *slog.Logger, onFailure FailureRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := r.Header.Get(HeaderAdminToken)
			// An empty expected token disables the admin surface entirely.
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", request.GetRequestID(ctx),
					"path", r.URL.Path,
				)
				if onFailure != nil {
					onFailure(ctx, "admin token mismatch")
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"admin token required"}`))
				return
			}

			actor := strings.TrimSpace(r.Header.Get(HeaderAdminActor))
			if actor == "" || len(actor) > maxActorLength {
				actor = "admin"
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithActorID(ctx, actor)))
		})
	}
}
