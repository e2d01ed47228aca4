// Package auth guards machine-to-machine routes and extracts bearer
// credentials.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	request "cohort/pkg/platform/middleware/request"
)

// HeaderServiceToken authenticates the payment rail and the kit
// registration gateway.
const HeaderServiceToken = "X-Service-Token"

// RequireServiceToken admits requests whose X-Service-Token equals expected.
func RequireServiceToken(expected string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(HeaderServiceToken)
			if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "unauthorized access - invalid service token",
					"request_id", request.GetRequestID(ctx),
					"path", r.URL.Path,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"service token required"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken returns the credential from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	const bearerPrefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}
