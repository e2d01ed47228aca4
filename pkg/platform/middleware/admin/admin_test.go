package admin

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"cohort/pkg/requestcontext"
)

func TestRequireAdminToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var failures []string
	var actor string
	h := RequireAdminToken("s3cret", logger, func(_ context.Context, reason string) {
		failures = append(failures, reason)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = requestcontext.ActorID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/batches/1/activate", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Len(t, failures, 1)
	})

	t.Run("valid token with actor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/batches/1/activate", nil)
		req.Header.Set(HeaderAdminToken, "s3cret")
		req.Header.Set(HeaderAdminActor, "ops@lab")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, "ops@lab", actor)
	})

	t.Run("valid token without actor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(HeaderAdminToken, "s3cret")
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, "admin", actor)
	})
}

func TestRequireAdminToken_EmptyConfiguredTokenRejectsAll(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := RequireAdminToken("", logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderAdminToken, "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
