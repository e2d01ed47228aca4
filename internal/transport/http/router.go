package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cohort/internal/platform/metrics"
	"cohort/pkg/platform/httputil"
	"cohort/pkg/platform/middleware/metadata"
	request "cohort/pkg/platform/middleware/request"
	"cohort/pkg/platform/middleware/requesttime"
)

const healthTimeout = 2 * time.Second

// Registrar mounts a bounded context's routes.
type Registrar interface {
	Register(r chi.Router)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Health is keyed by component name, e.g. "postgres".
	Health   map[string]HealthCheck
	Handlers []Registrar

	// TrustedProxies may set the client IP through forwarding headers.
	TrustedProxies metadata.TrustedProxies
}

// NewRouter wires the middleware chain, every handler, /metrics and /healthz.
// Handlers stay thin and delegate to their services.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(opts.Logger))
	r.Use(metadata.WithTrustedProxies(opts.TrustedProxies))
	r.Use(requesttime.Middleware)
	r.Use(request.Logger(opts.Logger))
	r.Use(opts.Metrics.Middleware)

	for _, h := range opts.Handlers {
		h.Register(r)
	}

	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", healthHandler(opts.Health, opts.Logger))
	return r
}

type healthResponse struct {
	Status string   `json:"status"`
	Failed []string `json:"failed,omitempty"`
}

func healthHandler(checks map[string]HealthCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		var failed []string
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.WarnContext(ctx, "health check failed", "component", name, "error", err)
				failed = append(failed, name)
			}
		}
		if len(failed) > 0 {
			sort.Strings(failed)
			httputil.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Failed: failed})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
