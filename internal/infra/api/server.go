package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"caregiver-billing/internal/config"
	"caregiver-billing/internal/infra/api/apiv1"
	"caregiver-billing/internal/infra/metrics"
)

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// NewRouter builds the service's HTTP surface: API v1, /health and /metrics.
func NewRouter(v1 *apiv1.Server, auth *apiv1.Authenticator, checks map[string]CheckFunc, timeout time.Duration, logger *zerolog.Logger) http.Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	l := logger.With().Str("component", "HTTP").Logger()

	r := chi.NewRouter()
	r.Use(TraceID(), RequestLog(&l), Recover(&l), Timeout(timeout))

	r.Get("/health", healthHandler(checks))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	apiv1.RegisterAPIV1(r, v1, auth)
	return r
}

func healthHandler(checks map[string]CheckFunc) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for n := range checks {
		names = append(names, n)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		var (
			mu  sync.Mutex
			wg  sync.WaitGroup
			out = make(map[string]string, len(checks))
		)
		for _, n := range names {
			wg.Add(1)
			go func(name string, check CheckFunc) {
				defer wg.Done()
				status := "ok"
				if err := check(ctx); err != nil {
					status = err.Error()
				}
				mu.Lock()
				out[name] = status
				mu.Unlock()
			}(n, checks[n])
		}
		wg.Wait()

		code := http.StatusOK
		overall := "ok"
		for _, s := range out {
			if s != "ok" {
				code = http.StatusServiceUnavailable
				overall = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": overall, "checks": out})
	}
}

// NewHTTPServer returns a server listening on cfg.Port.
func NewHTTPServer(cfg config.HTTPConfig, h http.Handler) *http.Server {
	port := cfg.Port
	if port == 0 {
		port = 8080
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
