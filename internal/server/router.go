// internal/server/router.go
//
// Operations router.
//
// Context
// -------
// Two endpoints: `/metrics` exposes the Prometheus default registry and
// `/healthz` runs the supplied checks.  Every check must pass for a 200;
// the first failure is reported as a 503 with its message.
//
// Notes
// -----
// • Responses are never cached and never sniffed.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthTimeout bounds one /healthz request.
const HealthTimeout = 3 * time.Second

// Check reports whether one dependency is usable.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Router builds the operations handler.
func Router(checks ...Check) http.Handler {
	r := chi.NewRouter()
	r.Use(noStore)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", health(checks))
	return r
}

func health(checks []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), HealthTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, c := range checks {
			if err := c.Fn(ctx); err != nil {
				zap.L().Warn("health check failed", zap.String("check", c.Name), zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(c.Name + ": " + err.Error() + "\n"))
				return
			}
		}
		_, _ = w.Write([]byte("ok\n"))
	}
}

// noStore sets headers before next so handlers may still override them.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}
