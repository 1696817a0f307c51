package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/metrics"
	"github.com/lalithlochan/tandem/internal/redis"
)

// NewRouter mounts the handler's routes. limiter may be nil when redis is not
// configured; admin routes are then unthrottled.
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/reminders/{id}", func(r chi.Router) {
			r.Post("/complete", h.CompleteReminder)
			r.Post("/snooze", h.SnoozeReminder)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RateLimitMiddleware(limiter, logger, AdminKeyFunc))
			r.Post("/dispatch/run", h.RunDispatch)
			r.Post("/cleanup/run", h.RunCleanup)
			r.Get("/worker", h.WorkerStatus)
			r.Get("/breaker", h.BreakerStatus)
		})
	})

	return r
}
