package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/circuitbreaker"
	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/engine"
	"github.com/lalithlochan/tandem/internal/worker"
)

// maxSnoozeMinutes caps a single snooze at one week.
const maxSnoozeMinutes = 7 * 24 * 60

// Actions are the user-facing reminder operations.
type Actions interface {
	Complete(ctx context.Context, id string) (*domain.Reminder, error)
	Snooze(ctx context.Context, id string, d time.Duration) (*domain.Reminder, error)
}

// Runner triggers scheduled jobs out of band.
type Runner interface {
	RunNow(ctx context.Context) (engine.Report, error)
	RunCleanupNow(ctx context.Context) (int64, error)
	Status() worker.Status
	LastRun() time.Time
}

// BreakerStats exposes circuit breaker counters.
type BreakerStats interface {
	Stats() circuitbreaker.Stats
}

// HealthFunc reports whether a backing service is reachable.
type HealthFunc func(ctx context.Context) error

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// SnoozeRequest is the body of POST /v1/reminders/{id}/snooze.
type SnoozeRequest struct {
	Minutes int `json:"minutes"`
}

// RunResponse is returned by the dispatch run-now endpoint.
type RunResponse struct {
	Status worker.Status `json:"status"`
	Report engine.Report `json:"report"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger  *zap.Logger
	actions Actions
	runner  Runner
	breaker BreakerStats
	health  []HealthFunc
}

// NewHandler creates a new API handler. runner and breaker may be nil, in
// which case their endpoints answer 503.
func NewHandler(logger *zap.Logger, actions Actions, runner Runner, breaker BreakerStats, health ...HealthFunc) *Handler {
	return &Handler{
		logger:  logger,
		actions: actions,
		runner:  runner,
		breaker: breaker,
		health:  health,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.health {
		if err := check(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Dependency unavailable", err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// CompleteReminder handles POST /v1/reminders/{id}/complete
func (h *Handler) CompleteReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rem, err := h.actions.Complete(r.Context(), id)
	if err != nil {
		h.writeActionError(w, "complete", id, err)
		return
	}

	h.logger.Info("reminder completed", zap.String("reminder_id", id))
	h.writeJSON(w, http.StatusOK, rem)
}

// SnoozeReminder handles POST /v1/reminders/{id}/snooze
func (h *Handler) SnoozeReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SnoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Minutes > maxSnoozeMinutes {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid minutes", "minutes must not exceed one week")
		return
	}

	rem, err := h.actions.Snooze(r.Context(), id, time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		h.writeActionError(w, "snooze", id, err)
		return
	}

	h.logger.Info("reminder snoozed",
		zap.String("reminder_id", id),
		zap.Int("minutes", req.Minutes),
	)
	h.writeJSON(w, http.StatusOK, rem)
}

// RunDispatch handles POST /v1/admin/dispatch/run
func (h *Handler) RunDispatch(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Worker not configured", "")
		return
	}

	rep, err := h.runner.RunNow(r.Context())
	if err != nil {
		h.logger.Error("manual dispatch tick failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Dispatch tick failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, RunResponse{
		Status: h.runner.Status(),
		Report: rep,
	})
}

// RunCleanup handles POST /v1/admin/cleanup/run
func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Worker not configured", "")
		return
	}

	n, err := h.runner.RunCleanupNow(r.Context())
	if err != nil {
		h.logger.Error("manual cleanup failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "cleanup_error", "Cleanup failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// WorkerStatus handles GET /v1/admin/worker
func (h *Handler) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Worker not configured", "")
		return
	}

	resp := map[string]interface{}{"status": h.runner.Status()}
	if last := h.runner.LastRun(); !last.IsZero() {
		resp["last_run"] = last.UTC()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// BreakerStatus handles GET /v1/admin/breaker
func (h *Handler) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	if h.breaker == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Circuit breaker not configured", "")
		return
	}
	h.writeJSON(w, http.StatusOK, h.breaker.Stats())
}

func (h *Handler) writeActionError(w http.ResponseWriter, action, id string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
	case errors.Is(err, engine.ErrInvalidSnooze):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid minutes", err.Error())
	default:
		h.logger.Error("reminder action failed",
			zap.String("action", action),
			zap.String("reminder_id", id),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "store_error", "Failed to update reminder", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError writes an error response in problem+json format
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
