package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/lucid-engine/internal/agent"
	"github.com/go-chi/chi/v5"
)

// Pinger checks a dependency's reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunnerHealth reports the agent runner's health.
type RunnerHealth interface {
	MockMode() bool
	Health(ctx context.Context) error
}

// Sandboxes reports the container runtime state.
type Sandboxes interface {
	Pinger
	ActiveCount() int
}

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Count() int
}

// HealthHandler serves liveness and status endpoints.
type HealthHandler struct {
	db              Pinger
	runner          RunnerHealth
	sandboxes       Sandboxes
	sessions        SessionCounter
	defaultProvider string
}

// NewHealthHandler creates a health handler. sandboxes may be nil when
// sessions run without containers.
func NewHealthHandler(db Pinger, runner RunnerHealth, sandboxes Sandboxes, sessions SessionCounter, defaultProvider string) *HealthHandler {
	return &HealthHandler{
		db:              db,
		runner:          runner,
		sandboxes:       sandboxes,
		sessions:        sessions,
		defaultProvider: defaultProvider,
	}
}

// RegisterHealth registers the public health routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/", h.Status)
}

// Health is the liveness check.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports runner mode and dependency availability.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := map[string]interface{}{
		"service":          "lucid-engine",
		"status":           "running",
		"mock_mode":        h.runner.MockMode(),
		"runner":           "ok",
		"docker_available": false,
		"active_sandboxes": 0,
		"active_sessions":  h.sessions.Count(),
		"llm_model":        agent.ModelName(h.defaultProvider),
		"database":         "ok",
	}
	if h.runner.MockMode() {
		resp["llm_model"] = "mock"
	}

	if err := h.runner.Health(ctx); err != nil {
		resp["runner"] = "unavailable"
		resp["status"] = "degraded"
	}
	if h.sandboxes != nil {
		resp["docker_available"] = h.sandboxes.Ping(ctx) == nil
		resp["active_sandboxes"] = h.sandboxes.ActiveCount()
	}
	if err := h.db.Ping(ctx); err != nil {
		resp["database"] = "unavailable"
		resp["status"] = "degraded"
	}

	JSON(w, http.StatusOK, resp)
}
