package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/ashureev/lucid-engine/internal/auth"
	"github.com/ashureev/lucid-engine/internal/events"
	"github.com/ashureev/lucid-engine/internal/session"
	"github.com/go-chi/chi/v5"
)

// SessionHandler handles session lifecycle endpoints.
type SessionHandler struct {
	sessions *session.Manager
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions *session.Manager) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// RegisterRoutes registers session routes. Create is wrapped by create so a
// rate limit can be applied to it alone.
func (h *SessionHandler) RegisterRoutes(r chi.Router, create func(http.Handler) http.Handler) {
	r.Route("/sessions", func(r chi.Router) {
		r.With(create).Post("/", h.Create)
		r.Get("/", h.List)
		r.Delete("/{sessionID}", h.Stop)
	})
}

type createSessionRequest struct {
	Task          string `json:"task"`
	RepoURL       string `json:"repoUrl"`
	GitToken      string `json:"gitToken"`
	Branch        string `json:"branch"`
	ModelProvider string `json:"model_provider"`
	APIKey        string `json:"api_key"`
	ProjectID     string `json:"projectId"`
}

type sessionSummary struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Task      string    `json:"task"`
	IsAlive   bool      `json:"isAlive"`
	CreatedAt time.Time `json:"createdAt"`
}

// Create provisions a session without attaching a connection.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.sessions.Create(r.Context(), session.CreateRequest{
		UserID:        userID,
		Task:          req.Task,
		RepoURL:       req.RepoURL,
		GitToken:      req.GitToken,
		Branch:        req.Branch,
		ModelProvider: req.ModelProvider,
		APIKey:        req.APIKey,
		ProjectID:     req.ProjectID,
	})
	var verr *session.ValidationError
	switch {
	case errors.As(err, &verr):
		slog.Warn("Session init validation error", "user_id", userID, "error", err)
		JSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": verr.Error()})
		return
	case err != nil:
		slog.Error("Session init failed", "user_id", userID, "error", err)
		JSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": "Failed to initialize session: " + err.Error(),
		})
		return
	}

	if s.Mock {
		JSON(w, http.StatusOK, map[string]string{
			"status":    "mock",
			"sessionId": s.ID,
			"message":   "Mock session created. No agent runner is configured.",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"sessionId": s.ID,
		"message":   "Agent session initialized. Connect via WebSocket to start.",
	})
}

// List returns the caller's live sessions, oldest first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	out := []sessionSummary{}
	for _, s := range h.sessions.Registry().List() {
		if s.UserID != userID {
			continue
		}
		out = append(out, sessionSummary{
			SessionID: s.ID,
			UserID:    s.UserID,
			Task:      events.Truncate(s.Task, 80),
			IsAlive:   s.Alive(),
			CreatedAt: s.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	JSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// Stop destroys a session owned by the caller.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "sessionID")

	s := h.sessions.Registry().Lookup(id)
	if s == nil {
		Error(w, http.StatusNotFound, "Session "+id+" not found.")
		return
	}
	if s.UserID != userID {
		slog.Warn("Session stop denied", "session_id", id, "user_id", userID)
		Error(w, http.StatusForbidden, "Not authorized to stop this session.")
		return
	}

	// A connected client is closed through its own teardown path.
	if err := h.sessions.Terminate(r.Context(), id); err != nil {
		slog.Warn("Session stopped with incomplete teardown", "session_id", id, "error", err)
	}

	JSON(w, http.StatusOK, map[string]string{
		"status":    "stopped",
		"sessionId": id,
		"message":   "Session stopped and resources cleaned up.",
	})
}
