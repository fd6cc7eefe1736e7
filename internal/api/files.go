package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/lucid-engine/internal/auth"
	"github.com/ashureev/lucid-engine/internal/workspace"
	"github.com/go-chi/chi/v5"
)

// FileHandler serves workspace reads and listings.
type FileHandler struct {
	resolver *workspace.Resolver
}

// NewFileHandler creates a file handler.
func NewFileHandler(resolver *workspace.Resolver) *FileHandler {
	return &FileHandler{resolver: resolver}
}

// RegisterRoutes registers file routes.
func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Route("/files", func(r chi.Router) {
		r.Get("/read", h.Read)
		r.Get("/list", h.List)
	})
}

// Read returns the content of one workspace file.
func (h *FileHandler) Read(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	path := r.URL.Query().Get("path")
	if sessionID == "" || path == "" {
		Error(w, http.StatusBadRequest, "session_id and path are required")
		return
	}

	backend, ok := h.resolve(w, r, sessionID)
	if !ok {
		return
	}
	content, err := backend.ReadFile(r.Context(), path)
	if err != nil {
		h.writeError(w, sessionID, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"content": content})
}

// List returns the workspace tree.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	backend, ok := h.resolve(w, r, sessionID)
	if !ok {
		return
	}
	tree, err := backend.Tree(r.Context())
	if err != nil {
		h.writeError(w, sessionID, err)
		return
	}
	if tree == nil {
		tree = []workspace.Node{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"tree": tree})
}

func (h *FileHandler) resolve(w http.ResponseWriter, r *http.Request, sessionID string) (workspace.Backend, bool) {
	backend, err := h.resolver.Resolve(sessionID, auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, sessionID, err)
		return nil, false
	}
	return backend, true
}

func (h *FileHandler) writeError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, workspace.ErrPathTraversal):
		Error(w, http.StatusBadRequest, "Path traversal not allowed.")
	case errors.Is(err, workspace.ErrNoWorkspace):
		Error(w, http.StatusNotFound, "Session "+sessionID+" not found.")
	case errors.Is(err, workspace.ErrFileNotFound):
		Error(w, http.StatusNotFound, "File not found.")
	default:
		slog.Error("Workspace access failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "Failed to read workspace.")
	}
}
