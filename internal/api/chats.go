package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/lucid-engine/internal/auth"
	"github.com/ashureev/lucid-engine/internal/store"
	"github.com/go-chi/chi/v5"
)

// ChatHandler serves transcript history.
type ChatHandler struct {
	repo store.Repository
}

// NewChatHandler creates a chat handler.
func NewChatHandler(repo store.Repository) *ChatHandler {
	return &ChatHandler{repo: repo}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/chats", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{chatID}", h.Get)
		r.Patch("/{chatID}", h.Rename)
		r.Delete("/{chatID}", h.Delete)
	})
}

// List returns the caller's transcripts, newest first.
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit < 1 || limit > 100 {
		Error(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	chats, err := h.repo.ListTranscripts(r.Context(), auth.UserID(r.Context()), limit, offset)
	if err != nil {
		slog.Error("Failed to list chats", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []*store.Transcript{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

// Get returns one transcript with its messages.
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.repo.GetTranscript(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "chatID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, t)
}

// Rename updates a transcript's title.
func (h *ChatHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(body.Title)
	if title == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}

	id := chi.URLParam(r, "chatID")
	if err := h.repo.RenameTranscript(r.Context(), auth.UserID(r.Context()), id, title); err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "updated", "id": id, "title": title})
}

// Delete removes a transcript.
func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chatID")
	if err := h.repo.DeleteTranscript(r.Context(), auth.UserID(r.Context()), id); err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (h *ChatHandler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrTranscriptNotFound) {
		Error(w, http.StatusNotFound, "Chat not found")
		return
	}
	slog.Error("Chat request failed", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
