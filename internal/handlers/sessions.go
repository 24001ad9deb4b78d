package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/deskline/deskline/internal/api/middleware"
	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ListSessions returns the caller's sessions: the active queue for agents,
// open sessions for end users.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	var (
		list []models.Session
		err  error
	)
	if models.IsAgentRole(claims.Role) {
		list, err = h.sessions.MySessions(r.Context(), claims.UserID)
	} else {
		list, err = h.sessions.UserSessions(r.Context(), claims.UserID)
	}
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"count":    len(list),
	})
}

// GetSessionMessages is the history fallback for clients without a live
// websocket. Recalled rows come back with empty bodies.
func (h *Handler) GetSessionMessages(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	sessionID := chi.URLParam(r, "id")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	// Fetch one extra row to learn whether more history exists.
	msgs, err := h.dispatcher.History(r.Context(), sessionID, claims.UserID, limit+1)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrNotFound):
			h.Error(w, http.StatusNotFound, "session not found")
		case errors.Is(err, chat.ErrNotAuthorized):
			h.Error(w, http.StatusForbidden, "not a participant")
		default:
			h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		}
		return
	}

	// The store returns the latest rows in ascending id order; the extra
	// row, when present, is the oldest and only signals more history.
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[len(msgs)-limit:]
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   msgs,
		"count":      len(msgs),
		"has_more":   hasMore,
	})
}
