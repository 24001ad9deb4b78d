// Package handlers holds the REST surface: health, stats and the history
// fallback for clients that cannot hold a websocket open.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/deskline/deskline/internal/dispatch"
	"github.com/deskline/deskline/internal/registry"
	"github.com/deskline/deskline/internal/sessions"
	"github.com/deskline/deskline/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store      store.Store
	redis      *store.RedisStore
	registry   *registry.Registry
	sessions   *sessions.Router
	dispatcher *dispatch.Dispatcher
}

// NewHandler creates a Handler with the given dependencies. redis may be
// nil when no cache is configured.
func NewHandler(st store.Store, rs *store.RedisStore, reg *registry.Registry, sr *sessions.Router, d *dispatch.Dispatcher) *Handler {
	return &Handler{store: st, redis: rs, registry: reg, sessions: sr, dispatcher: d}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
