// Package sessions implements the support session lifecycle: a user opens
// a pending session, exactly one agent accepts it, and either participant
// closes it. Acceptance is resolved by a compare-and-set in the store, so
// concurrent accepts never both succeed.
package sessions

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/hub"
	"github.com/deskline/deskline/internal/metrics"
	"github.com/deskline/deskline/internal/models"
	"github.com/deskline/deskline/internal/registry"
	"github.com/deskline/deskline/internal/store"
)

// Router coordinates session state changes and the pushes they trigger.
type Router struct {
	store    store.Store
	registry *registry.Registry
	hub      *hub.Hub
	logger   zerolog.Logger
}

func NewRouter(st store.Store, reg *registry.Registry, h *hub.Hub, logger zerolog.Logger) *Router {
	return &Router{
		store:    st,
		registry: reg,
		hub:      h,
		logger:   logger.With().Str("component", "sessions").Logger(),
	}
}

// Open creates a pending session for userID and notifies agents watching
// the pending pool.
func (r *Router) Open(ctx context.Context, userID int64, category string) (*models.Session, error) {
	id := ulid.Make().String()
	s, err := r.store.CreateSession(ctx, id, userID, category)
	if err != nil {
		return nil, err
	}
	metrics.SessionsOpened.Inc()

	r.hub.Publish(hub.TopicPending, "new_pending_session", sessionPayload(s))
	r.logger.Info().
		Str("session_id", s.ID).
		Int64("user_id", userID).
		Str("category", category).
		Msg("session opened")
	return s, nil
}

// Accept claims a pending session for an agent. When two agents race, the
// store's compare-and-set picks a single winner; the loser gets
// chat.ErrAlreadyAccepted. The pending pool, the winner's session list and
// the owning user are all notified.
func (r *Router) Accept(ctx context.Context, sessionID string, agentID int64) (*models.Session, error) {
	won, err := r.store.AcceptSession(ctx, sessionID, agentID)
	if err != nil {
		return nil, err
	}
	if !won {
		s, err := r.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, chat.ErrNotFound
		}
		metrics.AcceptConflicts.Inc()
		return nil, chat.ErrAlreadyAccepted
	}
	metrics.SessionsAccepted.Inc()

	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, chat.ErrNotFound
	}

	payload := sessionPayload(s)
	r.hub.Publish(hub.TopicPending, "pending_session_accepted", payload)
	r.hub.Publish(hub.TopicMySessions(agentID), "session_list_updated", payload)
	r.pushToUser(s.UserID, "session_accepted_for_user", payload)

	r.logger.Info().
		Str("session_id", s.ID).
		Int64("agent_id", agentID).
		Int64("user_id", s.UserID).
		Msg("session accepted")
	return s, nil
}

// Close ends a session. Only the owning user or the assigned agent may
// close it; closed is terminal. Both participants are told, and the
// agent's session list is refreshed.
func (r *Router) Close(ctx context.Context, sessionID string, actorID int64) (*models.Session, error) {
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, chat.ErrNotFound
	}
	if !s.IsParticipant(actorID) {
		return nil, chat.ErrNotAuthorized
	}
	if s.Status == models.SessionClosed {
		return nil, chat.ErrSessionClosed
	}

	closed, err := r.store.CloseSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !closed {
		// Pending sessions close too; retry the CAS against pending state
		// is not needed because CloseSession guards on != closed.
		return nil, chat.ErrSessionClosed
	}
	metrics.SessionsClosed.Inc()

	s, err = r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	payload := sessionPayload(s)
	for _, uid := range s.Participants() {
		r.pushToUser(uid, "session_status_updated", payload)
	}
	if s.AgentID != nil {
		r.hub.Publish(hub.TopicMySessions(*s.AgentID), "session_list_updated", payload)
	}

	r.logger.Info().
		Str("session_id", s.ID).
		Int64("actor_id", actorID).
		Msg("session closed")
	return s, nil
}

// Get returns a session or chat.ErrNotFound.
func (r *Router) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, chat.ErrNotFound
	}
	return s, nil
}

// Pending lists sessions awaiting an agent, oldest first.
func (r *Router) Pending(ctx context.Context) ([]models.Session, error) {
	return r.store.PendingSessions(ctx)
}

// MySessions lists an agent's active sessions.
func (r *Router) MySessions(ctx context.Context, agentID int64) ([]models.Session, error) {
	return r.store.AgentSessions(ctx, agentID)
}

// UserSessions lists a user's non-closed sessions.
func (r *Router) UserSessions(ctx context.Context, userID int64) ([]models.Session, error) {
	return r.store.UserActiveSessions(ctx, userID)
}

// pushToUser pushes to every live connection of a user, best-effort.
func (r *Router) pushToUser(userID int64, event string, payload any) {
	for _, c := range r.registry.ConnectionsFor(userID) {
		if err := c.Push(event, payload); err != nil {
			r.logger.Debug().
				Err(err).
				Int64("user_id", userID).
				Str("event", event).
				Msg("user push failed")
		}
	}
}

func sessionPayload(s *models.Session) map[string]any {
	p := map[string]any{
		"session_id":       s.ID,
		"user_id":          s.UserID,
		"status":           s.Status,
		"category":         s.Category,
		"created_at":       s.CreatedAt,
		"last_activity_at": s.LastActivityAt,
	}
	if s.AgentID != nil {
		p["agent_id"] = *s.AgentID
	}
	if s.AcceptedAt != nil {
		p["accepted_at"] = *s.AcceptedAt
	}
	if s.ClosedAt != nil {
		p["closed_at"] = *s.ClosedAt
	}
	return p
}
