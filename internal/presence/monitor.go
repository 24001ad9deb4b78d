// Package presence tracks agent availability. An agent's status is a
// self-reported intent (online, away, busy) independent of connection
// liveness; losing a heartbeat only forces offline, and only when the
// agent's last connection goes.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/hub"
	"github.com/deskline/deskline/internal/models"
	"github.com/deskline/deskline/internal/registry"
	"github.com/deskline/deskline/internal/store"
)

// Monitor owns agent presence and drives the heartbeat sweep.
type Monitor struct {
	store    store.Store
	redis    *store.RedisStore
	registry *registry.Registry
	hub      *hub.Hub
	interval time.Duration
	logger   zerolog.Logger

	nowFn func() time.Time
}

// NewMonitor wires the monitor into the registry: when an agent's last
// connection is evicted, presence is forced offline.
func NewMonitor(st store.Store, rs *store.RedisStore, reg *registry.Registry, h *hub.Hub, sweepInterval time.Duration, logger zerolog.Logger) *Monitor {
	m := &Monitor{
		store:    st,
		redis:    rs,
		registry: reg,
		hub:      h,
		interval: sweepInterval,
		logger:   logger.With().Str("component", "presence").Logger(),
		nowFn:    time.Now,
	}
	reg.OnEvict(m.onEvict)
	return m
}

// SetNow overrides the clock, for tests.
func (m *Monitor) SetNow(fn func() time.Time) {
	m.nowFn = fn
}

// Run drives the heartbeat sweep until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Msg("heartbeat sweep started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("heartbeat sweep stopped")
			return
		case <-ticker.C:
			if n := m.registry.SweepOnce(ctx); n > 0 {
				m.logger.Info().Int("evicted", n).Msg("swept silent connections")
			}
		}
	}
}

// SetStatus records an agent's self-reported availability and broadcasts
// the change to presence subscribers.
func (m *Monitor) SetStatus(ctx context.Context, userID int64, status models.AgentStatus) (*models.PresenceState, error) {
	if !models.ValidAgentStatus(status) {
		return nil, chat.ErrInvalidStatus
	}

	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, chat.ErrNotFound
	}
	if !models.IsAgentRole(u.Role) {
		return nil, chat.ErrNotAuthorized
	}

	state := &models.PresenceState{
		UserID:    userID,
		Status:    status,
		UpdatedAt: m.nowFn().UTC(),
	}
	if err := m.store.UpsertPresence(ctx, userID, status, state.UpdatedAt); err != nil {
		return nil, err
	}
	m.cache(ctx, state)

	m.hub.Publish(hub.TopicPresence, "agent_status_changed", state)
	m.logger.Info().
		Int64("user_id", userID).
		Str("status", string(status)).
		Msg("agent status changed")
	return state, nil
}

// Status returns an agent's presence, preferring the cache. Agents with no
// recorded state report offline.
func (m *Monitor) Status(ctx context.Context, userID int64) (*models.PresenceState, error) {
	if m.redis != nil {
		if state, err := m.redis.GetCachedPresence(ctx, userID); err == nil && state != nil {
			return state, nil
		}
	}
	state, err := m.store.GetPresence(ctx, userID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &models.PresenceState{UserID: userID, Status: models.AgentOffline}, nil
	}
	return state, nil
}

// OnlineAgents lists agents whose presence is not offline.
func (m *Monitor) OnlineAgents(ctx context.Context) ([]int64, error) {
	return m.store.OnlineAgents(ctx)
}

// NoteRegistered records a user coming online in the shared online set.
// Called by the transport after a successful register.
func (m *Monitor) NoteRegistered(ctx context.Context, userID int64, firstOfUser bool) {
	if !firstOfUser || m.redis == nil {
		return
	}
	if err := m.redis.MarkOnline(ctx, userID); err != nil {
		m.logger.Debug().Err(err).Int64("user_id", userID).Msg("mark online failed")
	}
}

// onEvict forces an agent offline when its last connection goes. Explicit
// statuses set while other connections remain are untouched.
func (m *Monitor) onEvict(c *registry.Conn, lastOfUser bool) {
	if !lastOfUser {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if m.redis != nil {
		if err := m.redis.MarkOffline(ctx, c.Info.UserID); err != nil {
			m.logger.Debug().Err(err).Int64("user_id", c.Info.UserID).Msg("mark offline failed")
		}
	}

	u, err := m.store.GetUser(ctx, c.Info.UserID)
	if err != nil || u == nil || !models.IsAgentRole(u.Role) {
		return
	}

	state := &models.PresenceState{
		UserID:    u.ID,
		Status:    models.AgentOffline,
		UpdatedAt: m.nowFn().UTC(),
	}
	if err := m.store.UpsertPresence(ctx, u.ID, state.Status, state.UpdatedAt); err != nil {
		m.logger.Warn().Err(err).Int64("user_id", u.ID).Msg("force offline failed")
		return
	}
	m.cache(ctx, state)
	m.hub.Publish(hub.TopicPresence, "agent_status_changed", state)

	m.logger.Info().Int64("user_id", u.ID).Msg("agent forced offline")
}

func (m *Monitor) cache(ctx context.Context, state *models.PresenceState) {
	if m.redis == nil {
		return
	}
	if err := m.redis.CachePresence(ctx, state); err != nil {
		m.logger.Debug().Err(err).Int64("user_id", state.UserID).Msg("presence cache write failed")
	}
}
