// Package registry tracks live transport connections per user and device.
// It is the single owner of Connection state: connections are created on
// register and destroyed on disconnect or heartbeat timeout, never outliving
// their transport.
package registry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/metrics"
	"github.com/deskline/deskline/internal/models"
	"github.com/deskline/deskline/internal/store"
)

// Pusher is the transport handle attached to a connection. Push enqueues a
// server-initiated event; it must not block (drop on a full client).
type Pusher interface {
	Push(event string, payload any) error
}

// Conn pairs connection metadata with its transport handle.
type Conn struct {
	Info   models.Connection
	pusher Pusher
}

// Push forwards an event to the connection's transport.
func (c *Conn) Push(event string, payload any) error {
	return c.pusher.Push(event, payload)
}

// EvictFunc observes an eviction. lastOfUser is true when the evicted
// connection was the user's only remaining one.
type EvictFunc func(c *Conn, lastOfUser bool)

// Registry is the in-memory connection table with a durable mirror in the
// backing store. All exported methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[int64]map[string]*Conn

	store   store.Store
	logger  zerolog.Logger
	timeout time.Duration

	evictMu  sync.RWMutex
	onEvict  []EvictFunc
	entropy  *ulid.MonotonicEntropy
	entMu    sync.Mutex
	nowFn    func() time.Time
	storeTTL time.Duration
}

// New creates a registry. timeout is the heartbeat silence after which a
// sweep evicts a connection.
func New(st store.Store, logger zerolog.Logger, timeout time.Duration) *Registry {
	return &Registry{
		conns:    make(map[string]*Conn),
		byUser:   make(map[int64]map[string]*Conn),
		store:    st,
		logger:   logger.With().Str("component", "registry").Logger(),
		timeout:  timeout,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		nowFn:    time.Now,
		storeTTL: 3 * time.Second,
	}
}

// SetNow overrides the clock. Test hook.
func (r *Registry) SetNow(fn func() time.Time) {
	r.nowFn = fn
}

// OnEvict registers a callback invoked after every eviction, outside the
// registry lock.
func (r *Registry) OnEvict(fn EvictFunc) {
	r.evictMu.Lock()
	defer r.evictMu.Unlock()
	r.onEvict = append(r.onEvict, fn)
}

func (r *Registry) newConnID() string {
	r.entMu.Lock()
	defer r.entMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(r.nowFn()), r.entropy).String()
}

// Register creates a connection for an authenticated user and returns it
// along with whether it is the user's first live connection.
func (r *Registry) Register(ctx context.Context, userID int64, deviceID string, p Pusher) (*Conn, bool, error) {
	now := r.nowFn()
	conn := &Conn{
		Info: models.Connection{
			ID:            r.newConnID(),
			UserID:        userID,
			DeviceID:      deviceID,
			Status:        models.ConnConnected,
			ConnectedAt:   now,
			LastHeartbeat: now,
		},
		pusher: p,
	}

	r.mu.Lock()
	r.conns[conn.Info.ID] = conn
	userConns := r.byUser[userID]
	first := len(userConns) == 0
	if userConns == nil {
		userConns = make(map[string]*Conn)
		r.byUser[userID] = userConns
	}
	userConns[conn.Info.ID] = conn
	total, users := len(r.conns), len(r.byUser)
	r.mu.Unlock()

	metrics.ConnectionsRegistered.Inc()
	metrics.LiveConnections.Set(float64(total))
	metrics.OnlineUsers.Set(float64(users))

	// Durable mirror; the in-memory table stays authoritative if the
	// write fails.
	sctx, cancel := context.WithTimeout(ctx, r.storeTTL)
	defer cancel()
	if err := r.store.SaveConnection(sctx, &conn.Info); err != nil {
		r.logger.Warn().Err(err).Str("connection_id", conn.Info.ID).Msg("failed to persist connection")
	}

	r.logger.Debug().
		Str("connection_id", conn.Info.ID).
		Int64("user_id", userID).
		Str("device_id", deviceID).
		Msg("connection registered")

	return conn, first, nil
}

// Heartbeat refreshes a connection's liveness timestamp.
func (r *Registry) Heartbeat(ctx context.Context, connectionID string) error {
	now := r.nowFn()

	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if ok {
		conn.Info.LastHeartbeat = now
	}
	r.mu.Unlock()

	if !ok {
		return chat.ErrUnknownConnection
	}

	sctx, cancel := context.WithTimeout(ctx, r.storeTTL)
	defer cancel()
	if err := r.store.TouchConnection(sctx, connectionID, now); err != nil {
		r.logger.Debug().Err(err).Str("connection_id", connectionID).Msg("heartbeat persist failed")
	}
	return nil
}

// Get returns a connection by id, or nil.
func (r *Registry) Get(connectionID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connectionID]
}

// ConnectionsFor returns every live connection of a user. The dispatcher
// fans out over this list.
func (r *Registry) ConnectionsFor(userID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userConns := r.byUser[userID]
	out := make([]*Conn, 0, len(userConns))
	for _, c := range userConns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Evict removes a connection. Idempotent: evicting an unknown id is a
// no-op.
func (r *Registry) Evict(ctx context.Context, connectionID, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	var lastOfUser bool
	if ok {
		delete(r.conns, connectionID)
		userConns := r.byUser[conn.Info.UserID]
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(r.byUser, conn.Info.UserID)
			lastOfUser = true
		}
	}
	total, users := len(r.conns), len(r.byUser)
	r.mu.Unlock()

	if !ok {
		return
	}

	metrics.ConnectionsEvicted.WithLabelValues(reason).Inc()
	metrics.LiveConnections.Set(float64(total))
	metrics.OnlineUsers.Set(float64(users))

	sctx, cancel := context.WithTimeout(ctx, r.storeTTL)
	defer cancel()
	if err := r.store.CloseConnection(sctx, connectionID, r.nowFn()); err != nil {
		r.logger.Debug().Err(err).Str("connection_id", connectionID).Msg("failed to close connection row")
	}

	r.logger.Debug().
		Str("connection_id", connectionID).
		Int64("user_id", conn.Info.UserID).
		Str("reason", reason).
		Bool("last_of_user", lastOfUser).
		Msg("connection evicted")

	r.evictMu.RLock()
	callbacks := r.onEvict
	r.evictMu.RUnlock()
	for _, fn := range callbacks {
		fn(conn, lastOfUser)
	}
}

// SweepOnce evicts every connection silent longer than the configured
// timeout and expires their durable rows. Returns the eviction count.
func (r *Registry) SweepOnce(ctx context.Context) int {
	now := r.nowFn()
	cutoff := now.Add(-r.timeout)

	r.mu.RLock()
	var stale []string
	for id, conn := range r.conns {
		if conn.Info.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Evict(ctx, id, "timeout")
	}

	if len(stale) > 0 {
		sctx, cancel := context.WithTimeout(ctx, r.storeTTL)
		defer cancel()
		if n, err := r.store.CleanupStaleConnections(sctx, cutoff); err != nil {
			r.logger.Debug().Err(err).Msg("stale connection cleanup failed")
		} else if n > 0 {
			r.logger.Info().Int64("rows", n).Msg("cleaned up stale connection rows")
		}
	}

	return len(stale)
}

// Stats reports live connection counts for health reporting.
func (r *Registry) Stats() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.byUser)
}
