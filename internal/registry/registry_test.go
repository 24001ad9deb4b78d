package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/store"
)

type nopPusher struct{}

func (nopPusher) Push(event string, payload any) error { return nil }

func newTestRegistry(t *testing.T, timeout time.Duration) *Registry {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return New(st, zerolog.Nop(), timeout)
}

func TestRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	conn, first, err := r.Register(ctx, 10, "dev-1", nopPusher{})
	require.NoError(t, err)
	assert.True(t, first)
	assert.NotEmpty(t, conn.Info.ID)

	// Second device is not "first" anymore.
	conn2, first, err := r.Register(ctx, 10, "dev-2", nopPusher{})
	require.NoError(t, err)
	assert.False(t, first)
	assert.NotEqual(t, conn.Info.ID, conn2.Info.ID)

	conns := r.ConnectionsFor(10)
	assert.Len(t, conns, 2)
	assert.True(t, r.IsOnline(10))
	assert.False(t, r.IsOnline(11))
}

func TestHeartbeatUnknownConnection(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	err := r.Heartbeat(ctx, "no-such-conn")
	assert.True(t, errors.Is(err, chat.ErrUnknownConnection))

	conn, _, err := r.Register(ctx, 10, "dev", nopPusher{})
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat(ctx, conn.Info.ID))

	r.Evict(ctx, conn.Info.ID, "disconnect")
	err = r.Heartbeat(ctx, conn.Info.ID)
	assert.True(t, errors.Is(err, chat.ErrUnknownConnection))
}

func TestEvictIdempotentAndLastOfUser(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	type evicted struct {
		id   string
		last bool
	}
	var events []evicted
	r.OnEvict(func(c *Conn, lastOfUser bool) {
		events = append(events, evicted{c.Info.ID, lastOfUser})
	})

	c1, _, err := r.Register(ctx, 10, "dev-1", nopPusher{})
	require.NoError(t, err)
	c2, _, err := r.Register(ctx, 10, "dev-2", nopPusher{})
	require.NoError(t, err)

	r.Evict(ctx, c1.Info.ID, "disconnect")
	r.Evict(ctx, c1.Info.ID, "disconnect") // idempotent
	r.Evict(ctx, c2.Info.ID, "disconnect")

	require.Len(t, events, 2)
	assert.False(t, events[0].last)
	assert.True(t, events[1].last)
	assert.False(t, r.IsOnline(10))
}

func TestSweepEvictsSilentConnections(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	now := time.Now()
	r.SetNow(func() time.Time { return now })

	silent, _, err := r.Register(ctx, 10, "silent", nopPusher{})
	require.NoError(t, err)
	chatty, _, err := r.Register(ctx, 11, "chatty", nopPusher{})
	require.NoError(t, err)

	// chatty heartbeats at T/2, silent never does.
	now = now.Add(30 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, chatty.Info.ID))

	now = now.Add(45 * time.Second) // silent is 75s quiet, chatty 45s
	n := r.SweepOnce(ctx)
	assert.Equal(t, 1, n)

	assert.Nil(t, r.Get(silent.Info.ID))
	assert.NotNil(t, r.Get(chatty.Info.ID))
}

func TestSweepNeverEvictsHalfTimeoutHeartbeater(t *testing.T) {
	ctx := context.Background()
	timeout := time.Minute
	r := newTestRegistry(t, timeout)

	now := time.Now()
	r.SetNow(func() time.Time { return now })

	conn, _, err := r.Register(ctx, 10, "dev", nopPusher{})
	require.NoError(t, err)

	// Heartbeat every T/2 for several sweeps.
	for i := 0; i < 6; i++ {
		now = now.Add(timeout / 2)
		require.NoError(t, r.Heartbeat(ctx, conn.Info.ID))
		assert.Equal(t, 0, r.SweepOnce(ctx))
	}
	assert.NotNil(t, r.Get(conn.Info.ID))
}
