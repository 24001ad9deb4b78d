package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/deskline/deskline/internal/registry"
	"github.com/deskline/deskline/internal/store"
)

type recordingPusher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPusher) Push(event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return registry.New(st, zerolog.Nop(), time.Minute)
}

func TestPublishReachesSubscribers(t *testing.T) {
	reg := newTestRegistry(t)
	h := New(reg, zerolog.Nop())
	ctx := context.Background()

	p1 := &recordingPusher{}
	p2 := &recordingPusher{}
	c1, _, err := reg.Register(ctx, 1, "dev-a", p1)
	require.NoError(t, err)
	c2, _, err := reg.Register(ctx, 2, "dev-b", p2)
	require.NoError(t, err)

	h.Subscribe(c1, TopicPending)
	h.Subscribe(c2, TopicPending)
	h.Subscribe(c1, TopicPresence)

	sent := h.Publish(TopicPending, "new_pending_session", map[string]any{"session_id": "s1"})
	require.Equal(t, 2, sent)
	require.Equal(t, 1, p1.count())
	require.Equal(t, 1, p2.count())

	sent = h.Publish(TopicPresence, "agent_status_changed", nil)
	require.Equal(t, 1, sent)
	require.Equal(t, 2, p1.count())
	require.Equal(t, 1, p2.count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	reg := newTestRegistry(t)
	h := New(reg, zerolog.Nop())

	p := &recordingPusher{}
	c, _, err := reg.Register(context.Background(), 7, "dev", p)
	require.NoError(t, err)

	h.Subscribe(c, TopicMySessions(7))
	require.Equal(t, 1, h.Subscribers(TopicMySessions(7)))

	h.Unsubscribe(c.Info.ID, TopicMySessions(7))
	require.Equal(t, 0, h.Subscribers(TopicMySessions(7)))
	require.Equal(t, 0, h.Publish(TopicMySessions(7), "session_list_updated", nil))
}

func TestEvictionUnsubscribes(t *testing.T) {
	reg := newTestRegistry(t)
	h := New(reg, zerolog.Nop())
	ctx := context.Background()

	p := &recordingPusher{}
	c, _, err := reg.Register(ctx, 9, "dev", p)
	require.NoError(t, err)

	h.Subscribe(c, TopicPending)
	h.Subscribe(c, TopicMySessions(9))

	reg.Evict(ctx, c.Info.ID, "test")

	require.Equal(t, 0, h.Subscribers(TopicPending))
	require.Equal(t, 0, h.Subscribers(TopicMySessions(9)))
}

func TestResubscribeIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	h := New(reg, zerolog.Nop())

	p := &recordingPusher{}
	c, _, err := reg.Register(context.Background(), 3, "dev", p)
	require.NoError(t, err)

	h.Subscribe(c, TopicPending)
	h.Subscribe(c, TopicPending)
	require.Equal(t, 1, h.Subscribers(TopicPending))
	require.Equal(t, 1, h.Publish(TopicPending, "session_list_updated", nil))
}
