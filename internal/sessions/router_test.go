package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/hub"
	"github.com/deskline/deskline/internal/models"
	"github.com/deskline/deskline/internal/registry"
	"github.com/deskline/deskline/internal/store"
)

type capturePusher struct {
	mu     sync.Mutex
	events []string
}

func (p *capturePusher) Push(event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePusher) seen(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *hub.Hub, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st, zerolog.Nop(), time.Minute)
	h := hub.New(reg, zerolog.Nop())
	return NewRouter(st, reg, h, zerolog.Nop()), reg, h, st
}

func TestOpenNotifiesPendingPool(t *testing.T) {
	r, reg, h, _ := newTestRouter(t)
	ctx := context.Background()

	agent := &capturePusher{}
	ac, _, err := reg.Register(ctx, 100, "agent-dev", agent)
	require.NoError(t, err)
	h.Subscribe(ac, hub.TopicPending)

	s, err := r.Open(ctx, 1, "billing")
	require.NoError(t, err)
	require.Equal(t, models.SessionPending, s.Status)
	require.NotEmpty(t, s.ID)
	require.True(t, agent.seen("new_pending_session"))
}

func TestAcceptSingleWinner(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	ctx := context.Background()

	s, err := r.Open(ctx, 1, "general")
	require.NoError(t, err)

	const agents = 8
	var wg sync.WaitGroup
	errs := make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Accept(ctx, s.ID, int64(100+i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, chat.ErrAlreadyAccepted)
		}
	}
	require.Equal(t, 1, wins)
}

func TestAcceptNotifiesUserAndAgent(t *testing.T) {
	r, reg, h, _ := newTestRouter(t)
	ctx := context.Background()

	user := &capturePusher{}
	_, _, err := reg.Register(ctx, 1, "user-dev", user)
	require.NoError(t, err)

	watcher := &capturePusher{}
	wc, _, err := reg.Register(ctx, 101, "watcher-dev", watcher)
	require.NoError(t, err)
	h.Subscribe(wc, hub.TopicPending)

	s, err := r.Open(ctx, 1, "general")
	require.NoError(t, err)

	got, err := r.Accept(ctx, s.ID, 100)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, got.Status)
	require.NotNil(t, got.AgentID)
	require.Equal(t, int64(100), *got.AgentID)

	require.True(t, user.seen("session_accepted_for_user"))
	require.True(t, watcher.seen("pending_session_accepted"))
}

func TestAcceptMissingSession(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	_, err := r.Accept(context.Background(), "01JNOPE", 100)
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func TestCloseAuthorization(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	ctx := context.Background()

	s, err := r.Open(ctx, 1, "general")
	require.NoError(t, err)
	_, err = r.Accept(ctx, s.ID, 100)
	require.NoError(t, err)

	_, err = r.Close(ctx, s.ID, 999)
	require.ErrorIs(t, err, chat.ErrNotAuthorized)

	closed, err := r.Close(ctx, s.ID, 100)
	require.NoError(t, err)
	require.Equal(t, models.SessionClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	// Closed is terminal.
	_, err = r.Close(ctx, s.ID, 1)
	require.ErrorIs(t, err, chat.ErrSessionClosed)
}

func TestListsReflectLifecycle(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	ctx := context.Background()

	s, err := r.Open(ctx, 1, "general")
	require.NoError(t, err)

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = r.Accept(ctx, s.ID, 100)
	require.NoError(t, err)

	pending, err = r.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	mine, err := r.MySessions(ctx, 100)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	users, err := r.UserSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, users, 1)

	_, err = r.Close(ctx, s.ID, 1)
	require.NoError(t, err)

	mine, err = r.MySessions(ctx, 100)
	require.NoError(t, err)
	require.Empty(t, mine)
}
