package deskline

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskline/deskline/internal/auth"
	"github.com/deskline/deskline/internal/dispatch"
	"github.com/deskline/deskline/internal/hub"
	"github.com/deskline/deskline/internal/models"
	"github.com/deskline/deskline/internal/presence"
	"github.com/deskline/deskline/internal/registry"
	"github.com/deskline/deskline/internal/sessions"
	"github.com/deskline/deskline/internal/store"
	"github.com/deskline/deskline/internal/ws"
)

const testSecret = "client-test-secret"

type inbox struct {
	mu   sync.Mutex
	msgs []*Incoming
}

func (b *inbox) add(m *Incoming) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
}

func (b *inbox) bodies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.Message.Body
	}
	return out
}

func startServer(t *testing.T) (wsURL string, userToken, agentToken string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	user, err := st.CreateUser(ctx, "alice", "alice@example.com", models.RoleEndUser)
	require.NoError(t, err)
	agent, err := st.CreateUser(ctx, "bob", "bob@example.com", models.RoleSupport)
	require.NoError(t, err)

	logger := zerolog.Nop()
	reg := registry.New(st, logger, time.Minute)
	topics := hub.New(reg, logger)
	router := sessions.NewRouter(st, reg, topics, logger)
	dispatcher := dispatch.New(st, nil, reg, dispatch.Options{
		MaxBodyChars: 5000,
		RecallWindow: 2 * time.Minute,
		EditWindow:   10 * time.Minute,
		ReplayLimit:  200,
	}, logger)
	monitor := presence.NewMonitor(st, nil, reg, topics, 30*time.Second, logger)

	srv := ws.NewServer(auth.NewJWTVerifier(testSecret), reg, topics, router, dispatcher, monitor, 100, logger)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	userToken, err = auth.IssueToken(testSecret, user.ID, user.Role, time.Hour)
	require.NoError(t, err)
	agentToken, err = auth.IssueToken(testSecret, agent.ID, agent.Role, time.Hour)
	require.NoError(t, err)

	return "ws" + strings.TrimPrefix(ts.URL, "http"), userToken, agentToken
}

func TestClientSessionRoundTrip(t *testing.T) {
	wsURL, userToken, agentToken := startServer(t)
	ctx := context.Background()

	userInbox := &inbox{}
	userClient := NewClient(wsURL, userToken, "phone",
		WithMessageHandler(func(m *Incoming) {
			if !m.IsFromSelf {
				userInbox.add(m)
			}
		}))
	require.NoError(t, userClient.Connect(ctx))
	defer userClient.Close()
	require.NotEmpty(t, userClient.ConnectionID())

	agentInbox := &inbox{}
	agentClient := NewClient(wsURL, agentToken, "desk",
		WithMessageHandler(func(m *Incoming) {
			if !m.IsFromSelf {
				agentInbox.add(m)
			}
		}))
	require.NoError(t, agentClient.Connect(ctx))
	defer agentClient.Close()

	require.NoError(t, agentClient.SubscribePendingSessions(ctx))

	sessionID, err := userClient.OpenSession(ctx, "billing")
	require.NoError(t, err)
	require.NoError(t, agentClient.AcceptSession(ctx, sessionID))

	_, err = userClient.SendMessage(ctx, sessionID, "my invoice is wrong", nil)
	require.NoError(t, err)
	id, err := agentClient.SendMessage(ctx, sessionID, "let me check", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(agentInbox.bodies()) == 1 && len(userInbox.bodies()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"my invoice is wrong"}, agentInbox.bodies())
	assert.Equal(t, []string{"let me check"}, userInbox.bodies())

	// Recall inside the window succeeds; the user may not recall the
	// agent's message.
	require.NoError(t, agentClient.RecallMessage(ctx, id))
	err = userClient.RecallMessage(ctx, id)
	var reqErr *Error
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "not_authorized", reqErr.Kind)

	require.NoError(t, userClient.CloseSession(ctx, sessionID))
}

func TestClientHeartbeatKeepsConnectionAlive(t *testing.T) {
	wsURL, userToken, _ := startServer(t)
	ctx := context.Background()

	client := NewClient(wsURL, userToken, "phone", WithHeartbeat(50*time.Millisecond))
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	// A few heartbeat cycles pass without the connection dropping.
	time.Sleep(300 * time.Millisecond)
	_, err := client.Call(ctx, "heartbeat", nil)
	require.NoError(t, err)
}

func TestClientErrorMapping(t *testing.T) {
	wsURL, userToken, _ := startServer(t)
	ctx := context.Background()

	client := NewClient(wsURL, userToken, "phone")
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	err := client.AcceptSession(ctx, "nope")
	var reqErr *Error
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "not_authorized", reqErr.Kind)
}
