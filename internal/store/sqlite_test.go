package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskline/deskline/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.CreateSession(ctx, "S1", 10, "billing")
	require.NoError(t, err)
	assert.Equal(t, models.SessionPending, sess.Status)
	assert.Nil(t, sess.AgentID)

	ok, err := s.AcceptSession(ctx, "S1", 99)
	require.NoError(t, err)
	assert.True(t, ok)

	sess, err = s.GetSession(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)
	require.NotNil(t, sess.AgentID)
	assert.Equal(t, int64(99), *sess.AgentID)

	// Second accept must lose.
	ok, err = s.AcceptSession(ctx, "S1", 100)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CloseSession(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Closed is terminal.
	ok, err = s.CloseSession(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.AcceptSession(ctx, "S1", 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcceptSessionConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateSession(ctx, "S1", 10, "")
	require.NoError(t, err)

	const agents = 16
	var wg sync.WaitGroup
	wins := make(chan int64, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(agentID int64) {
			defer wg.Done()
			ok, err := s.AcceptSession(ctx, "S1", agentID)
			if err == nil && ok {
				wins <- agentID
			}
		}(int64(100 + i))
	}
	wg.Wait()
	close(wins)

	var winners []int64
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one accept must win")

	sess, err := s.GetSession(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, sess.AgentID)
	assert.Equal(t, winners[0], *sess.AgentID)
}

func TestMessageIDsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateSession(ctx, "S1", 10, "")
	require.NoError(t, err)

	var last int64
	for i := 0; i < 20; i++ {
		m, err := s.InsertMessage(ctx, &models.Message{
			SessionID:  "S1",
			FromUserID: 10,
			Role:       models.RoleUser,
			Body:       "hello",
			Type:       models.MessageText,
		})
		require.NoError(t, err)
		assert.Greater(t, m.ID, last)
		last = m.ID
	}

	msgs, err := s.SessionMessages(ctx, "S1", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
	}
}

func TestRecallClearsBodyKeepsRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.InsertMessage(ctx, &models.Message{
		SessionID: "S1", FromUserID: 10, Role: models.RoleUser, Body: "secret", Type: models.MessageText,
	})
	require.NoError(t, err)

	require.NoError(t, s.RecallMessage(ctx, m.ID))

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "recalled row must persist")
	assert.True(t, got.IsRecalled)
	assert.Empty(t, got.Body)
	assert.Equal(t, m.ID, got.ID)
}

func TestEditMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.InsertMessage(ctx, &models.Message{
		SessionID: "S1", FromUserID: 10, Role: models.RoleUser, Body: "helo", Type: models.MessageText,
	})
	require.NoError(t, err)

	at := time.Now().UTC()
	require.NoError(t, s.EditMessage(ctx, m.ID, "hello", at))

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)
	assert.True(t, got.IsEdited)
	require.NotNil(t, got.EditedAt)
}

func TestMarkDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateSession(ctx, "S1", 10, "")
	require.NoError(t, err)
	ok, err := s.AcceptSession(ctx, "S1", 99)
	require.NoError(t, err)
	require.True(t, ok)

	m, err := s.InsertMessage(ctx, &models.Message{
		SessionID: "S1", FromUserID: 10, Role: models.RoleUser, Body: "hi", Type: models.MessageText,
	})
	require.NoError(t, err)
	require.NoError(t, s.CreateDeliveryRecords(ctx, m.ID, []int64{99}))

	undelivered, err := s.UndeliveredMessages(ctx, 99, 10)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, m.ID, undelivered[0].ID)

	first, err := s.MarkDelivered(ctx, m.ID, 99, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, first)

	// Second delivery attempt is a no-op: replay dedup.
	second, err := s.MarkDelivered(ctx, m.ID, 99, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, second)

	undelivered, err = s.UndeliveredMessages(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, undelivered)
}

func TestMarkReadSetsDelivered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateSession(ctx, "S1", 10, "")
	require.NoError(t, err)

	m, err := s.InsertMessage(ctx, &models.Message{
		SessionID: "S1", FromUserID: 10, Role: models.RoleUser, Body: "hi", Type: models.MessageText,
	})
	require.NoError(t, err)
	require.NoError(t, s.CreateDeliveryRecords(ctx, m.ID, []int64{99}))

	ok, err := s.MarkRead(ctx, m.ID, 99, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	// Read implies delivered; nothing left to replay.
	undelivered, err := s.UndeliveredMessages(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, undelivered)
}

func TestCleanupStaleConnections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	fresh := &models.Connection{ID: "c-fresh", UserID: 1, Status: models.ConnConnected, ConnectedAt: now, LastHeartbeat: now}
	stale := &models.Connection{ID: "c-stale", UserID: 2, Status: models.ConnConnected, ConnectedAt: now.Add(-time.Hour), LastHeartbeat: now.Add(-time.Hour)}
	require.NoError(t, s.SaveConnection(ctx, fresh))
	require.NoError(t, s.SaveConnection(ctx, stale))

	n, err := s.CleanupStaleConnections(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPresenceUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.UpsertPresence(ctx, 99, models.AgentOnline, now))
	require.NoError(t, s.UpsertPresence(ctx, 99, models.AgentBusy, now.Add(time.Second)))

	p, err := s.GetPresence(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, models.AgentBusy, p.Status)

	agents, err := s.OnlineAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{99}, agents)

	require.NoError(t, s.UpsertPresence(ctx, 99, models.AgentOffline, now.Add(2*time.Second)))
	agents, err = s.OnlineAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}
