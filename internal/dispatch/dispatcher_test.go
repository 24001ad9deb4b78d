package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/models"
	"github.com/deskline/deskline/internal/registry"
	"github.com/deskline/deskline/internal/store"
)

type frame struct {
	event   string
	payload any
}

type capturePusher struct {
	mu     sync.Mutex
	frames []frame
}

func (p *capturePusher) Push(event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame{event: event, payload: payload})
	return nil
}

func (p *capturePusher) byEvent(event string) []frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []frame
	for _, f := range p.frames {
		if f.event == event {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	store *store.SQLiteStore
	reg   *registry.Registry
	disp  *Dispatcher
	user  *models.User
	agent *models.User
	sess  *models.Session
}

func defaultOptions() Options {
	return Options{
		MaxBodyChars: 5000,
		RecallWindow: 2 * time.Minute,
		EditWindow:   10 * time.Minute,
		ReplayLimit:  200,
	}
}

// newFixture builds a store with one active session between a user and an
// agent, with no connections registered yet.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	user, err := st.CreateUser(ctx, "alice", "alice@example.com", models.RoleEndUser)
	require.NoError(t, err)
	agent, err := st.CreateUser(ctx, "bob", "bob@example.com", models.RoleSupport)
	require.NoError(t, err)

	sess, err := st.CreateSession(ctx, "S1", user.ID, "general")
	require.NoError(t, err)
	won, err := st.AcceptSession(ctx, sess.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, won)
	sess, err = st.GetSession(ctx, sess.ID)
	require.NoError(t, err)

	reg := registry.New(st, zerolog.Nop(), time.Minute)
	return &fixture{
		store: st,
		reg:   reg,
		disp:  New(st, nil, reg, defaultOptions(), zerolog.Nop()),
		user:  user,
		agent: agent,
		sess:  sess,
	}
}

func (f *fixture) connect(t *testing.T, userID int64, device string) *capturePusher {
	t.Helper()
	p := &capturePusher{}
	_, _, err := f.reg.Register(context.Background(), userID, device, p)
	require.NoError(t, err)
	return p
}

func TestSendDeliversToBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	userConn := f.connect(t, f.user.ID, "phone")
	agentConn := f.connect(t, f.agent.ID, "desk")

	m, err := f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "hello",
	})
	require.NoError(t, err)
	require.Positive(t, m.ID)

	agentFrames := agentConn.byEvent("new_message")
	require.Len(t, agentFrames, 1)
	payload := agentFrames[0].payload.(map[string]any)
	assert.Equal(t, false, payload["is_from_self"])

	userFrames := userConn.byEvent("new_message")
	require.Len(t, userFrames, 1)
	assert.Equal(t, true, userFrames[0].payload.(map[string]any)["is_from_self"])

	// Live push marks the recipient delivered; nothing left to replay.
	msgs, err := f.store.UndeliveredMessages(ctx, f.agent.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendRejectsOversizedBodyBeforePersisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	big := make([]rune, 5001)
	for i := range big {
		big[i] = 'x'
	}
	_, err := f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      string(big),
	})
	require.ErrorIs(t, err, chat.ErrMessageTooLong)

	msgs, err := f.store.SessionMessages(ctx, f.sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendInvalidReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.store.CreateSession(ctx, "S2", f.user.ID, "general")
	require.NoError(t, err)
	m, err := f.disp.Send(ctx, SendInput{
		SessionID: other.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "elsewhere",
	})
	require.NoError(t, err)

	_, err = f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "quoting across sessions",
		ReplyToID: &m.ID,
	})
	require.ErrorIs(t, err, chat.ErrInvalidReply)

	missing := int64(999999)
	_, err = f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "quoting nothing",
		ReplyToID: &missing,
	})
	require.ErrorIs(t, err, chat.ErrInvalidReply)
}

func TestSendClosedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CloseSession(ctx, f.sess.ID)
	require.NoError(t, err)

	_, err = f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "too late",
	})
	require.ErrorIs(t, err, chat.ErrSessionClosed)
}

func TestSendNonParticipant(t *testing.T) {
	f := newFixture(t)
	_, err := f.disp.Send(context.Background(), SendInput{
		SessionID: f.sess.ID,
		From:      424242,
		Role:      models.RoleUser,
		Body:      "intruder",
	})
	require.ErrorIs(t, err, chat.ErrNotAuthorized)
}

func TestPendingSessionOnlyOwnerMaySend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.store.CreateSession(ctx, "S3", f.user.ID, "general")
	require.NoError(t, err)

	_, err = f.disp.Send(ctx, SendInput{
		SessionID: pending.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "anyone there?",
	})
	require.NoError(t, err)

	_, err = f.disp.Send(ctx, SendInput{
		SessionID: pending.ID,
		From:      f.agent.ID,
		Role:      models.RoleAgent,
		Body:      "not mine yet",
	})
	require.ErrorIs(t, err, chat.ErrNotAuthorized)
}

func TestReplySummaryTracksRecall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hello, err := f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "hello",
	})
	require.NoError(t, err)

	agentConn := f.connect(t, f.agent.ID, "desk")
	userConn := f.connect(t, f.user.ID, "phone")

	_, err = f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.agent.ID,
		Role:      models.RoleAgent,
		Body:      "re: hello",
		ReplyToID: &hello.ID,
	})
	require.NoError(t, err)

	frames := userConn.byEvent("new_message")
	require.Len(t, frames, 1)
	summary := frames[0].payload.(map[string]any)["reply_summary"].(*models.ReplySummary)
	assert.Equal(t, "hello", summary.Body)
	assert.Equal(t, "alice", summary.FromUsername)
	assert.False(t, summary.IsRecalled)

	// Recall the quoted message, then send another reply: same target id,
	// placeholder body.
	require.NoError(t, f.disp.Recall(ctx, hello.ID, f.user.ID))

	_, err = f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "still quoting",
		ReplyToID: &hello.ID,
	})
	require.NoError(t, err)

	frames = agentConn.byEvent("new_message")
	require.Len(t, frames, 2)
	summary = frames[1].payload.(map[string]any)["reply_summary"].(*models.ReplySummary)
	assert.Equal(t, hello.ID, summary.ID)
	assert.Equal(t, models.RecalledPlaceholder, summary.Body)
	assert.True(t, summary.IsRecalled)

	// The recalled row persists with an empty body.
	row, err := f.store.GetMessage(ctx, hello.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.IsRecalled)
	assert.Empty(t, row.Body)
}

func TestRecallRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "oops",
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.disp.Recall(ctx, m.ID, f.agent.ID), chat.ErrNotAuthorized)

	f.disp.SetNow(func() time.Time { return time.Now().Add(3 * time.Minute) })
	require.ErrorIs(t, f.disp.Recall(ctx, m.ID, f.user.ID), chat.ErrRecallWindowExpired)

	f.disp.SetNow(time.Now)
	require.NoError(t, f.disp.Recall(ctx, m.ID, f.user.ID))
	require.ErrorIs(t, f.disp.Recall(ctx, m.ID, f.user.ID), chat.ErrNotFound)
}

func TestEditRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agentConn := f.connect(t, f.agent.ID, "desk")

	m, err := f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "helo",
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.disp.Edit(ctx, m.ID, f.agent.ID, "hacked"), chat.ErrNotAuthorized)

	f.disp.SetNow(func() time.Time { return time.Now().Add(11 * time.Minute) })
	require.ErrorIs(t, f.disp.Edit(ctx, m.ID, f.user.ID, "hello"), chat.ErrEditWindowExpired)

	f.disp.SetNow(time.Now)
	require.NoError(t, f.disp.Edit(ctx, m.ID, f.user.ID, "hello"))

	frames := agentConn.byEvent("message_edited")
	require.Len(t, frames, 1)

	row, err := f.store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", row.Body)
	assert.True(t, row.IsEdited)
	require.NotNil(t, row.EditedAt)

	// Recalled messages cannot be edited.
	require.NoError(t, f.disp.Recall(ctx, m.ID, f.user.ID))
	require.ErrorIs(t, f.disp.Edit(ctx, m.ID, f.user.ID, "again"), chat.ErrNotFound)
}

func TestOfflineReplayExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Agent offline: delivery is deferred.
	m1, err := f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "first",
	})
	require.NoError(t, err)
	m2, err := f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "second",
	})
	require.NoError(t, err)
	require.Greater(t, m2.ID, m1.ID)

	agentConn := f.connect(t, f.agent.ID, "desk")

	sent, err := f.disp.Replay(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	frames := agentConn.byEvent("new_message")
	require.Len(t, frames, 2)
	first := frames[0].payload.(map[string]any)["message"].(*models.Message)
	second := frames[1].payload.(map[string]any)["message"].(*models.Message)
	assert.Equal(t, m1.ID, first.ID)
	assert.Equal(t, m2.ID, second.ID)

	// Second replay finds nothing.
	sent, err = f.disp.Replay(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, agentConn.byEvent("new_message"), 2)
}

func TestMarkReadNotifiesSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	userConn := f.connect(t, f.user.ID, "phone")
	f.connect(t, f.agent.ID, "desk")

	m, err := f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "read me",
	})
	require.NoError(t, err)

	require.NoError(t, f.disp.MarkRead(ctx, m.ID, f.agent.ID))

	receipts := userConn.byEvent("message_status")
	require.Len(t, receipts, 1)
	payload := receipts[0].payload.(map[string]any)
	assert.Equal(t, models.StatusRead, payload["status"])

	// Readers cannot mark their own messages.
	require.ErrorIs(t, f.disp.MarkRead(ctx, m.ID, f.user.ID), chat.ErrNotAuthorized)
}

// stallingStore delays the first insert after the row is written, widening
// the window between id assignment and fan-out.
type stallingStore struct {
	store.Store
	mu    sync.Mutex
	once  bool
	delay time.Duration
}

func (s *stallingStore) InsertMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	out, err := s.Store.InsertMessage(ctx, m)
	s.mu.Lock()
	first := !s.once
	s.once = true
	s.mu.Unlock()
	if first {
		time.Sleep(s.delay)
	}
	return out, err
}

func TestConcurrentSendsPushInIdOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slow := &stallingStore{Store: f.store, delay: 50 * time.Millisecond}
	disp := New(slow, nil, f.reg, defaultOptions(), zerolog.Nop())

	agentConn := f.connect(t, f.agent.ID, "desk")

	const senders = 4
	errs := make(chan error, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := disp.Send(ctx, SendInput{
				SessionID: f.sess.ID,
				From:      f.user.ID,
				Role:      models.RoleUser,
				Body:      "racing",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	frames := agentConn.byEvent("new_message")
	require.Len(t, frames, senders)
	var prev int64
	for _, fr := range frames {
		id := fr.payload.(map[string]any)["message"].(*models.Message).ID
		assert.Greater(t, id, prev)
		prev = id
	}
}

// gatedStore blocks every MarkDelivered until the gate opens.
type gatedStore struct {
	store.Store
	gate chan struct{}
}

func (s *gatedStore) MarkDelivered(ctx context.Context, messageID, userID int64, at time.Time) (bool, error) {
	<-s.gate
	return s.Store.MarkDelivered(ctx, messageID, userID, at)
}

func TestDeliveryWriteDoesNotBlockNextSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := make(chan struct{})
	gs := &gatedStore{Store: f.store, gate: gate}
	disp := New(gs, nil, f.reg, defaultOptions(), zerolog.Nop())

	agentConn := f.connect(t, f.agent.ID, "desk")

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := disp.Send(ctx, SendInput{
				SessionID: f.sess.ID,
				From:      f.user.ID,
				Role:      models.RoleUser,
				Body:      "prompt",
			})
			errs <- err
		}()
	}

	// Both pushes reach the recipient while the delivery writes are still
	// stuck, so the write happens outside the ordering critical section.
	require.Eventually(t, func() bool {
		return len(agentConn.byEvent("new_message")) == 2
	}, time.Second, 5*time.Millisecond)

	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestHistoryRendersRecalledReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hello, err := f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "hello",
	})
	require.NoError(t, err)

	_, err = f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.agent.ID,
		Role:      models.RoleAgent,
		Body:      "re: hello",
		ReplyToID: &hello.ID,
	})
	require.NoError(t, err)

	require.NoError(t, f.disp.Recall(ctx, hello.ID, f.user.ID))

	msgs, err := f.disp.History(ctx, f.sess.ID, f.agent.ID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	reply := msgs[1]
	require.NotNil(t, reply.ReplySummary)
	assert.Equal(t, hello.ID, reply.ReplySummary.ID)
	assert.Equal(t, models.RecalledPlaceholder, reply.ReplySummary.Body)
	assert.True(t, reply.ReplySummary.IsRecalled)
	assert.Equal(t, "alice", reply.ReplySummary.FromUsername)

	// The quoted message resolves even when it falls outside the fetch
	// window.
	msgs, err = f.disp.History(ctx, f.sess.ID, f.agent.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ReplySummary)
	assert.Equal(t, models.RecalledPlaceholder, msgs[0].ReplySummary.Body)
}

func TestHistoryRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.disp.Send(ctx, SendInput{
		SessionID: f.sess.ID,
		From:      f.user.ID,
		Role:      models.RoleUser,
		Body:      "hello",
	})
	require.NoError(t, err)

	msgs, err := f.disp.History(ctx, f.sess.ID, f.agent.ID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = f.disp.History(ctx, f.sess.ID, 424242, 50)
	require.ErrorIs(t, err, chat.ErrNotAuthorized)
}
