// Package dispatch moves messages from senders to recipients with
// at-least-once delivery and recipient-side dedup by message id. Every
// message is persisted before any push; a recipient with no live
// connections gets the message replayed on its next register.
package dispatch

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/metrics"
	"github.com/deskline/deskline/internal/models"
	"github.com/deskline/deskline/internal/registry"
	"github.com/deskline/deskline/internal/store"
)

// sessionStripes bounds lock granularity for per-session push ordering.
const sessionStripes = 64

// Options carries the policy knobs for the dispatcher.
type Options struct {
	MaxBodyChars  int
	RecallWindow  time.Duration
	EditWindow    time.Duration
	ReplayLimit   int
	SendRateLimit int
	SendRateWin   time.Duration
}

// Dispatcher validates, persists and fans out messages.
type Dispatcher struct {
	store    store.Store
	redis    *store.RedisStore
	registry *registry.Registry
	opts     Options
	logger   zerolog.Logger

	// stripes serialize insert-and-push per session so pushes leave in id
	// order: the insert that assigns the id and the push loop share one
	// critical section. Conn.Push enqueues without blocking, and delivery
	// bookkeeping runs after release, so a stripe never waits on the
	// network or on a store write beyond the insert itself.
	stripes [sessionStripes]sync.Mutex

	nowFn func() time.Time
}

func New(st store.Store, rs *store.RedisStore, reg *registry.Registry, opts Options, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		redis:    rs,
		registry: reg,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		nowFn:    time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (d *Dispatcher) SetNow(fn func() time.Time) {
	d.nowFn = fn
}

func (d *Dispatcher) stripe(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &d.stripes[h.Sum32()%sessionStripes]
}

// SendInput is one send_message request after transport decode.
type SendInput struct {
	SessionID string
	From      int64
	Role      models.Role
	Body      string
	Type      models.MessageType
	ReplyToID *int64
}

// Send validates and persists a message, then pushes it to every live
// connection of both participants. Store failures surface to the caller
// before any delivery state exists; push failures never do.
func (d *Dispatcher) Send(ctx context.Context, in SendInput) (*models.Message, error) {
	started := d.nowFn()

	if len([]rune(in.Body)) > d.opts.MaxBodyChars {
		return nil, chat.ErrMessageTooLong
	}
	if in.Type == "" {
		in.Type = models.MessageText
	}

	s, err := d.store.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, chat.ErrNotFound
	}
	if !s.IsParticipant(in.From) {
		return nil, chat.ErrNotAuthorized
	}
	switch s.Status {
	case models.SessionClosed:
		return nil, chat.ErrSessionClosed
	case models.SessionPending:
		// The opening user may keep typing while waiting for an agent.
		if in.From != s.UserID {
			return nil, chat.ErrNotAuthorized
		}
	}

	if err := d.checkSendRate(ctx, in.From); err != nil {
		return nil, err
	}

	var summary *models.ReplySummary
	if in.ReplyToID != nil {
		ref, err := d.store.GetMessage(ctx, *in.ReplyToID)
		if err != nil {
			return nil, err
		}
		if ref == nil || ref.SessionID != in.SessionID {
			return nil, chat.ErrInvalidReply
		}
		summary = d.summarize(ctx, ref)
	}

	m := &models.Message{
		SessionID:  in.SessionID,
		FromUserID: in.From,
		Role:       in.Role,
		Body:       in.Body,
		Type:       in.Type,
		ReplyToID:  in.ReplyToID,
		CreatedAt:  d.nowFn().UTC(),
	}
	// The insert assigns the id that defines stream order, so it shares
	// the session stripe with the push loop. Everything slower than a
	// channel enqueue happens after release.
	mu := d.stripe(in.SessionID)
	mu.Lock()
	m, err = d.store.InsertMessage(ctx, m)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	pushed := d.pushMessage(s, m, summary)
	mu.Unlock()

	recipients := otherParticipants(s, in.From)
	if len(recipients) > 0 {
		if err := d.store.CreateDeliveryRecords(ctx, m.ID, recipients); err != nil {
			d.logger.Error().Err(err).Int64("message_id", m.ID).Msg("delivery records failed")
		}
	}
	if err := d.store.TouchSession(ctx, in.SessionID); err != nil {
		d.logger.Debug().Err(err).Str("session_id", in.SessionID).Msg("touch session failed")
	}

	for _, uid := range recipients {
		if !pushed[uid] {
			metrics.PushesDeferred.Inc()
			continue
		}
		if _, err := d.store.MarkDelivered(ctx, m.ID, uid, d.nowFn().UTC()); err != nil {
			d.logger.Error().Err(err).Int64("message_id", m.ID).Msg("mark delivered failed")
			continue
		}
		metrics.PushesDelivered.Inc()
	}

	metrics.MessagesSent.WithLabelValues(string(m.Type)).Inc()
	metrics.SendLatency.Observe(time.Since(started).Seconds())
	return m, nil
}

// pushMessage pushes one message to every live connection of the session's
// participants and reports which users got at least one push. The caller
// holds the session stripe; nothing here blocks.
func (d *Dispatcher) pushMessage(s *models.Session, m *models.Message, summary *models.ReplySummary) map[int64]bool {
	pushed := make(map[int64]bool)
	for _, uid := range s.Participants() {
		payload := messagePayload(m, summary, uid == m.FromUserID)
		for _, c := range d.registry.ConnectionsFor(uid) {
			if err := c.Push("new_message", payload); err != nil {
				d.logger.Debug().
					Err(err).
					Int64("message_id", m.ID).
					Str("connection_id", c.Info.ID).
					Msg("message push failed")
				continue
			}
			pushed[uid] = true
		}
	}
	return pushed
}

// Recall clears a message within the recall window. The row survives so
// replies that reference it keep a valid target; their summaries render the
// recalled placeholder at output time.
func (d *Dispatcher) Recall(ctx context.Context, messageID, userID int64) error {
	m, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return chat.ErrNotFound
	}
	if m.FromUserID != userID {
		return chat.ErrNotAuthorized
	}
	if m.IsRecalled {
		return chat.ErrNotFound
	}
	if d.nowFn().Sub(m.CreatedAt) > d.opts.RecallWindow {
		return chat.ErrRecallWindowExpired
	}

	if err := d.store.RecallMessage(ctx, messageID); err != nil {
		return err
	}
	metrics.MessagesRecalled.Inc()

	d.broadcast(ctx, m.SessionID, "message_recalled", map[string]any{
		"message_id": messageID,
		"session_id": m.SessionID,
	})
	return nil
}

// Edit replaces a message body within the edit window.
func (d *Dispatcher) Edit(ctx context.Context, messageID, userID int64, newBody string) error {
	if len([]rune(newBody)) > d.opts.MaxBodyChars {
		return chat.ErrMessageTooLong
	}

	m, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return chat.ErrNotFound
	}
	if m.FromUserID != userID {
		return chat.ErrNotAuthorized
	}
	if m.IsRecalled {
		return chat.ErrNotFound
	}
	editedAt := d.nowFn().UTC()
	if editedAt.Sub(m.CreatedAt) > d.opts.EditWindow {
		return chat.ErrEditWindowExpired
	}

	if err := d.store.EditMessage(ctx, messageID, newBody, editedAt); err != nil {
		return err
	}
	metrics.MessagesEdited.Inc()

	d.broadcast(ctx, m.SessionID, "message_edited", map[string]any{
		"message_id": messageID,
		"session_id": m.SessionID,
		"body":       newBody,
		"edited_at":  editedAt,
	})
	return nil
}

// Replay resends every undelivered message for a user, oldest first, each
// with its original id. The delivered_at compare-and-set guarantees a
// message already replayed to another device is not counted twice.
func (d *Dispatcher) Replay(ctx context.Context, userID int64) (int, error) {
	msgs, err := d.store.UndeliveredMessages(ctx, userID, d.opts.ReplayLimit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range msgs {
		m := &msgs[i]

		var summary *models.ReplySummary
		if m.ReplyToID != nil {
			if ref, err := d.store.GetMessage(ctx, *m.ReplyToID); err == nil && ref != nil {
				summary = d.summarize(ctx, ref)
			}
		}

		// Same stripe as live sends, so a replayed push cannot interleave
		// with a concurrent send in the session.
		payload := messagePayload(m, summary, false)
		mu := d.stripe(m.SessionID)
		mu.Lock()
		delivered := false
		for _, c := range d.registry.ConnectionsFor(userID) {
			if err := c.Push("new_message", payload); err != nil {
				continue
			}
			delivered = true
		}
		mu.Unlock()
		if !delivered {
			continue
		}

		ok, err := d.store.MarkDelivered(ctx, m.ID, userID, d.nowFn().UTC())
		if err != nil {
			d.logger.Error().Err(err).Int64("message_id", m.ID).Msg("replay mark delivered failed")
			continue
		}
		if ok {
			sent++
			metrics.ReplayedMessages.Inc()
		}
	}

	if sent > 0 {
		d.logger.Info().Int64("user_id", userID).Int("count", sent).Msg("replayed undelivered messages")
	}
	return sent, nil
}

// MarkRead records a read receipt and notifies the message's sender.
func (d *Dispatcher) MarkRead(ctx context.Context, messageID, userID int64) error {
	m, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return chat.ErrNotFound
	}
	if m.FromUserID == userID {
		return chat.ErrNotAuthorized
	}

	ok, err := d.store.MarkRead(ctx, messageID, userID, d.nowFn().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	receipt := map[string]any{
		"message_id": messageID,
		"session_id": m.SessionID,
		"status":     models.StatusRead,
	}
	for _, c := range d.registry.ConnectionsFor(m.FromUserID) {
		if err := c.Push("message_status", receipt); err != nil {
			d.logger.Debug().Err(err).Int64("message_id", messageID).Msg("receipt push failed")
		}
	}
	return nil
}

// HistoryMessage is one history row with its quoted reply resolved, so
// fetched history renders the same way live pushes do.
type HistoryMessage struct {
	models.Message
	ReplySummary *models.ReplySummary `json:"reply_summary,omitempty"`
}

// History returns a session's recent messages for a participant, with
// recalled rows rendered empty-bodied and reply summaries attached.
func (d *Dispatcher) History(ctx context.Context, sessionID string, userID int64, limit int) ([]HistoryMessage, error) {
	s, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, chat.ErrNotFound
	}
	if !s.IsParticipant(userID) {
		return nil, chat.ErrNotAuthorized
	}

	msgs, err := d.store.SessionMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*models.Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	out := make([]HistoryMessage, len(msgs))
	for i := range msgs {
		out[i].Message = msgs[i]
		rid := msgs[i].ReplyToID
		if rid == nil {
			continue
		}
		ref := byID[*rid]
		if ref == nil {
			// Quoted message fell outside the fetch window.
			if r, err := d.store.GetMessage(ctx, *rid); err == nil && r != nil {
				ref = r
			}
		}
		if ref != nil {
			out[i].ReplySummary = d.summarize(ctx, ref)
		}
	}
	return out, nil
}

// broadcast pushes an event to every connection of a session's
// participants, best-effort.
func (d *Dispatcher) broadcast(ctx context.Context, sessionID, event string, payload any) {
	s, err := d.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return
	}
	for _, uid := range s.Participants() {
		for _, c := range d.registry.ConnectionsFor(uid) {
			if err := c.Push(event, payload); err != nil {
				d.logger.Debug().Err(err).Str("event", event).Msg("broadcast push failed")
			}
		}
	}
}

func (d *Dispatcher) checkSendRate(ctx context.Context, userID int64) error {
	if d.redis == nil || d.opts.SendRateLimit <= 0 {
		return nil
	}
	allowed, err := d.redis.CheckRateLimit(ctx, userID, d.opts.SendRateLimit, d.opts.SendRateWin)
	if err != nil {
		// Redis being down never blocks sends.
		d.logger.Warn().Err(err).Msg("rate limit check failed")
		return nil
	}
	if !allowed {
		metrics.RateLimitHits.WithLabelValues("send_message").Inc()
		return chat.ErrRateLimited
	}
	if err := d.redis.IncrementRateLimit(ctx, userID, d.opts.SendRateWin); err != nil {
		d.logger.Warn().Err(err).Msg("rate limit increment failed")
	}
	return nil
}

func (d *Dispatcher) summarize(ctx context.Context, ref *models.Message) *models.ReplySummary {
	username := ""
	if u, err := d.store.GetUser(ctx, ref.FromUserID); err == nil && u != nil {
		username = u.Username
	}
	return models.Summarize(ref, username)
}

func otherParticipants(s *models.Session, from int64) []int64 {
	var out []int64
	for _, uid := range s.Participants() {
		if uid != from {
			out = append(out, uid)
		}
	}
	return out
}

func messagePayload(m *models.Message, summary *models.ReplySummary, fromSelf bool) map[string]any {
	p := map[string]any{
		"message":      m,
		"is_from_self": fromSelf,
	}
	if summary != nil {
		p["reply_summary"] = summary
	}
	return p
}
