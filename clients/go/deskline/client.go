// Package deskline provides a websocket client for the deskline support
// chat server: register, request/reply correlation, heartbeats and
// duplicate suppression by message id.
package deskline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultHeartbeat matches the server's expected client cadence.
const DefaultHeartbeat = 25 * time.Second

// Frame is one wire message in either direction.
type Frame struct {
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error is a server-reported request failure.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Message is the client-side view of a chat message.
type Message struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	FromUserID int64      `json:"from_user_id"`
	Role       string     `json:"role"`
	Body       string     `json:"body"`
	Type       string     `json:"message_type"`
	ReplyToID  *int64     `json:"reply_to_message_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	IsEdited   bool       `json:"is_edited"`
	IsRecalled bool       `json:"is_recalled"`
}

// ReplySummary is the quoted-message snapshot carried with replies.
type ReplySummary struct {
	ID           int64  `json:"id"`
	FromUserID   int64  `json:"from_user_id"`
	FromUsername string `json:"from_username,omitempty"`
	Body         string `json:"body"`
	IsRecalled   bool   `json:"is_recalled"`
}

// Incoming is one new_message push.
type Incoming struct {
	Message      Message       `json:"message"`
	ReplySummary *ReplySummary `json:"reply_summary,omitempty"`
	IsFromSelf   bool          `json:"is_from_self"`
}

// PushHandler receives server-initiated events.
type PushHandler func(event string, payload json.RawMessage)

// MessageHandler receives deduplicated chat messages.
type MessageHandler func(m *Incoming)

// Client is one websocket connection to the server.
type Client struct {
	url       string
	token     string
	deviceID  string
	heartbeat time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	refSeq  atomic.Int64
	mu      sync.Mutex
	pending map[string]chan *replyPayload
	seen    map[int64]bool

	onPush    PushHandler
	onMessage MessageHandler

	connectionID string
	done         chan struct{}
	closeOnce    sync.Once
}

type replyPayload struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Err    *Error          `json:"error,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithHeartbeat overrides the heartbeat cadence.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithPushHandler registers a handler for raw server pushes.
func WithPushHandler(fn PushHandler) Option {
	return func(c *Client) { c.onPush = fn }
}

// WithMessageHandler registers a handler for deduplicated chat messages.
func WithMessageHandler(fn MessageHandler) Option {
	return func(c *Client) { c.onMessage = fn }
}

// NewClient creates a client for the given ws:// or wss:// URL. An empty
// deviceID gets a random one, so two instances on the same host register
// as distinct devices.
func NewClient(url, token, deviceID string, opts ...Option) *Client {
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	c := &Client{
		url:       url,
		token:     token,
		deviceID:  deviceID,
		heartbeat: DefaultHeartbeat,
		pending:   make(map[string]chan *replyPayload),
		seen:      make(map[int64]bool),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials, registers and starts the heartbeat loop. Undelivered
// messages arrive through the message handler immediately after.
func (c *Client) Connect(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn

	go c.readLoop()

	data, err := c.Call(ctx, "register", map[string]any{"device_id": c.deviceID})
	if err != nil {
		c.Close()
		return fmt.Errorf("register: %w", err)
	}
	var reg struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		c.Close()
		return fmt.Errorf("register reply: %w", err)
	}
	c.connectionID = reg.ConnectionID

	go c.heartbeatLoop()
	return nil
}

// ConnectionID returns the server-assigned connection id.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// Close tears down the connection. Pending calls fail.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Call sends a request and waits for its correlated reply.
func (c *Client) Call(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	ref := strconv.FormatInt(c.refSeq.Add(1), 10)

	frame := &Frame{Event: event, Ref: ref, Token: c.token}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		frame.Payload = raw
	}

	ch := make(chan *replyPayload, 1)
	c.mu.Lock()
	c.pending[ref] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Status != "ok" {
			if reply.Err != nil {
				return nil, reply.Err
			}
			return nil, errors.New("request failed")
		}
		return reply.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.New("connection closed")
	}
}

// SendMessage sends a chat message and returns its server-assigned id.
func (c *Client) SendMessage(ctx context.Context, sessionID, body string, replyTo *int64) (int64, error) {
	req := map[string]any{"session_id": sessionID, "body": body}
	if replyTo != nil {
		req["reply_to_message_id"] = *replyTo
	}
	data, err := c.Call(ctx, "send_message", req)
	if err != nil {
		return 0, err
	}
	var resp struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, err
	}
	return resp.MessageID, nil
}

// RecallMessage recalls a message within the server's recall window.
func (c *Client) RecallMessage(ctx context.Context, messageID int64) error {
	_, err := c.Call(ctx, "recall_message", map[string]any{"message_id": messageID})
	return err
}

// EditMessage replaces a message body within the server's edit window.
func (c *Client) EditMessage(ctx context.Context, messageID int64, body string) error {
	_, err := c.Call(ctx, "edit_message", map[string]any{"message_id": messageID, "body": body})
	return err
}

// MarkRead reports a message as read.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	_, err := c.Call(ctx, "mark_read", map[string]any{"message_id": messageID})
	return err
}

// OpenSession opens a pending support session.
func (c *Client) OpenSession(ctx context.Context, category string) (string, error) {
	data, err := c.Call(ctx, "open_session", map[string]any{"category": category})
	if err != nil {
		return "", err
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// AcceptSession claims a pending session (agents only).
func (c *Client) AcceptSession(ctx context.Context, sessionID string) error {
	_, err := c.Call(ctx, "accept_session", map[string]any{"session_id": sessionID})
	return err
}

// CloseSession closes a session the caller participates in.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	_, err := c.Call(ctx, "close_session", map[string]any{"session_id": sessionID})
	return err
}

// SubscribePendingSessions watches the shared intake queue (agents only).
func (c *Client) SubscribePendingSessions(ctx context.Context) error {
	_, err := c.Call(ctx, "subscribe_pending_sessions", nil)
	return err
}

// SubscribeSessions watches the caller's own session list (agents only).
func (c *Client) SubscribeSessions(ctx context.Context) error {
	_, err := c.Call(ctx, "subscribe_sessions", nil)
	return err
}

// UpdateStatus sets the caller's agent availability.
func (c *Client) UpdateStatus(ctx context.Context, status string) error {
	_, err := c.Call(ctx, "update_agent_status", map[string]any{"status": status})
	return err
}

func (c *Client) write(frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(frame)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		var frame struct {
			Event   string          `json:"event"`
			Ref     string          `json:"ref,omitempty"`
			Payload json.RawMessage `json:"payload,omitempty"`
		}
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		if frame.Ref != "" {
			c.mu.Lock()
			ch := c.pending[frame.Ref]
			c.mu.Unlock()
			if ch != nil {
				var reply replyPayload
				if err := json.Unmarshal(frame.Payload, &reply); err == nil {
					ch <- &reply
				}
			}
			continue
		}

		c.handlePush(frame.Event, frame.Payload)
	}
}

// handlePush routes server events. Chat messages are deduplicated by id:
// the server may resend a message it could not confirm as delivered.
func (c *Client) handlePush(event string, payload json.RawMessage) {
	if event == "new_message" && c.onMessage != nil {
		var in Incoming
		if err := json.Unmarshal(payload, &in); err != nil {
			return
		}
		c.mu.Lock()
		dup := c.seen[in.Message.ID]
		c.seen[in.Message.ID] = true
		c.mu.Unlock()
		if !dup {
			c.onMessage(&in)
		}
		return
	}

	if c.onPush != nil {
		c.onPush(event, payload)
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, err := c.Call(ctx, "heartbeat", nil)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Health probes the server's REST health endpoint over plain HTTP.
func Health(ctx context.Context, baseURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
