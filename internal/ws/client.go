package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/deskline/deskline/internal/auth"
	"github.com/deskline/deskline/internal/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Bodies are capped well below this.
	maxMessageSize = 64 * 1024

	// Outbound queue per connection. A client too slow to drain it loses
	// the connection; undelivered messages come back via replay.
	sendBuffer = 256
)

var errSendBufferFull = errors.New("send buffer full")

// client is one websocket connection. It implements registry.Pusher, so
// every service push flows through the same outbound queue as replies.
type client struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *registry.Conn
	claims *auth.Claims
}

// Push queues a server-initiated event. Never blocks: a full buffer is an
// error, and the message reaches the client later via offline replay.
func (c *client) Push(event string, payload any) error {
	return c.enqueue(&ServerFrame{Event: event, Payload: payload})
}

func (c *client) enqueue(f *ServerFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// identity returns the registered connection and claims, or nil before a
// successful register.
func (c *client) identity() (*registry.Conn, *auth.Claims) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.claims
}

func (c *client) bind(conn *registry.Conn, claims *auth.Claims) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.claims = claims
}

// readPump handles inbound frames until the connection drops, then evicts
// the registry entry so subscriptions and presence react immediately.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		if conn, _ := c.identity(); conn != nil {
			c.server.registry.Evict(context.Background(), conn.Info.ID, "disconnect")
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug().Err(err).Msg("malformed frame")
			continue
		}

		c.server.handleFrame(ctx, c, &frame)
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// Drain whatever else is already queued.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
