// Package ws is the websocket transport for the chat core: one connection
// per client, request/reply correlation by ref, plus server pushes. All
// domain behavior lives in the services; this package only decodes frames,
// authenticates them and routes them.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/deskline/deskline/internal/auth"
	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/dispatch"
	"github.com/deskline/deskline/internal/hub"
	"github.com/deskline/deskline/internal/models"
	"github.com/deskline/deskline/internal/presence"
	"github.com/deskline/deskline/internal/registry"
	"github.com/deskline/deskline/internal/sessions"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin; auth is the bearer token, not
	// the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server routes websocket frames to the chat services.
type Server struct {
	verifier   auth.Verifier
	registry   *registry.Registry
	hub        *hub.Hub
	sessions   *sessions.Router
	dispatcher *dispatch.Dispatcher
	presence   *presence.Monitor
	logger     zerolog.Logger

	historyLimit int
}

func NewServer(
	verifier auth.Verifier,
	reg *registry.Registry,
	h *hub.Hub,
	sr *sessions.Router,
	d *dispatch.Dispatcher,
	pm *presence.Monitor,
	historyLimit int,
	logger zerolog.Logger,
) *Server {
	return &Server{
		verifier:     verifier,
		registry:     reg,
		hub:          h,
		sessions:     sr,
		dispatcher:   d,
		presence:     pm,
		logger:       logger.With().Str("component", "ws").Logger(),
		historyLimit: historyLimit,
	}
}

// ServeHTTP upgrades the request and runs the connection's pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		server: s,
		ws:     wsConn,
		send:   make(chan []byte, sendBuffer),
		logger: s.logger.With().Str("remote", r.RemoteAddr).Logger(),
	}

	go c.writePump()
	go c.readPump(r.Context())
}

// handleFrame authenticates and dispatches one inbound frame. A bad token
// fails the frame, never the connection.
func (s *Server) handleFrame(ctx context.Context, c *client, frame *ClientFrame) {
	claims, err := s.verifier.Verify(frame.Token)
	if err != nil {
		c.enqueue(errReply(frame.Ref, chat.ErrUnauthorized))
		return
	}

	if frame.Event == "register" {
		s.handleRegister(ctx, c, frame, claims)
		return
	}

	conn, _ := c.identity()
	if conn == nil {
		c.enqueue(errReply(frame.Ref, chat.ErrUnknownConnection))
		return
	}
	// Tokens are per-request, but the identity behind them must stay the
	// connection's registered one.
	if claims.UserID != conn.Info.UserID {
		c.enqueue(errReply(frame.Ref, chat.ErrNotAuthorized))
		return
	}

	data, err := s.dispatch(ctx, c, conn, claims, frame)
	if err != nil {
		c.enqueue(errReply(frame.Ref, err))
		return
	}
	c.enqueue(okReply(frame.Ref, data))
}

func (s *Server) handleRegister(ctx context.Context, c *client, frame *ClientFrame, claims *auth.Claims) {
	var req registerRequest
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.enqueue(errReply(frame.Ref, chat.ErrTransientUnavailable))
			return
		}
	}

	// Re-register on the same socket replaces the previous identity.
	if prev, _ := c.identity(); prev != nil {
		s.registry.Evict(ctx, prev.Info.ID, "reregister")
	}

	conn, first, err := s.registry.Register(ctx, claims.UserID, req.DeviceID, c)
	if err != nil {
		c.enqueue(errReply(frame.Ref, err))
		return
	}
	c.bind(conn, claims)
	s.presence.NoteRegistered(ctx, claims.UserID, first)

	c.enqueue(okReply(frame.Ref, map[string]any{
		"connection_id": conn.Info.ID,
		"user_id":       claims.UserID,
		"server_time":   time.Now().UTC(),
	}))

	// The reply is queued before the replay starts, so the client sees its
	// connection id first, then the backlog in id order.
	if _, err := s.dispatcher.Replay(ctx, claims.UserID); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", claims.UserID).Msg("replay failed")
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, conn *registry.Conn, claims *auth.Claims, frame *ClientFrame) (any, error) {
	switch frame.Event {
	case "heartbeat":
		if err := s.registry.Heartbeat(ctx, conn.Info.ID); err != nil {
			return nil, err
		}
		return map[string]any{"server_time": time.Now().UTC()}, nil

	case "send_message":
		var req sendMessageRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return nil, chat.ErrInvalidReply
		}
		role := models.RoleUser
		if models.IsAgentRole(claims.Role) {
			role = models.RoleAgent
		}
		m, err := s.dispatcher.Send(ctx, dispatch.SendInput{
			SessionID: req.SessionID,
			From:      claims.UserID,
			Role:      role,
			Body:      req.Body,
			Type:      req.Type,
			ReplyToID: req.ReplyToID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"message_id": m.ID,
			"created_at": m.CreatedAt,
		}, nil

	case "recall_message":
		var req recallMessageRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return nil, chat.ErrNotFound
		}
		if err := s.dispatcher.Recall(ctx, req.MessageID, claims.UserID); err != nil {
			return nil, err
		}
		return map[string]any{"message_id": req.MessageID}, nil

	case "edit_message":
		var req editMessageRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return nil, chat.ErrNotFound
		}
		if err := s.dispatcher.Edit(ctx, req.MessageID, claims.UserID, req.Body); err != nil {
			return nil, err
		}
		return map[string]any{"message_id": req.MessageID}, nil

	case "mark_read":
		var req markReadRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return nil, chat.ErrNotFound
		}
		if err := s.dispatcher.MarkRead(ctx, req.MessageID, claims.UserID); err != nil {
			return nil, err
		}
		return map[string]any{"message_id": req.MessageID}, nil

	case "open_session":
		var req openSessionRequest
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &req); err != nil {
				return nil, chat.ErrTransientUnavailable
			}
		}
		sess, err := s.sessions.Open(ctx, claims.UserID, req.Category)
		if err != nil {
			return nil, err
		}
		return sess, nil

	case "accept_session":
		if !models.IsAgentRole(claims.Role) {
			return nil, chat.ErrNotAuthorized
		}
		var req sessionRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return nil, chat.ErrNotFound
		}
		sess, err := s.sessions.Accept(ctx, req.SessionID, claims.UserID)
		if err != nil {
			return nil, err
		}
		return sess, nil

	case "close_session":
		var req sessionRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return nil, chat.ErrNotFound
		}
		sess, err := s.sessions.Close(ctx, req.SessionID, claims.UserID)
		if err != nil {
			return nil, err
		}
		return sess, nil

	case "subscribe_sessions":
		if !models.IsAgentRole(claims.Role) {
			return nil, chat.ErrNotAuthorized
		}
		s.hub.Subscribe(conn, hub.TopicMySessions(claims.UserID))
		list, err := s.sessions.MySessions(ctx, claims.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessions": list}, nil

	case "subscribe_pending_sessions":
		if !models.IsAgentRole(claims.Role) {
			return nil, chat.ErrNotAuthorized
		}
		s.hub.Subscribe(conn, hub.TopicPending)
		list, err := s.sessions.Pending(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessions": list}, nil

	case "subscribe_presence":
		s.hub.Subscribe(conn, hub.TopicPresence)
		agents, err := s.presence.OnlineAgents(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"online_agents": agents}, nil

	case "update_agent_status":
		var req agentStatusRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return nil, chat.ErrInvalidStatus
		}
		state, err := s.presence.SetStatus(ctx, claims.UserID, req.Status)
		if err != nil {
			return nil, err
		}
		return state, nil

	case "get_session_messages":
		var req historyRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return nil, chat.ErrNotFound
		}
		limit := req.Limit
		if limit <= 0 || limit > s.historyLimit {
			limit = s.historyLimit
		}
		msgs, err := s.dispatcher.History(ctx, req.SessionID, claims.UserID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": msgs}, nil

	default:
		s.logger.Debug().Str("event", frame.Event).Msg("unknown event")
		return nil, chat.ErrNotFound
	}
}
