package ws

import (
	"encoding/json"
	"errors"

	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/models"
)

// ClientFrame is one inbound request. Ref is an opaque client token echoed
// on the reply so callers can correlate; it is how client retries stay
// idempotent from the client's point of view.
type ClientFrame struct {
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame is one outbound message: either a correlated reply (Ref set)
// or a server push (Ref empty).
type ServerFrame struct {
	Event   string `json:"event"`
	Ref     string `json:"ref,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Request payloads.

type registerRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceInfo string `json:"device_info,omitempty"`
}

type sendMessageRequest struct {
	SessionID string             `json:"session_id"`
	Body      string             `json:"body"`
	Type      models.MessageType `json:"message_type"`
	ReplyToID *int64             `json:"reply_to_message_id,omitempty"`
}

type recallMessageRequest struct {
	MessageID int64 `json:"message_id"`
}

type editMessageRequest struct {
	MessageID int64  `json:"message_id"`
	Body      string `json:"body"`
}

type markReadRequest struct {
	MessageID int64 `json:"message_id"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type openSessionRequest struct {
	Category string `json:"category"`
}

type historyRequest struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

type agentStatusRequest struct {
	Status models.AgentStatus `json:"status"`
}

// okReply wraps a successful reply payload.
func okReply(ref string, data any) *ServerFrame {
	return &ServerFrame{
		Event: "reply",
		Ref:   ref,
		Payload: map[string]any{
			"status": "ok",
			"data":   data,
		},
	}
}

// errReply maps a service error onto the wire. Unknown errors surface as
// transient_unavailable so internals never leak to clients.
func errReply(ref string, err error) *ServerFrame {
	return &ServerFrame{
		Event: "reply",
		Ref:   ref,
		Payload: map[string]any{
			"status": "error",
			"error": map[string]string{
				"kind":    errorKind(err),
				"message": errorMessage(err),
			},
		},
	}
}

var errKinds = []struct {
	err  error
	kind string
}{
	{chat.ErrUnauthorized, "unauthorized"},
	{chat.ErrNotAuthorized, "not_authorized"},
	{chat.ErrAlreadyAccepted, "already_accepted"},
	{chat.ErrNotFound, "not_found"},
	{chat.ErrInvalidReply, "invalid_reply"},
	{chat.ErrMessageTooLong, "message_too_long"},
	{chat.ErrRecallWindowExpired, "recall_window_expired"},
	{chat.ErrEditWindowExpired, "edit_window_expired"},
	{chat.ErrUnknownConnection, "unknown_connection"},
	{chat.ErrInvalidStatus, "invalid_status"},
	{chat.ErrRateLimited, "rate_limited"},
	{chat.ErrSessionClosed, "session_closed"},
}

func errorKind(err error) string {
	for _, e := range errKinds {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return "transient_unavailable"
}

func errorMessage(err error) string {
	for _, e := range errKinds {
		if errors.Is(err, e.err) {
			return e.err.Error()
		}
	}
	return chat.ErrTransientUnavailable.Error()
}
