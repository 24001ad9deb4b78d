package models

import "time"

// MessageType enumerates supported message payloads.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Role identifies which side of a session authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message represents a chat message. IDs are assigned by the store from a
// durable sequence; within a session they are strictly increasing and form
// the total order of the message stream.
type Message struct {
	ID         int64       `json:"id"`
	SessionID  string      `json:"session_id"`
	FromUserID int64       `json:"from_user_id"`
	Role       Role        `json:"role"`
	Body       string      `json:"body"`
	Type       MessageType `json:"message_type"`
	ReplyToID  *int64      `json:"reply_to_message_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	EditedAt   *time.Time  `json:"edited_at,omitempty"`
	IsEdited   bool        `json:"is_edited"`
	IsRecalled bool        `json:"is_recalled"`
}

// RecalledPlaceholder is what a recalled message's body renders as in
// reply summaries. The row itself keeps an empty body.
const RecalledPlaceholder = "message recalled"

// ReplySummary is a denormalized snapshot of a referenced message, embedded
// in delivery payloads so receivers can render quoted replies without a
// second round trip. Recall state is adjusted at output time.
type ReplySummary struct {
	ID           int64       `json:"id"`
	FromUserID   int64       `json:"from_user_id"`
	FromUsername string      `json:"from_username,omitempty"`
	Body         string      `json:"body"`
	Type         MessageType `json:"message_type"`
	IsRecalled   bool        `json:"is_recalled"`
}

// SummaryBodyLimit caps the quoted body carried in a reply summary.
const SummaryBodyLimit = 120

// Summarize builds the reply summary for a referenced message.
func Summarize(m *Message, fromUsername string) *ReplySummary {
	s := &ReplySummary{
		ID:           m.ID,
		FromUserID:   m.FromUserID,
		FromUsername: fromUsername,
		Type:         m.Type,
		IsRecalled:   m.IsRecalled,
	}
	if m.IsRecalled {
		s.Body = RecalledPlaceholder
		return s
	}
	body := m.Body
	if r := []rune(body); len(r) > SummaryBodyLimit {
		body = string(r[:SummaryBodyLimit])
	}
	s.Body = body
	return s
}
