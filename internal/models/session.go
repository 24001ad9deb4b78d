package models

import "time"

// SessionStatus enumerates the session lifecycle states.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionClosed  SessionStatus = "closed"
)

// Session is a single user's support conversation. It transitions
// pending -> active exactly once via a successful accept, and active ->
// closed terminally. At most one agent is assigned at any time.
type Session struct {
	ID             string        `json:"session_id"`
	UserID         int64         `json:"user_id"`
	AgentID        *int64        `json:"agent_id,omitempty"`
	Status         SessionStatus `json:"status"`
	Category       string        `json:"category,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	AcceptedAt     *time.Time    `json:"accepted_at,omitempty"`
	ClosedAt       *time.Time    `json:"closed_at,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// Participants returns the user ids attached to the session: the owning
// user plus the assigned agent once one exists.
func (s *Session) Participants() []int64 {
	ids := []int64{s.UserID}
	if s.AgentID != nil {
		ids = append(ids, *s.AgentID)
	}
	return ids
}

// IsParticipant reports whether userID is the owning user or the assigned
// agent.
func (s *Session) IsParticipant(userID int64) bool {
	if s.UserID == userID {
		return true
	}
	return s.AgentID != nil && *s.AgentID == userID
}
