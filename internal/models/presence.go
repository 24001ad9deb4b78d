package models

import "time"

// AgentStatus is an agent's self-reported availability. It is distinct
// from raw connection liveness: heartbeat failure only forces offline, and
// only when the agent's last connection goes.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentAway    AgentStatus = "away"
	AgentBusy    AgentStatus = "busy"
)

// ValidAgentStatus reports whether s is one of the accepted presence values.
func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentOnline, AgentOffline, AgentAway, AgentBusy:
		return true
	}
	return false
}

// PresenceState is the single presence row per agent, overwritten on every
// status change. Not versioned; a missed broadcast is corrected by the next.
type PresenceState struct {
	UserID    int64       `json:"user_id"`
	Status    AgentStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// UserRole distinguishes end users from support staff.
type UserRole string

const (
	RoleEndUser UserRole = "user"
	RoleSupport UserRole = "customer_service"
	RoleAdmin   UserRole = "admin"
)

// IsAgentRole reports whether the role can work the support queue.
func IsAgentRole(r UserRole) bool {
	return r == RoleSupport || r == RoleAdmin
}

// User is the minimal account row the chat core reads. Credential issuance
// and profile management live with the identity collaborator.
type User struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Role     UserRole `json:"role"`
}
