package models

import "time"

// ConnStatus enumerates transport connection states.
type ConnStatus string

const (
	ConnConnecting ConnStatus = "connecting"
	ConnConnected  ConnStatus = "connected"
	ConnStale      ConnStatus = "stale"
)

// Connection is a live transport connection for one user on one device.
// The registry owns these exclusively; several may exist per user.
type Connection struct {
	ID            string     `json:"connection_id"`
	UserID        int64      `json:"user_id"`
	DeviceID      string     `json:"device_id"`
	Status        ConnStatus `json:"status"`
	ConnectedAt   time.Time  `json:"connected_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}
