package store

import (
	"context"
	"time"

	"github.com/deskline/deskline/internal/models"
)

// Store defines the interface for durable chat state: users, sessions,
// messages, delivery records, connection rows and presence.
// Both PostgresStore and SQLiteStore implement this interface.
//
// Lookup methods return (nil, nil) when the row does not exist; services
// translate that into chat.ErrNotFound.
type Store interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// User operations
	GetUser(ctx context.Context, id int64) (*models.User, error)

	// Session operations
	CreateSession(ctx context.Context, id string, userID int64, category string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// AcceptSession is the single authoritative compare-and-set for the
	// pending->active transition. Returns false when the session was not
	// pending (another agent won, or it never existed).
	AcceptSession(ctx context.Context, id string, agentID int64) (bool, error)
	// CloseSession moves any non-closed session to closed. Returns false
	// when the session was already closed or does not exist.
	CloseSession(ctx context.Context, id string) (bool, error)
	PendingSessions(ctx context.Context) ([]models.Session, error)
	AgentSessions(ctx context.Context, agentID int64) ([]models.Session, error)
	UserActiveSessions(ctx context.Context, userID int64) ([]models.Session, error)
	TouchSession(ctx context.Context, id string) error

	// Message operations. InsertMessage assigns the id from a durable
	// sequence, monotonic across restarts.
	InsertMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	SessionMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	// RecallMessage sets is_recalled and clears the stored body; the row
	// persists for reply-reference integrity.
	RecallMessage(ctx context.Context, id int64) error
	EditMessage(ctx context.Context, id int64, newBody string, editedAt time.Time) error

	// Delivery records, one per recipient per message.
	CreateDeliveryRecords(ctx context.Context, messageID int64, userIDs []int64) error
	// MarkDelivered sets delivered_at once; returns false when the record
	// was already delivered (replay dedup) or does not exist.
	MarkDelivered(ctx context.Context, messageID, userID int64, at time.Time) (bool, error)
	MarkRead(ctx context.Context, messageID, userID int64, at time.Time) (bool, error)
	// UndeliveredMessages lists messages for userID in its non-closed
	// sessions lacking delivered_at, in id order.
	UndeliveredMessages(ctx context.Context, userID int64, limit int) ([]models.Message, error)

	// Connection rows, the durable mirror of the in-memory registry.
	SaveConnection(ctx context.Context, c *models.Connection) error
	CloseConnection(ctx context.Context, connectionID string, at time.Time) error
	TouchConnection(ctx context.Context, connectionID string, at time.Time) error
	CleanupStaleConnections(ctx context.Context, cutoff time.Time) (int64, error)

	// Presence, one row per agent, overwritten on change.
	UpsertPresence(ctx context.Context, userID int64, status models.AgentStatus, at time.Time) error
	GetPresence(ctx context.Context, userID int64) (*models.PresenceState, error)
	OnlineAgents(ctx context.Context) ([]int64, error)
}
