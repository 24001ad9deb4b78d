package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/deskline/deskline/internal/models"
)

// SQLiteStore handles SQLite database operations. It implements the same
// Store interface as PostgresStore for single-binary and test deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/deskline.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/deskline.db"
	}

	// Ensure directory exists (skip for in-memory databases)
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		dbPath += "?_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	// A single writer avoids SQLITE_BUSY under concurrent accepts.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		email TEXT DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user'
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL,
		agent_id INTEGER,
		status TEXT NOT NULL DEFAULT 'pending',
		category TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		accepted_at DATETIME,
		closed_at DATETIME,
		last_activity_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		from_user_id INTEGER NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		body TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		reply_to_message_id INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		edited_at DATETIME,
		is_edited INTEGER NOT NULL DEFAULT 0,
		is_recalled INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS delivery_records (
		message_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		delivered_at DATETIME,
		read_at DATETIME,
		PRIMARY KEY (message_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS user_connections (
		connection_id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		device_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'connected',
		connected_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_heartbeat DATETIME DEFAULT CURRENT_TIMESTAMP,
		disconnected_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS agent_status (
		agent_id INTEGER PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'offline',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON chat_sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON chat_sessions(agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_user ON delivery_records(user_id, delivered_at);
	CREATE INDEX IF NOT EXISTS idx_connections_user ON user_connections(user_id, status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser inserts a user row. Exposed for tests and local seeding; the
// identity collaborator owns accounts in production.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, email string, role models.UserRole) (*models.User, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, role) VALUES (?, ?, ?)
	`, username, email, role)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.User{ID: id, Username: username, Email: email, Role: role}, nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, role FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Username, &user.Email, &user.Role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// CreateSession creates a new pending session for a user.
func (s *SQLiteStore) CreateSession(ctx context.Context, id string, userID int64, category string) (*models.Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, category, status, created_at, last_activity_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
	`, id, userID, category, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, id)
}

// GetSession retrieves a session by its session id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, agent_id, status, category, created_at, accepted_at, closed_at, last_activity_at
		FROM chat_sessions WHERE session_id = ?
	`, id)
	sess, err := scanSessionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var agentID sql.NullInt64
	var acceptedAt, closedAt sql.NullTime
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&agentID,
		&sess.Status,
		&sess.Category,
		&sess.CreatedAt,
		&acceptedAt,
		&closedAt,
		&sess.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	if agentID.Valid {
		sess.AgentID = &agentID.Int64
	}
	if acceptedAt.Valid {
		sess.AcceptedAt = &acceptedAt.Time
	}
	if closedAt.Valid {
		sess.ClosedAt = &closedAt.Time
	}
	return sess, nil
}

// AcceptSession performs the pending->active compare-and-set.
func (s *SQLiteStore) AcceptSession(ctx context.Context, id string, agentID int64) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = 'active', agent_id = ?, accepted_at = ?, last_activity_at = ?
		WHERE session_id = ? AND status = 'pending'
	`, agentID, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CloseSession performs the active->closed transition.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = 'closed', closed_at = ?, last_activity_at = ?
		WHERE session_id = ? AND status != 'closed'
	`, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// PendingSessions lists sessions awaiting agent acceptance, oldest first.
func (s *SQLiteStore) PendingSessions(ctx context.Context) ([]models.Session, error) {
	return s.querySessions(ctx, `
		SELECT session_id, user_id, agent_id, status, category, created_at, accepted_at, closed_at, last_activity_at
		FROM chat_sessions WHERE status = 'pending' ORDER BY created_at ASC
	`)
}

// AgentSessions lists an agent's active sessions.
func (s *SQLiteStore) AgentSessions(ctx context.Context, agentID int64) ([]models.Session, error) {
	return s.querySessions(ctx, `
		SELECT session_id, user_id, agent_id, status, category, created_at, accepted_at, closed_at, last_activity_at
		FROM chat_sessions WHERE agent_id = ? AND status = 'active' ORDER BY last_activity_at DESC
	`, agentID)
}

// UserActiveSessions lists a user's non-closed sessions.
func (s *SQLiteStore) UserActiveSessions(ctx context.Context, userID int64) ([]models.Session, error) {
	return s.querySessions(ctx, `
		SELECT session_id, user_id, agent_id, status, category, created_at, accepted_at, closed_at, last_activity_at
		FROM chat_sessions WHERE user_id = ? AND status != 'closed' ORDER BY last_activity_at DESC
	`, userID)
}

// TouchSession refreshes a session's last_activity_at.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET last_activity_at = ? WHERE session_id = ?
	`, time.Now().UTC(), id)
	return err
}

// InsertMessage persists a message. AUTOINCREMENT guarantees ids stay
// monotonic across restarts (sqlite keeps the high-water mark in
// sqlite_sequence).
func (s *SQLiteStore) InsertMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, from_user_id, role, body, message_type, reply_to_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.SessionID, m.FromUserID, m.Role, m.Body, m.Type, m.ReplyToID, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	m.ID = id
	m.CreatedAt = now
	return m, nil
}

func scanMessageRow(row rowScanner) (*models.Message, error) {
	m := &models.Message{}
	var replyTo sql.NullInt64
	var editedAt sql.NullTime
	err := row.Scan(
		&m.ID,
		&m.SessionID,
		&m.FromUserID,
		&m.Role,
		&m.Body,
		&m.Type,
		&replyTo,
		&m.CreatedAt,
		&editedAt,
		&m.IsEdited,
		&m.IsRecalled,
	)
	if err != nil {
		return nil, err
	}
	if replyTo.Valid {
		m.ReplyToID = &replyTo.Int64
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	return m, nil
}

// GetMessage retrieves a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, from_user_id, role, body, message_type, reply_to_message_id,
		       created_at, edited_at, is_edited, is_recalled
		FROM chat_messages WHERE id = ?
	`, id)
	m, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// SessionMessages retrieves the most recent messages of a session in id
// order (ascending).
func (s *SQLiteStore) SessionMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, session_id, from_user_id, role, body, message_type, reply_to_message_id,
		       created_at, edited_at, is_edited, is_recalled
		FROM (
			SELECT * FROM chat_messages
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`, sessionID, limit)
}

// RecallMessage marks a message recalled and clears its stored body.
func (s *SQLiteStore) RecallMessage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET is_recalled = 1, body = '' WHERE id = ?
	`, id)
	return err
}

// EditMessage replaces a message body and marks it edited.
func (s *SQLiteStore) EditMessage(ctx context.Context, id int64, newBody string, editedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET body = ?, is_edited = 1, edited_at = ? WHERE id = ?
	`, newBody, editedAt, id)
	return err
}

// CreateDeliveryRecords inserts one delivery row per recipient.
func (s *SQLiteStore) CreateDeliveryRecords(ctx context.Context, messageID int64, userIDs []int64) error {
	for _, uid := range userIDs {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO delivery_records (message_id, user_id) VALUES (?, ?)
		`, messageID, uid)
		if err != nil {
			return err
		}
	}
	return nil
}

// MarkDelivered sets delivered_at if not already set.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, messageID, userID int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records SET delivered_at = ?
		WHERE message_id = ? AND user_id = ? AND delivered_at IS NULL
	`, at, messageID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkRead sets read_at if not already set.
func (s *SQLiteStore) MarkRead(ctx context.Context, messageID, userID int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET read_at = ?, delivered_at = COALESCE(delivered_at, ?)
		WHERE message_id = ? AND user_id = ? AND read_at IS NULL
	`, at, at, messageID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UndeliveredMessages lists messages awaiting delivery to userID.
func (s *SQLiteStore) UndeliveredMessages(ctx context.Context, userID int64, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT m.id, m.session_id, m.from_user_id, m.role, m.body, m.message_type, m.reply_to_message_id,
		       m.created_at, m.edited_at, m.is_edited, m.is_recalled
		FROM chat_messages m
		JOIN delivery_records d ON d.message_id = m.id AND d.user_id = ?
		JOIN chat_sessions s ON s.session_id = m.session_id
		WHERE d.delivered_at IS NULL AND s.status != 'closed'
		ORDER BY m.id ASC
		LIMIT ?
	`, userID, limit)
}

// SaveConnection upserts the durable row mirroring a live connection.
func (s *SQLiteStore) SaveConnection(ctx context.Context, c *models.Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_connections (connection_id, user_id, device_id, status, connected_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id) DO UPDATE
		SET status = excluded.status, last_heartbeat = excluded.last_heartbeat
	`, c.ID, c.UserID, c.DeviceID, c.Status, c.ConnectedAt, c.LastHeartbeat)
	return err
}

// CloseConnection records a disconnect.
func (s *SQLiteStore) CloseConnection(ctx context.Context, connectionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_connections SET status = 'stale', disconnected_at = ? WHERE connection_id = ?
	`, at, connectionID)
	return err
}

// TouchConnection refreshes a connection row's heartbeat timestamp.
func (s *SQLiteStore) TouchConnection(ctx context.Context, connectionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_connections SET last_heartbeat = ? WHERE connection_id = ?
	`, at, connectionID)
	return err
}

// CleanupStaleConnections closes connected rows with heartbeat before cutoff.
func (s *SQLiteStore) CleanupStaleConnections(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_connections
		SET status = 'stale', disconnected_at = ?
		WHERE status = 'connected' AND last_heartbeat < ?
	`, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertPresence overwrites the single presence row for an agent.
func (s *SQLiteStore) UpsertPresence(ctx context.Context, userID int64, status models.AgentStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_status (agent_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE
		SET status = excluded.status, updated_at = excluded.updated_at
	`, userID, status, at)
	return err
}

// GetPresence retrieves an agent's presence row.
func (s *SQLiteStore) GetPresence(ctx context.Context, userID int64) (*models.PresenceState, error) {
	p := &models.PresenceState{}
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, status, updated_at FROM agent_status WHERE agent_id = ?
	`, userID).Scan(&p.UserID, &p.Status, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// OnlineAgents lists agents whose presence is anything but offline.
func (s *SQLiteStore) OnlineAgents(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM agent_status WHERE status != 'offline'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
