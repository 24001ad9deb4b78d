package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskline/deskline/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, email, role
		FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Username, &user.Email, &user.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// CreateSession creates a new pending session for a user.
func (s *PostgresStore) CreateSession(ctx context.Context, id string, userID int64, category string) (*models.Session, error) {
	sess := &models.Session{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, category, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING session_id, user_id, agent_id, status, category, created_at, accepted_at, closed_at, last_activity_at
	`, id, userID, category).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.AgentID,
		&sess.Status,
		&sess.Category,
		&sess.CreatedAt,
		&sess.AcceptedAt,
		&sess.ClosedAt,
		&sess.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession retrieves a session by its session id.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess := &models.Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, agent_id, status, category, created_at, accepted_at, closed_at, last_activity_at
		FROM chat_sessions WHERE session_id = $1
	`, id).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.AgentID,
		&sess.Status,
		&sess.Category,
		&sess.CreatedAt,
		&sess.AcceptedAt,
		&sess.ClosedAt,
		&sess.LastActivityAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// AcceptSession performs the pending->active compare-and-set. The WHERE
// clause on status makes concurrent accepts resolve to exactly one winner.
func (s *PostgresStore) AcceptSession(ctx context.Context, id string, agentID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions
		SET status = 'active', agent_id = $1, accepted_at = NOW(), last_activity_at = NOW()
		WHERE session_id = $2 AND status = 'pending'
	`, agentID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CloseSession performs the active->closed transition.
func (s *PostgresStore) CloseSession(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions
		SET status = 'closed', closed_at = NOW(), last_activity_at = NOW()
		WHERE session_id = $1 AND status != 'closed'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PendingSessions lists sessions awaiting agent acceptance, oldest first.
func (s *PostgresStore) PendingSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, user_id, agent_id, status, category, created_at, accepted_at, closed_at, last_activity_at
		FROM chat_sessions
		WHERE status = 'pending'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// AgentSessions lists an agent's active sessions, most recent activity first.
func (s *PostgresStore) AgentSessions(ctx context.Context, agentID int64) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, user_id, agent_id, status, category, created_at, accepted_at, closed_at, last_activity_at
		FROM chat_sessions
		WHERE agent_id = $1 AND status = 'active'
		ORDER BY last_activity_at DESC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// UserActiveSessions lists a user's non-closed sessions.
func (s *PostgresStore) UserActiveSessions(ctx context.Context, userID int64) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, user_id, agent_id, status, category, created_at, accepted_at, closed_at, last_activity_at
		FROM chat_sessions
		WHERE user_id = $1 AND status != 'closed'
		ORDER BY last_activity_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows pgx.Rows) ([]models.Session, error) {
	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		err := rows.Scan(
			&sess.ID,
			&sess.UserID,
			&sess.AgentID,
			&sess.Status,
			&sess.Category,
			&sess.CreatedAt,
			&sess.AcceptedAt,
			&sess.ClosedAt,
			&sess.LastActivityAt,
		)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// InsertMessage persists a message, assigning its id from the messages
// sequence. BIGSERIAL keeps ids monotonic across restarts.
func (s *PostgresStore) InsertMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (session_id, from_user_id, role, body, message_type, reply_to_message_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, m.SessionID, m.FromUserID, m.Role, m.Body, m.Type, m.ReplyToID).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage retrieves a message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	m := &models.Message{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, from_user_id, role, body, message_type, reply_to_message_id,
		       created_at, edited_at, is_edited, is_recalled
		FROM chat_messages WHERE id = $1
	`, id).Scan(
		&m.ID,
		&m.SessionID,
		&m.FromUserID,
		&m.Role,
		&m.Body,
		&m.Type,
		&m.ReplyToID,
		&m.CreatedAt,
		&m.EditedAt,
		&m.IsEdited,
		&m.IsRecalled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// SessionMessages retrieves the most recent messages of a session in id
// order (ascending).
func (s *PostgresStore) SessionMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, from_user_id, role, body, message_type, reply_to_message_id,
		       created_at, edited_at, is_edited, is_recalled
		FROM (
			SELECT * FROM chat_messages
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		err := rows.Scan(
			&m.ID,
			&m.SessionID,
			&m.FromUserID,
			&m.Role,
			&m.Body,
			&m.Type,
			&m.ReplyToID,
			&m.CreatedAt,
			&m.EditedAt,
			&m.IsEdited,
			&m.IsRecalled,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RecallMessage marks a message recalled and clears its stored body. The
// row stays so later replies can still reference the id.
func (s *PostgresStore) RecallMessage(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_messages SET is_recalled = TRUE, body = '' WHERE id = $1
	`, id)
	return err
}

// EditMessage replaces a message body and marks it edited.
func (s *PostgresStore) EditMessage(ctx context.Context, id int64, newBody string, editedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_messages SET body = $1, is_edited = TRUE, edited_at = $2 WHERE id = $3
	`, newBody, editedAt, id)
	return err
}

// CreateDeliveryRecords inserts one delivery row per recipient.
func (s *PostgresStore) CreateDeliveryRecords(ctx context.Context, messageID int64, userIDs []int64) error {
	for _, uid := range userIDs {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO delivery_records (message_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (message_id, user_id) DO NOTHING
		`, messageID, uid)
		if err != nil {
			return err
		}
	}
	return nil
}

// MarkDelivered sets delivered_at if not already set. The WHERE clause
// makes a second replay of an already-delivered message a no-op.
func (s *PostgresStore) MarkDelivered(ctx context.Context, messageID, userID int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_records SET delivered_at = $1
		WHERE message_id = $2 AND user_id = $3 AND delivered_at IS NULL
	`, at, messageID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRead sets read_at if not already set, and delivered_at alongside when
// the read receipt arrives before the delivery one.
func (s *PostgresStore) MarkRead(ctx context.Context, messageID, userID int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_records
		SET read_at = $1, delivered_at = COALESCE(delivered_at, $1)
		WHERE message_id = $2 AND user_id = $3 AND read_at IS NULL
	`, at, messageID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UndeliveredMessages lists messages awaiting delivery to userID in its
// non-closed sessions, in id order so replay preserves stream order.
func (s *PostgresStore) UndeliveredMessages(ctx context.Context, userID int64, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.session_id, m.from_user_id, m.role, m.body, m.message_type, m.reply_to_message_id,
		       m.created_at, m.edited_at, m.is_edited, m.is_recalled
		FROM chat_messages m
		JOIN delivery_records d ON d.message_id = m.id AND d.user_id = $1
		JOIN chat_sessions s ON s.session_id = m.session_id
		WHERE d.delivered_at IS NULL AND s.status != 'closed'
		ORDER BY m.id ASC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SaveConnection upserts the durable row mirroring a live connection.
func (s *PostgresStore) SaveConnection(ctx context.Context, c *models.Connection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_connections (connection_id, user_id, device_id, status, connected_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (connection_id) DO UPDATE
		SET status = EXCLUDED.status, last_heartbeat = EXCLUDED.last_heartbeat
	`, c.ID, c.UserID, c.DeviceID, c.Status, c.ConnectedAt, c.LastHeartbeat)
	return err
}

// CloseConnection records a disconnect.
func (s *PostgresStore) CloseConnection(ctx context.Context, connectionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_connections SET status = 'stale', disconnected_at = $1 WHERE connection_id = $2
	`, at, connectionID)
	return err
}

// TouchConnection refreshes a connection row's heartbeat timestamp.
func (s *PostgresStore) TouchConnection(ctx context.Context, connectionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_connections SET last_heartbeat = $1 WHERE connection_id = $2
	`, at, connectionID)
	return err
}

// CleanupStaleConnections closes connected rows whose heartbeat predates
// the cutoff. Run by the sweep, never surfaced to clients.
func (s *PostgresStore) CleanupStaleConnections(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_connections
		SET status = 'stale', disconnected_at = NOW()
		WHERE status = 'connected' AND last_heartbeat < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// TouchSession refreshes a session's last_activity_at.
func (s *PostgresStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET last_activity_at = NOW() WHERE session_id = $1
	`, id)
	return err
}

// UpsertPresence overwrites the single presence row for an agent.
func (s *PostgresStore) UpsertPresence(ctx context.Context, userID int64, status models.AgentStatus, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_status (agent_id, status, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, userID, status, at)
	return err
}

// GetPresence retrieves an agent's presence row.
func (s *PostgresStore) GetPresence(ctx context.Context, userID int64) (*models.PresenceState, error) {
	p := &models.PresenceState{}
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, status, updated_at FROM agent_status WHERE agent_id = $1
	`, userID).Scan(&p.UserID, &p.Status, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// OnlineAgents lists agents whose presence is anything but offline.
func (s *PostgresStore) OnlineAgents(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
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
