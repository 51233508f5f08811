// Package store provides storage backends for the engagement engine.
//
// This file implements the SQLite-backed store, used for local development
// and as the in-process backend for tests.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	// Serialized access avoids SQLITE_BUSY under the engine's concurrent writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, fmt.Errorf("sqlite unreachable: %w", err)
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// --- EngagementStore ---

const sqliteEngagementColumns = `user_id, state, last_activity_at, goodbye_sent_at, goodbye_expires_at, remind_at, version, created_at, updated_at`

// GetEngagementState retrieves the live engagement record for a user.
func (s *SQLiteStore) GetEngagementState(userID string) (*models.UserEngagementState, error) {
	row := s.db.QueryRow(
		`SELECT `+sqliteEngagementColumns+` FROM user_engagement_states WHERE user_id = ?`, userID)
	st, err := scanEngagementState(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetEngagementState: not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetEngagementState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get engagement state for %s: %w", userID, err)
	}
	return &st, nil
}

// CreateEngagementState inserts a fresh engagement record. Two racing
// bootstraps resolve via the primary key: the loser gets ErrStateExists.
func (s *SQLiteStore) CreateEngagementState(state models.UserEngagementState) error {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO user_engagement_states (`+sqliteEngagementColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.UserID, state.State, state.LastActivityAt,
		state.GoodbyeSentAt, state.GoodbyeExpiresAt, state.RemindAt,
		state.Version, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateEngagementState failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("failed to create engagement state for %s: %w", state.UserID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrStateExists
	}
	slog.Debug("SQLiteStore.CreateEngagementState succeeded", "userID", state.UserID, "state", state.State)
	return nil
}

// UpdateEngagementState writes the record conditionally on expectedVersion.
func (s *SQLiteStore) UpdateEngagementState(state models.UserEngagementState, expectedVersion int64) error {
	result, err := s.db.Exec(
		`UPDATE user_engagement_states
		 SET state = ?, last_activity_at = ?, goodbye_sent_at = ?,
		     goodbye_expires_at = ?, remind_at = ?, version = version + 1, updated_at = ?
		 WHERE user_id = ? AND version = ?`,
		state.State, state.LastActivityAt, state.GoodbyeSentAt,
		state.GoodbyeExpiresAt, state.RemindAt, state.UpdatedAt,
		state.UserID, expectedVersion,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateEngagementState failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("failed to update engagement state for %s: %w", state.UserID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore.UpdateEngagementState: version conflict", "userID", state.UserID, "expectedVersion", expectedVersion)
		return ErrVersionConflict
	}
	slog.Debug("SQLiteStore.UpdateEngagementState succeeded", "userID", state.UserID, "state", state.State)
	return nil
}

// TouchLastActivity unconditionally advances last_activity_at.
func (s *SQLiteStore) TouchLastActivity(userID string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE user_engagement_states
		 SET last_activity_at = MAX(last_activity_at, ?), version = version + 1, updated_at = ?
		 WHERE user_id = ?`,
		at, time.Now(), userID,
	)
	if err != nil {
		slog.Error("SQLiteStore.TouchLastActivity failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to touch last activity for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) listEngagementStates(query string, args ...interface{}) ([]models.UserEngagementState, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("engagement list query failed: %w", err)
	}
	defer rows.Close()

	var states []models.UserEngagementState
	for rows.Next() {
		st, err := scanEngagementState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan engagement row: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate engagement rows: %w", err)
	}
	return states, nil
}

// ListInactiveSince returns active users whose last activity is at or before cutoff.
func (s *SQLiteStore) ListInactiveSince(cutoff time.Time) ([]models.UserEngagementState, error) {
	return s.listEngagementStates(
		`SELECT `+sqliteEngagementColumns+` FROM user_engagement_states
		 WHERE state = ? AND last_activity_at <= ? ORDER BY last_activity_at ASC`,
		models.StateActive, cutoff,
	)
}

// ListExpiredGoodbyes returns goodbye_sent users whose reply window closed.
func (s *SQLiteStore) ListExpiredGoodbyes(now time.Time) ([]models.UserEngagementState, error) {
	return s.listEngagementStates(
		`SELECT `+sqliteEngagementColumns+` FROM user_engagement_states
		 WHERE state = ? AND goodbye_expires_at <= ? ORDER BY goodbye_expires_at ASC`,
		models.StateGoodbyeSent, now,
	)
}

// ListOpenGoodbyes returns goodbye_sent users whose reply window is still open.
func (s *SQLiteStore) ListOpenGoodbyes(now time.Time) ([]models.UserEngagementState, error) {
	return s.listEngagementStates(
		`SELECT `+sqliteEngagementColumns+` FROM user_engagement_states
		 WHERE state = ? AND goodbye_expires_at > ? ORDER BY goodbye_expires_at ASC`,
		models.StateGoodbyeSent, now,
	)
}

// ListDueReminders returns remind_later users whose reminder time passed.
func (s *SQLiteStore) ListDueReminders(now time.Time) ([]models.UserEngagementState, error) {
	return s.listEngagementStates(
		`SELECT `+sqliteEngagementColumns+` FROM user_engagement_states
		 WHERE state = ? AND remind_at <= ? ORDER BY remind_at ASC`,
		models.StateRemindLater, now,
	)
}

// ListActiveSince returns active users with activity at or after cutoff.
func (s *SQLiteStore) ListActiveSince(cutoff time.Time) ([]models.UserEngagementState, error) {
	return s.listEngagementStates(
		`SELECT `+sqliteEngagementColumns+` FROM user_engagement_states
		 WHERE state = ? AND last_activity_at >= ? ORDER BY last_activity_at DESC`,
		models.StateActive, cutoff,
	)
}

// --- TransitionStore ---

// AppendTransition writes one immutable transition log row.
func (s *SQLiteStore) AppendTransition(t models.StateTransition) error {
	metadataJSON, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO state_transitions (id, user_id, from_state, to_state, trigger, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.FromState, t.ToState, t.Trigger, metadataJSON, t.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.AppendTransition failed", "error", err, "userID", t.UserID)
		return fmt.Errorf("failed to append transition for %s: %w", t.UserID, err)
	}
	slog.Debug("SQLiteStore.AppendTransition succeeded", "userID", t.UserID, "from", t.FromState, "to", t.ToState, "trigger", t.Trigger)
	return nil
}

// ListTransitions returns a user's transition history, newest first.
func (s *SQLiteStore) ListTransitions(userID string, limit int) ([]models.StateTransition, error) {
	query := `SELECT id, user_id, from_state, to_state, trigger, metadata, created_at
			  FROM state_transitions WHERE user_id = ? ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore.ListTransitions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []models.StateTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transition rows: %w", err)
	}
	slog.Debug("SQLiteStore.ListTransitions succeeded", "userID", userID, "count", len(transitions))
	return transitions, nil
}

// --- ContextStore ---

// UpsertContext stores a context payload, overwriting any live row for the key.
func (s *SQLiteStore) UpsertContext(c models.PendingConversationContext) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO conversation_contexts (user_id, flow_kind, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.UserID, c.FlowKind, string(c.Payload), c.CreatedAt, c.ExpiresAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpsertContext failed", "error", err, "userID", c.UserID, "flowKind", c.FlowKind)
		return fmt.Errorf("failed to upsert context for %s/%s: %w", c.UserID, c.FlowKind, err)
	}
	slog.Debug("SQLiteStore.UpsertContext succeeded", "userID", c.UserID, "flowKind", c.FlowKind)
	return nil
}

// GetContext retrieves the stored context for a key, or nil if absent.
func (s *SQLiteStore) GetContext(userID string, kind models.FlowKind) (*models.PendingConversationContext, error) {
	var c models.PendingConversationContext
	var payload string
	err := s.db.QueryRow(
		`SELECT user_id, flow_kind, payload, created_at, expires_at
		 FROM conversation_contexts WHERE user_id = ? AND flow_kind = ?`,
		userID, kind,
	).Scan(&c.UserID, &c.FlowKind, &payload, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetContext failed", "error", err, "userID", userID, "flowKind", kind)
		return nil, fmt.Errorf("failed to get context for %s/%s: %w", userID, kind, err)
	}
	c.Payload = []byte(payload)
	return &c, nil
}

// DeleteContext removes a context; deleting an absent key is a no-op.
func (s *SQLiteStore) DeleteContext(userID string, kind models.FlowKind) error {
	_, err := s.db.Exec(
		`DELETE FROM conversation_contexts WHERE user_id = ? AND flow_kind = ?`,
		userID, kind,
	)
	if err != nil {
		slog.Error("SQLiteStore.DeleteContext failed", "error", err, "userID", userID, "flowKind", kind)
		return fmt.Errorf("failed to delete context for %s/%s: %w", userID, kind, err)
	}
	return nil
}

// ConsumeContext atomically reads and deletes a context inside a transaction,
// so exactly one of two racing consumers observes the payload.
func (s *SQLiteStore) ConsumeContext(userID string, kind models.FlowKind) (*models.PendingConversationContext, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin consume transaction: %w", err)
	}
	defer tx.Rollback()

	var c models.PendingConversationContext
	var payload string
	err = tx.QueryRow(
		`SELECT user_id, flow_kind, payload, created_at, expires_at
		 FROM conversation_contexts WHERE user_id = ? AND flow_kind = ?`,
		userID, kind,
	).Scan(&c.UserID, &c.FlowKind, &payload, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read context for %s/%s: %w", userID, kind, err)
	}

	result, err := tx.Exec(
		`DELETE FROM conversation_contexts WHERE user_id = ? AND flow_kind = ?`,
		userID, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to delete consumed context for %s/%s: %w", userID, kind, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// A racing consumer or the expiry sweep got there first.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit consume transaction: %w", err)
	}

	c.Payload = []byte(payload)
	slog.Debug("SQLiteStore.ConsumeContext succeeded", "userID", userID, "flowKind", kind)
	return &c, nil
}

// PurgeExpiredContexts deletes all rows whose expiry passed.
func (s *SQLiteStore) PurgeExpiredContexts(now time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM conversation_contexts WHERE expires_at <= ?`, now)
	if err != nil {
		slog.Error("SQLiteStore.PurgeExpiredContexts failed", "error", err)
		return 0, fmt.Errorf("failed to purge expired contexts: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.PurgeExpiredContexts", "purged", n)
	}
	return int(n), nil
}

// --- MessageStore ---

const sqliteMessageColumns = `id, user_id, message_type, message_key, message_params, destination, scheduled_for, sent_at, status, retry_count, error_message, idempotency_key, locked_at, created_at, updated_at`

// EnqueueMessage inserts a queued message; a no-op on idempotency-key conflict.
func (s *SQLiteStore) EnqueueMessage(m models.QueuedMessage) (string, error) {
	if m.ID == "" {
		m.ID = util.GenerateMessageID()
	}
	now := time.Now()
	paramsJSON, err := marshalParams(m.MessageParams)
	if err != nil {
		return "", err
	}

	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO queued_messages (id, user_id, message_type, message_key, message_params, destination, scheduled_for, status, retry_count, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
		m.ID, m.UserID, m.MessageType, m.MessageKey, paramsJSON,
		m.Destination, m.ScheduledFor, m.IdempotencyKey, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.EnqueueMessage failed", "error", err, "userID", m.UserID, "type", m.MessageType)
		return "", fmt.Errorf("failed to enqueue message for %s: %w", m.UserID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		existing, gerr := s.GetMessageByIdempotencyKey(m.IdempotencyKey)
		if gerr != nil {
			return "", gerr
		}
		if existing == nil {
			return "", fmt.Errorf("enqueue conflict but no message found for key %s", m.IdempotencyKey)
		}
		slog.Debug("SQLiteStore.EnqueueMessage: idempotency hit", "idempotencyKey", m.IdempotencyKey, "existingID", existing.ID)
		return existing.ID, nil
	}
	slog.Debug("SQLiteStore.EnqueueMessage succeeded", "id", m.ID, "userID", m.UserID, "type", m.MessageType)
	return m.ID, nil
}

// GetMessageByIdempotencyKey returns the message for a key, or nil.
func (s *SQLiteStore) GetMessageByIdempotencyKey(key string) (*models.QueuedMessage, error) {
	row := s.db.QueryRow(
		`SELECT `+sqliteMessageColumns+` FROM queued_messages WHERE idempotency_key = ?`, key)
	m, err := scanQueuedMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ClaimDueMessages marks up to limit due pending messages as sending and returns them.
func (s *SQLiteStore) ClaimDueMessages(now time.Time, limit int) ([]models.QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+sqliteMessageColumns+` FROM queued_messages
		 WHERE status = 'pending' AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.QueuedMessage
	for rows.Next() {
		m, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim messages iteration failed: %w", err)
	}

	for i := range msgs {
		_, err := s.db.Exec(
			`UPDATE queued_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark message sending failed: %w", err)
		}
		msgs[i].Status = models.MessageStatusSending
		lockedAt := now
		msgs[i].LockedAt = &lockedAt
	}

	return msgs, nil
}

// MarkMessageSent marks a message as delivered.
func (s *SQLiteStore) MarkMessageSent(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'sent', sent_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		at, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark message sent failed: %w", err)
	}
	return nil
}

// FailMessage records a delivery failure, terminally failing the message once
// MaxDeliveryAttempts is exhausted.
func (s *SQLiteStore) FailMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE queued_messages
		 SET retry_count = retry_count + 1,
		     error_message = ?,
		     status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
		     scheduled_for = CASE WHEN retry_count + 1 >= ? THEN scheduled_for ELSE ? END,
		     locked_at = NULL,
		     updated_at = ?
		 WHERE id = ?`,
		errMsg, models.MaxDeliveryAttempts, models.MaxDeliveryAttempts, nextAttemptAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail message failed: %w", err)
	}
	return nil
}

// CancelMessage marks a pending message as cancelled.
func (s *SQLiteStore) CancelMessage(id string) error {
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel message failed: %w", err)
	}
	return nil
}

// RequeueStaleSending resets messages stuck in sending back to pending.
func (s *SQLiteStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'pending', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale sending messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleSending", "requeued", n)
	}
	return int(n), nil
}
