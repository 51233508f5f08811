// Package store provides storage backends for the engagement engine.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

// --- EngagementStore ---

const pgEngagementColumns = `user_id, state, last_activity_at, goodbye_sent_at, goodbye_expires_at, remind_at, version, created_at, updated_at`

// GetEngagementState retrieves the live engagement record for a user.
func (s *PostgresStore) GetEngagementState(userID string) (*models.UserEngagementState, error) {
	row := s.db.QueryRow(
		`SELECT `+pgEngagementColumns+` FROM user_engagement_states WHERE user_id = $1`, userID)
	st, err := scanEngagementState(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetEngagementState: not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetEngagementState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get engagement state for %s: %w", userID, err)
	}
	return &st, nil
}

// CreateEngagementState inserts a fresh engagement record. Two racing
// bootstraps resolve via the primary key: the loser gets ErrStateExists.
func (s *PostgresStore) CreateEngagementState(state models.UserEngagementState) error {
	result, err := s.db.Exec(
		`INSERT INTO user_engagement_states (`+pgEngagementColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id) DO NOTHING`,
		state.UserID, state.State, state.LastActivityAt,
		state.GoodbyeSentAt, state.GoodbyeExpiresAt, state.RemindAt,
		state.Version, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateEngagementState failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("failed to create engagement state for %s: %w", state.UserID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrStateExists
	}
	slog.Debug("PostgresStore.CreateEngagementState succeeded", "userID", state.UserID, "state", state.State)
	return nil
}

// UpdateEngagementState writes the record conditionally on expectedVersion.
func (s *PostgresStore) UpdateEngagementState(state models.UserEngagementState, expectedVersion int64) error {
	result, err := s.db.Exec(
		`UPDATE user_engagement_states
		 SET state = $1, last_activity_at = $2, goodbye_sent_at = $3,
		     goodbye_expires_at = $4, remind_at = $5, version = version + 1, updated_at = $6
		 WHERE user_id = $7 AND version = $8`,
		state.State, state.LastActivityAt, state.GoodbyeSentAt,
		state.GoodbyeExpiresAt, state.RemindAt, state.UpdatedAt,
		state.UserID, expectedVersion,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateEngagementState failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("failed to update engagement state for %s: %w", state.UserID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore.UpdateEngagementState: version conflict", "userID", state.UserID, "expectedVersion", expectedVersion)
		return ErrVersionConflict
	}
	slog.Debug("PostgresStore.UpdateEngagementState succeeded", "userID", state.UserID, "state", state.State)
	return nil
}

// TouchLastActivity unconditionally advances last_activity_at.
func (s *PostgresStore) TouchLastActivity(userID string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE user_engagement_states
		 SET last_activity_at = GREATEST(last_activity_at, $1), version = version + 1, updated_at = $2
		 WHERE user_id = $3`,
		at, time.Now(), userID,
	)
	if err != nil {
		slog.Error("PostgresStore.TouchLastActivity failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to touch last activity for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) listEngagementStates(query string, args ...interface{}) ([]models.UserEngagementState, error) {
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
func (s *PostgresStore) ListInactiveSince(cutoff time.Time) ([]models.UserEngagementState, error) {
	return s.listEngagementStates(
		`SELECT `+pgEngagementColumns+` FROM user_engagement_states
		 WHERE state = $1 AND last_activity_at <= $2 ORDER BY last_activity_at ASC`,
		models.StateActive, cutoff,
	)
}

// ListExpiredGoodbyes returns goodbye_sent users whose reply window closed.
func (s *PostgresStore) ListExpiredGoodbyes(now time.Time) ([]models.UserEngagementState, error) {
	return s.listEngagementStates(
		`SELECT `+pgEngagementColumns+` FROM user_engagement_states
		 WHERE state = $1 AND goodbye_expires_at <= $2 ORDER BY goodbye_expires_at ASC`,
		models.StateGoodbyeSent, now,
	)
}

// ListOpenGoodbyes returns goodbye_sent users whose reply window is still open.
func (s *PostgresStore) ListOpenGoodbyes(now time.Time) ([]models.UserEngagementState, error) {
	return s.listEngagementStates(
		`SELECT `+pgEngagementColumns+` FROM user_engagement_states
		 WHERE state = $1 AND goodbye_expires_at > $2 ORDER BY goodbye_expires_at ASC`,
		models.StateGoodbyeSent, now,
	)
}

// ListDueReminders returns remind_later users whose reminder time passed.
func (s *PostgresStore) ListDueReminders(now time.Time) ([]models.UserEngagementState, error) {
	return s.listEngagementStates(
		`SELECT `+pgEngagementColumns+` FROM user_engagement_states
		 WHERE state = $1 AND remind_at <= $2 ORDER BY remind_at ASC`,
		models.StateRemindLater, now,
	)
}

// ListActiveSince returns active users with activity at or after cutoff.
func (s *PostgresStore) ListActiveSince(cutoff time.Time) ([]models.UserEngagementState, error) {
	return s.listEngagementStates(
		`SELECT `+pgEngagementColumns+` FROM user_engagement_states
		 WHERE state = $1 AND last_activity_at >= $2 ORDER BY last_activity_at DESC`,
		models.StateActive, cutoff,
	)
}

// --- TransitionStore ---

// AppendTransition writes one immutable transition log row.
func (s *PostgresStore) AppendTransition(t models.StateTransition) error {
	metadataJSON, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO state_transitions (id, user_id, from_state, to_state, trigger, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.UserID, t.FromState, t.ToState, t.Trigger, metadataJSON, t.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.AppendTransition failed", "error", err, "userID", t.UserID)
		return fmt.Errorf("failed to append transition for %s: %w", t.UserID, err)
	}
	slog.Debug("PostgresStore.AppendTransition succeeded", "userID", t.UserID, "from", t.FromState, "to", t.ToState, "trigger", t.Trigger)
	return nil
}

// ListTransitions returns a user's transition history, newest first.
func (s *PostgresStore) ListTransitions(userID string, limit int) ([]models.StateTransition, error) {
	query := `SELECT id, user_id, from_state, to_state, trigger, metadata, created_at
			  FROM state_transitions WHERE user_id = $1 ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore.ListTransitions query failed", "error", err, "userID", userID)
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
	slog.Debug("PostgresStore.ListTransitions succeeded", "userID", userID, "count", len(transitions))
	return transitions, nil
}

// --- ContextStore ---

// UpsertContext stores a context payload, overwriting any live row for the key.
func (s *PostgresStore) UpsertContext(c models.PendingConversationContext) error {
	_, err := s.db.Exec(
		`INSERT INTO conversation_contexts (user_id, flow_kind, payload, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, flow_kind)
		 DO UPDATE SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		c.UserID, c.FlowKind, string(c.Payload), c.CreatedAt, c.ExpiresAt,
	)
	if err != nil {
		slog.Error("PostgresStore.UpsertContext failed", "error", err, "userID", c.UserID, "flowKind", c.FlowKind)
		return fmt.Errorf("failed to upsert context for %s/%s: %w", c.UserID, c.FlowKind, err)
	}
	slog.Debug("PostgresStore.UpsertContext succeeded", "userID", c.UserID, "flowKind", c.FlowKind)
	return nil
}

// GetContext retrieves the stored context for a key, or nil if absent.
func (s *PostgresStore) GetContext(userID string, kind models.FlowKind) (*models.PendingConversationContext, error) {
	var c models.PendingConversationContext
	var payload string
	err := s.db.QueryRow(
		`SELECT user_id, flow_kind, payload, created_at, expires_at
		 FROM conversation_contexts WHERE user_id = $1 AND flow_kind = $2`,
		userID, kind,
	).Scan(&c.UserID, &c.FlowKind, &payload, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetContext failed", "error", err, "userID", userID, "flowKind", kind)
		return nil, fmt.Errorf("failed to get context for %s/%s: %w", userID, kind, err)
	}
	c.Payload = []byte(payload)
	return &c, nil
}

// DeleteContext removes a context; deleting an absent key is a no-op.
func (s *PostgresStore) DeleteContext(userID string, kind models.FlowKind) error {
	_, err := s.db.Exec(
		`DELETE FROM conversation_contexts WHERE user_id = $1 AND flow_kind = $2`,
		userID, kind,
	)
	if err != nil {
		slog.Error("PostgresStore.DeleteContext failed", "error", err, "userID", userID, "flowKind", kind)
		return fmt.Errorf("failed to delete context for %s/%s: %w", userID, kind, err)
	}
	return nil
}

// ConsumeContext atomically reads and deletes a context. The DELETE ... RETURNING
// guarantees exactly one of two racing consumers observes the payload.
func (s *PostgresStore) ConsumeContext(userID string, kind models.FlowKind) (*models.PendingConversationContext, error) {
	var c models.PendingConversationContext
	var payload string
	err := s.db.QueryRow(
		`DELETE FROM conversation_contexts WHERE user_id = $1 AND flow_kind = $2
		 RETURNING user_id, flow_kind, payload, created_at, expires_at`,
		userID, kind,
	).Scan(&c.UserID, &c.FlowKind, &payload, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.ConsumeContext failed", "error", err, "userID", userID, "flowKind", kind)
		return nil, fmt.Errorf("failed to consume context for %s/%s: %w", userID, kind, err)
	}
	c.Payload = []byte(payload)
	slog.Debug("PostgresStore.ConsumeContext succeeded", "userID", userID, "flowKind", kind)
	return &c, nil
}

// PurgeExpiredContexts deletes all rows whose expiry passed.
func (s *PostgresStore) PurgeExpiredContexts(now time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM conversation_contexts WHERE expires_at <= $1`, now)
	if err != nil {
		slog.Error("PostgresStore.PurgeExpiredContexts failed", "error", err)
		return 0, fmt.Errorf("failed to purge expired contexts: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.PurgeExpiredContexts", "purged", n)
	}
	return int(n), nil
}

// --- MessageStore ---

const pgMessageColumns = `id, user_id, message_type, message_key, message_params, destination, scheduled_for, sent_at, status, retry_count, error_message, idempotency_key, locked_at, created_at, updated_at`

// EnqueueMessage inserts a queued message; a no-op on idempotency-key conflict.
func (s *PostgresStore) EnqueueMessage(m models.QueuedMessage) (string, error) {
	if m.ID == "" {
		m.ID = util.GenerateMessageID()
	}
	now := time.Now()
	paramsJSON, err := marshalParams(m.MessageParams)
	if err != nil {
		return "", err
	}

	var id string
	err = s.db.QueryRow(
		`INSERT INTO queued_messages (id, user_id, message_type, message_key, message_params, destination, scheduled_for, status, retry_count, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $9, $10)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING id`,
		m.ID, m.UserID, m.MessageType, m.MessageKey, paramsJSON,
		m.Destination, m.ScheduledFor, m.IdempotencyKey, now, now,
	).Scan(&id)
	if err == sql.ErrNoRows {
		// Conflict: another enqueue already owns this logical event.
		existing, gerr := s.GetMessageByIdempotencyKey(m.IdempotencyKey)
		if gerr != nil {
			return "", gerr
		}
		if existing == nil {
			return "", fmt.Errorf("enqueue conflict but no message found for key %s", m.IdempotencyKey)
		}
		slog.Debug("PostgresStore.EnqueueMessage: idempotency hit", "idempotencyKey", m.IdempotencyKey, "existingID", existing.ID)
		return existing.ID, nil
	}
	if err != nil {
		slog.Error("PostgresStore.EnqueueMessage failed", "error", err, "userID", m.UserID, "type", m.MessageType)
		return "", fmt.Errorf("failed to enqueue message for %s: %w", m.UserID, err)
	}
	slog.Debug("PostgresStore.EnqueueMessage succeeded", "id", id, "userID", m.UserID, "type", m.MessageType)
	return id, nil
}

// GetMessageByIdempotencyKey returns the message for a key, or nil.
func (s *PostgresStore) GetMessageByIdempotencyKey(key string) (*models.QueuedMessage, error) {
	row := s.db.QueryRow(
		`SELECT `+pgMessageColumns+` FROM queued_messages WHERE idempotency_key = $1`, key)
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
func (s *PostgresStore) ClaimDueMessages(now time.Time, limit int) ([]models.QueuedMessage, error) {
	rows, err := s.db.Query(
		`UPDATE queued_messages SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM queued_messages WHERE status = 'pending' AND scheduled_for <= $1
		   ORDER BY scheduled_for ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgMessageColumns,
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
	return msgs, nil
}

// MarkMessageSent marks a message as delivered.
func (s *PostgresStore) MarkMessageSent(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'sent', sent_at = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		at, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark message sent failed: %w", err)
	}
	return nil
}

// FailMessage records a delivery failure, terminally failing the message once
// MaxDeliveryAttempts is exhausted.
func (s *PostgresStore) FailMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE queued_messages
		 SET retry_count = retry_count + 1,
		     error_message = $1,
		     status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		     scheduled_for = CASE WHEN retry_count + 1 >= $2 THEN scheduled_for ELSE $3 END,
		     locked_at = NULL,
		     updated_at = $4
		 WHERE id = $5`,
		errMsg, models.MaxDeliveryAttempts, nextAttemptAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail message failed: %w", err)
	}
	return nil
}

// CancelMessage marks a pending message as cancelled.
func (s *PostgresStore) CancelMessage(id string) error {
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'cancelled', updated_at = $1 WHERE id = $2 AND status = 'pending'`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel message failed: %w", err)
	}
	return nil
}

// RequeueStaleSending resets messages stuck in sending back to pending.
func (s *PostgresStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'pending', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale sending messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSending", "requeued", n)
	}
	return int(n), nil
}
