package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEngagementState scans a UserEngagementState row.
func scanEngagementState(sc rowScanner) (models.UserEngagementState, error) {
	var st models.UserEngagementState
	var goodbyeSentAt, goodbyeExpiresAt, remindAt sql.NullTime
	err := sc.Scan(
		&st.UserID, &st.State, &st.LastActivityAt,
		&goodbyeSentAt, &goodbyeExpiresAt, &remindAt,
		&st.Version, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return st, err
	}
	if goodbyeSentAt.Valid {
		st.GoodbyeSentAt = &goodbyeSentAt.Time
	}
	if goodbyeExpiresAt.Valid {
		st.GoodbyeExpiresAt = &goodbyeExpiresAt.Time
	}
	if remindAt.Valid {
		st.RemindAt = &remindAt.Time
	}
	return st, nil
}

// scanTransition scans a StateTransition row, decoding the metadata JSON.
func scanTransition(sc rowScanner) (models.StateTransition, error) {
	var t models.StateTransition
	var metadataJSON sql.NullString
	err := sc.Scan(&t.ID, &t.UserID, &t.FromState, &t.ToState, &t.Trigger, &metadataJSON, &t.CreatedAt)
	if err != nil {
		return t, fmt.Errorf("scan transition failed: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &t.Metadata); err != nil {
			slog.Error("scanTransition metadata unmarshal failed", "error", err, "id", t.ID)
			// Continue with zero metadata rather than failing the read
			t.Metadata = models.TransitionMetadata{}
		}
	}
	return t, nil
}

// scanQueuedMessage scans a QueuedMessage row, decoding the params JSON.
func scanQueuedMessage(sc rowScanner) (models.QueuedMessage, error) {
	var m models.QueuedMessage
	var paramsJSON, errorMessage sql.NullString
	var sentAt, lockedAt sql.NullTime
	err := sc.Scan(
		&m.ID, &m.UserID, &m.MessageType, &m.MessageKey, &paramsJSON,
		&m.Destination, &m.ScheduledFor, &sentAt, &m.Status, &m.RetryCount,
		&errorMessage, &m.IdempotencyKey, &lockedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan queued message failed: %w", err)
	}
	m.ErrorMessage = errorMessage.String
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &m.MessageParams); err != nil {
			slog.Error("scanQueuedMessage params unmarshal failed", "error", err, "id", m.ID)
			m.MessageParams = nil
		}
	}
	return m, nil
}

// marshalParams encodes message params for storage, returning nil for empty maps.
func marshalParams(params map[string]string) (interface{}, error) {
	if len(params) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message params: %w", err)
	}
	return string(b), nil
}

// marshalMetadata encodes transition metadata for storage.
func marshalMetadata(md models.TransitionMetadata) (string, error) {
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transition metadata: %w", err)
	}
	return string(b), nil
}
