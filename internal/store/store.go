// Package store provides storage backends for the engagement engine.
//
// It defines the repository contracts for engagement state, the transition
// log, pending conversation context, and the outbound message queue, with
// PostgreSQL and SQLite implementations.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
)

// Sentinel errors returned by store implementations.
var (
	// ErrVersionConflict means a conditional engagement write lost a race
	// against a concurrent transition and must be retried against fresh state.
	ErrVersionConflict = errors.New("engagement state version conflict")
	// ErrStateExists means a bootstrap insert hit an already-live record.
	ErrStateExists = errors.New("engagement state already exists")
)

// EngagementStore persists the per-user lifecycle records.
type EngagementStore interface {
	// GetEngagementState returns the live record for a user, or nil if the user
	// has never been observed.
	GetEngagementState(userID string) (*models.UserEngagementState, error)

	// CreateEngagementState inserts a fresh record. Returns ErrStateExists if a
	// record is already live for the user.
	CreateEngagementState(state models.UserEngagementState) error

	// UpdateEngagementState writes the record conditionally on expectedVersion
	// and bumps the stored version. Returns ErrVersionConflict when the stored
	// version no longer matches.
	UpdateEngagementState(state models.UserEngagementState, expectedVersion int64) error

	// TouchLastActivity unconditionally advances last_activity_at for a user.
	// It bumps the record version so racing conditional writes against the
	// pre-activity state are rejected.
	TouchLastActivity(userID string, at time.Time) error

	// ListInactiveSince returns active users whose last activity is at or
	// before the cutoff.
	ListInactiveSince(cutoff time.Time) ([]models.UserEngagementState, error)

	// ListExpiredGoodbyes returns goodbye_sent users whose reply window has closed.
	ListExpiredGoodbyes(now time.Time) ([]models.UserEngagementState, error)

	// ListOpenGoodbyes returns goodbye_sent users whose reply window is still open.
	ListOpenGoodbyes(now time.Time) ([]models.UserEngagementState, error)

	// ListDueReminders returns remind_later users whose reminder time has passed.
	ListDueReminders(now time.Time) ([]models.UserEngagementState, error)

	// ListActiveSince returns active users with activity at or after the cutoff.
	ListActiveSince(cutoff time.Time) ([]models.UserEngagementState, error)
}

// TransitionStore persists the append-only transition history.
type TransitionStore interface {
	// AppendTransition writes one immutable transition row.
	AppendTransition(t models.StateTransition) error

	// ListTransitions returns a user's transition history, newest first,
	// bounded by limit (0 means no limit).
	ListTransitions(userID string, limit int) ([]models.StateTransition, error)
}

// ContextStore persists short-lived conversation context.
type ContextStore interface {
	// UpsertContext stores a context payload, overwriting any live row for the
	// same (user, flow kind).
	UpsertContext(c models.PendingConversationContext) error

	// GetContext returns the stored context or nil if absent. Expiry is the
	// caller's concern; rows past their TTL are still returned.
	GetContext(userID string, kind models.FlowKind) (*models.PendingConversationContext, error)

	// DeleteContext removes a context. Deleting an absent key is a no-op.
	DeleteContext(userID string, kind models.FlowKind) error

	// ConsumeContext atomically reads and deletes a context, returning nil if
	// absent. Exactly one of two racing consumers observes the payload.
	ConsumeContext(userID string, kind models.FlowKind) (*models.PendingConversationContext, error)

	// PurgeExpiredContexts deletes all rows whose expiry is at or before now
	// and returns the number removed.
	PurgeExpiredContexts(now time.Time) (int, error)
}

// MessageStore persists the idempotent outbound message ledger.
type MessageStore interface {
	// EnqueueMessage inserts a queued message. The insert is a no-op on
	// idempotency-key conflict; the ID of the effective row is returned either way.
	EnqueueMessage(m models.QueuedMessage) (string, error)

	// GetMessageByIdempotencyKey returns the message for a key, or nil.
	GetMessageByIdempotencyKey(key string) (*models.QueuedMessage, error)

	// ClaimDueMessages marks up to limit pending messages scheduled at or
	// before now as sending and returns them.
	ClaimDueMessages(now time.Time, limit int) ([]models.QueuedMessage, error)

	// MarkMessageSent marks a message as delivered.
	MarkMessageSent(id string, at time.Time) error

	// FailMessage records a delivery failure. The message returns to pending
	// for retry at nextAttemptAt until MaxDeliveryAttempts is reached, after
	// which it is terminally failed.
	FailMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// CancelMessage marks a pending message as cancelled.
	CancelMessage(id string) error

	// RequeueStaleSending resets messages stuck in sending since before
	// staleBefore back to pending (crash recovery).
	RequeueStaleSending(staleBefore time.Time) (int, error)
}

// Store is the combined persistence contract the engine runs on.
type Store interface {
	EngagementStore
	TransitionStore
	ContextStore
	MessageStore
	Close() error
}

// Opts holds configuration options for store construction.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN is an alias of WithDSN kept for call-site readability.
func WithPostgresDSN(dsn string) Option { return WithDSN(dsn) }

// WithSQLiteDSN is an alias of WithDSN kept for call-site readability.
func WithSQLiteDSN(dsn string) Option { return WithDSN(dsn) }

// DetectDSNType reports "postgres" for PostgreSQL-looking connection strings
// and "sqlite" otherwise (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// NewStore opens the backend matching the DSN shape.
func NewStore(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
