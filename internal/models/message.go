package models

import (
	"fmt"
	"time"
)

// MessageType classifies a proactive outbound message.
type MessageType string

const (
	// MessageTypeGoodbye is the inactivity check-in sent after 14 silent days.
	MessageTypeGoodbye MessageType = "goodbye"
	// MessageTypeWeeklyReview is the weekly activity summary for active users.
	MessageTypeWeeklyReview MessageType = "weekly_review"
	// MessageTypeWelcomeBack greets a user returning from a non-active state.
	MessageTypeWelcomeBack MessageType = "welcome_back"
)

// MessageStatus is the delivery lifecycle state of a queued message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusCancelled MessageStatus = "cancelled"
)

// MaxDeliveryAttempts bounds transport retries before a message is terminally failed.
const MaxDeliveryAttempts = 3

// QueuedMessage is one row of the idempotent outbound message ledger.
type QueuedMessage struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	MessageType   MessageType       `json:"message_type"`
	MessageKey    string            `json:"message_key"`
	MessageParams map[string]string `json:"message_params,omitempty"`
	Destination   string            `json:"destination"`
	ScheduledFor  time.Time         `json:"scheduled_for"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	Status        MessageStatus     `json:"status"`
	RetryCount    int               `json:"retry_count"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	// IdempotencyKey is derived deterministically from the triggering event so
	// repeated enqueue attempts never produce a second effective send.
	IdempotencyKey string `json:"idempotency_key"`
	// LockedAt marks when a delivery worker claimed the row; stale locks are
	// requeued on startup.
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MessageIdempotencyKey derives the unique key for a logical outbound event.
// The eventIdentity names the triggering occurrence, e.g. a calendar date for
// goodbyes or an ISO week for weekly reviews.
func MessageIdempotencyKey(userID string, messageType MessageType, eventIdentity string) string {
	return fmt.Sprintf("%s:%s:%s", userID, messageType, eventIdentity)
}

// GoodbyeIdempotencyKey keys a goodbye message by the calendar date it was triggered.
func GoodbyeIdempotencyKey(userID string, goodbyeSentAt time.Time) string {
	return MessageIdempotencyKey(userID, MessageTypeGoodbye, goodbyeSentAt.UTC().Format("2006-01-02"))
}

// WeeklyReviewIdempotencyKey keys a weekly review by the ISO week of the sweep.
func WeeklyReviewIdempotencyKey(userID string, now time.Time) string {
	year, week := now.UTC().ISOWeek()
	return MessageIdempotencyKey(userID, MessageTypeWeeklyReview, fmt.Sprintf("%04d-W%02d", year, week))
}

// WelcomeBackIdempotencyKey keys a welcome-back message by the reactivating
// transition's timestamp, truncated to the second.
func WelcomeBackIdempotencyKey(userID string, reactivatedAt time.Time) string {
	return MessageIdempotencyKey(userID, MessageTypeWelcomeBack, reactivatedAt.UTC().Format(time.RFC3339))
}
