// Package models defines the core data structures for the engagement engine.
//
// It includes the per-user engagement lifecycle state, the append-only
// transition log, and the shared types exchanged between the activity tracker,
// the batch sweeps, and the message queue.
package models

import (
	"errors"
	"time"
)

// EngagementState represents a user's position in the lifecycle model.
type EngagementState string

const (
	// StateActive is the default state for a user with recent activity.
	StateActive EngagementState = "active"
	// StateGoodbyeSent means a goodbye check-in was sent and a reply window is open.
	StateGoodbyeSent EngagementState = "goodbye_sent"
	// StateHelpFlow means the user asked for help in response to a goodbye.
	StateHelpFlow EngagementState = "help_flow"
	// StateRemindLater means the user asked to be reminded later.
	StateRemindLater EngagementState = "remind_later"
	// StateDormant means the user stopped engaging and receives no proactive messages.
	StateDormant EngagementState = "dormant"
)

// IsValidEngagementState checks if the given state is one of the five lifecycle states.
func IsValidEngagementState(s EngagementState) bool {
	switch s {
	case StateActive, StateGoodbyeSent, StateHelpFlow, StateRemindLater, StateDormant:
		return true
	default:
		return false
	}
}

// Trigger is a named event that may cause an engagement state transition.
type Trigger string

const (
	// TriggerUserMessage fires on any inbound user activity.
	TriggerUserMessage Trigger = "user_message"
	// TriggerInactivity14d fires when the daily sweep finds 14+ days without activity.
	TriggerInactivity14d Trigger = "inactivity_14d"
	// TriggerGoodbyeResponse1 is the "I need help" reply to a goodbye message.
	TriggerGoodbyeResponse1 Trigger = "goodbye_response_1"
	// TriggerGoodbyeResponse2 is the "remind me later" reply to a goodbye message.
	TriggerGoodbyeResponse2 Trigger = "goodbye_response_2"
	// TriggerGoodbyeResponse3 is the "all good" reply to a goodbye message.
	TriggerGoodbyeResponse3 Trigger = "goodbye_response_3"
	// TriggerGoodbyeTimeout fires when the goodbye reply window expires unanswered.
	TriggerGoodbyeTimeout Trigger = "goodbye_timeout"
	// TriggerReminderDue fires when a remind-later deadline passes without activity.
	TriggerReminderDue Trigger = "reminder_due"
)

// Lifecycle timing constants shared by the engine and the sweeps.
const (
	// InactivityThreshold is how long a user may be silent before a goodbye is sent.
	InactivityThreshold = 14 * 24 * time.Hour
	// GoodbyeResponseWindow is how long a goodbye reply is awaited before dormancy.
	GoodbyeResponseWindow = 48 * time.Hour
	// RemindLaterDelay is how far out a remind-later request schedules the reminder.
	RemindLaterDelay = 7 * 24 * time.Hour
	// UnpromptedReturnThreshold is the minimum silence before a dormant reactivation
	// counts as an unprompted return.
	UnpromptedReturnThreshold = 3 * 24 * time.Hour
)

// Error variables shared across components.
var (
	ErrEmptyUserID     = errors.New("user id cannot be empty")
	ErrInvalidState    = errors.New("invalid engagement state")
	ErrInvalidTrigger  = errors.New("invalid trigger")
	ErrEmptyFlowKind   = errors.New("flow kind cannot be empty")
	ErrEmptyPayload    = errors.New("context payload cannot be empty")
	ErrEmptyMessageKey = errors.New("message key cannot be empty")
)

// UserEngagementState is the durable per-user lifecycle record. One live record
// per user, created on first observed activity, mutated only through validated
// transitions, never deleted.
type UserEngagementState struct {
	UserID           string          `json:"user_id"`
	State            EngagementState `json:"state"`
	LastActivityAt   time.Time       `json:"last_activity_at"`
	GoodbyeSentAt    *time.Time      `json:"goodbye_sent_at,omitempty"`
	GoodbyeExpiresAt *time.Time      `json:"goodbye_expires_at,omitempty"`
	RemindAt         *time.Time      `json:"remind_at,omitempty"`
	// Version implements optimistic concurrency: every committed write bumps it,
	// and conditional writes against a stale version are rejected.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUserEngagementState bootstraps a fresh record in the active state.
func NewUserEngagementState(userID string, firstActivity time.Time) UserEngagementState {
	return UserEngagementState{
		UserID:         userID,
		State:          StateActive,
		LastActivityAt: firstActivity,
		Version:        1,
		CreatedAt:      firstActivity,
		UpdatedAt:      firstActivity,
	}
}

// TransitionMetadata captures the computed context recorded alongside a
// transition. It is written to the append-only log for analytics and debugging
// and is never consulted for control flow.
type TransitionMetadata struct {
	DaysInactive     int    `json:"days_inactive,omitempty"`
	Response         string `json:"response,omitempty"`
	UnpromptedReturn bool   `json:"unprompted_return,omitempty"`
	HoursWaited      int    `json:"hours_waited,omitempty"`
}

// StateTransition is one immutable row of the append-only transition log.
type StateTransition struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	FromState EngagementState    `json:"from_state"`
	ToState   EngagementState    `json:"to_state"`
	Trigger   Trigger            `json:"trigger"`
	Metadata  TransitionMetadata `json:"metadata"`
	CreatedAt time.Time          `json:"created_at"`
}

// TransitionResult reports the outcome of an applyTransition call.
type TransitionResult struct {
	FromState EngagementState `json:"from_state"`
	ToState   EngagementState `json:"to_state"`
	// Applied is false when the (state, trigger) pair is undefined and the
	// trigger was absorbed without mutating anything.
	Applied bool `json:"applied"`
}

// ActivityEvent is an inbound user event delivered by the messaging/NLP layer.
type ActivityEvent struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	// RawText carries the reply text for goodbye-response matching. It may be
	// empty for non-text activity (e.g. a recorded transaction).
	RawText string `json:"raw_text,omitempty"`
	// Destination is the transport address replies and proactive messages go to.
	Destination string `json:"destination,omitempty"`
}

// Validate checks the minimal shape of an activity event.
func (e ActivityEvent) Validate() error {
	if e.UserID == "" {
		return ErrEmptyUserID
	}
	return nil
}

// ActivityResult reports how an inbound event affected the user's engagement
// state, so callers can branch UI behavior (e.g. a welcome-back notice).
type ActivityResult struct {
	Reactivated   bool            `json:"reactivated"`
	PreviousState EngagementState `json:"previous_state"`
}
