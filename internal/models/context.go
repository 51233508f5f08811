package models

import (
	"encoding/json"
	"time"
)

// FlowKind identifies a multi-step disambiguation flow that keeps short-lived
// conversational context between two user messages.
type FlowKind string

const (
	// FlowCardSelection holds candidate cards while the user picks one.
	FlowCardSelection FlowKind = "card_selection"
	// FlowPayoffSelection holds candidate installment plans for a payoff choice.
	FlowPayoffSelection FlowKind = "payoff_selection"
	// FlowCorrectionConfirmation holds a proposed correction awaiting a yes/no.
	FlowCorrectionConfirmation FlowKind = "correction_confirmation"
)

// ContextTTL is the fixed lifespan of pending conversation context.
const ContextTTL = 5 * time.Minute

// PendingConversationContext is a short-lived payload keyed by (user, flow).
// At most one live context exists per key; a new store call overwrites a stale
// one. It is deleted on consumption, explicit cancellation, or TTL expiry.
type PendingConversationContext struct {
	UserID    string          `json:"user_id"`
	FlowKind  FlowKind        `json:"flow_kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the context is past its TTL at the given instant.
func (c PendingConversationContext) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
