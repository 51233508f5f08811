// Package convo provides the ephemeral conversation-context store used by
// multi-step disambiguation flows (card selection, payoff selection,
// correction confirmation).
//
// Context lives in the durable store so it survives process restarts and is
// shared across instances. Expiry is enforced two ways: lazily on every read
// against the stored expiry timestamp, and actively by a background sweep.
package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
)

// DefaultSweepInterval is how often the active expiry sweep runs.
const DefaultSweepInterval = time.Minute

// ContextStore manages pending conversation context with a fixed TTL.
type ContextStore struct {
	store         store.ContextStore
	ttl           time.Duration
	sweepInterval time.Duration
}

// NewContextStore creates a ContextStore with the standard 5-minute TTL.
func NewContextStore(st store.ContextStore) *ContextStore {
	return &ContextStore{
		store:         st,
		ttl:           models.ContextTTL,
		sweepInterval: DefaultSweepInterval,
	}
}

// Store upserts a context payload for (userID, flowKind), overwriting any
// stale entry for the same key and restarting the TTL.
func (c *ContextStore) Store(ctx context.Context, userID string, kind models.FlowKind, payload interface{}) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	if kind == "" {
		return models.ErrEmptyFlowKind
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal context payload: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return models.ErrEmptyPayload
	}

	now := time.Now()
	pending := models.PendingConversationContext{
		UserID:    userID,
		FlowKind:  kind,
		Payload:   raw,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.UpsertContext(pending); err != nil {
		return err
	}
	slog.Debug("ContextStore.Store succeeded", "userID", userID, "flowKind", kind, "ttl", c.ttl)
	return nil
}

// Get returns the live payload for a key, or nil if absent or expired. An
// expired row found on read is deleted lazily, independent of the sweep.
func (c *ContextStore) Get(ctx context.Context, userID string, kind models.FlowKind) (json.RawMessage, error) {
	pending, err := c.store.GetContext(userID, kind)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, nil
	}
	if pending.Expired(time.Now()) {
		slog.Debug("ContextStore.Get: lazy-expiring stale context", "userID", userID, "flowKind", kind)
		if err := c.store.DeleteContext(userID, kind); err != nil {
			slog.Error("ContextStore.Get: lazy expiry delete failed", "error", err, "userID", userID, "flowKind", kind)
		}
		return nil, nil
	}
	return pending.Payload, nil
}

// Consume atomically reads and deletes the payload for a key, giving
// at-most-once semantics for flows that must advance exactly once. A second
// Consume for the same key, or a Consume racing the expiry sweep, returns nil.
func (c *ContextStore) Consume(ctx context.Context, userID string, kind models.FlowKind) (json.RawMessage, error) {
	pending, err := c.store.ConsumeContext(userID, kind)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, nil
	}
	if pending.Expired(time.Now()) {
		// Already deleted by the consume; an expired payload is simply not
		// surfaced.
		slog.Debug("ContextStore.Consume: discarding expired context", "userID", userID, "flowKind", kind)
		return nil, nil
	}
	slog.Debug("ContextStore.Consume succeeded", "userID", userID, "flowKind", kind)
	return pending.Payload, nil
}

// Cancel removes a pending context. Cancelling an absent key is a no-op, so
// timers firing after consumption are harmless.
func (c *ContextStore) Cancel(ctx context.Context, userID string, kind models.FlowKind) error {
	return c.store.DeleteContext(userID, kind)
}

// Run starts the active expiry sweep. It blocks until the context is cancelled.
func (c *ContextStore) Run(ctx context.Context) {
	slog.Info("ContextStore.Run: starting expiry sweep", "interval", c.sweepInterval)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("ContextStore.Run: stopping")
			return
		case <-ticker.C:
			n, err := c.store.PurgeExpiredContexts(time.Now())
			if err != nil {
				slog.Error("ContextStore.Run: purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("ContextStore.Run: purged expired contexts", "count", n)
			}
		}
	}
}
