package engagement

import (
	"fmt"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
	"github.com/lucasven/nexfinapp-sub008/internal/util"
)

// EnqueueWelcomeBack queues the greeting for a user returning from a
// non-active state. The idempotency key embeds the reactivation instant, so
// redelivered webhooks or racing ingestion paths collapse to a single send.
func EnqueueWelcomeBack(st store.MessageStore, userID string, reactivatedAt time.Time) error {
	msg := models.QueuedMessage{
		ID:             util.GenerateMessageID(),
		UserID:         userID,
		MessageType:    models.MessageTypeWelcomeBack,
		MessageKey:     "engagement.welcome_back",
		Destination:    userID,
		ScheduledFor:   reactivatedAt,
		Status:         models.MessageStatusPending,
		IdempotencyKey: models.WelcomeBackIdempotencyKey(userID, reactivatedAt),
	}
	if _, err := st.EnqueueMessage(msg); err != nil {
		return fmt.Errorf("failed to enqueue welcome back for %s: %w", userID, err)
	}
	return nil
}
