// Package store provides the QueueWorker for delivering queued messages.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
)

// SendFunc is the callback that performs the actual transport send. It receives
// the queued message and returns an error if delivery failed.
type SendFunc func(ctx context.Context, msg models.QueuedMessage) error

// QueueWorker periodically claims due pending messages and attempts delivery
// through a transport adapter. The adapter's outcome is reported back into the
// message's status: sent on success, or a bounded retry chain ending in a
// terminal failed status.
type QueueWorker struct {
	repo           MessageStore
	sendFunc       SendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewQueueWorker creates a new QueueWorker.
func NewQueueWorker(repo MessageStore, sendFunc SendFunc, pollInterval time.Duration) *QueueWorker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &QueueWorker{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     25,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (w *QueueWorker) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-w.staleThreshold)
	n, err := w.repo.RequeueStaleSending(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("QueueWorker.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (w *QueueWorker) Run(ctx context.Context) {
	slog.Info("QueueWorker.Run: starting delivery worker", "pollInterval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("QueueWorker.Run: stopping")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *QueueWorker) poll(ctx context.Context) {
	now := time.Now()
	msgs, err := w.repo.ClaimDueMessages(now, w.claimLimit)
	if err != nil {
		slog.Error("QueueWorker.poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("QueueWorker.poll: delivering message", "id", msg.ID, "userID", msg.UserID, "type", msg.MessageType)
		if err := w.sendFunc(ctx, msg); err != nil {
			slog.Error("QueueWorker.poll: delivery failed", "id", msg.ID, "attempt", msg.RetryCount+1, "error", err)
			// Exponential backoff: 30s, 60s, 120s, ...
			backoff := time.Duration(30*(1<<msg.RetryCount)) * time.Second
			if err := w.repo.FailMessage(msg.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("QueueWorker.poll: fail message error", "id", msg.ID, "error", err)
			}
		} else {
			if err := w.repo.MarkMessageSent(msg.ID, time.Now()); err != nil {
				slog.Error("QueueWorker.poll: mark sent error", "id", msg.ID, "error", err)
			}
			slog.Debug("QueueWorker.poll: message delivered", "id", msg.ID, "userID", msg.UserID)
		}
	}
}
