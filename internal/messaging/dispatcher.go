package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/engagement"
	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
)

// Dispatcher consumes inbound messages from a Service and feeds them into the
// engagement tracker. When an inbound message reactivates a dormant or
// remind-later user, a welcome-back message is enqueued.
type Dispatcher struct {
	service Service
	tracker *engagement.Tracker
	store   store.MessageStore
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(service Service, tracker *engagement.Tracker, st store.MessageStore) *Dispatcher {
	return &Dispatcher{service: service, tracker: tracker, store: st}
}

// Run consumes the service's response channel until the context is cancelled
// or the channel closes. Tracking failures are logged and skipped; a bad
// message never stops the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run: consuming inbound messages")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: stopping")
			return
		case resp, ok := <-d.service.Responses():
			if !ok {
				slog.Info("Dispatcher.Run: response channel closed")
				return
			}
			d.handle(ctx, resp)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, resp models.Response) {
	ev := models.ActivityEvent{
		UserID:      resp.From,
		Timestamp:   time.Unix(resp.Time, 0),
		RawText:     resp.Body,
		Destination: resp.From,
	}

	result, err := d.tracker.TrackActivity(ctx, ev)
	if err != nil {
		slog.Error("Dispatcher.handle: activity tracking failed", "error", err, "userID", resp.From)
		return
	}

	if result.Reactivated {
		slog.Info("Dispatcher.handle: user reactivated",
			"userID", resp.From, "previousState", result.PreviousState)
		if err := engagement.EnqueueWelcomeBack(d.store, resp.From, ev.Timestamp); err != nil {
			slog.Error("Dispatcher.handle: welcome back enqueue failed", "error", err, "userID", resp.From)
		}
	}
}
