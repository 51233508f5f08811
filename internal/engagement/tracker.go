package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
)

// Tracker classifies inbound user events into triggers and feeds them through
// the state machine. Every observed event advances last_activity_at; a user's
// first-ever event bootstraps their engagement record.
type Tracker struct {
	store  store.Store
	engine *Engine
}

// NewTracker creates a Tracker backed by the given store and engine.
func NewTracker(st store.Store, engine *Engine) *Tracker {
	slog.Debug("Creating engagement Tracker")
	return &Tracker{store: st, engine: engine}
}

// TrackActivity records one inbound user event. It returns whether the event
// reactivated the user (a transition into active from some other state) along
// with the state the user was in before the event, so callers can branch UI
// behavior such as a welcome-back notice.
func (t *Tracker) TrackActivity(ctx context.Context, ev models.ActivityEvent) (models.ActivityResult, error) {
	if err := ev.Validate(); err != nil {
		return models.ActivityResult{}, err
	}
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	current, err := t.store.GetEngagementState(ev.UserID)
	if err != nil {
		return models.ActivityResult{}, fmt.Errorf("failed to read engagement state: %w", err)
	}

	if current == nil {
		fresh := models.NewUserEngagementState(ev.UserID, now)
		err := t.store.CreateEngagementState(fresh)
		if errors.Is(err, store.ErrStateExists) {
			// A concurrent event bootstrapped the user first; fall through to
			// the normal path against the committed record.
			slog.Debug("Tracker.TrackActivity: bootstrap lost race", "userID", ev.UserID)
			current, err = t.store.GetEngagementState(ev.UserID)
			if err != nil {
				return models.ActivityResult{}, fmt.Errorf("failed to re-read engagement state: %w", err)
			}
		} else if err != nil {
			return models.ActivityResult{}, fmt.Errorf("failed to bootstrap engagement state: %w", err)
		} else {
			slog.Info("Tracker.TrackActivity: bootstrapped new user", "userID", ev.UserID)
			return models.ActivityResult{Reactivated: false, PreviousState: models.StateActive}, nil
		}
	}

	trigger := models.TriggerUserMessage
	if current.State == models.StateGoodbyeSent && ev.RawText != "" {
		if classified, ok := ClassifyGoodbyeReply(ev.RawText); ok {
			trigger = classified
			slog.Debug("Tracker.TrackActivity: goodbye reply classified", "userID", ev.UserID, "trigger", trigger)
		}
	}

	res, applyErr := t.engine.ApplyTransition(ctx, ev.UserID, trigger, now)

	// The activity touch runs after the transition so the transition metadata
	// (days inactive, unprompted return) reflects the silence before this
	// event. It happens even when the transition lost its race: the inbound
	// activity is a fact regardless of the lifecycle outcome.
	if err := t.store.TouchLastActivity(ev.UserID, now); err != nil {
		return models.ActivityResult{}, err
	}
	if applyErr != nil {
		return models.ActivityResult{}, applyErr
	}

	reactivated := res.Applied && res.ToState == models.StateActive && res.FromState != models.StateActive
	return models.ActivityResult{Reactivated: reactivated, PreviousState: current.State}, nil
}
