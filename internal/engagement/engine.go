package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
	"github.com/lucasven/nexfinapp-sub008/internal/util"
)

// ErrConflict means a transition lost its optimistic-concurrency race twice in
// a row and was not applied. The caller records it as a per-user failure; the
// user is naturally re-evaluated on the next sweep.
var ErrConflict = errors.New("engagement transition lost concurrent update race")

// Engine applies validated transitions to the engagement state store and
// appends them to the transition log.
type Engine struct {
	store store.Store
}

// NewEngine creates an Engine backed by the given store.
func NewEngine(st store.Store) *Engine {
	slog.Debug("Creating engagement Engine")
	return &Engine{store: st}
}

// ApplyTransition reads the user's current state, looks up the transition
// table, and if the pair is defined performs a single atomic read-modify-write
// that updates the state fields and appends a transition log row. Undefined
// pairs are absorbed: nothing is mutated and no log row is written.
//
// A concurrent writer racing on the same user causes a version conflict; the
// loser retries exactly once against the fresh state before giving up with
// ErrConflict.
func (e *Engine) ApplyTransition(ctx context.Context, userID string, trigger models.Trigger, now time.Time) (models.TransitionResult, error) {
	if userID == "" {
		return models.TransitionResult{}, models.ErrEmptyUserID
	}

	res, err := e.applyOnce(ctx, userID, trigger, now)
	if err == store.ErrVersionConflict {
		slog.Debug("Engine.ApplyTransition: version conflict, retrying once", "userID", userID, "trigger", trigger)
		res, err = e.applyOnce(ctx, userID, trigger, now)
		if err == store.ErrVersionConflict {
			slog.Warn("Engine.ApplyTransition: retry lost the race again", "userID", userID, "trigger", trigger)
			return models.TransitionResult{}, ErrConflict
		}
	}
	return res, err
}

func (e *Engine) applyOnce(ctx context.Context, userID string, trigger models.Trigger, now time.Time) (models.TransitionResult, error) {
	if err := ctx.Err(); err != nil {
		return models.TransitionResult{}, fmt.Errorf("transition aborted for %s: %w", userID, err)
	}
	current, err := e.store.GetEngagementState(userID)
	if err != nil {
		return models.TransitionResult{}, fmt.Errorf("failed to read engagement state: %w", err)
	}
	if current == nil {
		// Never-observed users have no lifecycle yet; nothing to transition.
		slog.Debug("Engine.applyOnce: no engagement state", "userID", userID, "trigger", trigger)
		return models.TransitionResult{}, nil
	}

	to, defined := Decide(current.State, trigger)
	if !defined {
		// Routine activity from an already-active user is the common case and
		// stays quiet; any other stray trigger is surfaced at warn level so
		// there is an audit trail.
		if current.State == models.StateActive && trigger == models.TriggerUserMessage {
			slog.Debug("Engine.applyOnce: activity with no pending transition", "userID", userID)
		} else {
			slog.Warn("Engine.applyOnce: trigger absorbed", "userID", userID, "state", current.State, "trigger", trigger)
		}
		return models.TransitionResult{FromState: current.State, ToState: current.State, Applied: false}, nil
	}

	next := *current
	next.State = to
	next.UpdatedAt = now
	applyStateFields(&next, to, now)

	if err := ctx.Err(); err != nil {
		return models.TransitionResult{}, fmt.Errorf("transition aborted for %s: %w", userID, err)
	}
	if err := e.store.UpdateEngagementState(next, current.Version); err != nil {
		if err == store.ErrVersionConflict {
			return models.TransitionResult{}, err
		}
		return models.TransitionResult{}, fmt.Errorf("failed to write engagement state: %w", err)
	}

	transition := models.StateTransition{
		ID:        util.GenerateTransitionID(),
		UserID:    userID,
		FromState: current.State,
		ToState:   to,
		Trigger:   trigger,
		Metadata:  computeMetadata(current, to, trigger, now),
		CreatedAt: now,
	}
	if err := e.store.AppendTransition(transition); err != nil {
		// The state write already committed; the log row is analytics-only, so
		// a failed append must not mask the applied transition.
		slog.Error("Engine.applyOnce: transition log append failed", "error", err, "userID", userID)
	}

	slog.Info("Engine.applyOnce: transition applied", "userID", userID, "from", current.State, "to", to, "trigger", trigger)
	return models.TransitionResult{FromState: current.State, ToState: to, Applied: true}, nil
}

// applyStateFields enforces the field invariants for the target state:
// goodbye_expires_at is set iff goodbye_sent (to goodbye_sent_at + 48h) and
// remind_at is set iff remind_later.
func applyStateFields(next *models.UserEngagementState, to models.EngagementState, now time.Time) {
	next.GoodbyeExpiresAt = nil
	next.RemindAt = nil

	switch to {
	case models.StateGoodbyeSent:
		sentAt := now
		expiresAt := now.Add(models.GoodbyeResponseWindow)
		next.GoodbyeSentAt = &sentAt
		next.GoodbyeExpiresAt = &expiresAt
	case models.StateRemindLater:
		remindAt := now.Add(models.RemindLaterDelay)
		next.RemindAt = &remindAt
	}
}

// computeMetadata fills the analytics metadata recorded with a transition.
func computeMetadata(current *models.UserEngagementState, to models.EngagementState, trigger models.Trigger, now time.Time) models.TransitionMetadata {
	md := models.TransitionMetadata{
		DaysInactive: int(now.Sub(current.LastActivityAt).Hours() / 24),
	}

	switch trigger {
	case models.TriggerGoodbyeResponse1:
		md.Response = "needs_help"
	case models.TriggerGoodbyeResponse2:
		md.Response = "remind_later"
	case models.TriggerGoodbyeResponse3:
		md.Response = "all_good"
	}

	switch trigger {
	case models.TriggerGoodbyeResponse1, models.TriggerGoodbyeResponse2, models.TriggerGoodbyeResponse3, models.TriggerGoodbyeTimeout:
		if current.GoodbyeSentAt != nil {
			md.HoursWaited = int(now.Sub(*current.GoodbyeSentAt).Hours())
		}
	case models.TriggerReminderDue:
		if current.RemindAt != nil {
			md.HoursWaited = int(now.Sub(current.RemindAt.Add(-models.RemindLaterDelay)).Hours())
		}
	}

	if current.State == models.StateDormant && to == models.StateActive &&
		now.Sub(current.LastActivityAt) >= models.UnpromptedReturnThreshold &&
		current.RemindAt == nil && current.GoodbyeExpiresAt == nil {
		md.UnpromptedReturn = true
	}

	return md
}
