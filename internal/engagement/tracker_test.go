package engagement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/testutil"
)

func TestTrackActivityBootstrapsNewUser(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	tracker := NewTracker(st, NewEngine(st))

	now := time.Now()
	result, err := tracker.TrackActivity(context.Background(), models.ActivityEvent{
		UserID:    "u1",
		Timestamp: now,
		RawText:   "spent 30 on lunch",
	})
	if err != nil {
		t.Fatalf("TrackActivity failed: %v", err)
	}
	if result.Reactivated {
		t.Errorf("First-ever activity is not a reactivation")
	}

	state, err := st.GetEngagementState("u1")
	if err != nil {
		t.Fatalf("GetEngagementState failed: %v", err)
	}
	if state == nil {
		t.Fatal("Expected engagement state to be created")
	}
	if state.State != models.StateActive {
		t.Errorf("New user must start active, got %s", state.State)
	}
}

func TestTrackActivityRejectsEmptyUser(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	tracker := NewTracker(st, NewEngine(st))

	_, err := tracker.TrackActivity(context.Background(), models.ActivityEvent{})
	if err != models.ErrEmptyUserID {
		t.Errorf("Expected ErrEmptyUserID, got %v", err)
	}
}

func TestTrackActivityActiveUserNotReactivated(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	tracker := NewTracker(st, NewEngine(st))

	now := time.Now()
	seedState(t, st, models.NewUserEngagementState("u1", now.Add(-time.Hour)))

	result, err := tracker.TrackActivity(context.Background(), models.ActivityEvent{
		UserID:    "u1",
		Timestamp: now,
	})
	if err != nil {
		t.Fatalf("TrackActivity failed: %v", err)
	}
	if result.Reactivated {
		t.Errorf("Activity while already active is not a reactivation")
	}
	if result.PreviousState != models.StateActive {
		t.Errorf("Expected previous state active, got %s", result.PreviousState)
	}

	state, _ := st.GetEngagementState("u1")
	if !state.LastActivityAt.After(now.Add(-time.Minute)) {
		t.Errorf("last_activity_at should advance on activity, got %v", state.LastActivityAt)
	}
}

func TestTrackActivityDormantUserReactivates(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	tracker := NewTracker(st, NewEngine(st))

	now := time.Now()
	seedState(t, st, models.UserEngagementState{
		UserID:         "u1",
		State:          models.StateDormant,
		LastActivityAt: now.Add(-10 * 24 * time.Hour),
		Version:        3,
		CreatedAt:      now.Add(-60 * 24 * time.Hour),
		UpdatedAt:      now.Add(-10 * 24 * time.Hour),
	})

	result, err := tracker.TrackActivity(context.Background(), models.ActivityEvent{
		UserID:    "u1",
		Timestamp: now,
		RawText:   "hey, spent 12 on coffee",
	})
	if err != nil {
		t.Fatalf("TrackActivity failed: %v", err)
	}
	if !result.Reactivated {
		t.Errorf("Dormant user sending a message must reactivate")
	}
	if result.PreviousState != models.StateDormant {
		t.Errorf("Expected previous state dormant, got %s", result.PreviousState)
	}

	state, _ := st.GetEngagementState("u1")
	if state.State != models.StateActive {
		t.Errorf("Expected active after reactivation, got %s", state.State)
	}
}

func TestTrackActivityGoodbyeReplyOptionTwo(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	tracker := NewTracker(st, NewEngine(st))

	now := time.Now()
	sentAt := now.Add(-2 * time.Hour)
	expiresAt := sentAt.Add(models.GoodbyeResponseWindow)
	seedState(t, st, models.UserEngagementState{
		UserID:           "u1",
		State:            models.StateGoodbyeSent,
		LastActivityAt:   now.Add(-15 * 24 * time.Hour),
		GoodbyeSentAt:    &sentAt,
		GoodbyeExpiresAt: &expiresAt,
		Version:          2,
		CreatedAt:        now.Add(-60 * 24 * time.Hour),
		UpdatedAt:        sentAt,
	})

	result, err := tracker.TrackActivity(context.Background(), models.ActivityEvent{
		UserID:    "u1",
		Timestamp: now,
		RawText:   "2",
	})
	if err != nil {
		t.Fatalf("TrackActivity failed: %v", err)
	}
	if result.Reactivated {
		t.Errorf("Choosing remind-later does not reactivate")
	}

	state, _ := st.GetEngagementState("u1")
	if state.State != models.StateRemindLater {
		t.Errorf("Expected remind_later, got %s", state.State)
	}
	if state.RemindAt == nil {
		t.Errorf("remind_at must be set")
	}
}

func TestTrackActivityGoodbyeReplyAllGoodGoesDormant(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	tracker := NewTracker(st, NewEngine(st))

	now := time.Now()
	sentAt := now.Add(-2 * time.Hour)
	expiresAt := sentAt.Add(models.GoodbyeResponseWindow)
	seedState(t, st, models.UserEngagementState{
		UserID:           "u1",
		State:            models.StateGoodbyeSent,
		LastActivityAt:   now.Add(-15 * 24 * time.Hour),
		GoodbyeSentAt:    &sentAt,
		GoodbyeExpiresAt: &expiresAt,
		Version:          2,
		CreatedAt:        now.Add(-60 * 24 * time.Hour),
		UpdatedAt:        sentAt,
	})

	result, err := tracker.TrackActivity(context.Background(), models.ActivityEvent{
		UserID:    "u1",
		Timestamp: now,
		RawText:   "all good, just busy!",
	})
	if err != nil {
		t.Fatalf("TrackActivity failed: %v", err)
	}
	if result.Reactivated {
		t.Errorf("All-good reply parks the user in dormant, not active")
	}

	state, _ := st.GetEngagementState("u1")
	if state.State != models.StateDormant {
		t.Errorf("Expected dormant, got %s", state.State)
	}
}

func TestTrackActivityGoodbyeUnmatchedReplyReactivates(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	tracker := NewTracker(st, NewEngine(st))

	now := time.Now()
	sentAt := now.Add(-2 * time.Hour)
	expiresAt := sentAt.Add(models.GoodbyeResponseWindow)
	seedState(t, st, models.UserEngagementState{
		UserID:           "u1",
		State:            models.StateGoodbyeSent,
		LastActivityAt:   now.Add(-15 * 24 * time.Hour),
		GoodbyeSentAt:    &sentAt,
		GoodbyeExpiresAt: &expiresAt,
		Version:          2,
		CreatedAt:        now.Add(-60 * 24 * time.Hour),
		UpdatedAt:        sentAt,
	})

	// A reply that matches none of the canned options counts as ordinary
	// activity and reactivates the user.
	result, err := tracker.TrackActivity(context.Background(), models.ActivityEvent{
		UserID:    "u1",
		Timestamp: now,
		RawText:   "spent 200 on groceries yesterday",
	})
	if err != nil {
		t.Fatalf("TrackActivity failed: %v", err)
	}
	if !result.Reactivated {
		t.Errorf("Unmatched goodbye reply must reactivate the user")
	}

	state, _ := st.GetEngagementState("u1")
	if state.State != models.StateActive {
		t.Errorf("Expected active, got %s", state.State)
	}
	if state.GoodbyeExpiresAt != nil {
		t.Errorf("goodbye_expires_at must be cleared outside goodbye_sent")
	}
}

func TestTrackActivityTouchesActivityDespiteConflict(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	racing := &conflictStore{Store: st, remaining: 2}
	tracker := NewTracker(racing, NewEngine(racing))

	now := time.Now()
	lastActivity := now.Add(-10 * 24 * time.Hour)
	seedState(t, st, models.UserEngagementState{
		UserID:         "u1",
		State:          models.StateDormant,
		LastActivityAt: lastActivity,
		Version:        3,
		CreatedAt:      lastActivity,
		UpdatedAt:      lastActivity,
	})

	_, err := tracker.TrackActivity(context.Background(), models.ActivityEvent{
		UserID:    "u1",
		Timestamp: now,
		RawText:   "gastei 40 no mercado",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected conflict to surface, got %v", err)
	}

	// The inbound activity happened regardless of the lost race.
	state, _ := st.GetEngagementState("u1")
	if !state.LastActivityAt.After(lastActivity) {
		t.Errorf("last_activity_at must advance even when the transition conflicts: %v", state.LastActivityAt)
	}
}
