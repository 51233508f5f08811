package models

import (
	"testing"
	"time"
)

func TestNewUserEngagementState(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	state := NewUserEngagementState("5511999990000", now)

	if state.State != StateActive {
		t.Errorf("Expected initial state %q, got %q", StateActive, state.State)
	}
	if state.Version != 1 {
		t.Errorf("Expected initial version 1, got %d", state.Version)
	}
	if !state.LastActivityAt.Equal(now) {
		t.Errorf("Expected last activity %v, got %v", now, state.LastActivityAt)
	}
	if state.GoodbyeSentAt != nil || state.GoodbyeExpiresAt != nil || state.RemindAt != nil {
		t.Errorf("Fresh state should have no timing fields set")
	}
}

func TestActivityEventValidate(t *testing.T) {
	if err := (ActivityEvent{}).Validate(); err != ErrEmptyUserID {
		t.Errorf("Expected ErrEmptyUserID, got %v", err)
	}
	if err := (ActivityEvent{UserID: "u1"}).Validate(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestGoodbyeIdempotencyKey(t *testing.T) {
	// Two goodbyes sent the same UTC day collapse to one key.
	morning := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	if GoodbyeIdempotencyKey("u1", morning) != GoodbyeIdempotencyKey("u1", evening) {
		t.Errorf("Same-day goodbyes should share a key")
	}

	nextDay := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	if GoodbyeIdempotencyKey("u1", morning) == GoodbyeIdempotencyKey("u1", nextDay) {
		t.Errorf("Different days should produce different keys")
	}

	want := "u1:goodbye:2026-03-10"
	if got := GoodbyeIdempotencyKey("u1", morning); got != want {
		t.Errorf("Expected key %q, got %q", want, got)
	}
}

func TestWeeklyReviewIdempotencyKey(t *testing.T) {
	// Monday and Sunday of the same ISO week share a key.
	monday := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	if WeeklyReviewIdempotencyKey("u1", monday) != WeeklyReviewIdempotencyKey("u1", sunday) {
		t.Errorf("Same ISO week should share a key")
	}

	nextMonday := time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)
	if WeeklyReviewIdempotencyKey("u1", monday) == WeeklyReviewIdempotencyKey("u1", nextMonday) {
		t.Errorf("Different ISO weeks should produce different keys")
	}

	// Jan 1 2027 falls in ISO week 53 of 2026.
	yearEdge := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	want := "u1:weekly_review:2026-W53"
	if got := WeeklyReviewIdempotencyKey("u1", yearEdge); got != want {
		t.Errorf("Expected key %q, got %q", want, got)
	}
}

func TestWelcomeBackIdempotencyKeyDistinctPerInstant(t *testing.T) {
	first := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	second := first.Add(time.Second)
	if WelcomeBackIdempotencyKey("u1", first) == WelcomeBackIdempotencyKey("u1", second) {
		t.Errorf("Distinct reactivation instants should produce distinct keys")
	}
	if WelcomeBackIdempotencyKey("u1", first) != WelcomeBackIdempotencyKey("u1", first) {
		t.Errorf("Same instant should produce the same key")
	}
}

func TestPendingConversationContextExpired(t *testing.T) {
	now := time.Now()
	ctx := PendingConversationContext{ExpiresAt: now.Add(ContextTTL)}

	if ctx.Expired(now) {
		t.Errorf("Context should not be expired before TTL")
	}
	if !ctx.Expired(now.Add(ContextTTL)) {
		t.Errorf("Context should be expired exactly at TTL")
	}
	if !ctx.Expired(now.Add(ContextTTL + time.Second)) {
		t.Errorf("Context should be expired after TTL")
	}
}
