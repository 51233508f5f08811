package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/engagement"
	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
	"github.com/lucasven/nexfinapp-sub008/internal/testutil"
)

// runDispatcher injects the given responses, closes the service, and drains
// the dispatcher loop to completion.
func runDispatcher(t *testing.T, st store.Store, responses ...models.Response) {
	t.Helper()
	service := NewMockService()
	tracker := engagement.NewTracker(st, engagement.NewEngine(st))
	dispatcher := NewDispatcher(service, tracker, st)

	for _, resp := range responses {
		service.InjectResponse(resp)
	}
	service.Stop()

	// Run returns once the closed channel drains.
	dispatcher.Run(context.Background())
}

func TestDispatcherBootstrapsUnknownSender(t *testing.T) {
	st := testutil.NewSQLiteStore(t)

	now := time.Now()
	runDispatcher(t, st, models.Response{
		From: "5511999990001",
		Body: "gastei 40 no mercado",
		Time: now.Unix(),
	})

	state, err := st.GetEngagementState("5511999990001")
	if err != nil {
		t.Fatalf("GetEngagementState failed: %v", err)
	}
	if state == nil || state.State != models.StateActive {
		t.Errorf("Expected bootstrapped active state, got %+v", state)
	}

	key := models.WelcomeBackIdempotencyKey("5511999990001", time.Unix(now.Unix(), 0))
	msg, _ := st.GetMessageByIdempotencyKey(key)
	if msg != nil {
		t.Errorf("A first-ever message is not a reactivation, got %+v", msg)
	}
}

func TestDispatcherReactivatesDormantUser(t *testing.T) {
	st := testutil.NewSQLiteStore(t)

	now := time.Now()
	if err := st.CreateEngagementState(models.UserEngagementState{
		UserID:         "5511999990002",
		State:          models.StateDormant,
		LastActivityAt: now.Add(-20 * 24 * time.Hour),
		Version:        4,
		CreatedAt:      now.Add(-90 * 24 * time.Hour),
		UpdatedAt:      now.Add(-20 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("Failed to seed state: %v", err)
	}

	runDispatcher(t, st, models.Response{
		From: "5511999990002",
		Body: "oi, voltei",
		Time: now.Unix(),
	})

	state, _ := st.GetEngagementState("5511999990002")
	if state.State != models.StateActive {
		t.Errorf("Expected active after return, got %s", state.State)
	}

	key := models.WelcomeBackIdempotencyKey("5511999990002", time.Unix(now.Unix(), 0))
	msg, err := st.GetMessageByIdempotencyKey(key)
	if err != nil {
		t.Fatalf("GetMessageByIdempotencyKey failed: %v", err)
	}
	if msg == nil {
		t.Fatal("Expected a queued welcome-back message")
	}
	if msg.MessageType != models.MessageTypeWelcomeBack || msg.MessageKey != "engagement.welcome_back" {
		t.Errorf("Unexpected welcome-back message: %+v", msg)
	}
}

func TestDispatcherRoutesGoodbyeReply(t *testing.T) {
	st := testutil.NewSQLiteStore(t)

	now := time.Now()
	sentAt := now.Add(-time.Hour)
	expiresAt := sentAt.Add(models.GoodbyeResponseWindow)
	if err := st.CreateEngagementState(models.UserEngagementState{
		UserID:           "5511999990003",
		State:            models.StateGoodbyeSent,
		LastActivityAt:   now.Add(-15 * 24 * time.Hour),
		GoodbyeSentAt:    &sentAt,
		GoodbyeExpiresAt: &expiresAt,
		Version:          2,
		CreatedAt:        now.Add(-90 * 24 * time.Hour),
		UpdatedAt:        sentAt,
	}); err != nil {
		t.Fatalf("Failed to seed state: %v", err)
	}

	runDispatcher(t, st, models.Response{
		From: "5511999990003",
		Body: "1",
		Time: now.Unix(),
	})

	state, _ := st.GetEngagementState("5511999990003")
	if state.State != models.StateHelpFlow {
		t.Errorf("Expected help_flow after option 1, got %s", state.State)
	}

	// Entering the help flow is not a reactivation.
	key := models.WelcomeBackIdempotencyKey("5511999990003", time.Unix(now.Unix(), 0))
	msg, _ := st.GetMessageByIdempotencyKey(key)
	if msg != nil {
		t.Errorf("Help flow must not queue a welcome back, got %+v", msg)
	}
}

func TestDispatcherSurvivesBadMessage(t *testing.T) {
	st := testutil.NewSQLiteStore(t)

	now := time.Now()
	// An empty sender fails validation; the following message must still land.
	runDispatcher(t, st,
		models.Response{From: "", Body: "???", Time: now.Unix()},
		models.Response{From: "5511999990004", Body: "gastei 10", Time: now.Unix()},
	)

	state, _ := st.GetEngagementState("5511999990004")
	if state == nil || state.State != models.StateActive {
		t.Errorf("Expected the valid message to be tracked, got %+v", state)
	}
}
