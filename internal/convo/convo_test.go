package convo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/testutil"
)

type cardSelectionPayload struct {
	Candidates []string `json:"candidates"`
	Original   string   `json:"original"`
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	contexts := NewContextStore(st)
	ctx := context.Background()

	payload := cardSelectionPayload{
		Candidates: []string{"nubank", "nubank pj"},
		Original:   "paguei 50 no nubank",
	}
	if err := contexts.Store(ctx, "u1", models.FlowCardSelection, payload); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	raw, err := contexts.Get(ctx, "u1", models.FlowCardSelection)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if raw == nil {
		t.Fatal("Expected stored payload")
	}

	var got cardSelectionPayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if len(got.Candidates) != 2 || got.Candidates[0] != "nubank" {
		t.Errorf("Payload mismatch: %+v", got)
	}
}

func TestStoreValidation(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	contexts := NewContextStore(st)
	ctx := context.Background()

	if err := contexts.Store(ctx, "", models.FlowCardSelection, "x"); err != models.ErrEmptyUserID {
		t.Errorf("Expected ErrEmptyUserID, got %v", err)
	}
	if err := contexts.Store(ctx, "u1", "", "x"); err != models.ErrEmptyFlowKind {
		t.Errorf("Expected ErrEmptyFlowKind, got %v", err)
	}
	if err := contexts.Store(ctx, "u1", models.FlowCardSelection, nil); err != models.ErrEmptyPayload {
		t.Errorf("Expected ErrEmptyPayload for nil payload, got %v", err)
	}
}

func TestStoreOverwritesSameKey(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	contexts := NewContextStore(st)
	ctx := context.Background()

	if err := contexts.Store(ctx, "u1", models.FlowCardSelection, map[string]string{"v": "first"}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := contexts.Store(ctx, "u1", models.FlowCardSelection, map[string]string{"v": "second"}); err != nil {
		t.Fatalf("Second store failed: %v", err)
	}

	raw, err := contexts.Get(ctx, "u1", models.FlowCardSelection)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if got["v"] != "second" {
		t.Errorf("Expected overwritten payload, got %q", got["v"])
	}
}

func TestGetLazilyExpiresStaleContext(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	contexts := NewContextStore(st)
	ctx := context.Background()

	// Plant an already-expired row directly in the store.
	now := time.Now()
	if err := st.UpsertContext(models.PendingConversationContext{
		UserID:    "u1",
		FlowKind:  models.FlowPayoffSelection,
		Payload:   []byte(`{"options":[1]}`),
		CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-5 * time.Minute),
	}); err != nil {
		t.Fatalf("UpsertContext failed: %v", err)
	}

	raw, err := contexts.Get(ctx, "u1", models.FlowPayoffSelection)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if raw != nil {
		t.Errorf("Expired context must not be surfaced, got %s", raw)
	}

	// The lazy read also deleted the row.
	stored, err := st.GetContext("u1", models.FlowPayoffSelection)
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if stored != nil {
		t.Errorf("Expected lazy expiry to delete the row, got %+v", stored)
	}
}

func TestConsumeReadsOnce(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	contexts := NewContextStore(st)
	ctx := context.Background()

	if err := contexts.Store(ctx, "u1", models.FlowCorrectionConfirmation, map[string]string{"txn": "t-42"}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	first, err := contexts.Consume(ctx, "u1", models.FlowCorrectionConfirmation)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if first == nil {
		t.Fatal("First consume must observe the payload")
	}

	second, err := contexts.Consume(ctx, "u1", models.FlowCorrectionConfirmation)
	if err != nil {
		t.Fatalf("Second consume failed: %v", err)
	}
	if second != nil {
		t.Errorf("Second consume must observe nothing, got %s", second)
	}
}

func TestConsumeDiscardsExpiredContext(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	contexts := NewContextStore(st)
	ctx := context.Background()

	now := time.Now()
	if err := st.UpsertContext(models.PendingConversationContext{
		UserID:    "u1",
		FlowKind:  models.FlowCardSelection,
		Payload:   []byte(`{"candidates":["x"]}`),
		CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("UpsertContext failed: %v", err)
	}

	raw, err := contexts.Consume(ctx, "u1", models.FlowCardSelection)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if raw != nil {
		t.Errorf("Expired payload must not be surfaced, got %s", raw)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	contexts := NewContextStore(st)
	ctx := context.Background()

	if err := contexts.Store(ctx, "u1", models.FlowCardSelection, map[string]string{"v": "x"}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := contexts.Cancel(ctx, "u1", models.FlowCardSelection); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	raw, _ := contexts.Get(ctx, "u1", models.FlowCardSelection)
	if raw != nil {
		t.Errorf("Expected no payload after cancel, got %s", raw)
	}

	// A timer firing after the flow completed cancels an absent key harmlessly.
	if err := contexts.Cancel(ctx, "u1", models.FlowCardSelection); err != nil {
		t.Errorf("Cancelling absent context should not fail: %v", err)
	}
}

func TestKindsStoredIndependently(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	contexts := NewContextStore(st)
	ctx := context.Background()

	if err := contexts.Store(ctx, "u1", models.FlowCardSelection, map[string]string{"v": "card"}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := contexts.Store(ctx, "u1", models.FlowPayoffSelection, map[string]string{"v": "payoff"}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if _, err := contexts.Consume(ctx, "u1", models.FlowCardSelection); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	raw, err := contexts.Get(ctx, "u1", models.FlowPayoffSelection)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if raw == nil {
		t.Errorf("Consuming one flow kind must not affect another")
	}
}
