package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/convo"
	"github.com/lucasven/nexfinapp-sub008/internal/engagement"
	"github.com/lucasven/nexfinapp-sub008/internal/messaging"
	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
	"github.com/lucasven/nexfinapp-sub008/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	tracker := engagement.NewTracker(st, engagement.NewEngine(st))
	contexts := convo.NewContextStore(st)
	server := NewServer(st, tracker, contexts, messaging.NewMockService())
	return server, st
}

func serve(t *testing.T, server *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rr := serve(t, server, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health check")

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "health with POST")
}

func TestActivityEndpointTracksUser(t *testing.T) {
	server, st := newTestServer(t)

	rr := serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/activity", map[string]string{
		"user_id": "+55 11 99999-0001",
		"text":    "gastei 40 no mercado",
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "activity post")
	testutil.AssertJSONResponse(t, rr, "ok")

	// The recipient is canonicalized to bare digits before tracking.
	state, err := st.GetEngagementState("5511999990001")
	if err != nil {
		t.Fatalf("GetEngagementState failed: %v", err)
	}
	if state == nil || state.State != models.StateActive {
		t.Errorf("Expected canonicalized user tracked as active, got %+v", state)
	}
}

func TestActivityEndpointEnqueuesWelcomeBack(t *testing.T) {
	server, st := newTestServer(t)

	now := time.Now()
	if err := st.CreateEngagementState(models.UserEngagementState{
		UserID:         "5511999990002",
		State:          models.StateDormant,
		LastActivityAt: now.Add(-30 * 24 * time.Hour),
		Version:        4,
		CreatedAt:      now.Add(-90 * 24 * time.Hour),
		UpdatedAt:      now.Add(-30 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("Failed to seed state: %v", err)
	}

	timestamp := now.Truncate(time.Second)
	rr := serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/activity", map[string]string{
		"user_id":   "5511999990002",
		"timestamp": timestamp.Format(time.RFC3339),
		"text":      "voltei!",
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reactivating activity")

	response := testutil.AssertJSONResponse(t, rr, "ok")
	result, ok := response["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected result object, got %v", response["result"])
	}
	if result["reactivated"] != true {
		t.Errorf("Expected reactivated=true, got %v", result["reactivated"])
	}
	if result["previous_state"] != string(models.StateDormant) {
		t.Errorf("Expected previous_state dormant, got %v", result["previous_state"])
	}

	key := models.WelcomeBackIdempotencyKey("5511999990002", timestamp)
	msg, err := st.GetMessageByIdempotencyKey(key)
	if err != nil {
		t.Fatalf("GetMessageByIdempotencyKey failed: %v", err)
	}
	if msg == nil {
		t.Error("Expected a queued welcome-back message")
	}
}

func TestActivityEndpointValidation(t *testing.T) {
	server, _ := newTestServer(t)

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/activity", nil)
	req.Body = http.NoBody
	rr := serve(t, server, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty body")

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/activity", map[string]string{
		"user_id": "123",
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "too-short user id")

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/activity", map[string]string{
		"user_id":   "5511999990003",
		"timestamp": "yesterday",
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad timestamp")

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodGet, "/v1/activity", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "activity with GET")
}

func TestEngagementEndpoint(t *testing.T) {
	server, st := newTestServer(t)

	rr := serve(t, server, testutil.CreateHTTPRequest(t, http.MethodGet, "/v1/engagement/5511999990004", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown user")

	now := time.Now()
	if err := st.CreateEngagementState(models.NewUserEngagementState("5511999990004", now)); err != nil {
		t.Fatalf("Failed to seed state: %v", err)
	}

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodGet, "/v1/engagement/5511999990004", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "known user")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	result, ok := response["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected result object, got %v", response["result"])
	}
	if result["state"] != string(models.StateActive) {
		t.Errorf("Expected active state, got %v", result["state"])
	}
}

func TestTransitionsEndpoint(t *testing.T) {
	server, st := newTestServer(t)

	now := time.Now()
	rows := []models.StateTransition{
		{ID: "t1", UserID: "5511999990005", FromState: models.StateActive, ToState: models.StateGoodbyeSent,
			Trigger: models.TriggerInactivity14d, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "t2", UserID: "5511999990005", FromState: models.StateGoodbyeSent, ToState: models.StateActive,
			Trigger: models.TriggerUserMessage, CreatedAt: now.Add(-time.Hour)},
	}
	for _, tr := range rows {
		if err := st.AppendTransition(tr); err != nil {
			t.Fatalf("AppendTransition failed: %v", err)
		}
	}

	rr := serve(t, server, testutil.CreateHTTPRequest(t, http.MethodGet, "/v1/engagement/5511999990005/transitions", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "transitions")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	result, ok := response["result"].([]interface{})
	if !ok {
		t.Fatalf("Expected result array, got %v", response["result"])
	}
	if len(result) != 2 {
		t.Errorf("Expected 2 transitions, got %d", len(result))
	}

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodGet, "/v1/engagement/5511999990005/transitions?limit=1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "limited transitions")
	response = testutil.AssertJSONResponse(t, rr, "ok")
	if result, _ := response["result"].([]interface{}); len(result) != 1 {
		t.Errorf("Expected 1 transition with limit=1, got %d", len(result))
	}

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodGet, "/v1/engagement/5511999990005/transitions?limit=zero", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad limit")
}

func TestContextLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)

	body := map[string]interface{}{
		"user_id":   "5511999990006",
		"flow_kind": "card_selection",
		"payload":   map[string]interface{}{"candidates": []string{"nubank", "inter"}},
	}
	rr := serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/context", body))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "store context")

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodGet,
		"/v1/context?user_id=5511999990006&flow_kind=card_selection", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "peek context")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	payload, err := json.Marshal(response["result"])
	if err != nil {
		t.Fatalf("Failed to re-marshal payload: %v", err)
	}
	var decoded struct {
		Candidates []string `json:"candidates"`
	}
	testutil.MustUnmarshalJSON(t, payload, &decoded)
	if len(decoded.Candidates) != 2 {
		t.Errorf("Payload mismatch: %s", payload)
	}

	// Consume returns the payload once, then the key is gone.
	consumeBody := map[string]string{"user_id": "5511999990006", "flow_kind": "card_selection"}
	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/context/consume", consumeBody))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "consume context")

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/context/consume", consumeBody))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "second consume")
}

func TestContextCancelOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)

	body := map[string]interface{}{
		"user_id":   "5511999990007",
		"flow_kind": "payoff_selection",
		"payload":   map[string]int{"plan": 3},
	}
	rr := serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/context", body))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "store context")

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodDelete,
		"/v1/context?user_id=5511999990007&flow_kind=payoff_selection", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel context")

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodGet,
		"/v1/context?user_id=5511999990007&flow_kind=payoff_selection", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "peek after cancel")

	// Cancelling again is still success.
	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodDelete,
		"/v1/context?user_id=5511999990007&flow_kind=payoff_selection", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "repeat cancel")
}

func TestContextValidation(t *testing.T) {
	server, _ := newTestServer(t)

	rr := serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/context", map[string]interface{}{
		"user_id":   "5511999990008",
		"flow_kind": "mystery_flow",
		"payload":   map[string]string{"v": "x"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "unknown flow kind")

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/context", map[string]interface{}{
		"user_id":   "",
		"flow_kind": "card_selection",
		"payload":   map[string]string{"v": "x"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty user id")

	rr = serve(t, server, testutil.CreateHTTPRequest(t, http.MethodGet, "/v1/context?user_id=5511999990008", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing flow kind")
}
