package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/engagement"
	"github.com/lucasven/nexfinapp-sub008/internal/models"
)

// activityRequest is the body of POST /v1/activity, reported by the bot
// backend for every inbound user interaction it processes.
type activityRequest struct {
	UserID      string `json:"user_id"`
	Timestamp   string `json:"timestamp,omitempty"` // RFC3339; defaults to now
	Text        string `json:"text,omitempty"`
	Destination string `json:"destination,omitempty"`
}

func (s *Server) activityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.activityHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	canonicalID, err := s.msgService.ValidateAndCanonicalizeRecipient(req.UserID)
	if err != nil {
		slog.Warn("Server.activityHandler: user validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	timestamp := time.Now()
	if req.Timestamp != "" {
		timestamp, err = time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid timestamp, expected RFC3339"))
			return
		}
	}

	destination := req.Destination
	if destination == "" {
		destination = canonicalID
	}

	result, err := s.tracker.TrackActivity(r.Context(), models.ActivityEvent{
		UserID:      canonicalID,
		Timestamp:   timestamp,
		RawText:     req.Text,
		Destination: destination,
	})
	if err != nil {
		slog.Error("Server.activityHandler: activity tracking failed", "error", err, "userID", canonicalID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to track activity"))
		return
	}

	if result.Reactivated {
		if err := engagement.EnqueueWelcomeBack(s.store, canonicalID, timestamp); err != nil {
			// The reactivation itself is committed; the greeting is best effort.
			slog.Error("Server.activityHandler: welcome back enqueue failed", "error", err, "userID", canonicalID)
		}
	}

	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// engagementHandler serves GET /v1/engagement/{userID} and
// GET /v1/engagement/{userID}/transitions.
func (s *Server) engagementHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/engagement/")
	userID, sub, _ := strings.Cut(rest, "/")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing user ID"))
		return
	}

	switch sub {
	case "":
		s.getEngagementState(w, userID)
	case "transitions":
		s.getTransitions(w, r, userID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	}
}

func (s *Server) getEngagementState(w http.ResponseWriter, userID string) {
	state, err := s.store.GetEngagementState(userID)
	if err != nil {
		slog.Error("Server.getEngagementState: read failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read engagement state"))
		return
	}
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No engagement state for user"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) getTransitions(w http.ResponseWriter, r *http.Request, userID string) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		limit = parsed
	}

	transitions, err := s.store.ListTransitions(userID, limit)
	if err != nil {
		slog.Error("Server.getTransitions: read failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read transitions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(transitions))
}

// contextRequest is the body of POST /v1/context and /v1/context/consume.
type contextRequest struct {
	UserID   string          `json:"user_id"`
	FlowKind models.FlowKind `json:"flow_kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func validFlowKind(kind models.FlowKind) bool {
	switch kind {
	case models.FlowCardSelection, models.FlowPayoffSelection, models.FlowCorrectionConfirmation:
		return true
	}
	return false
}

// contextHandler serves POST (store), GET (peek) and DELETE (cancel) on
// /v1/context.
func (s *Server) contextHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodPost:
		s.storeContext(w, r)
	case http.MethodGet:
		s.getContext(w, r)
	case http.MethodDelete:
		s.cancelContext(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) storeContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !validFlowKind(req.FlowKind) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown flow kind"))
		return
	}
	if err := s.contexts.Store(r.Context(), req.UserID, req.FlowKind, req.Payload); err != nil {
		if err == models.ErrEmptyUserID || err == models.ErrEmptyPayload {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.storeContext: store failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store context"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Context stored", nil))
}

func (s *Server) getContext(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	kind := models.FlowKind(r.URL.Query().Get("flow_kind"))
	if userID == "" || !validFlowKind(kind) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id and a valid flow_kind are required"))
		return
	}

	payload, err := s.contexts.Get(r.Context(), userID, kind)
	if err != nil {
		slog.Error("Server.getContext: read failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read context"))
		return
	}
	if payload == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No pending context"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(payload))
}

func (s *Server) cancelContext(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	kind := models.FlowKind(r.URL.Query().Get("flow_kind"))
	if userID == "" || !validFlowKind(kind) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id and a valid flow_kind are required"))
		return
	}

	if err := s.contexts.Cancel(r.Context(), userID, kind); err != nil {
		slog.Error("Server.cancelContext: delete failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel context"))
		return
	}
	// Cancelling an absent context is still success; the end state is the same.
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Context cancelled", nil))
}

// contextConsumeHandler serves POST /v1/context/consume: an atomic
// read-and-delete so a flow can advance exactly once.
func (s *Server) contextConsumeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UserID == "" || !validFlowKind(req.FlowKind) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id and a valid flow_kind are required"))
		return
	}

	payload, err := s.contexts.Consume(r.Context(), req.UserID, req.FlowKind)
	if err != nil {
		slog.Error("Server.contextConsumeHandler: consume failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to consume context"))
		return
	}
	if payload == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No pending context"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(payload))
}
