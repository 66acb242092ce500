package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/goodtune/timeflow/internal/engine"
	"github.com/goodtune/timeflow/internal/recovery"
	"github.com/goodtune/timeflow/internal/timer"
)

// maxBodyBytes bounds request bodies; every request body here is a small
// JSON object.
const maxBodyBytes = 64 << 10

// TimerResponse is the wire form of the timer state.
type TimerResponse struct {
	Status              timer.Status  `json:"status"`
	StartTime           *time.Time    `json:"startTime,omitempty"`
	EndTime             *time.Time    `json:"endTime,omitempty"`
	PausedAt            *time.Time    `json:"pausedAt,omitempty"`
	ElapsedSeconds      int64         `json:"elapsedSeconds"`
	TotalElapsedSeconds int64         `json:"totalElapsedSeconds"`
	Context             timer.Context `json:"context"`
	SessionID           string        `json:"sessionId"`
	RecoveryPending     bool          `json:"recoveryPending"`
}

// AccuracyResponse reports a drift check in whole seconds.
type AccuracyResponse struct {
	ExpectedSeconds int64     `json:"expectedSeconds"`
	ActualSeconds   int64     `json:"actualSeconds"`
	DriftSeconds    int64     `json:"driftSeconds"`
	IsAccurate      bool      `json:"isAccurate"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// RecoveryResponse describes a pending recovery offer.
type RecoveryResponse struct {
	PreviousSessionID string        `json:"previousSessionId"`
	GapSeconds        int64         `json:"gapSeconds"`
	ElapsedSeconds    int64         `json:"elapsedSeconds"`
	Context           timer.Context `json:"context"`
	DetectedAt        time.Time     `json:"detectedAt"`
}

// RecoveryRequest selects how a pending offer is applied.
type RecoveryRequest struct {
	Policy string `json:"policy"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.timer.Healthy(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetTimer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.timerResponse(s.timer.Snapshot()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var update timer.ContextUpdate
	if !decodeBody(w, r, &update) {
		return
	}
	state, err := s.timer.Start(update)
	s.respondState(w, state, err)
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	var update timer.ContextUpdate
	if !decodeBody(w, r, &update) {
		return
	}
	state, err := s.timer.UpdateContext(update)
	s.respondState(w, state, err)
}

// transition adapts a body-less engine operation into a handler.
func (s *Server) transition(op func() (timer.State, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := op()
		s.respondState(w, state, err)
	}
}

func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	m := s.timer.Accuracy()
	writeJSON(w, http.StatusOK, AccuracyResponse{
		ExpectedSeconds: int64(m.Expected / time.Second),
		ActualSeconds:   int64(m.Actual / time.Second),
		DriftSeconds:    m.DriftSeconds(),
		IsAccurate:      m.IsAccurate,
		CheckedAt:       m.CheckedAt.UTC(),
	})
}

func (s *Server) handleGetRecovery(w http.ResponseWriter, r *http.Request) {
	offer, ok := s.timer.PendingRecovery()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, RecoveryResponse{
		PreviousSessionID: offer.PreviousSessionID,
		GapSeconds:        offer.GapSeconds(),
		ElapsedSeconds:    offer.State.ElapsedSeconds,
		Context:           offer.State.Context,
		DetectedAt:        offer.DetectedAt.UTC(),
	})
}

func (s *Server) handleApplyRecovery(w http.ResponseWriter, r *http.Request) {
	var req RecoveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	policy, err := recovery.ParsePolicy(req.Policy)
	if err != nil || policy == recovery.PolicyPrompt {
		writeError(w, http.StatusBadRequest, "invalid_policy",
			fmt.Sprintf("policy must be one of %s, %s or %s",
				recovery.PolicyIncludeGap, recovery.PolicyExcludeGap, recovery.PolicyDiscard))
		return
	}

	state, err := s.timer.ApplyRecovery(policy)
	if errors.Is(err, engine.ErrNoRecovery) {
		writeError(w, http.StatusNotFound, "no_recovery", err.Error())
		return
	}
	s.respondState(w, state, err)
}

func (s *Server) respondState(w http.ResponseWriter, state timer.State, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.timerResponse(state))
	case errors.Is(err, timer.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, engine.ErrDisposed), errors.Is(err, engine.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Error().Err(err).Msg("Timer operation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) timerResponse(state timer.State) TimerResponse {
	_, pending := s.timer.PendingRecovery()
	return TimerResponse{
		Status:              state.Status,
		StartTime:           utc(state.StartTime),
		EndTime:             utc(state.EndTime),
		PausedAt:            utc(state.PausedAt),
		ElapsedSeconds:      state.ElapsedSeconds,
		TotalElapsedSeconds: state.TotalElapsedSeconds,
		Context:             state.Context,
		SessionID:           s.timer.SessionID(),
		RecoveryPending:     pending,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched. It writes a 400 and returns false on malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, `{"error":"internal_error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   errCode,
		Message: message,
		Code:    status,
	})
}
