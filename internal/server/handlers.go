package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/models"
	"github.com/claude/liftsync/internal/workout"
)

const settleTimeout = 5 * time.Second

// deviceFor resolves the calling device's engine, or writes an error.
func (s *Server) deviceFor(w http.ResponseWriter, r *http.Request) (*device, bool) {
	deviceID := r.Header.Get("X-Device-ID")
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-Device-ID header required"})
		return nil, false
	}
	dev, err := s.devices.get(r.Context(), deviceID, userInfoFromContext(r), actingFromContext(r))
	if err != nil {
		s.log.Warn("restoring active session failed", "device", deviceID, "error", err)
	}
	return dev, true
}

// writeSnapshot answers with the engine state. With ?settle=1 it first waits
// for background writes so the response reflects persisted state.
func (s *Server) writeSnapshot(w http.ResponseWriter, r *http.Request, dev *device, status int) {
	if r.URL.Query().Get("settle") == "1" {
		ctx, cancel := context.WithTimeout(r.Context(), settleTimeout)
		defer cancel()
		if err := dev.engine.Settle(ctx); err != nil {
			s.log.Warn("settle timed out", "error", err)
		}
	}
	writeJSON(w, status, dev.engine.Snapshot())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFor(w, r)
	if !ok {
		return
	}
	s.writeSnapshot(w, r, dev, http.StatusOK)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var routine models.Routine
	if err := json.NewDecoder(r.Body).Decode(&routine); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	dev, ok := s.deviceFor(w, r)
	if !ok {
		return
	}
	if _, err := dev.engine.Start(r.Context(), routine); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, r, dev, http.StatusCreated)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFor(w, r)
	if !ok {
		return
	}
	ended, err := dev.engine.End(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": ended, "snapshot": dev.engine.Snapshot()})
}

// engineAction adapts an engine call that only reports an error.
func (s *Server) engineAction(fn func(ctx context.Context, dev *device) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dev, ok := s.deviceFor(w, r)
		if !ok {
			return
		}
		if err := fn(r.Context(), dev); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeSnapshot(w, r, dev, http.StatusOK)
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.Pause(ctx)
	})(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.Resume(ctx)
	})(w, r)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.Load(ctx, id)
	})(w, r)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.Reactivate(ctx, id)
	})(w, r)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.Refresh(ctx)
	})(w, r)
}

type focusRequest struct {
	ExerciseID string `json:"exercise_id"`
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req focusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExerciseID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exercise_id required"})
		return
	}
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.SetFocus(ctx, req.ExerciseID)
	})(w, r)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFor(w, r)
	if !ok {
		return
	}
	switch chi.URLParam(r, "edge") {
	case "begin":
		dev.engine.BeginInteraction()
	case "end":
		dev.engine.EndInteraction()
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown interaction edge"})
		return
	}
	s.writeSnapshot(w, r, dev, http.StatusOK)
}

type swipeRequest struct {
	Distance float64 `json:"distance"`
	Travel   float64 `json:"travel"`
}

func (s *Server) handleSwipe(w http.ResponseWriter, r *http.Request) {
	var req swipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	dev, ok := s.deviceFor(w, r)
	if !ok {
		return
	}
	outcome, err := dev.engine.SwipeSet(r.Context(), chi.URLParam(r, "id"), req.Distance, req.Travel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "snapshot": dev.engine.Snapshot()})
}

func (s *Server) handleCompleteSet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.CompleteSet(ctx, id)
	})(w, r)
}

func (s *Server) handleUndoSet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.UndoSet(ctx, id)
	})(w, r)
}

func (s *Server) handleRetrySet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.RetrySet(ctx, id)
	})(w, r)
}

func (s *Server) handleDeleteSet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.DeleteSet(ctx, id)
	})(w, r)
}

func (s *Server) handleAddSet(w http.ResponseWriter, r *http.Request) {
	var tmpl models.TemplateSet
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if tmpl.Kind == "" {
		tmpl.Kind = models.SetKindReps
	}
	dev, ok := s.deviceFor(w, r)
	if !ok {
		return
	}
	set, err := dev.engine.AddSet(r.Context(), chi.URLParam(r, "id"), tmpl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, set)
}

func (s *Server) handleDeleteExercise(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.engineAction(func(ctx context.Context, dev *device) error {
		return dev.engine.DeleteExercise(ctx, id)
	})(w, r)
}

func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFor(w, r)
	if !ok {
		return
	}
	p := r.URL.Query().Get("path")
	redirect := dev.guard.Redirect(p, dev.engine.IsActive())
	writeJSON(w, http.StatusOK, map[string]any{
		"path":      p,
		"redirect":  redirect,
		"delegated": dev.guard.Delegated(),
	})
}

// handleGetSession returns a persisted session tree, read straight from the
// gateway without touching any device's engine.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.gw.FetchSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.mayRead(w, r, st.Session.SubjectAccountID) {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "id")
	if !s.mayRead(w, r, subject) {
		return
	}
	st, err := s.gw.ActiveSession(r.Context(), subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// mayRead allows the subject and its delegates.
func (s *Server) mayRead(w http.ResponseWriter, r *http.Request, subject string) bool {
	login := userInfoFromContext(r).Login
	if login == subject {
		return true
	}
	if s.grants != nil {
		ok, err := s.grants.CanActFor(r.Context(), login, subject)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return false
		}
		if ok {
			return true
		}
	}
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "no delegation grant for " + subject})
	return false
}

type grantRequest struct {
	DelegateAccountID string `json:"delegate_account_id"`
}

// handleGrant lets the caller allow another account to act for it.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	if s.grants == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "delegation grants not configured"})
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DelegateAccountID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "delegate_account_id required"})
		return
	}
	subject := userInfoFromContext(r).Login
	if err := s.grants.GrantDelegation(r.Context(), req.DelegateAccountID, subject); err != nil {
		s.log.Error("granting delegation failed", "subject", subject, "delegate", req.DelegateAccountID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"delegate_account_id": req.DelegateAccountID, "subject_account_id": subject})
}

// writeError maps an engine or gateway failure onto a status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindAuthorization:
		status = http.StatusForbidden
	case apperr.KindPersistence:
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	body := map[string]string{"error": err.Error(), "code": string(apperr.CodeOf(err))}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body["kind"] = string(ae.Kind)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var _ workout.IdentityResolver = (*deviceIdentity)(nil)
