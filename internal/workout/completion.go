package workout

import (
	"context"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/models"
)

// Outcome is the result of a swipe gesture.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeSnappedBack Outcome = "snapped_back"
)

// SwipeSet handles a completion swipe that travelled distance out of travel.
// Below the completion threshold the set snaps back and nothing is written.
func (e *Engine) SwipeSet(ctx context.Context, setID string, distance, travel float64) (Outcome, error) {
	const op = "swipe set"
	if travel <= 0 || distance < 0 {
		return "", apperr.Validation(op, apperr.CodeInvalidGesture, "distance %.1f of travel %.1f", distance, travel)
	}
	if distance/travel < e.threshold {
		e.mu.Lock()
		_, err := e.completableLocked(op, setID)
		e.mu.Unlock()
		if err != nil {
			return "", err
		}
		return OutcomeSnappedBack, nil
	}
	if err := e.completeSet(ctx, op, setID); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

// CompleteSet completes setID as a full-travel gesture.
func (e *Engine) CompleteSet(ctx context.Context, setID string) error {
	return e.completeSet(ctx, "complete set", setID)
}

// completeSet marks the set complete in local state right away and writes it
// in the background. A failed write leaves the set complete with SyncError
// set. Completing the last open set of an exercise advances focus, and
// completing the last open set of the session ends it.
func (e *Engine) completeSet(ctx context.Context, op, setID string) error {
	origin := OriginLocalGesture
	now := e.now()

	e.mu.Lock()
	n, err := e.completableLocked(op, setID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	_, i := e.tree.findSet(setID)
	s := &n.sets[i]
	if s.Complete() {
		e.mu.Unlock()
		return nil
	}

	s.Status = models.SetStatusComplete
	s.CompletedBy = e.actorLocked()
	s.UpdatedAt = now
	s.LocalOptimistic = true
	s.SyncError = ""
	e.completed[setID] = struct{}{}
	row, insert := *s, s.Pending

	sigs := []Signal{
		SetChanged{SetID: setID, Status: row.Status, Origin: origin},
		e.startAnimationLocked(setID, TriggerGesture),
	}

	var autoEnd bool
	if origin.triggersAdvance() && n.complete() {
		var adv []Signal
		adv, autoEnd = e.advanceFromLocked(n)
		sigs = append(sigs, adv...)
	}
	focusSession, focusPatch, writeFocus := e.takeFocusWriteLocked()

	e.beginWriteLocked(setID)
	if writeFocus {
		e.beginWriteLocked(focusSession)
	}
	e.mu.Unlock()

	e.emit(sigs...)

	bg := context.WithoutCancel(ctx)
	e.goTask(func() { e.persistSet(bg, op, row, insert) })
	if writeFocus {
		e.goTask(func() { e.persistFocus(bg, focusSession, focusPatch) })
	}
	if autoEnd {
		e.log.Info("all exercises complete, ending session", "session_id", row.SessionID)
		e.goTask(func() {
			if _, err := e.end(bg, true); err != nil {
				e.log.Error("automatic end failed", "session_id", row.SessionID, "error", err)
			}
		})
	}
	return nil
}

// UndoSet reverts a completed set to default after the user confirmed it.
// The set leaves the manual completion cache so a later completion animates
// again.
func (e *Engine) UndoSet(ctx context.Context, setID string) error {
	const op = "undo set"
	now := e.now()

	e.mu.Lock()
	n, err := e.completableLocked(op, setID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	_, i := e.tree.findSet(setID)
	if !n.sets[i].Complete() {
		e.mu.Unlock()
		return apperr.Conflict(op, apperr.CodeSetNotComplete, "set %s is not complete", setID)
	}

	// The completion write must land before its reversal is issued.
	e.waitWritesLocked(setID)
	if n, err = e.completableLocked(op, setID); err != nil {
		e.mu.Unlock()
		return err
	}
	_, i = e.tree.findSet(setID)
	s := &n.sets[i]
	if !s.Complete() {
		e.mu.Unlock()
		return nil
	}

	s.Status = models.SetStatusDefault
	s.CompletedBy = nil
	s.UpdatedAt = now
	s.SyncError = ""
	delete(e.completed, setID)
	e.anims.cancel(setID)
	sig := SetChanged{SetID: setID, Status: s.Status, Origin: OriginLocalGesture}

	if s.Pending {
		// Never inserted: nothing to revert remotely.
		s.LocalOptimistic = false
		e.mu.Unlock()
		e.emit(sig)
		return nil
	}
	s.LocalOptimistic = true
	row := *s
	e.beginWriteLocked(setID)
	e.mu.Unlock()

	e.emit(sig)
	bg := context.WithoutCancel(ctx)
	e.goTask(func() { e.persistSet(bg, op, row, false) })
	return nil
}

// RetrySet re-issues the write of a set whose last write failed.
func (e *Engine) RetrySet(ctx context.Context, setID string) error {
	const op = "retry set"
	now := e.now()

	e.mu.Lock()
	n, err := e.completableLocked(op, setID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	_, i := e.tree.findSet(setID)
	s := &n.sets[i]
	if s.SyncError == "" || e.writing[setID] > 0 {
		e.mu.Unlock()
		return nil
	}
	s.SyncError = ""
	s.LocalOptimistic = true
	s.UpdatedAt = now
	row, insert := *s, s.Pending
	e.beginWriteLocked(setID)
	e.mu.Unlock()

	e.log.Info("retrying set write", "set_id", setID, "insert", insert)
	bg := context.WithoutCancel(ctx)
	e.goTask(func() { e.persistSet(bg, op, row, insert) })
	return nil
}

// AddSet appends an on-demand set to exerciseID. The set stays pending until
// its first completion inserts it.
func (e *Engine) AddSet(ctx context.Context, exerciseID string, tmpl models.TemplateSet) (models.SetInstance, error) {
	const op = "add set"
	now := e.now()

	e.mu.Lock()
	if err := e.editableLocked(op); err != nil {
		e.mu.Unlock()
		return models.SetInstance{}, err
	}
	n := e.tree.exercise(exerciseID)
	if n == nil {
		e.mu.Unlock()
		return models.SetInstance{}, apperr.NotFound(op, "exercise %s", exerciseID)
	}
	idx := 0
	for _, s := range n.sets {
		idx = max(idx, s.OrderIndex+1)
	}
	tmpl.TemplateRef = nil
	s := tmpl.Instance(e.newID(), n.ex, idx, now)
	s.Pending = true
	n.sets = append(n.sets, s)
	n.sortSets()
	e.mu.Unlock()

	e.emit(SetChanged{SetID: s.ID, Status: s.Status, Origin: OriginLocalGesture})
	return s, nil
}

// DeleteSet removes a set. A template-derived set is hidden instead so the
// template row elsewhere stays untouched. Removing the last visible set of
// an exercise is refused with apperr.ErrExerciseDeleteRequired; the caller
// confirms and uses DeleteExercise.
func (e *Engine) DeleteSet(ctx context.Context, setID string) error {
	const op = "delete set"
	now := e.now()

	e.mu.Lock()
	if err := e.editableLocked(op); err != nil {
		e.mu.Unlock()
		return err
	}
	e.waitWritesLocked(setID)
	if err := e.editableLocked(op); err != nil {
		e.mu.Unlock()
		return err
	}
	n, i := e.tree.findSet(setID)
	if n == nil || !n.sets[i].Visible() {
		e.mu.Unlock()
		return apperr.NotFound(op, "set %s", setID)
	}
	if n.visibleSets() == 1 {
		e.mu.Unlock()
		return apperr.Conflict(op, apperr.CodeExerciseDeleteRequired, "set %s is the last visible set of exercise %s", setID, n.ex.ID)
	}

	prev := n.sets[i]
	hide := prev.TemplateSetRef != nil && !prev.Pending
	if hide {
		s := &n.sets[i]
		s.Status = models.SetStatusHidden
		s.CompletedBy = nil
		s.UpdatedAt = now
	} else {
		e.tree.removeSet(setID)
	}
	delete(e.completed, setID)
	e.anims.cancel(setID)
	status := models.SetStatusHidden
	if !hide {
		status = ""
	}
	sig := SetChanged{SetID: setID, Status: status, Origin: OriginLocalGesture}

	if prev.Pending {
		e.mu.Unlock()
		e.emit(sig)
		return nil
	}
	e.beginWriteLocked(setID)
	e.mu.Unlock()
	e.emit(sig)

	var err error
	if hide {
		err = e.gw.UpdateSet(ctx, setID, models.SetPatch{
			Status:      models.Ptr(models.SetStatusHidden),
			CompletedBy: models.Null[string](),
			UpdatedAt:   now,
		})
	} else {
		err = e.gw.DeleteSet(ctx, setID)
	}

	e.mu.Lock()
	e.endWriteLocked(setID)
	if err == nil {
		e.mu.Unlock()
		return nil
	}
	var rollback []Signal
	if e.tree != nil && e.tree.session.ID == prev.SessionID {
		if cur, j := e.tree.findSet(setID); cur != nil && cur.sets[j].UpdatedAt.Equal(now) {
			cur.sets[j] = prev
		} else if cur == nil {
			e.tree.placeSet(prev)
		}
		rollback = append(rollback, SetChanged{SetID: setID, Status: prev.Status, Origin: OriginLocalGesture})
	}
	e.mu.Unlock()

	e.emit(rollback...)
	e.log.Warn("deleting set failed", "set_id", setID, "error", err)
	return apperr.Persistence(op, err)
}

// DeleteExercise removes an exercise with all of its sets. Focus moves off
// it when it was focused.
func (e *Engine) DeleteExercise(ctx context.Context, exerciseID string) error {
	const op = "delete exercise"

	e.mu.Lock()
	if err := e.editableLocked(op); err != nil {
		e.mu.Unlock()
		return err
	}
	e.waitWritesLocked("")
	if err := e.editableLocked(op); err != nil {
		e.mu.Unlock()
		return err
	}
	n := e.tree.exercise(exerciseID)
	if n == nil {
		e.mu.Unlock()
		return apperr.NotFound(op, "exercise %s", exerciseID)
	}
	sessionID := e.tree.session.ID
	e.tree.removeExercise(exerciseID)
	for _, s := range n.sets {
		delete(e.completed, s.ID)
		e.anims.cancel(s.ID)
	}
	sigs := e.ensureFocusLocked(OriginRestore)
	e.beginWriteLocked(exerciseID)
	e.mu.Unlock()

	e.emit(sigs...)

	err := e.gw.DeleteExercise(ctx, exerciseID)

	e.mu.Lock()
	e.endWriteLocked(exerciseID)
	if err == nil {
		e.mu.Unlock()
		e.log.Info("exercise deleted", "session_id", sessionID, "exercise_id", exerciseID)
		return nil
	}
	var rollback []Signal
	if e.tree != nil && e.tree.session.ID == sessionID && e.tree.exercise(exerciseID) == nil {
		e.tree.exercises = append(e.tree.exercises, n)
		e.tree.sortExercises()
		rollback = e.ensureFocusLocked(OriginRestore)
	}
	e.mu.Unlock()

	e.emit(rollback...)
	e.log.Warn("deleting exercise failed", "exercise_id", exerciseID, "error", err)
	return apperr.Persistence(op, err)
}

// persistSet writes row and folds the result back into the tree. Only the
// row written is marked synced or failed; a newer local change wins.
func (e *Engine) persistSet(ctx context.Context, op string, row models.SetInstance, insert bool) {
	var err error
	if insert {
		_, err = e.gw.InsertSet(ctx, row)
	} else {
		err = e.gw.UpdateSet(ctx, row.ID, models.SetPatch{
			Status:      models.Ptr(row.Status),
			CompletedBy: nullableRef(row.CompletedBy),
			UpdatedAt:   row.UpdatedAt,
		})
	}

	e.mu.Lock()
	e.endWriteLocked(row.ID)
	if e.tree != nil {
		if n, i := e.tree.findSet(row.ID); n != nil && n.sets[i].UpdatedAt.Equal(row.UpdatedAt) {
			s := &n.sets[i]
			if err != nil {
				s.SyncError = err.Error()
			} else {
				s.LocalOptimistic = false
				if insert {
					s.Pending = false
				}
			}
		}
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Warn("set write failed", "set_id", row.ID, "status", row.Status, "insert", insert, "error", err)
		e.emit(SyncFailed{SetID: row.ID, Err: apperr.Persistence(op, err)})
	}
}

func (e *Engine) persistFocus(ctx context.Context, sessionID string, patch models.SessionPatch) {
	err := e.gw.UpdateSession(ctx, sessionID, patch)
	e.mu.Lock()
	e.endWriteLocked(sessionID)
	e.mu.Unlock()
	if err != nil {
		e.log.Warn("persisting focus failed", "session_id", sessionID, "error", err)
	}
}

// completableLocked returns the exercise holding setID when sets can be
// completed or undone right now.
func (e *Engine) completableLocked(op, setID string) (*exerciseNode, error) {
	switch e.phase {
	case PhaseActive:
	case PhasePaused:
		return nil, apperr.Conflict(op, apperr.CodeSetLocked, "session is paused")
	case PhaseEnding:
		return nil, apperr.Conflict(op, apperr.CodeSessionEnding, "session is ending")
	default:
		return nil, apperr.Conflict(op, apperr.CodeSessionNotActive, "no running session")
	}
	n, i := e.tree.findSet(setID)
	if n == nil || !n.sets[i].Visible() {
		return nil, apperr.NotFound(op, "set %s", setID)
	}
	return n, nil
}

// editableLocked reports whether the session structure may change.
func (e *Engine) editableLocked(op string) error {
	switch e.phase {
	case PhaseActive, PhasePaused:
		return nil
	case PhaseEnding:
		return apperr.Conflict(op, apperr.CodeSessionEnding, "session is ending")
	default:
		return apperr.Conflict(op, apperr.CodeSessionNotActive, "no running session")
	}
}

// actorLocked is the account credited with a completion: the signed-in
// account, which differs from the subject in delegated mode.
func (e *Engine) actorLocked() *string {
	if auth := e.ids.AuthenticatedIdentity(); auth != nil && auth.AccountID != "" {
		return models.Ptr(auth.AccountID)
	}
	if e.acting != "" {
		return models.Ptr(e.acting)
	}
	return nil
}

func nullableRef(v *string) models.Nullable[string] {
	if v == nil {
		return models.Null[string]()
	}
	return models.Some(*v)
}
