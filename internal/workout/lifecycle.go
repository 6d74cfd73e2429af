package workout

import (
	"context"
	"time"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/clock"
	"github.com/claude/liftsync/internal/models"
)

// Start creates a session from routine for the acting identity and makes it
// the engine's running session.
func (e *Engine) Start(ctx context.Context, routine models.Routine) (models.WorkoutSession, error) {
	const op = "start session"

	if e.ids.AuthenticatedIdentity() == nil {
		return models.WorkoutSession{}, apperr.Authorization(op, apperr.CodeNoAuthenticatedUser, "not signed in")
	}
	acting := e.ids.ActingIdentity()
	if acting.AccountID == "" {
		return models.WorkoutSession{}, apperr.Authorization(op, apperr.CodeNoActingIdentity, "no acting identity")
	}
	if len(routine.Exercises) == 0 {
		return models.WorkoutSession{}, apperr.Validation(op, apperr.CodeRoutineEmpty, "routine %q has no exercises", routine.Name)
	}
	for i, ex := range routine.Exercises {
		if ex.Section != "" && !ex.Section.Valid() {
			return models.WorkoutSession{}, apperr.Validation(op, apperr.CodeInvalidSection, "exercise %d: unknown section %q", i, ex.Section)
		}
		if len(ex.Sets) == 0 {
			return models.WorkoutSession{}, apperr.Validation(op, apperr.CodeExerciseHasNoSets, "exercise %d (%s) has no sets", i, ex.Name)
		}
	}

	prev, gen, err := e.beginLoading(op, false)
	if err != nil {
		return models.WorkoutSession{}, err
	}

	st, err := e.gw.CreateSession(ctx, acting.AccountID, routine, e.now())
	if err != nil {
		e.abortLoading(prev, gen)
		e.log.Error("creating session failed", "subject_id", acting.AccountID, "error", err)
		return models.WorkoutSession{}, apperr.Persistence(op, err)
	}

	sub := e.attachOrWarn(ctx, st.Session.ID)
	if !e.finishLoading(gen, st, sub, acting.AccountID, OriginLocalGesture) {
		return models.WorkoutSession{}, apperr.Conflict(op, apperr.CodeSessionNotActive, "identity changed while starting")
	}
	e.log.Info("session started", "session_id", st.Session.ID, "subject_id", acting.AccountID, "exercises", len(st.Exercises))
	return st.Session, nil
}

// Load attaches the engine to an existing session, e.g. on a second device or
// after a reload. A paused session stays paused.
func (e *Engine) Load(ctx context.Context, sessionID string) error {
	const op = "load session"

	prev, gen, err := e.beginLoading(op, true)
	if err != nil {
		return err
	}

	// Subscribe before fetching so nothing written in between is missed.
	sub := e.attachOrWarn(ctx, sessionID)
	st, err := e.gw.FetchSession(ctx, sessionID)
	if err != nil {
		if sub != nil {
			sub.close()
		}
		e.abortLoading(prev, gen)
		return apperr.Persistence(op, err)
	}
	acting := e.ids.ActingIdentity().AccountID
	if err := checkSubject(op, st, acting); err != nil {
		if sub != nil {
			sub.close()
		}
		e.abortLoading(prev, gen)
		return err
	}

	if !e.finishLoading(gen, st, sub, acting, OriginRestore) {
		return apperr.Conflict(op, apperr.CodeSessionNotActive, "identity changed while loading")
	}
	return nil
}

// Reactivate revives an ended session, e.g. after an accidental early end.
// Time spent ended does not count as elapsed.
func (e *Engine) Reactivate(ctx context.Context, sessionID string) error {
	const op = "reactivate session"

	e.mu.Lock()
	if e.tree != nil && e.tree.session.ID == sessionID && (e.phase == PhaseActive || e.phase == PhasePaused) {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	prev, gen, err := e.beginLoading(op, true)
	if err != nil {
		return err
	}

	st, err := e.gw.FetchSession(ctx, sessionID)
	if err != nil {
		e.abortLoading(prev, gen)
		return apperr.Persistence(op, err)
	}
	acting := e.ids.ActingIdentity().AccountID
	if err := checkSubject(op, st, acting); err != nil {
		e.abortLoading(prev, gen)
		return err
	}

	if !st.Session.IsActive {
		now := e.now()
		patch := models.SessionPatch{
			IsActive:  models.Ptr(true),
			IsPaused:  models.Ptr(false),
			EndedAt:   models.Null[time.Time](),
			PausedAt:  models.Null[time.Time](),
			UpdatedAt: now,
		}
		if st.Session.EndedAt != nil {
			patch.PausedSeconds = models.Ptr(st.Session.PausedSeconds + now.Sub(*st.Session.EndedAt).Seconds())
		}
		if err := e.gw.UpdateSession(ctx, sessionID, patch); err != nil {
			e.abortLoading(prev, gen)
			e.log.Error("reactivating session failed", "session_id", sessionID, "error", err)
			return apperr.Persistence(op, err)
		}
		patch.Apply(&st.Session)
	}

	sub := e.attachOrWarn(ctx, sessionID)
	if !e.finishLoading(gen, st, sub, acting, OriginLocalGesture) {
		return apperr.Conflict(op, apperr.CodeSessionNotActive, "identity changed while reactivating")
	}
	e.log.Info("session reactivated", "session_id", sessionID)
	return nil
}

// checkSubject rejects a session that belongs to someone other than the
// acting account. Delegates act as the subject, so they pass.
func checkSubject(op string, st *models.SessionTree, acting string) error {
	if acting == "" {
		return apperr.Authorization(op, apperr.CodeNoActingIdentity, "no acting identity")
	}
	if st.Session.SubjectAccountID != acting {
		return apperr.Authorization(op, apperr.CodeNotSessionSubject, "session %s does not belong to %s", st.Session.ID, acting)
	}
	return nil
}

// Refresh re-fetches the session and reconciles local state with it. Set
// writes in flight are waited for first.
func (e *Engine) Refresh(ctx context.Context) error {
	const op = "refresh session"

	e.mu.Lock()
	if e.tree == nil || e.phase == PhaseLoading {
		e.mu.Unlock()
		return apperr.Conflict(op, apperr.CodeSessionNotActive, "no session loaded")
	}
	sessionID := e.tree.session.ID
	e.waitWritesLocked("")
	e.mu.Unlock()

	st, err := e.gw.FetchSession(ctx, sessionID)
	if err != nil {
		return apperr.Persistence(op, err)
	}

	e.mu.Lock()
	if e.tree == nil || e.tree.session.ID != sessionID {
		e.mu.Unlock()
		return nil
	}
	sigs := e.reconcileLocked(st)
	reattach := e.sub == nil && (e.phase == PhaseActive || e.phase == PhasePaused)
	e.mu.Unlock()

	e.emit(sigs...)
	if reattach {
		// Reactivated elsewhere after this device saw the end.
		e.reattach(ctx, sessionID)
	}
	return nil
}

func (e *Engine) reattach(ctx context.Context, sessionID string) {
	sub := e.attachOrWarn(ctx, sessionID)
	if sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub != nil || e.tree == nil || e.tree.session.ID != sessionID || (e.phase != PhaseActive && e.phase != PhasePaused) {
		sub.close()
		return
	}
	e.sub = sub
	sub.inbox.release()
}

// reconcileLocked swaps in a fetched tree while keeping the subscription and,
// when it still resolves, the current focus.
func (e *Engine) reconcileLocked(st *models.SessionTree) []Signal {
	e.tree = newTree(*st)
	for id := range e.completed {
		if n, i := e.tree.findSet(id); n == nil || !n.sets[i].Complete() {
			delete(e.completed, id)
			e.anims.cancel(id)
		}
	}
	sigs := e.derivePhaseLocked(OriginRemoteSync)
	if !e.tree.resolves(e.focus) {
		if sig := e.restoreFocusLocked(); sig != nil {
			sigs = append(sigs, sig)
		}
	}
	return sigs
}

// End finishes the running session. It returns whether at least one set was
// completed. A call while another End is in flight does nothing.
func (e *Engine) End(ctx context.Context) (bool, error) {
	return e.end(ctx, false)
}

func (e *Engine) end(ctx context.Context, auto bool) (bool, error) {
	const op = "end session"

	e.mu.Lock()
	switch e.phase {
	case PhaseEnding:
		e.mu.Unlock()
		return false, nil
	case PhaseActive, PhasePaused:
	default:
		e.mu.Unlock()
		return false, apperr.Conflict(op, apperr.CodeSessionNotActive, "no running session")
	}
	prev := e.phase
	e.phase = PhaseEnding
	sessionID := e.tree.session.ID

	// Completions are rejected from here on; let the accepted ones land.
	e.waitWritesLocked("")
	if e.tree == nil || e.phase != PhaseEnding {
		e.mu.Unlock()
		return false, nil
	}

	now := e.now()
	patch := models.SessionPatch{
		IsActive:  models.Ptr(false),
		IsPaused:  models.Ptr(false),
		EndedAt:   models.Some(now),
		PausedAt:  models.Null[time.Time](),
		UpdatedAt: now,
	}
	if s := e.tree.session; s.IsPaused && s.PausedAt != nil {
		patch.PausedSeconds = models.Ptr(s.PausedSeconds + now.Sub(*s.PausedAt).Seconds())
	}
	e.mu.Unlock()

	if err := e.gw.UpdateSession(ctx, sessionID, patch); err != nil {
		e.mu.Lock()
		if e.phase == PhaseEnding {
			e.phase = prev
		}
		e.mu.Unlock()
		e.log.Error("ending session failed", "session_id", sessionID, "error", err)
		return false, apperr.Persistence(op, err)
	}

	e.mu.Lock()
	if e.tree == nil || e.tree.session.ID != sessionID || e.phase != PhaseEnding {
		e.mu.Unlock()
		return false, nil
	}
	patch.Apply(&e.tree.session)
	e.phase = PhaseEnded
	had := e.tree.hasCompletedSet()
	e.stopTickLocked()
	e.anims.cancelAll()
	e.detachLocked()
	e.mu.Unlock()

	e.log.Info("session ended", "session_id", sessionID, "had_completed_sets", had, "auto", auto)
	e.emit(SessionEnded{SessionID: sessionID, HadCompletedSets: had, Auto: auto})
	return had, nil
}

// Pause pauses the running session. It does nothing unless the session is
// running and unpaused.
func (e *Engine) Pause(ctx context.Context) error {
	return e.togglePause(ctx, true)
}

// Resume resumes a paused session. It does nothing unless the session is
// paused.
func (e *Engine) Resume(ctx context.Context) error {
	return e.togglePause(ctx, false)
}

func (e *Engine) togglePause(ctx context.Context, pause bool) error {
	op, from := "resume session", PhasePaused
	if pause {
		op, from = "pause session", PhaseActive
	}

	now := e.now()
	e.mu.Lock()
	if e.phase != from || e.transition {
		e.mu.Unlock()
		return nil
	}
	e.transition = true
	sessionID := e.tree.session.ID
	patch := models.SessionPatch{IsPaused: models.Ptr(pause), UpdatedAt: now}
	if pause {
		patch.PausedAt = models.Some(now)
	} else {
		patch.PausedAt = models.Null[time.Time]()
		if at := e.tree.session.PausedAt; at != nil {
			patch.PausedSeconds = models.Ptr(e.tree.session.PausedSeconds + now.Sub(*at).Seconds())
		}
	}
	e.mu.Unlock()

	err := e.gw.UpdateSession(ctx, sessionID, patch)

	e.mu.Lock()
	e.transition = false
	if err != nil {
		e.mu.Unlock()
		e.log.Error("updating pause state failed", "session_id", sessionID, "pause", pause, "error", err)
		return apperr.Persistence(op, err)
	}
	if e.tree == nil || e.tree.session.ID != sessionID {
		e.mu.Unlock()
		return nil
	}
	if e.tree.session.IsActive && !e.tree.session.UpdatedAt.After(now) {
		patch.Apply(&e.tree.session)
	}
	sigs := e.derivePhaseLocked(OriginLocalGesture)
	e.mu.Unlock()

	e.emit(sigs...)
	return nil
}

// beginLoading moves the engine to the loading phase. It returns the phase to
// restore on failure and the load generation that finishLoading checks. A
// running session blocks the load unless replace is set.
func (e *Engine) beginLoading(op string, replace bool) (Phase, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.phase {
	case PhaseLoading:
		return "", 0, apperr.Conflict(op, apperr.CodeSessionAlreadyOpen, "a session is already loading")
	case PhaseEnding:
		return "", 0, apperr.Conflict(op, apperr.CodeSessionEnding, "the current session is ending")
	case PhaseActive, PhasePaused:
		if !replace {
			return "", 0, apperr.Conflict(op, apperr.CodeSessionAlreadyOpen, "session %s is still running", e.tree.session.ID)
		}
	}
	prev := e.phase
	e.phase = PhaseLoading
	e.loadGen++
	return prev, e.loadGen, nil
}

func (e *Engine) abortLoading(prev Phase, gen uint64) {
	e.mu.Lock()
	if e.phase == PhaseLoading && e.loadGen == gen {
		e.phase = prev
	}
	e.mu.Unlock()
}

// finishLoading installs st and its subscription. It returns false when the
// load was superseded, e.g. by an identity switch.
func (e *Engine) finishLoading(gen uint64, st *models.SessionTree, sub *subscription, acting string, origin Origin) bool {
	e.mu.Lock()
	if e.phase != PhaseLoading || e.loadGen != gen {
		e.mu.Unlock()
		if sub != nil {
			sub.close()
		}
		return false
	}
	e.detachLocked()
	if e.tree == nil || e.tree.session.ID != st.Session.ID {
		e.completed = make(map[string]struct{})
		e.focus = ""
	}
	e.acting = acting
	sigs := e.installLocked(st, origin)
	if e.phase == PhaseEnded {
		if sub != nil {
			sub.close()
		}
	} else if sub != nil {
		e.sub = sub
		sub.inbox.release()
	}
	e.mu.Unlock()

	e.emit(sigs...)
	return true
}

// attachOrWarn subscribes to sessionID. Without a feed the session still
// runs and Refresh reconciles it.
func (e *Engine) attachOrWarn(ctx context.Context, sessionID string) *subscription {
	sub, err := e.attach(ctx, sessionID, true)
	if err != nil {
		e.log.Warn("running without change feed", "session_id", sessionID, "error", err)
		return nil
	}
	return sub
}

// syncTickLocked runs the 1 Hz tick exactly while the session is active and
// unpaused.
func (e *Engine) syncTickLocked() {
	if e.phase != PhaseActive {
		e.stopTickLocked()
		return
	}
	if e.stopTick == nil {
		e.stopTick = clock.Every(e.clock, e.tick, e.onTick)
	}
}

func (e *Engine) stopTickLocked() {
	if e.stopTick != nil {
		e.stopTick()
		e.stopTick = nil
	}
}

func (e *Engine) onTick() {
	now := e.clock.Now()
	e.mu.Lock()
	if e.phase != PhaseActive || e.tree == nil {
		e.mu.Unlock()
		return
	}
	elapsed := e.tree.session.Elapsed(now)
	e.mu.Unlock()

	e.emit(Tick{Elapsed: elapsed})
}
