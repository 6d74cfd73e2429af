package workout

import (
	"context"
	"slices"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/models"
)

// SetFocus expands exerciseID at the user's request and persists it as the
// session's last focus so other devices follow.
func (e *Engine) SetFocus(ctx context.Context, exerciseID string) error {
	const op = "set focus"

	e.mu.Lock()
	if e.tree == nil {
		e.mu.Unlock()
		return apperr.Conflict(op, apperr.CodeSessionNotActive, "no session loaded")
	}
	if !e.tree.resolves(exerciseID) {
		e.mu.Unlock()
		return apperr.NotFound(op, "exercise %s", exerciseID)
	}
	e.pendingFocus = nil
	sig := e.applyFocusLocked(exerciseID, OriginUserNavigation)
	e.focusDirty = true
	sessionID, patch, persist := e.takeFocusWriteLocked()
	if persist {
		e.beginWriteLocked(sessionID)
	}
	e.mu.Unlock()

	e.emit(sig)
	if !persist {
		return nil
	}
	err := e.gw.UpdateSession(ctx, sessionID, patch)
	e.mu.Lock()
	e.endWriteLocked(sessionID)
	e.mu.Unlock()
	if err != nil {
		e.log.Warn("persisting focus failed", "session_id", sessionID, "exercise_id", exerciseID, "error", err)
		return apperr.Persistence(op, err)
	}
	return nil
}

// BeginInteraction marks the local user as actively interacting. Remote
// focus changes are deferred until the matching EndInteraction.
func (e *Engine) BeginInteraction() {
	e.mu.Lock()
	e.interacting++
	e.mu.Unlock()
}

// EndInteraction applies a remote focus change deferred during interaction.
func (e *Engine) EndInteraction() {
	e.mu.Lock()
	if e.interacting > 0 {
		e.interacting--
	}
	var sig Signal
	if e.interacting == 0 && e.pendingFocus != nil && e.tree != nil {
		sig = e.applyRemoteFocusLocked(e.pendingFocus)
	}
	e.mu.Unlock()

	e.emit(sig)
}

func (e *Engine) applyFocusLocked(id string, origin Origin) Signal {
	if id == e.focus {
		return nil
	}
	e.focus = id
	if origin.persistsFocus() {
		e.focusDirty = true
	}
	return FocusChanged{ExerciseID: id, Origin: origin}
}

// takeFocusWriteLocked records a focus change that must be persisted as the
// last focus in local state and returns the write for it. Nothing is written
// for a session that is not running or already points at the focus.
func (e *Engine) takeFocusWriteLocked() (string, models.SessionPatch, bool) {
	dirty := e.focusDirty
	e.focusDirty = false
	id := e.focus
	if !dirty || id == "" || e.tree == nil {
		return "", models.SessionPatch{}, false
	}
	if e.phase != PhaseActive && e.phase != PhasePaused {
		return "", models.SessionPatch{}, false
	}
	if equalRef(e.tree.session.LastFocusRef, &id) {
		return "", models.SessionPatch{}, false
	}
	now := e.now()
	patch := models.SessionPatch{LastFocusRef: models.Some(id), UpdatedAt: now}
	patch.Apply(&e.tree.session)
	return e.tree.session.ID, patch, true
}

// restoreFocusLocked focuses the persisted last focus if it still resolves,
// else the default. Restoration is never written back.
func (e *Engine) restoreFocusLocked() Signal {
	if ref := e.tree.session.LastFocusRef; ref != nil && e.tree.resolves(*ref) {
		return e.applyFocusLocked(*ref, OriginRestore)
	}
	return e.applyFocusLocked(e.defaultFocusLocked(), OriginRestore)
}

// defaultFocusLocked is the first exercise of the first non-empty section.
func (e *Engine) defaultFocusLocked() string {
	for _, sec := range models.SectionOrder {
		if list := e.tree.section(sec); len(list) > 0 {
			return list[0].ex.ID
		}
	}
	return ""
}

// ensureFocusLocked re-derives focus when the focused exercise is gone.
func (e *Engine) ensureFocusLocked(origin Origin) []Signal {
	if e.tree.resolves(e.focus) {
		return nil
	}
	if sig := e.applyFocusLocked(e.defaultFocusLocked(), origin); sig != nil {
		return []Signal{sig}
	}
	return nil
}

// applyRemoteFocusLocked applies a focus value received from another
// device. Identical values are ignored; values arriving while the user is
// interacting, or naming an exercise not yet received, are kept pending.
func (e *Engine) applyRemoteFocusLocked(ref *string) Signal {
	if ref == nil {
		e.pendingFocus = nil
		return nil
	}
	id := *ref
	if id == e.focus {
		e.pendingFocus = nil
		return nil
	}
	if e.interacting > 0 || !e.tree.resolves(id) {
		e.pendingFocus = &id
		return nil
	}
	e.pendingFocus = nil
	return e.applyFocusLocked(id, OriginRemoteSync)
}

// advanceFromLocked moves focus after done became complete: the next
// incomplete exercise after it in its section, else the first incomplete one
// before it, else the first incomplete exercise of the following sections.
// end is true when nothing is left to do.
func (e *Engine) advanceFromLocked(done *exerciseNode) (sigs []Signal, end bool) {
	list := e.tree.section(done.ex.Section)
	idx := slices.Index(list, done)

	pick := func(nodes []*exerciseNode) string {
		for _, n := range nodes {
			if n.visibleSets() > 0 && !n.complete() {
				return n.ex.ID
			}
		}
		return ""
	}

	target := pick(list[idx+1:])
	if target == "" {
		target = pick(list[:idx])
	}
	if target != "" {
		if sig := e.applyFocusLocked(target, OriginAutoAdvance); sig != nil {
			sigs = append(sigs, sig)
		}
		return sigs, false
	}

	sigs = append(sigs, SectionComplete{Section: done.ex.Section})

	rank := min(done.ex.Section.Rank(), len(models.SectionOrder)-1)
	order := append(slices.Clone(models.SectionOrder[rank+1:]), models.SectionOrder[:rank]...)
	for _, sec := range order {
		if target = pick(e.tree.section(sec)); target != "" {
			if sig := e.applyFocusLocked(target, OriginAutoAdvance); sig != nil {
				sigs = append(sigs, sig)
			}
			return sigs, false
		}
	}
	return sigs, true
}
