package workout

import (
	"context"
	"fmt"

	"github.com/claude/liftsync/internal/changefeed"
	"github.com/claude/liftsync/internal/models"
)

// subscription is the change-feed attachment for one session id.
type subscription struct {
	sessionID   string
	inbox       *inbox
	cancel      context.CancelFunc
	unsubscribe func()
}

// attach subscribes to sessionID and starts its dispatcher. A held inbox
// buffers events until release. Called without the engine lock.
func (e *Engine) attach(ctx context.Context, sessionID string, held bool) (*subscription, error) {
	q := newInbox(held)
	unsubscribe, err := e.gw.Subscribe(ctx, sessionID, func(ev changefeed.Event) {
		q.enqueue(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to session %s: %w", sessionID, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{sessionID: sessionID, inbox: q, cancel: cancel, unsubscribe: unsubscribe}
	go q.run(runCtx, func(ev changefeed.Event) { e.applyRemote(sub, ev) })
	e.log.Debug("change feed attached", "session_id", sessionID)
	return sub, nil
}

func (s *subscription) close() {
	s.unsubscribe()
	s.cancel()
}

// detachLocked tears down the current subscription, if any.
func (e *Engine) detachLocked() {
	if e.sub == nil {
		return
	}
	e.sub.close()
	e.log.Debug("change feed detached", "session_id", e.sub.sessionID)
	e.sub = nil
}

func (e *Engine) currentInbox() *inbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub == nil {
		return nil
	}
	return e.sub.inbox
}

// applyRemote merges one feed event into the tree. Events for a replaced
// subscription or another session are dropped; malformed events are logged
// and dropped so the rest of the feed keeps flowing.
func (e *Engine) applyRemote(sub *subscription, ev changefeed.Event) {
	e.mu.Lock()
	if e.sub != sub || e.tree == nil || e.tree.session.ID != ev.SessionID {
		e.mu.Unlock()
		return
	}

	var sigs []Signal
	switch {
	case ev.Table == changefeed.TableSessions && ev.Session != nil:
		if ev.Op != changefeed.OpDelete {
			sigs = e.applySessionRowLocked(*ev.Session)
		}
	case ev.Table == changefeed.TableExercises && ev.Exercise != nil:
		sigs = e.applyExerciseRowLocked(ev.Op, *ev.Exercise)
	case ev.Table == changefeed.TableSets && ev.Set != nil:
		sigs = e.applySetRowLocked(ev.Op, *ev.Set)
	default:
		e.log.Warn("dropping unrecognized change", "table", ev.Table, "op", ev.Op, "session_id", ev.SessionID)
	}
	e.mu.Unlock()

	e.emit(sigs...)
}

func (e *Engine) applySessionRowLocked(row models.WorkoutSession) []Signal {
	prev, applied := e.tree.mergeSession(row)
	if !applied {
		return nil
	}
	var sigs []Signal
	// A local pause or resume in flight derives the phase once it lands.
	if !e.transition {
		sigs = e.derivePhaseLocked(OriginRemoteSync)
	}
	if !equalRef(prev.LastFocusRef, row.LastFocusRef) || e.pendingFocus != nil {
		if sig := e.applyRemoteFocusLocked(row.LastFocusRef); sig != nil {
			sigs = append(sigs, sig)
		}
	}
	return sigs
}

func (e *Engine) applyExerciseRowLocked(op changefeed.Op, row models.ExerciseInstance) []Signal {
	if op == changefeed.OpDelete {
		if !e.tree.removeExercise(row.ID) {
			return nil
		}
		return e.ensureFocusLocked(OriginRemoteSync)
	}
	if !e.tree.mergeExercise(row) {
		return nil
	}
	if e.pendingFocus != nil && *e.pendingFocus == row.ID {
		if sig := e.applyRemoteFocusLocked(e.pendingFocus); sig != nil {
			return []Signal{sig}
		}
	}
	if e.focus == "" {
		return e.ensureFocusLocked(OriginRemoteSync)
	}
	return nil
}

func (e *Engine) applySetRowLocked(op changefeed.Op, row models.SetInstance) []Signal {
	if op == changefeed.OpDelete {
		removed := e.tree.removeSet(row.ID)
		delete(e.completed, row.ID)
		e.anims.cancel(row.ID)
		if removed == nil {
			return nil
		}
		return []Signal{SetChanged{SetID: row.ID, Status: "", Origin: OriginRemoteSync}}
	}

	prev, applied := e.tree.mergeSet(row)
	if !applied {
		return nil
	}
	wasComplete := prev != nil && prev.Complete()
	var sigs []Signal
	switch {
	case row.Complete() && !wasComplete:
		// An echo of this device's own completion settles silently.
		if _, mine := e.completed[row.ID]; !mine {
			sigs = append(sigs, e.startAnimationLocked(row.ID, TriggerRemote))
		}
	case !row.Complete() && wasComplete:
		delete(e.completed, row.ID)
		e.anims.cancel(row.ID)
	}
	if prev == nil || prev.Status != row.Status {
		sigs = append(sigs, SetChanged{SetID: row.ID, Status: row.Status, Origin: OriginRemoteSync})
	}
	return sigs
}

// derivePhaseLocked moves the lifecycle phase to match the session row. An
// end or pause seen here is authoritative regardless of local state, except
// while this device is itself ending the session.
func (e *Engine) derivePhaseLocked(origin Origin) []Signal {
	if e.phase == PhaseEnding || e.phase == PhaseNone || e.phase == PhaseLoading {
		return nil
	}
	next := phaseOf(e.tree.session)
	if next == e.phase {
		return nil
	}
	prev := e.phase
	e.phase = next

	switch {
	case next == PhaseEnded:
		e.stopTickLocked()
		e.anims.cancelAll()
		e.detachLocked()
		e.log.Info("session ended", "session_id", e.tree.session.ID, "origin", origin.String())
		return []Signal{SessionEnded{
			SessionID:        e.tree.session.ID,
			HadCompletedSets: e.tree.hasCompletedSet(),
			Remote:           origin == OriginRemoteSync,
		}}
	case prev == PhaseEnded:
		e.syncTickLocked()
		return []Signal{SessionStarted{SessionID: e.tree.session.ID, Origin: origin}}
	default:
		e.syncTickLocked()
		return []Signal{PauseChanged{Paused: next == PhasePaused, Origin: origin}}
	}
}

func equalRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
