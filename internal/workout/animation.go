package workout

import (
	"time"

	"github.com/claude/liftsync/internal/clock"
)

// AnimationPhase is a step of the completion animation.
type AnimationPhase string

const (
	AnimCommitting AnimationPhase = "committing"
	AnimExpanding  AnimationPhase = "expanding"
	AnimSettled    AnimationPhase = "settled"
)

// Trigger distinguishes a completion swiped on this device from one that
// arrived through the change feed.
type Trigger string

const (
	TriggerGesture Trigger = "gesture"
	TriggerRemote  Trigger = "remote"
)

// AnimationTimings sets how long each animated phase lasts.
type AnimationTimings struct {
	Commit time.Duration
	Expand time.Duration
}

// DefaultAnimationTimings matches the card transition lengths of the UI.
var DefaultAnimationTimings = AnimationTimings{
	Commit: 150 * time.Millisecond,
	Expand: 350 * time.Millisecond,
}

// AnimationView is the visible state of a running animation.
type AnimationView struct {
	Phase   AnimationPhase `json:"phase"`
	Trigger Trigger        `json:"trigger"`
}

type animRun struct {
	phase   AnimationPhase
	trigger Trigger
	timer   clock.Timer
}

// animations tracks running completion animations by set id. Guarded by the
// engine lock.
type animations struct {
	timings AnimationTimings
	runs    map[string]*animRun
}

func newAnimations(t AnimationTimings) *animations {
	return &animations{timings: t, runs: make(map[string]*animRun)}
}

func (a *animations) running(setID string) bool {
	_, ok := a.runs[setID]
	return ok
}

func (a *animations) view(setID string) *AnimationView {
	r, ok := a.runs[setID]
	if !ok {
		return nil
	}
	return &AnimationView{Phase: r.phase, Trigger: r.trigger}
}

func (a *animations) cancel(setID string) {
	if r, ok := a.runs[setID]; ok {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(a.runs, setID)
	}
}

func (a *animations) cancelAll() {
	for id := range a.runs {
		a.cancel(id)
	}
}

// startAnimationLocked begins the committing -> expanding -> settled
// sequence for setID, replacing any animation already running on it.
func (e *Engine) startAnimationLocked(setID string, trigger Trigger) Signal {
	e.anims.cancel(setID)
	run := &animRun{phase: AnimCommitting, trigger: trigger}
	e.anims.runs[setID] = run
	e.armAnimationLocked(setID, run, e.anims.timings.Commit)
	return AnimationStep{SetID: setID, Phase: AnimCommitting, Trigger: trigger}
}

func (e *Engine) armAnimationLocked(setID string, run *animRun, d time.Duration) {
	run.timer = e.clock.AfterFunc(d, func() { e.stepAnimation(setID, run) })
}

func (e *Engine) stepAnimation(setID string, run *animRun) {
	e.mu.Lock()
	if e.anims.runs[setID] != run {
		e.mu.Unlock()
		return
	}
	switch run.phase {
	case AnimCommitting:
		run.phase = AnimExpanding
		e.armAnimationLocked(setID, run, e.anims.timings.Expand)
	default:
		run.phase = AnimSettled
		delete(e.anims.runs, setID)
	}
	sig := AnimationStep{SetID: setID, Phase: run.phase, Trigger: run.trigger}
	e.mu.Unlock()

	e.emit(sig)
}
