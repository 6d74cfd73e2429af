package workout

import (
	"time"

	"github.com/claude/liftsync/internal/models"
)

// Phase is the lifecycle state of the engine's session.
type Phase string

const (
	PhaseNone    Phase = "none"
	PhaseLoading Phase = "loading"
	PhaseActive  Phase = "active"
	PhasePaused  Phase = "paused"
	PhaseEnding  Phase = "ending"
	PhaseEnded   Phase = "ended"
)

// SetState is the per-set completion state shown to the user.
type SetState string

const (
	SetLocked     SetState = "locked"
	SetDefault    SetState = "default"
	SetCompleting SetState = "completing"
	SetComplete   SetState = "complete"
)

// Progress counts visible sets and exercises.
type Progress struct {
	TotalSets          int `json:"total_sets"`
	CompletedSets      int `json:"completed_sets"`
	TotalExercises     int `json:"total_exercises"`
	CompletedExercises int `json:"completed_exercises"`
}

// Fraction is the completed share of visible sets.
func (p Progress) Fraction() float64 {
	if p.TotalSets == 0 {
		return 0
	}
	return float64(p.CompletedSets) / float64(p.TotalSets)
}

// ProgressOf counts the visible sets of a fetched session tree.
func ProgressOf(st models.SessionTree) Progress {
	return newTree(st).progress()
}

// Snapshot is a read-only copy of the engine state.
type Snapshot struct {
	Session        models.WorkoutSession `json:"session"`
	Phase          Phase                 `json:"phase"`
	Focus          string                `json:"focus,omitempty"`
	ElapsedSeconds int64                 `json:"elapsed_seconds"`
	Progress       Progress              `json:"progress"`
	Exercises      []ExerciseView        `json:"exercises"`
}

// ExerciseView is an exercise with its visible sets.
type ExerciseView struct {
	models.ExerciseInstance
	Complete bool      `json:"complete"`
	Focused  bool      `json:"focused"`
	Sets     []SetView `json:"sets"`
}

// SetView is a visible set with its derived state.
type SetView struct {
	models.SetInstance
	State     SetState       `json:"state"`
	Unsynced  bool           `json:"unsynced"`
	SyncError string         `json:"sync_error,omitempty"`
	Animation *AnimationView `json:"animation,omitempty"`
}

// Set returns the view of set id.
func (s Snapshot) Set(id string) (SetView, bool) {
	for _, ex := range s.Exercises {
		for _, set := range ex.Sets {
			if set.ID == id {
				return set, true
			}
		}
	}
	return SetView{}, false
}

// Exercise returns the view of exercise id.
func (s Snapshot) Exercise(id string) (ExerciseView, bool) {
	for _, ex := range s.Exercises {
		if ex.ID == id {
			return ex, true
		}
	}
	return ExerciseView{}, false
}

// snapshotLocked copies the tree. Caller holds e.mu.
func (e *Engine) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{Phase: e.phase}
	if e.tree == nil {
		return snap
	}
	snap.Session = e.tree.session
	snap.Focus = e.focus
	snap.ElapsedSeconds = int64(e.tree.session.Elapsed(now) / time.Second)
	snap.Progress = e.tree.progress()
	for _, n := range e.tree.exercises {
		ev := ExerciseView{
			ExerciseInstance: n.ex,
			Complete:         n.complete(),
			Focused:          n.ex.ID == e.focus,
		}
		for _, s := range n.sets {
			if !s.Visible() {
				continue
			}
			ev.Sets = append(ev.Sets, SetView{
				SetInstance: s,
				State:       e.setStateLocked(s),
				Unsynced:    s.LocalOptimistic || s.SyncError != "",
				SyncError:   s.SyncError,
				Animation:   e.anims.view(s.ID),
			})
		}
		snap.Exercises = append(snap.Exercises, ev)
	}
	return snap
}

func (e *Engine) setStateLocked(s models.SetInstance) SetState {
	switch {
	case s.Complete() && e.anims.running(s.ID):
		return SetCompleting
	case s.Complete():
		return SetComplete
	case e.phase != PhaseActive:
		return SetLocked
	default:
		return SetDefault
	}
}
