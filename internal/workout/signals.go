package workout

import (
	"time"

	"github.com/claude/liftsync/internal/models"
)

// Signal is a notification for the surrounding application. Signals are
// delivered after the engine lock is released, in the order produced.
type Signal interface {
	signal()
}

// SessionStarted is emitted when a session is installed by Start, Load,
// Reactivate or an identity switch.
type SessionStarted struct {
	SessionID string
	Origin    Origin
}

// SessionEnded is emitted once per session end. Remote is true when another
// device ended it.
type SessionEnded struct {
	SessionID        string
	HadCompletedSets bool
	Remote           bool
	Auto             bool
}

// SessionCleared is emitted when local state is dropped on identity switch.
type SessionCleared struct {
	PreviousActing string
}

// PauseChanged is emitted when the paused state changes locally or remotely.
type PauseChanged struct {
	Paused bool
	Origin Origin
}

// FocusChanged is emitted when the focused exercise changes.
type FocusChanged struct {
	ExerciseID string
	Origin     Origin
}

// SectionComplete is emitted when every exercise of a section is complete.
type SectionComplete struct {
	Section models.Section
}

// SetChanged is emitted when a set's status changes in local state.
type SetChanged struct {
	SetID  string
	Status models.SetStatus
	Origin Origin
}

// AnimationStep is emitted at every completion animation phase.
type AnimationStep struct {
	SetID   string
	Phase   AnimationPhase
	Trigger Trigger
}

// SyncFailed is emitted when an optimistic write fails.
type SyncFailed struct {
	SetID string
	Err   error
}

// Tick is emitted by the 1 Hz clock while the session runs.
type Tick struct {
	Elapsed time.Duration
}

func (SessionStarted) signal()  {}
func (SessionEnded) signal()    {}
func (SessionCleared) signal()  {}
func (PauseChanged) signal()    {}
func (FocusChanged) signal()    {}
func (SectionComplete) signal() {}
func (SetChanged) signal()      {}
func (AnimationStep) signal()   {}
func (SyncFailed) signal()      {}
func (Tick) signal()            {}
