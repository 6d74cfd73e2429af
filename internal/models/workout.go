package models

import (
	"slices"
	"time"
)

// Section groups exercises within a session. Sections are visited in
// SectionOrder.
type Section string

const (
	SectionWarmup   Section = "warmup"
	SectionTraining Section = "training"
	SectionCooldown Section = "cooldown"
)

// SectionOrder is the fixed navigation priority of sections.
var SectionOrder = []Section{SectionWarmup, SectionTraining, SectionCooldown}

// Valid reports whether s is a known section.
func (s Section) Valid() bool {
	return slices.Contains(SectionOrder, s)
}

// Rank is the position of s in SectionOrder, or len(SectionOrder) if unknown.
func (s Section) Rank() int {
	if i := slices.Index(SectionOrder, s); i >= 0 {
		return i
	}
	return len(SectionOrder)
}

// SetStatus is the persisted status of a set.
type SetStatus string

const (
	SetStatusPending  SetStatus = "pending"
	SetStatusDefault  SetStatus = "default"
	SetStatusComplete SetStatus = "complete"
	SetStatusHidden   SetStatus = "hidden"
)

// Rank orders statuses for last-write-wins tie breaks.
func (s SetStatus) Rank() int {
	switch s {
	case SetStatusHidden:
		return 3
	case SetStatusComplete:
		return 2
	case SetStatusDefault:
		return 1
	default:
		return 0
	}
}

// SetKind distinguishes repetition sets from timed sets.
type SetKind string

const (
	SetKindReps  SetKind = "reps"
	SetKindTimed SetKind = "timed"
)

// WorkoutSession is a row of the workout_sessions table.
type WorkoutSession struct {
	ID               string     `json:"id"`
	SubjectAccountID string     `json:"subject_account_id"`
	RoutineRef       *string    `json:"routine_reference"`
	DisplayName      string     `json:"display_name"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at"`
	IsActive         bool       `json:"is_active"`
	IsPaused         bool       `json:"is_paused"`
	PausedAt         *time.Time `json:"paused_at"`
	PausedSeconds    float64    `json:"paused_seconds"`
	LastFocusRef     *string    `json:"last_focus_ref"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Elapsed computes active time from absolute timestamps: wall time since the
// start, up to the end or the current pause, minus accumulated paused time.
func (s WorkoutSession) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	until := now
	switch {
	case s.EndedAt != nil:
		until = *s.EndedAt
	case s.IsPaused && s.PausedAt != nil:
		until = *s.PausedAt
	}
	d := until.Sub(s.StartedAt) - time.Duration(s.PausedSeconds*float64(time.Second))
	if d < 0 {
		return 0
	}
	return d
}

// ExerciseInstance is a row of the exercise_instances table.
type ExerciseInstance struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	TemplateRef  *string   `json:"template_reference"`
	NameSnapshot string    `json:"name_snapshot"`
	Section      Section   `json:"section"`
	OrderIndex   int       `json:"order_index"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Before orders exercises by section, then order index, then id.
func (e ExerciseInstance) Before(o ExerciseInstance) bool {
	if e.Section.Rank() != o.Section.Rank() {
		return e.Section.Rank() < o.Section.Rank()
	}
	if e.OrderIndex != o.OrderIndex {
		return e.OrderIndex < o.OrderIndex
	}
	return e.ID < o.ID
}

// SetInstance is a row of the set_instances table. LocalOptimistic, Pending
// and SyncError are process-local and never persisted.
type SetInstance struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	ExerciseInstanceID string    `json:"exercise_instance_id"`
	TemplateSetRef     *string   `json:"template_set_reference"`
	OrderIndex         int       `json:"order_index"`
	Kind               SetKind   `json:"kind"`
	TargetReps         *int      `json:"target_reps"`
	TargetDurationSec  *int      `json:"target_duration_seconds"`
	Weight             *float64  `json:"weight"`
	WeightUnit         string    `json:"weight_unit"`
	VariantLabel       string    `json:"variant_label"`
	Status             SetStatus `json:"status"`
	CompletedBy        *string   `json:"completed_by_account_id"`
	UpdatedAt          time.Time `json:"updated_at"`

	LocalOptimistic bool   `json:"-"`
	Pending         bool   `json:"-"`
	SyncError       string `json:"-"`
}

// Before orders sets within an exercise.
func (s SetInstance) Before(o SetInstance) bool {
	if s.OrderIndex != o.OrderIndex {
		return s.OrderIndex < o.OrderIndex
	}
	return s.ID < o.ID
}

// Visible reports whether the set is shown to the user.
func (s SetInstance) Visible() bool {
	return s.Status != SetStatusHidden
}

// Complete reports whether the set has been completed.
func (s SetInstance) Complete() bool {
	return s.Status == SetStatusComplete
}

// SessionTree is a session with its exercises and their sets, as returned by
// a full fetch.
type SessionTree struct {
	Session   WorkoutSession     `json:"session"`
	Exercises []ExerciseInstance `json:"exercises"`
	Sets      []SetInstance      `json:"sets"`
}

// Routine is the snapshot a session is started from.
type Routine struct {
	Reference *string           `json:"reference,omitempty"`
	Name      string            `json:"name"`
	Exercises []RoutineExercise `json:"exercises"`
}

// RoutineExercise is one exercise of a routine with its set templates.
type RoutineExercise struct {
	TemplateRef *string       `json:"template_reference,omitempty"`
	Name        string        `json:"name"`
	Section     Section       `json:"section"`
	Sets        []TemplateSet `json:"sets"`
}

// TemplateSet describes a set to create at session start or on demand.
type TemplateSet struct {
	TemplateRef       *string  `json:"template_set_reference,omitempty"`
	Kind              SetKind  `json:"kind"`
	TargetReps        *int     `json:"target_reps,omitempty"`
	TargetDurationSec *int     `json:"target_duration_seconds,omitempty"`
	Weight            *float64 `json:"weight,omitempty"`
	WeightUnit        string   `json:"weight_unit,omitempty"`
	VariantLabel      string   `json:"variant_label,omitempty"`
}

// Nullable is a patch field that can carry an explicit null. Set reports
// whether the field is part of the patch at all.
type Nullable[T any] struct {
	Set   bool
	Value *T
}

// Some returns a patch field assigning v.
func Some[T any](v T) Nullable[T] {
	return Nullable[T]{Set: true, Value: &v}
}

// Null returns a patch field assigning null.
func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true}
}

// SessionPatch is a partial update of the mutable session columns.
type SessionPatch struct {
	IsActive      *bool
	IsPaused      *bool
	EndedAt       Nullable[time.Time]
	PausedAt      Nullable[time.Time]
	PausedSeconds *float64
	LastFocusRef  Nullable[string]
	UpdatedAt     time.Time
}

// Apply copies the patched fields onto s.
func (p SessionPatch) Apply(s *WorkoutSession) {
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	if p.IsPaused != nil {
		s.IsPaused = *p.IsPaused
	}
	if p.EndedAt.Set {
		s.EndedAt = p.EndedAt.Value
	}
	if p.PausedAt.Set {
		s.PausedAt = p.PausedAt.Value
	}
	if p.PausedSeconds != nil {
		s.PausedSeconds = *p.PausedSeconds
	}
	if p.LastFocusRef.Set {
		s.LastFocusRef = p.LastFocusRef.Value
	}
	if !p.UpdatedAt.IsZero() {
		s.UpdatedAt = p.UpdatedAt
	}
}

// SetPatch is a partial update of the mutable set columns.
type SetPatch struct {
	Status      *SetStatus
	CompletedBy Nullable[string]
	UpdatedAt   time.Time
}

// Apply copies the patched fields onto s.
func (p SetPatch) Apply(s *SetInstance) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.CompletedBy.Set {
		s.CompletedBy = p.CompletedBy.Value
	}
	if !p.UpdatedAt.IsZero() {
		s.UpdatedAt = p.UpdatedAt
	}
}

// Identity is an account id produced by the authentication layer.
type Identity struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
