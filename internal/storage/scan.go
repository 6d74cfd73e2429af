package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/claude/liftsync/internal/models"
)

const (
	sessionColumns = `id, subject_account_id, routine_reference, display_name, started_at, ended_at,
		is_active, is_paused, paused_at, paused_seconds, last_focus_ref, updated_at`
	exerciseColumns = `id, session_id, template_reference, name_snapshot, section, order_index, updated_at`
	setColumns      = `id, session_id, exercise_instance_id, template_set_reference, order_index, kind,
		target_reps, target_duration_seconds, weight, weight_unit, variant_label, status,
		completed_by_account_id, updated_at`
)

func scanSession(row pgx.Row) (models.WorkoutSession, error) {
	var s models.WorkoutSession
	err := row.Scan(&s.ID, &s.SubjectAccountID, &s.RoutineRef, &s.DisplayName, &s.StartedAt, &s.EndedAt,
		&s.IsActive, &s.IsPaused, &s.PausedAt, &s.PausedSeconds, &s.LastFocusRef, &s.UpdatedAt)
	if err != nil {
		return models.WorkoutSession{}, err
	}
	s.StartedAt = s.StartedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	if s.EndedAt != nil {
		s.EndedAt = models.Ptr(s.EndedAt.UTC())
	}
	if s.PausedAt != nil {
		s.PausedAt = models.Ptr(s.PausedAt.UTC())
	}
	return s, nil
}

func scanExercise(row pgx.Row) (models.ExerciseInstance, error) {
	var e models.ExerciseInstance
	err := row.Scan(&e.ID, &e.SessionID, &e.TemplateRef, &e.NameSnapshot, &e.Section, &e.OrderIndex, &e.UpdatedAt)
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, err
}

func scanSet(row pgx.Row) (models.SetInstance, error) {
	var s models.SetInstance
	err := row.Scan(&s.ID, &s.SessionID, &s.ExerciseInstanceID, &s.TemplateSetRef, &s.OrderIndex, &s.Kind,
		&s.TargetReps, &s.TargetDurationSec, &s.Weight, &s.WeightUnit, &s.VariantLabel, &s.Status,
		&s.CompletedBy, &s.UpdatedAt)
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, err
}

// querier is satisfied by the pool and by transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryExercises(ctx context.Context, q querier, where string, args ...any) ([]models.ExerciseInstance, error) {
	rows, err := q.Query(ctx, `SELECT `+exerciseColumns+` FROM exercise_instances `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying exercises: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ExerciseInstance, error) {
		return scanExercise(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scanning exercises: %w", err)
	}
	return out, nil
}

func querySets(ctx context.Context, q querier, where string, args ...any) ([]models.SetInstance, error) {
	rows, err := q.Query(ctx, `SELECT `+setColumns+` FROM set_instances `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sets: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SetInstance, error) {
		return scanSet(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scanning sets: %w", err)
	}
	return out, nil
}
