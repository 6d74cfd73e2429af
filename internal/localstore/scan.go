package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/claude/liftsync/internal/models"
)

const (
	selectSession = `SELECT id, subject_account_id, routine_reference, display_name, started_at, ended_at,
		is_active, is_paused, paused_at, paused_seconds, last_focus_ref, updated_at FROM workout_sessions`
	selectExercise = `SELECT id, session_id, template_reference, name_snapshot, section, order_index, updated_at
		FROM exercise_instances`
	selectSet = `SELECT id, session_id, exercise_instance_id, template_set_reference, order_index, kind,
		target_reps, target_duration_seconds, weight, weight_unit, variant_label, status,
		completed_by_account_id, updated_at FROM set_instances`
)

// Timestamps are stored as Unix nanoseconds.
func nanos(t time.Time) int64 { return t.UnixNano() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanSession(row scanner) (models.WorkoutSession, error) {
	var (
		s                models.WorkoutSession
		routine, focus   sql.NullString
		started, updated int64
		ended, pausedAt  sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.SubjectAccountID, &routine, &s.DisplayName, &started, &ended,
		&s.IsActive, &s.IsPaused, &pausedAt, &s.PausedSeconds, &focus, &updated); err != nil {
		return models.WorkoutSession{}, err
	}
	s.RoutineRef = fromNullString(routine)
	s.LastFocusRef = fromNullString(focus)
	s.StartedAt = fromNanos(started)
	s.EndedAt = fromNullNanos(ended)
	s.PausedAt = fromNullNanos(pausedAt)
	s.UpdatedAt = fromNanos(updated)
	return s, nil
}

func scanExercise(row scanner) (models.ExerciseInstance, error) {
	var (
		e        models.ExerciseInstance
		template sql.NullString
		updated  int64
	)
	if err := row.Scan(&e.ID, &e.SessionID, &template, &e.NameSnapshot, &e.Section, &e.OrderIndex, &updated); err != nil {
		return models.ExerciseInstance{}, err
	}
	e.TemplateRef = fromNullString(template)
	e.UpdatedAt = fromNanos(updated)
	return e, nil
}

func scanSet(row scanner) (models.SetInstance, error) {
	var (
		s                   models.SetInstance
		template, completed sql.NullString
		reps, duration      sql.NullInt64
		weight              sql.NullFloat64
		updated             int64
	)
	if err := row.Scan(&s.ID, &s.SessionID, &s.ExerciseInstanceID, &template, &s.OrderIndex, &s.Kind,
		&reps, &duration, &weight, &s.WeightUnit, &s.VariantLabel, &s.Status, &completed, &updated); err != nil {
		return models.SetInstance{}, err
	}
	s.TemplateSetRef = fromNullString(template)
	s.CompletedBy = fromNullString(completed)
	if reps.Valid {
		s.TargetReps = models.Ptr(int(reps.Int64))
	}
	if duration.Valid {
		s.TargetDurationSec = models.Ptr(int(duration.Int64))
	}
	if weight.Valid {
		s.Weight = models.Ptr(weight.Float64)
	}
	s.UpdatedAt = fromNanos(updated)
	return s, nil
}

func querySets(ctx context.Context, q querier, where string, args ...any) ([]models.SetInstance, error) {
	rows, err := q.QueryContext(ctx, selectSet+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sets: %w", err)
	}
	defer rows.Close()

	var sets []models.SetInstance
	for rows.Next() {
		s, err := scanSet(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning set: %w", err)
		}
		sets = append(sets, s)
	}
	return sets, rows.Err()
}
