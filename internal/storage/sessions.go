package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/changefeed"
	"github.com/claude/liftsync/internal/models"
)

// CreateSession inserts a session with one exercise per routine exercise and
// one default set per template set, in a single transaction.
func (db *DB) CreateSession(ctx context.Context, subjectID string, routine models.Routine, startedAt time.Time) (*models.SessionTree, error) {
	st := models.NewSessionTree(subjectID, routine, startedAt.UTC(), uuid.NewString)
	sess := st.Session

	err := db.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(`INSERT INTO workout_sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, NULL, TRUE, FALSE, NULL, 0, NULL, $6)`,
			sess.ID, sess.SubjectAccountID, sess.RoutineRef, sess.DisplayName, sess.StartedAt, sess.UpdatedAt)
		for _, ex := range st.Exercises {
			batch.Queue(`INSERT INTO exercise_instances (`+exerciseColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				ex.ID, ex.SessionID, ex.TemplateRef, ex.NameSnapshot, ex.Section, ex.OrderIndex, ex.UpdatedAt)
		}
		for _, s := range st.Sets {
			queueInsertSet(batch, s)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting session rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	db.log.Debug("session created", "session_id", sess.ID, "exercises", len(st.Exercises), "sets", len(st.Sets))
	return &st, nil
}

// UpdateSession applies patch field by field. updated_at only moves forward.
func (db *DB) UpdateSession(ctx context.Context, sessionID string, patch models.SessionPatch) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM workout_sessions WHERE id = $1 FOR UPDATE`, sessionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("update session", "session %s", sessionID)
		}
		if err != nil {
			return fmt.Errorf("reading session: %w", err)
		}

		ts := cur.UpdatedAt
		patch.Apply(&cur)
		if ts.After(cur.UpdatedAt) {
			cur.UpdatedAt = ts
		}
		_, err = tx.Exec(ctx,
			`UPDATE workout_sessions SET ended_at = $2, is_active = $3, is_paused = $4, paused_at = $5,
			 paused_seconds = $6, last_focus_ref = $7, updated_at = $8 WHERE id = $1`,
			sessionID, cur.EndedAt, cur.IsActive, cur.IsPaused, cur.PausedAt,
			cur.PausedSeconds, cur.LastFocusRef, cur.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
		return nil
	})
}

// InsertSet stores set under its own id. The session must be active.
func (db *DB) InsertSet(ctx context.Context, set models.SetInstance) (models.SetInstance, error) {
	set.LocalOptimistic, set.Pending, set.SyncError = false, false, ""
	set.UpdatedAt = set.UpdatedAt.UTC()
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if err := requireActive(ctx, tx, "insert set", set.SessionID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		queueInsertSet(batch, set)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting set %s: %w", set.ID, err)
		}
		return nil
	})
	if err != nil {
		return models.SetInstance{}, err
	}
	return set, nil
}

// UpdateSet applies patch unless the stored row is newer. A stale patch is
// dropped without error.
func (db *DB) UpdateSet(ctx context.Context, setID string, patch models.SetPatch) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanSet(tx.QueryRow(ctx,
			`SELECT `+setColumns+` FROM set_instances WHERE id = $1 FOR UPDATE`, setID))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("update set", "set %s", setID)
		}
		if err != nil {
			return fmt.Errorf("reading set: %w", err)
		}
		if err := requireActive(ctx, tx, "update set", cur.SessionID); err != nil {
			return err
		}
		if patch.UpdatedAt.Before(cur.UpdatedAt) {
			db.log.Debug("dropping stale set write", "set_id", setID)
			return nil
		}
		patch.Apply(&cur)
		_, err = tx.Exec(ctx,
			`UPDATE set_instances SET status = $2, completed_by_account_id = $3, updated_at = $4 WHERE id = $1`,
			setID, cur.Status, cur.CompletedBy, cur.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating set: %w", err)
		}
		return nil
	})
}

func (db *DB) DeleteSet(ctx context.Context, setID string) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		var sessionID string
		err := tx.QueryRow(ctx, `SELECT session_id FROM set_instances WHERE id = $1 FOR UPDATE`, setID).Scan(&sessionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("delete set", "set %s", setID)
		}
		if err != nil {
			return fmt.Errorf("reading set: %w", err)
		}
		if err := requireActive(ctx, tx, "delete set", sessionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM set_instances WHERE id = $1`, setID); err != nil {
			return fmt.Errorf("deleting set: %w", err)
		}
		return nil
	})
}

// DeleteExercise removes an exercise and its sets. The sets go first so
// their delete notifications precede the exercise's.
func (db *DB) DeleteExercise(ctx context.Context, exerciseID string) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		var sessionID string
		err := tx.QueryRow(ctx, `SELECT session_id FROM exercise_instances WHERE id = $1 FOR UPDATE`, exerciseID).Scan(&sessionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("delete exercise", "exercise %s", exerciseID)
		}
		if err != nil {
			return fmt.Errorf("reading exercise: %w", err)
		}
		if err := requireActive(ctx, tx, "delete exercise", sessionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM set_instances WHERE exercise_instance_id = $1`, exerciseID); err != nil {
			return fmt.Errorf("deleting sets: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM exercise_instances WHERE id = $1`, exerciseID); err != nil {
			return fmt.Errorf("deleting exercise: %w", err)
		}
		return nil
	})
}

func (db *DB) FetchSession(ctx context.Context, sessionID string) (*models.SessionTree, error) {
	sess, err := scanSession(db.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM workout_sessions WHERE id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("fetch session", "session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	st := &models.SessionTree{Session: sess}
	if st.Exercises, err = queryExercises(ctx, db.Pool, `WHERE session_id = $1 ORDER BY order_index, id`, sessionID); err != nil {
		return nil, err
	}
	if st.Sets, err = querySets(ctx, db.Pool, `WHERE session_id = $1 ORDER BY order_index, id`, sessionID); err != nil {
		return nil, err
	}
	return st, nil
}

// ActiveSession returns the most recently started active session of
// subjectID.
func (db *DB) ActiveSession(ctx context.Context, subjectID string) (*models.SessionTree, error) {
	var id string
	err := db.Pool.QueryRow(ctx,
		`SELECT id FROM workout_sessions WHERE subject_account_id = $1 AND is_active
		 ORDER BY started_at DESC LIMIT 1`, subjectID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("active session", "no active session for %s", subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying active session: %w", err)
	}
	return db.FetchSession(ctx, id)
}

// Subscribe registers h for notifications about sessionID. Delivery needs
// Listen to be running.
func (db *DB) Subscribe(_ context.Context, sessionID string, h changefeed.Handler) (func(), error) {
	return db.feed.Subscribe(sessionID, h), nil
}

func requireActive(ctx context.Context, tx pgx.Tx, op, sessionID string) error {
	var active bool
	err := tx.QueryRow(ctx, `SELECT is_active FROM workout_sessions WHERE id = $1 FOR SHARE`, sessionID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, "session %s", sessionID)
	}
	if err != nil {
		return fmt.Errorf("reading session state: %w", err)
	}
	if !active {
		return apperr.Conflict(op, apperr.CodeSessionNotActive, "session %s has ended", sessionID)
	}
	return nil
}

func queueInsertSet(b *pgx.Batch, s models.SetInstance) {
	b.Queue(`INSERT INTO set_instances (`+setColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.SessionID, s.ExerciseInstanceID, s.TemplateSetRef, s.OrderIndex, s.Kind,
		s.TargetReps, s.TargetDurationSec, s.Weight, s.WeightUnit, s.VariantLabel, s.Status,
		s.CompletedBy, s.UpdatedAt)
}
