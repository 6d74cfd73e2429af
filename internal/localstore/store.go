// Package localstore is a single-node persistence gateway on SQLite. Writes
// are published to an in-process change feed after commit, which stands in
// for the Postgres notify triggers.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/changefeed"
	"github.com/claude/liftsync/internal/models"
)

//go:embed schema.sql
var schema string

// Store implements workout.Gateway on a SQLite file.
type Store struct {
	db    *sql.DB
	feed  changefeed.Feed
	log   *slog.Logger
	newID func() string
}

// Open opens (or creates) the database at path and applies the schema.
// Changes are published to feed.
func Open(path string, feed changefeed.Feed, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection serializes writers and keeps read-your-writes simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, feed: feed, log: log, newID: uuid.NewString}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction and publishes the events it produced once
// the transaction has committed.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) ([]changefeed.Event, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	events, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	for _, ev := range events {
		s.feed.Publish(ev)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, subjectID string, routine models.Routine, startedAt time.Time) (*models.SessionTree, error) {
	st := models.NewSessionTree(subjectID, routine, startedAt.UTC(), s.newID)

	err := s.withTx(ctx, func(tx *sql.Tx) ([]changefeed.Event, error) {
		sess := st.Session
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workout_sessions (id, subject_account_id, routine_reference, display_name,
			 started_at, ended_at, is_active, is_paused, paused_at, paused_seconds, last_focus_ref, updated_at)
			 VALUES (?, ?, ?, ?, ?, NULL, 1, 0, NULL, 0, NULL, ?)`,
			sess.ID, sess.SubjectAccountID, sess.RoutineRef, sess.DisplayName,
			nanos(sess.StartedAt), nanos(sess.UpdatedAt)); err != nil {
			return nil, fmt.Errorf("inserting session: %w", err)
		}
		events := []changefeed.Event{{Table: changefeed.TableSessions, Op: changefeed.OpInsert, SessionID: sess.ID, Session: &sess}}

		for i := range st.Exercises {
			ex := st.Exercises[i]
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO exercise_instances (id, session_id, template_reference, name_snapshot, section, order_index, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				ex.ID, ex.SessionID, ex.TemplateRef, ex.NameSnapshot, ex.Section, ex.OrderIndex, nanos(ex.UpdatedAt)); err != nil {
				return nil, fmt.Errorf("inserting exercise %q: %w", ex.NameSnapshot, err)
			}
			events = append(events, changefeed.Event{Table: changefeed.TableExercises, Op: changefeed.OpInsert, SessionID: sess.ID, Exercise: &ex})
		}
		for i := range st.Sets {
			set := st.Sets[i]
			if err := insertSet(ctx, tx, set); err != nil {
				return nil, err
			}
			events = append(events, changefeed.Event{Table: changefeed.TableSets, Op: changefeed.OpInsert, SessionID: sess.ID, Set: &set})
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("session created", "session_id", st.Session.ID, "exercises", len(st.Exercises), "sets", len(st.Sets))
	return &st, nil
}

// UpdateSession applies patch field by field. updated_at only moves forward.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, patch models.SessionPatch) error {
	return s.withTx(ctx, func(tx *sql.Tx) ([]changefeed.Event, error) {
		cur, err := scanSession(tx.QueryRowContext(ctx, selectSession+` WHERE id = ?`, sessionID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("update session", "session %s", sessionID)
		}
		if err != nil {
			return nil, fmt.Errorf("reading session: %w", err)
		}

		ts := cur.UpdatedAt
		patch.Apply(&cur)
		if ts.After(cur.UpdatedAt) {
			cur.UpdatedAt = ts
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workout_sessions SET ended_at = ?, is_active = ?, is_paused = ?, paused_at = ?,
			 paused_seconds = ?, last_focus_ref = ?, updated_at = ? WHERE id = ?`,
			nullNanos(cur.EndedAt), cur.IsActive, cur.IsPaused, nullNanos(cur.PausedAt),
			cur.PausedSeconds, cur.LastFocusRef, nanos(cur.UpdatedAt), sessionID); err != nil {
			return nil, fmt.Errorf("updating session: %w", err)
		}
		return []changefeed.Event{{Table: changefeed.TableSessions, Op: changefeed.OpUpdate, SessionID: sessionID, Session: &cur}}, nil
	})
}

// InsertSet stores set under its own id. The session must be active.
func (s *Store) InsertSet(ctx context.Context, set models.SetInstance) (models.SetInstance, error) {
	set.LocalOptimistic, set.Pending, set.SyncError = false, false, ""
	set.UpdatedAt = set.UpdatedAt.UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) ([]changefeed.Event, error) {
		if err := requireActive(ctx, tx, "insert set", set.SessionID); err != nil {
			return nil, err
		}
		if err := insertSet(ctx, tx, set); err != nil {
			return nil, err
		}
		return []changefeed.Event{{Table: changefeed.TableSets, Op: changefeed.OpInsert, SessionID: set.SessionID, Set: &set}}, nil
	})
	if err != nil {
		return models.SetInstance{}, err
	}
	return set, nil
}

// UpdateSet applies patch unless the stored row is newer. A stale patch is
// dropped without error.
func (s *Store) UpdateSet(ctx context.Context, setID string, patch models.SetPatch) error {
	return s.withTx(ctx, func(tx *sql.Tx) ([]changefeed.Event, error) {
		cur, err := scanSet(tx.QueryRowContext(ctx, selectSet+` WHERE id = ?`, setID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("update set", "set %s", setID)
		}
		if err != nil {
			return nil, fmt.Errorf("reading set: %w", err)
		}
		if err := requireActive(ctx, tx, "update set", cur.SessionID); err != nil {
			return nil, err
		}
		if patch.UpdatedAt.Before(cur.UpdatedAt) {
			s.log.Debug("dropping stale set write", "set_id", setID)
			return nil, nil
		}
		patch.Apply(&cur)
		if _, err := tx.ExecContext(ctx,
			`UPDATE set_instances SET status = ?, completed_by_account_id = ?, updated_at = ? WHERE id = ?`,
			cur.Status, cur.CompletedBy, nanos(cur.UpdatedAt), setID); err != nil {
			return nil, fmt.Errorf("updating set: %w", err)
		}
		return []changefeed.Event{{Table: changefeed.TableSets, Op: changefeed.OpUpdate, SessionID: cur.SessionID, Set: &cur}}, nil
	})
}

func (s *Store) DeleteSet(ctx context.Context, setID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) ([]changefeed.Event, error) {
		cur, err := scanSet(tx.QueryRowContext(ctx, selectSet+` WHERE id = ?`, setID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("delete set", "set %s", setID)
		}
		if err != nil {
			return nil, fmt.Errorf("reading set: %w", err)
		}
		if err := requireActive(ctx, tx, "delete set", cur.SessionID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM set_instances WHERE id = ?`, setID); err != nil {
			return nil, fmt.Errorf("deleting set: %w", err)
		}
		return []changefeed.Event{{Table: changefeed.TableSets, Op: changefeed.OpDelete, SessionID: cur.SessionID, Set: &cur}}, nil
	})
}

// DeleteExercise removes an exercise and its sets. A delete event is
// published for every removed row.
func (s *Store) DeleteExercise(ctx context.Context, exerciseID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) ([]changefeed.Event, error) {
		ex, err := scanExercise(tx.QueryRowContext(ctx, selectExercise+` WHERE id = ?`, exerciseID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("delete exercise", "exercise %s", exerciseID)
		}
		if err != nil {
			return nil, fmt.Errorf("reading exercise: %w", err)
		}
		if err := requireActive(ctx, tx, "delete exercise", ex.SessionID); err != nil {
			return nil, err
		}
		sets, err := querySets(ctx, tx, `WHERE exercise_instance_id = ?`, exerciseID)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM set_instances WHERE exercise_instance_id = ?`, exerciseID); err != nil {
			return nil, fmt.Errorf("deleting sets: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM exercise_instances WHERE id = ?`, exerciseID); err != nil {
			return nil, fmt.Errorf("deleting exercise: %w", err)
		}

		events := make([]changefeed.Event, 0, len(sets)+1)
		for i := range sets {
			events = append(events, changefeed.Event{Table: changefeed.TableSets, Op: changefeed.OpDelete, SessionID: ex.SessionID, Set: &sets[i]})
		}
		events = append(events, changefeed.Event{Table: changefeed.TableExercises, Op: changefeed.OpDelete, SessionID: ex.SessionID, Exercise: &ex})
		return events, nil
	})
}

func (s *Store) FetchSession(ctx context.Context, sessionID string) (*models.SessionTree, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("fetch session", "session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, selectExercise+` WHERE session_id = ? ORDER BY order_index, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying exercises: %w", err)
	}
	defer rows.Close()

	st := &models.SessionTree{Session: sess}
	for rows.Next() {
		ex, err := scanExercise(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning exercise: %w", err)
		}
		st.Exercises = append(st.Exercises, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	st.Sets, err = querySets(ctx, s.db, `WHERE session_id = ? ORDER BY order_index, id`, sessionID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ActiveSession returns the most recently started active session of
// subjectID.
func (s *Store) ActiveSession(ctx context.Context, subjectID string) (*models.SessionTree, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM workout_sessions WHERE subject_account_id = ? AND is_active = 1
		 ORDER BY started_at DESC LIMIT 1`, subjectID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("active session", "no active session for %s", subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying active session: %w", err)
	}
	return s.FetchSession(ctx, id)
}

func (s *Store) Subscribe(_ context.Context, sessionID string, h changefeed.Handler) (func(), error) {
	return s.feed.Subscribe(sessionID, h), nil
}

func requireActive(ctx context.Context, tx *sql.Tx, op, sessionID string) error {
	var active bool
	err := tx.QueryRowContext(ctx, `SELECT is_active FROM workout_sessions WHERE id = ?`, sessionID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
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

func insertSet(ctx context.Context, tx *sql.Tx, set models.SetInstance) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO set_instances (id, session_id, exercise_instance_id, template_set_reference, order_index,
		 kind, target_reps, target_duration_seconds, weight, weight_unit, variant_label, status,
		 completed_by_account_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		set.ID, set.SessionID, set.ExerciseInstanceID, set.TemplateSetRef, set.OrderIndex,
		set.Kind, set.TargetReps, set.TargetDurationSec, set.Weight, set.WeightUnit, set.VariantLabel,
		set.Status, set.CompletedBy, nanos(set.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting set %s: %w", set.ID, err)
	}
	return nil
}
