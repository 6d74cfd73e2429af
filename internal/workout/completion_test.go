package workout_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/models"
	"github.com/claude/liftsync/internal/workout"
)

func TestCompleteSetIsOptimistic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.device("acct-1", "")
	startSession(t, d, routine(1, 3))
	setID := d.Snapshot().Exercises[0].Sets[0].ID

	require.NoError(t, d.CompleteSet(ctx, setID))
	view, ok := d.Snapshot().Set(setID)
	require.True(t, ok)
	assert.Equal(t, models.SetStatusComplete, view.Status)
	assert.Equal(t, workout.SetCompleting, view.State)
	require.NotNil(t, view.CompletedBy)
	assert.Equal(t, "acct-1", *view.CompletedBy)
	assert.True(t, d.CompletedLocally(setID))

	h.settle()
	view, _ = d.Snapshot().Set(setID)
	assert.False(t, view.Unsynced)

	// A second completion of the same set is a no-op.
	require.NoError(t, d.CompleteSet(ctx, setID))
	h.settle()
	assert.Equal(t, 1, d.gw.callCount("UpdateSet"))
	assert.Equal(t, workout.Progress{TotalSets: 3, CompletedSets: 1, TotalExercises: 1}, d.Progress())
}

func TestDelegatedCompletionCreditsSignedInAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.device("trainer-1", "acct-1")
	sess := startSession(t, d, routine(1, 2))
	assert.Equal(t, "acct-1", sess.SubjectAccountID)

	setID := d.Snapshot().Exercises[0].Sets[0].ID
	require.NoError(t, d.CompleteSet(ctx, setID))
	h.settle()

	stored, err := h.store.FetchSession(ctx, sess.ID)
	require.NoError(t, err)
	for _, s := range stored.Sets {
		if s.ID == setID {
			require.NotNil(t, s.CompletedBy)
			assert.Equal(t, "trainer-1", *s.CompletedBy)
		}
	}
}

func TestSwipeSet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.device("acct-1", "")
	startSession(t, d, routine(1, 2))
	setID := d.Snapshot().Exercises[0].Sets[0].ID

	_, err := d.SwipeSet(ctx, setID, 10, 0)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	out, err := d.SwipeSet(ctx, setID, 30, 100)
	require.NoError(t, err)
	assert.Equal(t, workout.OutcomeSnappedBack, out)
	h.settle()
	assert.Zero(t, d.gw.callCount("UpdateSet"), "snap-back writes nothing")
	view, _ := d.Snapshot().Set(setID)
	assert.Equal(t, workout.SetDefault, view.State)

	_, err = d.SwipeSet(ctx, "missing", 30, 100)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	out, err = d.SwipeSet(ctx, setID, 60, 100)
	require.NoError(t, err)
	assert.Equal(t, workout.OutcomeCompleted, out)
	h.settle()
	assert.Equal(t, 1, d.gw.callCount("UpdateSet"))
}

func TestUndoRestoresEditability(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.device("acct-1", "")
	sess := startSession(t, d, routine(1, 2))
	setID := d.Snapshot().Exercises[0].Sets[0].ID

	err := d.UndoSet(ctx, setID)
	assert.True(t, errors.Is(err, &apperr.Error{Kind: apperr.KindConflict, Code: apperr.CodeSetNotComplete}))

	require.NoError(t, d.CompleteSet(ctx, setID))
	require.NoError(t, d.UndoSet(ctx, setID))
	view, _ := d.Snapshot().Set(setID)
	assert.Equal(t, workout.SetDefault, view.State)
	assert.Nil(t, view.Animation)
	assert.False(t, d.CompletedLocally(setID))
	h.settle()

	stored, err := h.store.FetchSession(ctx, sess.ID)
	require.NoError(t, err)
	for _, s := range stored.Sets {
		if s.ID == setID {
			assert.Equal(t, models.SetStatusDefault, s.Status)
			assert.Nil(t, s.CompletedBy)
		}
	}

	// Completing again animates again.
	require.NoError(t, d.CompleteSet(ctx, setID))
	h.settle()
	var commits int
	for _, s := range animationsFor(d.sigs, setID, workout.TriggerGesture) {
		if s.Phase == workout.AnimCommitting {
			commits++
		}
	}
	assert.Equal(t, 2, commits)
}

func TestFailedWriteIsMarkedAndRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.device("acct-1", "")
	sess := startSession(t, d, routine(1, 2))
	setID := d.Snapshot().Exercises[0].Sets[1].ID

	d.gw.fail(&d.gw.failUpdateSet, errors.New("connection reset"))
	require.NoError(t, d.CompleteSet(ctx, setID))
	h.settle()

	view, _ := d.Snapshot().Set(setID)
	assert.Equal(t, models.SetStatusComplete, view.Status, "the completion stays visible")
	assert.True(t, view.Unsynced)
	assert.Contains(t, view.SyncError, "connection reset")
	failed := signalsOf[workout.SyncFailed](d.sigs)
	require.Len(t, failed, 1)
	assert.Equal(t, setID, failed[0].SetID)
	assert.True(t, errors.Is(failed[0].Err, apperr.ErrPersistence))

	d.gw.fail(&d.gw.failUpdateSet, nil)
	require.NoError(t, d.RetrySet(ctx, setID))
	h.settle()

	view, _ = d.Snapshot().Set(setID)
	assert.False(t, view.Unsynced)
	assert.Empty(t, view.SyncError)
	stored, err := h.store.FetchSession(ctx, sess.ID)
	require.NoError(t, err)
	for _, s := range stored.Sets {
		if s.ID == setID {
			assert.Equal(t, models.SetStatusComplete, s.Status)
		}
	}

	// Nothing to retry once synced.
	require.NoError(t, d.RetrySet(ctx, setID))
	h.settle()
	assert.Equal(t, 2, d.gw.callCount("UpdateSet"))
}

func TestAddSetInsertsOnFirstCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.device("acct-1", "")
	sess := startSession(t, d, routine(1, 1))
	exID := d.Snapshot().Exercises[0].ID

	added, err := d.AddSet(ctx, exID, models.TemplateSet{TemplateRef: models.Ptr("ignored"), TargetReps: models.Ptr(8)})
	require.NoError(t, err)
	assert.Nil(t, added.TemplateSetRef, "on-demand sets have no template")
	assert.Equal(t, 1, added.OrderIndex)
	assert.Len(t, d.Snapshot().Exercises[0].Sets, 2)

	stored, err := h.store.FetchSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Sets, 1, "not written before completion")

	require.NoError(t, d.CompleteSet(ctx, added.ID))
	h.settle()
	assert.Equal(t, 1, d.gw.callCount("InsertSet"))

	stored, err = h.store.FetchSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, stored.Sets, 2)
	view, _ := d.Snapshot().Set(added.ID)
	assert.False(t, view.Unsynced)
	assert.Equal(t, models.SetStatusComplete, view.Status)

	_, err = d.AddSet(ctx, "missing", models.TemplateSet{})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestDeleteSet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.device("acct-1", "")
	sess := startSession(t, d, routine(1, 2))
	ex := d.Snapshot().Exercises[0]

	added, err := d.AddSet(ctx, ex.ID, models.TemplateSet{})
	require.NoError(t, err)
	require.NoError(t, d.DeleteSet(ctx, added.ID))
	assert.Zero(t, d.gw.callCount("DeleteSet"), "an unsaved set is dropped locally")
	assert.Zero(t, d.gw.callCount("UpdateSet"))

	// Template sets are hidden, never removed.
	require.NoError(t, d.DeleteSet(ctx, ex.Sets[0].ID))
	assert.Equal(t, 1, d.gw.callCount("UpdateSet"))
	_, visible := d.Snapshot().Set(ex.Sets[0].ID)
	assert.False(t, visible)

	err = d.DeleteSet(ctx, ex.Sets[1].ID)
	assert.True(t, errors.Is(err, apperr.ErrExerciseDeleteRequired))
	assert.Len(t, d.Snapshot().Exercises[0].Sets, 1)

	h.settle()
	stored, err := h.store.FetchSession(ctx, sess.ID)
	require.NoError(t, err)
	byID := map[string]models.SetStatus{}
	for _, s := range stored.Sets {
		byID[s.ID] = s.Status
	}
	assert.Equal(t, map[string]models.SetStatus{
		ex.Sets[0].ID: models.SetStatusHidden,
		ex.Sets[1].ID: models.SetStatusDefault,
	}, byID)
}

func TestDeleteSetFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.device("acct-1", "")
	startSession(t, d, routine(1, 2))
	setID := d.Snapshot().Exercises[0].Sets[0].ID

	d.gw.fail(&d.gw.failUpdateSet, errors.New("timeout"))
	err := d.DeleteSet(ctx, setID)
	assert.True(t, errors.Is(err, apperr.ErrPersistence))
	view, ok := d.Snapshot().Set(setID)
	require.True(t, ok, "the set is shown again")
	assert.Equal(t, models.SetStatusDefault, view.Status)
}

func TestDeleteExercise(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.device("acct-1", "")
	sess := startSession(t, d, routine(2, 2))
	exs := d.Snapshot().Exercises
	require.NoError(t, d.CompleteSet(ctx, exs[0].Sets[0].ID))

	require.NoError(t, d.DeleteExercise(ctx, exs[0].ID))
	assert.Equal(t, exs[1].ID, d.CurrentFocus())
	assert.False(t, d.CompletedLocally(exs[0].Sets[0].ID))
	h.settle()

	stored, err := h.store.FetchSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, stored.Exercises, 1)
	assert.Equal(t, exs[1].ID, stored.Exercises[0].ID)
	assert.Len(t, stored.Sets, 2)
	assert.Zero(t, d.gw.callCount("UpdateSession"), "re-derived focus is not persisted")

	err = d.DeleteExercise(ctx, exs[0].ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
