package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/changefeed"
	"github.com/claude/liftsync/internal/models"
)

// TestDispatchTriggerPayload feeds dispatch the exact shape produced by
// notify_workout_change: row_to_json column names and Postgres timestamps.
func TestDispatchTriggerPayload(t *testing.T) {
	db := &DB{feed: changefeed.NewBroker(nil), log: slog.Default()}

	var got []changefeed.Event
	unsubscribe := db.feed.Subscribe("s-1", func(ev changefeed.Event) { got = append(got, ev) })
	defer unsubscribe()

	db.dispatch([]byte(`{"table" : "set_instances", "op" : "UPDATE", "session_id" : "s-1", "row" : {"id":"set-1","session_id":"s-1","exercise_instance_id":"ex-1","template_set_reference":"t-1","order_index":0,"kind":"reps","target_reps":10,"target_duration_seconds":null,"weight":62.5,"weight_unit":"kg","variant_label":"","status":"complete","completed_by_account_id":"trainer-1","updated_at":"2025-03-01T09:00:01.123456+00:00"}}`))
	db.dispatch([]byte(`{"table" : "set_instances", "op" : "UPDATE", "session_id" : "s-1", "row" : null}`))
	db.dispatch([]byte(`not json`))

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.Table != changefeed.TableSets || ev.Op != changefeed.OpUpdate {
		t.Errorf("event = %s %s, want set_instances UPDATE", ev.Table, ev.Op)
	}
	if ev.Set == nil || ev.Set.Status != models.SetStatusComplete {
		t.Fatalf("set = %+v, want status complete", ev.Set)
	}
	want := time.Date(2025, 3, 1, 9, 0, 1, 123456000, time.UTC)
	if !ev.Set.UpdatedAt.Equal(want) {
		t.Errorf("updated_at = %v, want %v", ev.Set.UpdatedAt, want)
	}
	if ev.Set.CompletedBy == nil || *ev.Set.CompletedBy != "trainer-1" {
		t.Errorf("completed_by = %v, want trainer-1", ev.Set.CompletedBy)
	}
}

// TestGatewayAgainstPostgres runs the gateway against a real database when
// LIFTSYNC_TEST_DATABASE_URL is set.
func TestGatewayAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("LIFTSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LIFTSYNC_TEST_DATABASE_URL not set")
	}
	if err := RunMigrations(dsn, "../../migrations"); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := New(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer db.Close()

	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	go db.Listen(listenCtx)

	subject := "it-" + time.Now().Format("150405.000000")
	start := time.Now().UTC().Truncate(time.Microsecond)
	st, err := db.CreateSession(ctx, subject, models.Routine{Name: "Push", Exercises: []models.RoutineExercise{
		{Name: "Bench", Section: models.SectionTraining, Sets: []models.TemplateSet{
			{TemplateRef: models.Ptr("b-1")}, {TemplateRef: models.Ptr("b-2")},
		}},
	}}, start)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	events := make(chan changefeed.Event, 16)
	unsubscribe, _ := db.Subscribe(ctx, st.Session.ID, func(ev changefeed.Event) { events <- ev })
	defer unsubscribe()
	// LISTEN may not be established yet; poll until an echo arrives.
	setID := st.Sets[0].ID
	deadline := time.Now().Add(10 * time.Second)
	for ts := start.Add(time.Millisecond); ; ts = ts.Add(time.Millisecond) {
		err := db.UpdateSet(ctx, setID, models.SetPatch{Status: models.Ptr(models.SetStatusComplete), UpdatedAt: ts})
		if err != nil {
			t.Fatalf("UpdateSet: %v", err)
		}
		select {
		case ev := <-events:
			if ev.Set == nil || ev.Set.ID != setID {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(200 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("no notification received")
			}
			continue
		}
		break
	}

	// Stale writes are dropped.
	if err := db.UpdateSet(ctx, setID, models.SetPatch{Status: models.Ptr(models.SetStatusDefault), UpdatedAt: start}); err != nil {
		t.Fatalf("stale UpdateSet: %v", err)
	}
	got, err := db.FetchSession(ctx, st.Session.ID)
	if err != nil {
		t.Fatalf("FetchSession: %v", err)
	}
	for _, s := range got.Sets {
		if s.ID == setID && s.Status != models.SetStatusComplete {
			t.Errorf("status = %s, want complete", s.Status)
		}
	}

	active, err := db.ActiveSession(ctx, subject)
	if err != nil || active.Session.ID != st.Session.ID {
		t.Fatalf("ActiveSession = %v, %v", active, err)
	}

	end := start.Add(time.Minute)
	if err := db.UpdateSession(ctx, st.Session.ID, models.SessionPatch{
		IsActive: models.Ptr(false), EndedAt: models.Some(end), UpdatedAt: end,
	}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	err = db.UpdateSet(ctx, st.Sets[1].ID, models.SetPatch{Status: models.Ptr(models.SetStatusComplete), UpdatedAt: end.Add(time.Second)})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("UpdateSet after end: err = %v, want conflict", err)
	}
	if err := db.DeleteSet(ctx, st.Sets[1].ID); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("DeleteSet after end: err = %v, want conflict", err)
	}
	if err := db.DeleteExercise(ctx, st.Exercises[0].ID); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("DeleteExercise after end: err = %v, want conflict", err)
	}
	if _, err := db.ActiveSession(ctx, subject); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("ActiveSession after end: err = %v, want not found", err)
	}
}
