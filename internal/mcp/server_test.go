package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/clock"
	"github.com/claude/liftsync/internal/models"
)

// TestAccountFromContextDefault verifies the default account when no value
// is set in the context.
func TestAccountFromContextDefault(t *testing.T) {
	if id := AccountFromContext(context.Background()); id != "local" {
		t.Errorf("AccountFromContext(empty) = %q, want local", id)
	}
}

// TestAccountFromContextSet verifies the account is extracted from context
// after being set by WithAccount.
func TestAccountFromContextSet(t *testing.T) {
	ctx := WithAccount(context.Background(), "athlete")
	if id := AccountFromContext(ctx); id != "athlete" {
		t.Errorf("AccountFromContext = %q, want athlete", id)
	}
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	trees  map[string]*models.SessionTree
	grants map[[2]string]bool
}

func (f *fakeSource) FetchSession(_ context.Context, id string) (*models.SessionTree, error) {
	if st, ok := f.trees[id]; ok {
		return st, nil
	}
	return nil, apperr.NotFound("fetch session", "session %s", id)
}

func (f *fakeSource) ActiveSession(_ context.Context, subject string) (*models.SessionTree, error) {
	for _, st := range f.trees {
		if st.Session.SubjectAccountID == subject && st.Session.IsActive {
			return st, nil
		}
	}
	return nil, apperr.NotFound("active session", "no active session for %s", subject)
}

func (f *fakeSource) CanActFor(_ context.Context, delegate, subject string) (bool, error) {
	return f.grants[[2]string{delegate, subject}], nil
}

func newFixture() (*handlers, *fakeSource) {
	ds := &fakeSource{
		trees: map[string]*models.SessionTree{
			"s1": {
				Session: models.WorkoutSession{
					ID: "s1", SubjectAccountID: "athlete", DisplayName: "Push",
					StartedAt: t0, IsActive: true, PausedSeconds: 60,
					LastFocusRef: models.Ptr("bench"),
				},
				Exercises: []models.ExerciseInstance{
					{ID: "bench", SessionID: "s1", NameSnapshot: "Bench", Section: models.SectionTraining},
					{ID: "jacks", SessionID: "s1", NameSnapshot: "Jumping jacks", Section: models.SectionWarmup},
				},
				Sets: []models.SetInstance{
					{ID: "b2", ExerciseInstanceID: "bench", OrderIndex: 1, Status: models.SetStatusDefault},
					{ID: "b1", ExerciseInstanceID: "bench", OrderIndex: 0, Status: models.SetStatusComplete},
					{ID: "bh", ExerciseInstanceID: "bench", OrderIndex: 2, Status: models.SetStatusHidden},
					{ID: "j1", ExerciseInstanceID: "jacks", OrderIndex: 0, Status: models.SetStatusComplete},
				},
			},
		},
		grants: map[[2]string]bool{{"coach", "athlete"}: true},
	}
	h := &handlers{ds: ds, clock: clock.NewFake(t0.Add(10 * time.Minute)), log: slog.Default()}
	return h, ds
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
}

func resultText(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	if len(r.Content) == 0 {
		t.Fatal("empty result")
	}
	tc, ok := r.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T, want TextContent", r.Content[0])
	}
	return tc.Text
}

func TestGetActiveSession(t *testing.T) {
	h, _ := newFixture()
	ctx := WithAccount(context.Background(), "athlete")

	res, err := h.getActiveSession(ctx, callTool("get_active_session", nil))
	if err != nil || res.IsError {
		t.Fatalf("getActiveSession: err=%v result=%s", err, resultText(t, res))
	}
	var sum sessionSummary
	if err := json.Unmarshal([]byte(resultText(t, res)), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.ElapsedSeconds != 540 {
		t.Errorf("elapsed = %d, want 540", sum.ElapsedSeconds)
	}
	if sum.Progress.TotalSets != 3 || sum.Progress.CompletedSets != 2 {
		t.Errorf("progress = %+v, want 2 of 3", sum.Progress)
	}
	if len(sum.Exercises) != 2 || sum.Exercises[0].ID != "jacks" {
		t.Fatalf("exercises = %+v, want warmup first", sum.Exercises)
	}
	bench := sum.Exercises[1]
	if !bench.Focused {
		t.Error("bench not focused")
	}
	if len(bench.Sets) != 2 || bench.Sets[0].ID != "b1" {
		t.Errorf("bench sets = %+v, want b1 then b2 without hidden", bench.Sets)
	}
}

func TestGetActiveSessionDelegation(t *testing.T) {
	h, _ := newFixture()

	res, _ := h.getActiveSession(WithAccount(context.Background(), "coach"),
		callTool("get_active_session", map[string]any{"subject_account_id": "athlete"}))
	if res.IsError {
		t.Errorf("granted delegate got error: %s", resultText(t, res))
	}

	res, _ = h.getActiveSession(WithAccount(context.Background(), "stranger"),
		callTool("get_active_session", map[string]any{"subject_account_id": "athlete"}))
	if !res.IsError {
		t.Error("stranger read athlete's session")
	}
}

func TestGetActiveSessionNone(t *testing.T) {
	h, _ := newFixture()
	res, err := h.getActiveSession(WithAccount(context.Background(), "coach"), callTool("get_active_session", nil))
	if err != nil || res.IsError {
		t.Fatalf("err=%v isError=%v", err, res.IsError)
	}
	if got := resultText(t, res); !strings.Contains(got, "no active session") {
		t.Errorf("text = %q", got)
	}
}

func TestGetSessionProgress(t *testing.T) {
	h, ds := newFixture()
	ds.trees["s1"].Session.IsPaused = true
	ds.trees["s1"].Session.PausedAt = models.Ptr(t0.Add(5 * time.Minute))
	ctx := WithAccount(context.Background(), "athlete")

	res, _ := h.getSessionProgress(ctx, callTool("get_session_progress", map[string]any{"session_id": "s1"}))
	if res.IsError {
		t.Fatalf("error: %s", resultText(t, res))
	}
	var p progressSummary
	if err := json.Unmarshal([]byte(resultText(t, res)), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.IsPaused || p.ElapsedSeconds != 240 {
		t.Errorf("paused=%v elapsed=%d, want paused at 240s", p.IsPaused, p.ElapsedSeconds)
	}
	if p.Fraction < 0.66 || p.Fraction > 0.67 {
		t.Errorf("fraction = %v, want 2/3", p.Fraction)
	}

	res, _ = h.getSessionProgress(ctx, callTool("get_session_progress", nil))
	if !res.IsError {
		t.Error("missing session_id accepted")
	}
	res, _ = h.getSessionProgress(ctx, callTool("get_session_progress", map[string]any{"session_id": "nope"}))
	if !res.IsError {
		t.Error("unknown session accepted")
	}
}

func TestActiveSessionResource(t *testing.T) {
	h, _ := newFixture()
	req := mcp.ReadResourceRequest{}
	req.Params.URI = "liftsync://active_session"

	contents, err := h.activeSession(WithAccount(context.Background(), "athlete"), req)
	if err != nil {
		t.Fatalf("activeSession: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, `"id":"s1"`) {
		t.Errorf("resource = %s, want session s1", text)
	}

	contents, err = h.activeSession(WithAccount(context.Background(), "coach"), req)
	if err != nil {
		t.Fatalf("activeSession: %v", err)
	}
	if text := contents[0].(mcp.TextResourceContents).Text; !strings.Contains(text, `"session":null`) {
		t.Errorf("resource = %s, want null session", text)
	}
}
