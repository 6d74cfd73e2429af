package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/models"
	"github.com/claude/liftsync/internal/workout"
)

var toolGetActiveSession = mcp.NewTool("get_active_session",
	mcp.WithDescription("Get the running workout session of an account: exercises in order with their sets, elapsed active time and progress. Returns an empty result when the account has no active session."),
	mcp.WithString("subject_account_id", mcp.Description("Account whose session to read. Defaults to the caller. Other accounts need a delegation grant.")),
)

var toolGetSessionProgress = mcp.NewTool("get_session_progress",
	mcp.WithDescription("Get completion progress and elapsed active time of a workout session, active or ended."),
	mcp.WithString("session_id", mcp.Required(), mcp.Description("Workout session id")),
)

// sessionSummary is the tool view of a session tree.
type sessionSummary struct {
	Session        models.WorkoutSession `json:"session"`
	ElapsedSeconds int64                 `json:"elapsed_seconds"`
	Progress       workout.Progress      `json:"progress"`
	Exercises      []exerciseSummary     `json:"exercises"`
}

type exerciseSummary struct {
	ID      string               `json:"id"`
	Name    string               `json:"name"`
	Section models.Section       `json:"section"`
	Focused bool                 `json:"focused"`
	Sets    []models.SetInstance `json:"sets"`
}

type progressSummary struct {
	SessionID      string           `json:"session_id"`
	IsActive       bool             `json:"is_active"`
	IsPaused       bool             `json:"is_paused"`
	ElapsedSeconds int64            `json:"elapsed_seconds"`
	Progress       workout.Progress `json:"progress"`
	Fraction       float64          `json:"fraction"`
}

func (h *handlers) summarize(st *models.SessionTree) sessionSummary {
	sum := sessionSummary{
		Session:        st.Session,
		ElapsedSeconds: int64(st.Session.Elapsed(h.clock.Now()) / time.Second),
		Progress:       workout.ProgressOf(*st),
	}
	sets := make(map[string][]models.SetInstance)
	for _, s := range st.Sets {
		if s.Visible() {
			sets[s.ExerciseInstanceID] = append(sets[s.ExerciseInstanceID], s)
		}
	}
	exercises := slices.Clone(st.Exercises)
	sort.SliceStable(exercises, func(i, j int) bool { return exercises[i].Before(exercises[j]) })
	for _, ex := range exercises {
		exSets := sets[ex.ID]
		sort.SliceStable(exSets, func(i, j int) bool { return exSets[i].Before(exSets[j]) })
		sum.Exercises = append(sum.Exercises, exerciseSummary{
			ID:      ex.ID,
			Name:    ex.NameSnapshot,
			Section: ex.Section,
			Focused: st.Session.LastFocusRef != nil && *st.Session.LastFocusRef == ex.ID,
			Sets:    exSets,
		})
	}
	return sum
}

// authorize allows the caller and its delegates to read subject's sessions.
func (h *handlers) authorize(ctx context.Context, subject string) error {
	caller := AccountFromContext(ctx)
	if caller == subject {
		return nil
	}
	ok, err := h.ds.CanActFor(ctx, caller, subject)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s has no delegation grant for %s", caller, subject)
	}
	return nil
}

func (h *handlers) getActiveSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject := req.GetString("subject_account_id", AccountFromContext(ctx))
	if err := h.authorize(ctx, subject); err != nil {
		return mcp.NewToolResultError("not permitted: " + err.Error()), nil
	}

	st, err := h.ds.ActiveSession(ctx, subject)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultText("no active session for " + subject), nil
	}
	if err != nil {
		h.log.Error("mcp get_active_session", "subject", subject, "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}

	result, err := mcp.NewToolResultJSON(h.summarize(st))
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}

func (h *handlers) getSessionProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	st, err := h.ds.FetchSession(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError("session not found: " + id), nil
	}
	if err != nil {
		h.log.Error("mcp get_session_progress", "session_id", id, "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	if err := h.authorize(ctx, st.Session.SubjectAccountID); err != nil {
		return mcp.NewToolResultError("not permitted: " + err.Error()), nil
	}

	p := workout.ProgressOf(*st)
	result, err := mcp.NewToolResultJSON(progressSummary{
		SessionID:      st.Session.ID,
		IsActive:       st.Session.IsActive,
		IsPaused:       st.Session.IsPaused,
		ElapsedSeconds: int64(st.Session.Elapsed(h.clock.Now()) / time.Second),
		Progress:       p,
		Fraction:       p.Fraction(),
	})
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}

func (h *handlers) activeSession(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	caller := AccountFromContext(ctx)
	var payload any = map[string]any{"subject_account_id": caller, "session": nil}

	st, err := h.ds.ActiveSession(ctx, caller)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		payload = h.summarize(st)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
