package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/models"
)

// newTestServer creates an httptest server that routes requests to handler functions
// keyed by path. Verifies the HTTP client sends correct paths and headers.
func newTestServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
}

func writeTestJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatal(err)
	}
}

func TestHTTPClientActiveSession(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/accounts/athlete/active-session": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("X-Account-ID"); got != "coach" {
				t.Errorf("X-Account-ID = %q, want coach", got)
			}
			writeTestJSON(t, w, models.SessionTree{
				Session:   models.WorkoutSession{ID: "s1", SubjectAccountID: "athlete", IsActive: true, StartedAt: t0},
				Exercises: []models.ExerciseInstance{{ID: "bench", SessionID: "s1", Section: models.SectionTraining}},
				Sets:      []models.SetInstance{{ID: "b1", ExerciseInstanceID: "bench", Status: models.SetStatusComplete}},
			})
		},
	})
	defer ts.Close()

	client := NewHTTPClient(ts.URL+"/", "coach")
	st, err := client.ActiveSession(context.Background(), "athlete")
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if st.Session.ID != "s1" || !st.Session.StartedAt.Equal(t0) {
		t.Errorf("session = %+v", st.Session)
	}
	if len(st.Sets) != 1 || !st.Sets[0].Complete() {
		t.Errorf("sets = %+v", st.Sets)
	}
}

func TestHTTPClientErrors(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/sessions/secret": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		},
		"/api/v1/sessions/broken": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	})
	defer ts.Close()
	client := NewHTTPClient(ts.URL, "")
	ctx := context.Background()

	if _, err := client.FetchSession(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing: err = %v, want not found", err)
	}
	if _, err := client.FetchSession(ctx, "secret"); !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("secret: err = %v, want authorization", err)
	}
	_, err := client.FetchSession(ctx, "broken")
	if err == nil || apperr.KindOf(err) != "" {
		t.Errorf("broken: err = %v, want unclassified error", err)
	}
}
