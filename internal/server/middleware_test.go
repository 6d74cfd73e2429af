package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"tailscale.com/client/tailscale/apitype"
	"tailscale.com/tailcfg"
)

// TestDevIdentity verifies that the dev identity middleware falls back to
// the local user, enabling local development without Tailscale.
func TestDevIdentity(t *testing.T) {
	var got UserInfo
	handler := DevIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = userInfoFromContext(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got.Login != "local" {
		t.Errorf("login = %q, want %q", got.Login, "local")
	}
}

// TestDevIdentityHeader verifies that X-Account-ID selects the account.
func TestDevIdentityHeader(t *testing.T) {
	var got UserInfo
	handler := DevIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = userInfoFromContext(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Account-ID", "coach")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got.Login != "coach" {
		t.Errorf("login = %q, want %q", got.Login, "coach")
	}
}

// TestUserInfoFromContextDefault verifies the fallback UserInfo when no
// identity middleware has set a value.
func TestUserInfoFromContextDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	info := userInfoFromContext(req)
	if info.Login != "local" {
		t.Errorf("login = %q, want %q", info.Login, "local")
	}
	if info.DisplayName != "Local Dev User" {
		t.Errorf("displayName = %q, want %q", info.DisplayName, "Local Dev User")
	}
}

// TestUserInfoFromContextSet verifies UserInfo is extracted from context when set.
func TestUserInfoFromContextSet(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), userInfoKey, UserInfo{Login: "alice@example.com", DisplayName: "Alice"})
	req = req.WithContext(ctx)

	info := userInfoFromContext(req)
	if info.Login != "alice@example.com" {
		t.Errorf("login = %q, want %q", info.Login, "alice@example.com")
	}
	if info.DisplayName != "Alice" {
		t.Errorf("displayName = %q, want %q", info.DisplayName, "Alice")
	}
}

type fakeWhoIs struct {
	resp *apitype.WhoIsResponse
	err  error
	addr string
}

func (f *fakeWhoIs) WhoIs(_ context.Context, remoteAddr string) (*apitype.WhoIsResponse, error) {
	f.addr = remoteAddr
	return f.resp, f.err
}

// TestTailscaleIdentity verifies the tailnet login becomes the caller.
func TestTailscaleIdentity(t *testing.T) {
	lc := &fakeWhoIs{resp: &apitype.WhoIsResponse{
		UserProfile: &tailcfg.UserProfile{LoginName: "alice@example.com", DisplayName: "Alice"},
	}}
	var got UserInfo
	handler := TailscaleIdentity(lc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = userInfoFromContext(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "100.64.0.7:41000"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if lc.addr != "100.64.0.7:41000" {
		t.Errorf("WhoIs addr = %q", lc.addr)
	}
	if got.Login != "alice@example.com" || got.DisplayName != "Alice" {
		t.Errorf("user = %+v", got)
	}
}

// TestTailscaleIdentityUnknownPeer verifies unresolvable peers are rejected.
func TestTailscaleIdentityUnknownPeer(t *testing.T) {
	handler := TailscaleIdentity(&fakeWhoIs{err: errors.New("no peer")})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not be called")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

type fakeGrants map[[2]string]bool

func (g fakeGrants) CanActFor(_ context.Context, delegate, subject string) (bool, error) {
	return g[[2]string{delegate, subject}], nil
}

// TestActingAs verifies delegated requests need a grant.
func TestActingAs(t *testing.T) {
	grants := fakeGrants{{"coach", "athlete"}: true}
	tests := []struct {
		name   string
		grants Delegations
		login  string
		acting string
		want   int
		wantAs string
	}{
		{"self by default", grants, "athlete", "", http.StatusOK, "athlete"},
		{"explicit self", grants, "athlete", "athlete", http.StatusOK, "athlete"},
		{"granted delegate", grants, "coach", "athlete", http.StatusOK, "athlete"},
		{"no grant", grants, "athlete", "coach", http.StatusForbidden, ""},
		{"no grant store", nil, "coach", "athlete", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAs string
			handler := DevIdentity(ActingAs(tt.grants)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAs = actingFromContext(r)
			})))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Account-ID", tt.login)
			if tt.acting != "" {
				req.Header.Set("X-Acting-Account-ID", tt.acting)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if gotAs != tt.wantAs {
				t.Errorf("acting = %q, want %q", gotAs, tt.wantAs)
			}
		})
	}
}

// TestRequestLogging verifies that the logging middleware calls the next handler and records status.
func TestRequestLogging(t *testing.T) {
	log := slog.Default()
	handler := RequestLogging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

// TestCORSHeaders verifies that CORS headers are set on responses.
func TestCORSHeaders(t *testing.T) {
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q, want *", got)
	}
}

// TestCORSPreflight verifies that OPTIONS requests get 204 with CORS headers.
func TestCORSPreflight(t *testing.T) {
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not be called for OPTIONS")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}
