package server

import (
	"context"
	"net/http"

	"tailscale.com/client/tailscale/apitype"

	"github.com/claude/liftsync/internal/models"
)

type contextKey string

const (
	userInfoKey contextKey = "user_info"
	actingKey   contextKey = "acting_account_id"
)

// UserInfo is the authenticated caller.
type UserInfo struct {
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Identity returns the caller as an engine identity.
func (u UserInfo) Identity() models.Identity {
	return models.Identity{AccountID: u.Login, DisplayName: u.DisplayName}
}

var devUser = UserInfo{Login: "local", DisplayName: "Local Dev User"}

// WhoIser resolves a tailnet peer. *local.Client from tsnet satisfies it.
type WhoIser interface {
	WhoIs(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error)
}

// Delegations answers whether one account may operate another's session.
type Delegations interface {
	CanActFor(ctx context.Context, delegateID, subjectID string) (bool, error)
}

// DevIdentity trusts the X-Account-ID header and falls back to a fixed local
// user. Only for development and tests.
func DevIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := devUser
		if id := r.Header.Get("X-Account-ID"); id != "" {
			info = UserInfo{Login: id, DisplayName: id}
		}
		ctx := context.WithValue(r.Context(), userInfoKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TailscaleIdentity identifies the caller by its tailnet login.
func TailscaleIdentity(lc WhoIser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			who, err := lc.WhoIs(r.Context(), r.RemoteAddr)
			if err != nil || who.UserProfile == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown tailnet peer"})
				return
			}
			info := UserInfo{Login: who.UserProfile.LoginName, DisplayName: who.UserProfile.DisplayName}
			ctx := context.WithValue(r.Context(), userInfoKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActingAs reads the X-Acting-Account-ID header. A caller acting for another
// account needs a delegation grant; with no grant store every caller may only
// act as itself.
func ActingAs(grants Delegations) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := userInfoFromContext(r)
			acting := r.Header.Get("X-Acting-Account-ID")
			if acting == "" {
				acting = user.Login
			}
			if acting != user.Login {
				ok := false
				if grants != nil {
					var err error
					ok, err = grants.CanActFor(r.Context(), user.Login, acting)
					if err != nil {
						writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
						return
					}
				}
				if !ok {
					writeJSON(w, http.StatusForbidden, map[string]string{"error": "no delegation grant for " + acting})
					return
				}
			}
			ctx := context.WithValue(r.Context(), actingKey, acting)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userInfoFromContext(r *http.Request) UserInfo {
	if info, ok := r.Context().Value(userInfoKey).(UserInfo); ok {
		return info
	}
	return devUser
}

func actingFromContext(r *http.Request) string {
	if id, ok := r.Context().Value(actingKey).(string); ok && id != "" {
		return id
	}
	return userInfoFromContext(r).Login
}

type meResponse struct {
	UserInfo
	ActingAccountID string `json:"acting_account_id"`
	Delegated       bool   `json:"delegated"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	info := userInfoFromContext(r)
	acting := actingFromContext(r)
	writeJSON(w, http.StatusOK, meResponse{UserInfo: info, ActingAccountID: acting, Delegated: acting != info.Login})
}

// CallerAccount returns the authenticated account of a request that passed
// the identity middleware.
func CallerAccount(r *http.Request) string {
	return userInfoFromContext(r).Login
}
