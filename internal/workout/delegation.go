package workout

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/claude/liftsync/internal/apperr"
)

// WorkoutPath is where the subject of an active session is sent.
const WorkoutPath = "/workout"

// reachable lists the routes a subject with an active session may always
// open. Entries ending in "/" match every path below them.
var reachable = []string{"/", "/login", "/signup", "/auth/", WorkoutPath, WorkoutPath + "/"}

// Guard decides navigation redirects for the current identities.
type Guard struct {
	ids IdentityResolver
}

func NewGuard(ids IdentityResolver) *Guard {
	return &Guard{ids: ids}
}

// Delegated reports whether the acting identity differs from the
// authenticated one.
func (g *Guard) Delegated() bool {
	return delegated(g.ids)
}

func delegated(ids IdentityResolver) bool {
	auth := ids.AuthenticatedIdentity()
	if auth == nil {
		return false
	}
	acting := ids.ActingIdentity().AccountID
	return acting != "" && acting != auth.AccountID
}

// Redirect returns where a request for p must go instead, or "" when p may
// be shown. Only the subject of an active session is ever redirected; a
// delegate never is.
func (g *Guard) Redirect(p string, subjectHasActiveSession bool) string {
	if !subjectHasActiveSession || g.Delegated() || g.ids.AuthenticatedIdentity() == nil {
		return ""
	}
	if Reachable(p) {
		return ""
	}
	return WorkoutPath
}

// Reachable reports whether p is on the always-reachable list.
func Reachable(p string) bool {
	if p == "" {
		p = "/"
	}
	clean := path.Clean("/" + strings.TrimPrefix(p, "/"))
	for _, r := range reachable {
		if strings.HasSuffix(r, "/") && r != "/" {
			if strings.HasPrefix(clean+"/", r) {
				return true
			}
			continue
		}
		if clean == r {
			return true
		}
	}
	return false
}

// SyncIdentity follows a change of acting identity. Local session state of
// the previous identity is dropped and the new identity's active session, if
// any, is loaded from the gateway.
func (e *Engine) SyncIdentity(ctx context.Context) error {
	const op = "sync identity"
	acting := e.ids.ActingIdentity().AccountID

	e.mu.Lock()
	if acting == e.acting && e.phase != PhaseNone {
		e.mu.Unlock()
		return nil
	}
	prev := e.acting
	hadState := e.tree != nil
	e.resetLocked()
	e.acting = acting
	e.phase = PhaseLoading
	gen := e.loadGen
	e.mu.Unlock()

	if hadState || prev != "" {
		e.log.Info("acting identity changed", "previous", prev, "acting", acting, "delegated", delegated(e.ids))
		e.emit(SessionCleared{PreviousActing: prev})
	}

	if acting == "" {
		e.abortLoading(PhaseNone, gen)
		return nil
	}

	st, err := e.gw.ActiveSession(ctx, acting)
	if errors.Is(err, apperr.ErrNotFound) {
		e.abortLoading(PhaseNone, gen)
		return nil
	}
	if err != nil {
		e.abortLoading(PhaseNone, gen)
		return apperr.Persistence(op, err)
	}

	sub := e.attachOrWarn(ctx, st.Session.ID)
	if !e.finishLoading(gen, st, sub, acting, OriginRestore) {
		return apperr.Conflict(op, apperr.CodeSessionNotActive, "identity changed again while loading")
	}
	e.log.Info("active session restored", "session_id", st.Session.ID, "acting", acting)
	return nil
}
