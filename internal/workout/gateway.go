package workout

import (
	"context"
	"time"

	"github.com/claude/liftsync/internal/changefeed"
	"github.com/claude/liftsync/internal/models"
)

// Gateway is the persistence collaborator. Implementations return
// *apperr.Error values for not-found results and wrap other failures.
type Gateway interface {
	CreateSession(ctx context.Context, subjectID string, routine models.Routine, startedAt time.Time) (*models.SessionTree, error)
	UpdateSession(ctx context.Context, sessionID string, patch models.SessionPatch) error
	InsertSet(ctx context.Context, set models.SetInstance) (models.SetInstance, error)
	UpdateSet(ctx context.Context, setID string, patch models.SetPatch) error
	DeleteSet(ctx context.Context, setID string) error
	DeleteExercise(ctx context.Context, exerciseID string) error
	FetchSession(ctx context.Context, sessionID string) (*models.SessionTree, error)
	// ActiveSession returns the active session of subjectID, or a not-found
	// error when there is none.
	ActiveSession(ctx context.Context, subjectID string) (*models.SessionTree, error)
	// Subscribe delivers changes to the session row and to every exercise
	// and set row of sessionID until the returned function is called.
	Subscribe(ctx context.Context, sessionID string, h changefeed.Handler) (unsubscribe func(), err error)
}

// IdentityResolver supplies the authenticated identity and the identity
// whose session is being operated. They differ in delegated mode.
type IdentityResolver interface {
	AuthenticatedIdentity() *models.Identity
	ActingIdentity() models.Identity
}

// StaticIdentity is an IdentityResolver with fixed values.
type StaticIdentity struct {
	Authenticated *models.Identity
	Acting        models.Identity
}

func (s StaticIdentity) AuthenticatedIdentity() *models.Identity { return s.Authenticated }

func (s StaticIdentity) ActingIdentity() models.Identity {
	if s.Acting.AccountID == "" && s.Authenticated != nil {
		return *s.Authenticated
	}
	return s.Acting
}
