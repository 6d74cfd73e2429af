package mcp

import (
	"context"

	"github.com/claude/liftsync/internal/localstore"
	"github.com/claude/liftsync/internal/models"
	"github.com/claude/liftsync/internal/storage"
)

// DataSource abstracts the data layer for MCP tools. *storage.DB,
// *localstore.Store and HTTPClient (remote via REST API) satisfy it.
type DataSource interface {
	FetchSession(ctx context.Context, sessionID string) (*models.SessionTree, error)
	ActiveSession(ctx context.Context, subjectID string) (*models.SessionTree, error)
	CanActFor(ctx context.Context, delegateID, subjectID string) (bool, error)
}

var (
	_ DataSource = (*storage.DB)(nil)
	_ DataSource = (*localstore.Store)(nil)
)
