package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/claude/liftsync/internal/clock"
)

type contextKey int

const accountKey contextKey = iota

// AccountFromContext extracts the caller account injected by the transport
// layer.
func AccountFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(accountKey).(string); ok && id != "" {
		return id
	}
	return "local"
}

// WithAccount returns a context carrying the caller account.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey, accountID)
}

// New creates an MCP server with all tools and resources registered.
func New(ds DataSource, version string, c clock.Clock, log *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer("LiftSync", version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions("LiftSync workout session server. Read the active workout session of an account and its progress. Sessions of other accounts are visible only with a delegation grant."),
	)

	if c == nil {
		c = clock.Real{}
	}
	h := &handlers{ds: ds, clock: c, log: log}

	s.AddTools(
		server.ServerTool{Tool: toolGetActiveSession, Handler: h.getActiveSession},
		server.ServerTool{Tool: toolGetSessionProgress, Handler: h.getSessionProgress},
	)

	s.AddResources(
		server.ServerResource{Resource: resActiveSession, Handler: h.activeSession},
	)

	return s
}

// handlers holds dependencies for MCP tool/resource handlers.
type handlers struct {
	ds    DataSource
	clock clock.Clock
	log   *slog.Logger
}

var resActiveSession = mcp.NewResource(
	"liftsync://active_session",
	"Active Session",
	mcp.WithResourceDescription("The caller's running workout session with exercises, sets and progress"),
	mcp.WithMIMEType("application/json"),
)
