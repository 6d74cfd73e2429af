package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/claude/liftsync/internal/apperr"
	"github.com/claude/liftsync/internal/models"
)

// HTTPClient implements DataSource by calling the LiftSync REST API.
// Used for remote MCP mode where the binary runs locally (stdio) but
// sessions live on the remote server (accessed over Tailscale).
type HTTPClient struct {
	baseURL    string
	accountID  string
	httpClient *http.Client
}

// Compile-time check: HTTPClient satisfies DataSource.
var _ DataSource = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient targeting the given base URL. accountID
// is sent as X-Account-ID for servers running without Tailscale identity.
func NewHTTPClient(baseURL, accountID string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountID:  accountID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("httpclient: create request: %w", err)
	}
	if c.accountID != "" {
		req.Header.Set("X-Account-ID", c.accountID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpclient: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, apperr.NotFound("httpclient", "%s", path)
	case http.StatusForbidden:
		return nil, apperr.Authorization("httpclient", apperr.CodeUnknown, "%s", body)
	default:
		return nil, fmt.Errorf("httpclient: %s returned %d: %s", path, resp.StatusCode, body)
	}
}

func (c *HTTPClient) getTree(ctx context.Context, path string) (*models.SessionTree, error) {
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var st models.SessionTree
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("httpclient: decode session: %w", err)
	}
	return &st, nil
}

func (c *HTTPClient) FetchSession(ctx context.Context, sessionID string) (*models.SessionTree, error) {
	return c.getTree(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID))
}

func (c *HTTPClient) ActiveSession(ctx context.Context, subjectID string) (*models.SessionTree, error) {
	return c.getTree(ctx, "/api/v1/accounts/"+url.PathEscape(subjectID)+"/active-session")
}

// CanActFor always allows: the remote server checks grants on every read
// and answers 403 otherwise.
func (c *HTTPClient) CanActFor(context.Context, string, string) (bool, error) {
	return true, nil
}
