package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/agentpipe/pkg/schema"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 1024
)

// HTTPCatalog resolves agents from a remote catalog service exposing
// GET {base}/agents/{id}.
type HTTPCatalog struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCatalog creates a client for the catalog at baseURL.
// A nil client gets a default one with a 10s timeout.
func NewHTTPCatalog(baseURL string, client *http.Client) (*HTTPCatalog, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid catalog url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPCatalog{baseURL: strings.TrimRight(baseURL, "/"), client: client}, nil
}

// GetAgent fetches one agent. Network failures, 429 and 5xx are transient.
func (c *HTTPCatalog) GetAgent(ctx context.Context, agentID string) (*schema.Agent, error) {
	endpoint := c.baseURL + "/agents/" + url.PathEscape(agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build catalog request: %s", err.Error())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "catalog lookup cancelled").WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "catalog unreachable: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not found", agentID)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "catalog returned %d: %s", resp.StatusCode, readSnippet(resp.Body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "catalog returned %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	var agent schema.Agent
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode agent %q: %s", agentID, err.Error()).WithCause(err)
	}
	if agent.AgentID == "" {
		agent.AgentID = agentID
	}
	return &agent, nil
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}
