package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/pipewatch/pipewatch/internal/ci"
	"github.com/pipewatch/pipewatch/internal/config"
)

// Client talks to the remote CI service's REST API. It is safe for
// concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// New builds a Client from the client configuration. The underlying
// http.Client is constructed once and reused for every request.
func New(cfg config.ClientConfig) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("gateway: base_url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("gateway: parse base_url: %w", err)
	}

	transport := &authRoundTripper{
		base: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
			},
		},
		auth: cfg.Auth,
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = config.DefaultClientTimeout
	}

	return &Client{
		baseURL: base,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}, nil
}

// authRoundTripper injects authentication headers and a request ID into
// every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("X-Request-ID", uuid.NewString())

	switch t.auth.Mode {
	case "apikey":
		header := t.auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, t.auth.Key())
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// FetchProjects returns all projects visible to the configured credentials.
func (c *Client) FetchProjects(ctx context.Context) ([]ci.Project, error) {
	var out []ci.Project
	if err := c.getJSON(ctx, "/projects", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchPipelines returns the pipelines of one project.
func (c *Client) FetchPipelines(ctx context.Context, projectID string) ([]ci.Pipeline, error) {
	var out []ci.Pipeline
	path := fmt.Sprintf("/projects/%s/pipelines", url.PathEscape(projectID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchPipelineRuns returns the current run collection of a pipeline.
func (c *Client) FetchPipelineRuns(ctx context.Context, key ci.PipelineKey) ([]ci.Run, error) {
	var out []ci.Run
	if err := c.getJSON(ctx, runsPath(key), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchRunDetails returns the full details of a single run.
func (c *Client) FetchRunDetails(ctx context.Context, key ci.RunKey) (*ci.RunDetails, error) {
	var out ci.RunDetails
	path := runsPath(key.Pipeline()) + "/" + url.PathEscape(key.RunID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerRun starts a new run of the pipeline on the given ref and returns
// the created run.
func (c *Client) TriggerRun(ctx context.Context, key ci.PipelineKey, ref string) (*ci.Run, error) {
	body, err := json.Marshal(map[string]string{"ref": ref})
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal trigger body: %w", err)
	}

	var out ci.Run
	if err := c.do(ctx, http.MethodPost, runsPath(key), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun requests cancellation of a run. The CI service cancels
// asynchronously; callers observe the resulting state via polling.
func (c *Client) CancelRun(ctx context.Context, key ci.RunKey) error {
	path := runsPath(key.Pipeline()) + "/" + url.PathEscape(key.RunID) + "/cancel"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func runsPath(key ci.PipelineKey) string {
	return fmt.Sprintf("/projects/%s/pipelines/%s/runs",
		url.PathEscape(key.ProjectID), url.PathEscape(key.PipelineID))
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// do issues one request and decodes the JSON response into out (when out is
// non-nil). Non-2xx responses become errors carrying the status and a
// truncated body excerpt.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("gateway: %s %s: unexpected status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}
