package warden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Warden server (e.g. "http://localhost:8080").
	BaseURL string

	// ClientID identifies the API client to authenticate as.
	ClientID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Warden agent monitoring API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, ClientID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("warden: BaseURL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("warden: ClientID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("warden: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.ClientID, cfg.APIKey, httpClient),
	}, nil
}

// Health returns the server's liveness report. It does not authenticate.
// An unhealthy server answers 503; the report is returned alongside an
// *Error in that case.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("warden: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("warden: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		var h Health
		if err := handleResponse(resp, &h); err != nil {
			return nil, err
		}
		return &h, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("warden: read response body: %w", err)
	}
	var envelope struct {
		Data Health `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	h := envelope.Data
	return &h, &Error{StatusCode: resp.StatusCode, Code: "UNHEALTHY", Message: "postgres " + h.Postgres}
}

// ReportRun records a run the caller executed. Reporting the same agent,
// destination and start time twice is idempotent.
func (c *Client) ReportRun(ctx context.Context, report RunReport) (*ReportRunResponse, error) {
	if report.Status == "" {
		report.Status = RunSuccess
	}
	if report.StartedAt.IsZero() {
		return nil, fmt.Errorf("warden: StartedAt is required")
	}
	report.StartedAt = report.StartedAt.UTC()

	var resp ReportRunResponse
	if err := c.post(ctx, "/runs", report, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AgentStatuses lists every registered agent's derived state. A non-empty
// state narrows the list.
func (c *Client) AgentStatuses(ctx context.Context, state AgentState) ([]AgentStatus, error) {
	path := "/agents/status"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	var out []AgentStatus
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AgentStatus returns one agent's derived state.
func (c *Client) AgentStatus(ctx context.Context, agentKey string) (*AgentStatus, error) {
	var out AgentStatus
	if err := c.get(ctx, "/agents/"+url.PathEscape(agentKey)+"/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Results returns the agent's most recent runs, newest first, annotated
// with baseline trends. A limit of zero uses the server default.
func (c *Client) Results(ctx context.Context, agentKey string, limit int) ([]RunResult, error) {
	path := "/agents/" + url.PathEscape(agentKey) + "/results"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []RunResult
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Issues lists tracked issues matching q.
func (c *Client) Issues(ctx context.Context, q IssueQuery) (*IssueList, error) {
	params := url.Values{}
	if len(q.Statuses) > 0 {
		params.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Severity != "" {
		params.Set("severity", q.Severity)
	}
	if q.AgentKey != "" {
		params.Set("agent_key", q.AgentKey)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	path := "/issues"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page listEnvelope[Issue]
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return &IssueList{Issues: page.Data, Total: page.Total, HasMore: page.HasMore}, nil
}

// GetIssue returns one issue by id.
func (c *Client) GetIssue(ctx context.Context, id uuid.UUID) (*Issue, error) {
	var out Issue
	if err := c.get(ctx, "/issues/"+id.String(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateIssueStatus moves an issue to status. Requires an admin client.
// Disallowed transitions fail with an error for which IsInvalidTransition
// reports true.
func (c *Client) UpdateIssueStatus(ctx context.Context, id uuid.UUID, status, note string) (*Issue, error) {
	body := map[string]string{"status": status}
	if note != "" {
		body["note"] = note
	}
	var out Issue
	if err := c.put(ctx, "/issues/"+id.String()+"/status", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestBriefing returns the most recently composed briefing.
func (c *Client) LatestBriefing(ctx context.Context) (*Briefing, error) {
	var out Briefing
	if err := c.get(ctx, "/briefing/latest", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestBriefingMarkdown returns the most recent briefing rendered as
// markdown.
func (c *Client) LatestBriefingMarkdown(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/briefing/latest?format=markdown", nil)
	if err != nil {
		return "", fmt.Errorf("warden: create request: %w", err)
	}
	resp, err := c.send(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("warden: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", parseErrorResponse(resp.StatusCode, body)
	}
	return string(body), nil
}

// RunJob triggers one pipeline job (anomaly, sweep, correlation, briefing
// or retention) synchronously. Requires an admin client.
func (c *Client) RunJob(ctx context.Context, name string) error {
	return c.post(ctx, "/jobs/"+url.PathEscape(name)+"/run", nil, nil)
}

// --- Internal HTTP helpers ---

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type listEnvelope[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// rawBody marks destinations that decode the whole body rather than the
// data field.
type rawBody interface {
	raw()
}

func (listEnvelope[T]) raw() {}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.withBody(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	return c.withBody(ctx, http.MethodPut, path, body, dest)
}

func (c *Client) withBody(ctx context.Context, method, path string, body any, dest any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("warden: marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("warden: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(encoded)), nil
		}
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("warden: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

// send authenticates req and performs it. A 401 on a cached token drops the
// token and retries once with a fresh one.
func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.sendOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_ = resp.Body.Close()

	c.tokenMgr.invalidate()
	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("warden: rewind request body: %w", err)
		}
		retry.Body = body
	}
	return c.sendOnce(ctx, retry)
}

func (c *Client) sendOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("warden: %s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("warden: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	if _, ok := dest.(rawBody); ok {
		if err := json.Unmarshal(bodyBytes, dest); err != nil {
			return fmt.Errorf("warden: decode list response: %w", err)
		}
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("warden: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("warden: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
