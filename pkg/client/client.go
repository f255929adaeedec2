package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is used when no daemon address is configured.
const DefaultBaseURL = "http://localhost:5000"

// Client provides typed access to the gantry daemon for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the auth token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided daemon base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid daemon base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon request failed with status %d", e.Status)
	}
	return fmt.Sprintf("daemon request failed (%d): %s", e.Status, e.Message)
}

// LaunchRequest mirrors the daemon's launch payload.
type LaunchRequest struct {
	LaunchID       string   `json:"launch_id,omitempty"`
	App            string   `json:"app,omitempty"`
	SourcePath     string   `json:"source_path,omitempty"`
	GitURL         string   `json:"git_url,omitempty"`
	GitRef         string   `json:"git_ref,omitempty"`
	AppObject      string   `json:"app_object"`
	ManifestFile   string   `json:"manifest_file,omitempty"`
	BaseImage      string   `json:"base_image,omitempty"`
	SystemPackages []string `json:"system_packages,omitempty"`
}

// LaunchResult is the daemon's accepted-launch response.
type LaunchResult struct {
	LaunchID  string    `json:"launch_id"`
	Status    string    `json:"status"`
	Image     string    `json:"image"`
	Timestamp time.Time `json:"timestamp"`
}

// Launch mirrors the daemon's launch record.
type Launch struct {
	ID          string     `json:"id"`
	App         string     `json:"app"`
	Source      string     `json:"source"`
	AppObject   string     `json:"app_object"`
	Image       string     `json:"image"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	Message     string     `json:"message"`
	Error       string     `json:"error"`
	HostAddr    string     `json:"host_addr"`
	ExitCode    *int64     `json:"exit_code"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the launch reached a final state.
func (l Launch) Terminal() bool {
	switch l.Status {
	case "stopped", "crashed", "failed", "cancelled":
		return true
	}
	return false
}

// LogEntry is a streamed or listed launch log line.
type LogEntry struct {
	ID        int64           `json:"id"`
	LaunchID  string          `json:"launch_id"`
	Source    string          `json:"source"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateLaunch submits a launch request.
func (c *Client) CreateLaunch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	var result LaunchResult
	if err := c.do(ctx, http.MethodPost, "/launches", req, &result); err != nil {
		return LaunchResult{}, err
	}
	return result, nil
}

// GetLaunch fetches the current launch record.
func (c *Client) GetLaunch(ctx context.Context, launchID string) (Launch, error) {
	var launch Launch
	if err := c.do(ctx, http.MethodGet, "/launches/"+url.PathEscape(launchID), nil, &launch); err != nil {
		return Launch{}, err
	}
	return launch, nil
}

// CancelLaunch stops a running launch.
func (c *Client) CancelLaunch(ctx context.Context, launchID string) error {
	return c.do(ctx, http.MethodDelete, "/launches/"+url.PathEscape(launchID), nil, nil)
}

// PurgeLaunch deletes a finished launch and its logs from history.
func (c *Client) PurgeLaunch(ctx context.Context, launchID string) error {
	return c.do(ctx, http.MethodDelete, "/launches/"+url.PathEscape(launchID)+"?purge=true", nil, nil)
}

// ListLaunches returns recent launches for an application, newest first.
func (c *Client) ListLaunches(ctx context.Context, app string, limit int) ([]Launch, error) {
	path := fmt.Sprintf("/launches?app=%s&limit=%d", url.QueryEscape(app), limit)
	var launches []Launch
	if err := c.do(ctx, http.MethodGet, path, nil, &launches); err != nil {
		return nil, err
	}
	return launches, nil
}

// ListLogs returns persisted logs for a launch, newest first.
func (c *Client) ListLogs(ctx context.Context, launchID string, limit, offset int) ([]LogEntry, error) {
	path := fmt.Sprintf("/logs/%s?limit=%d&offset=%d", url.PathEscape(launchID), limit, offset)
	var entries []LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// FollowLogs attaches to the daemon's SSE stream and invokes onEntry for each
// log line until the context is cancelled or the stream ends.
func (c *Client) FollowLogs(ctx context.Context, launchID string, onEntry func(LogEntry)) error {
	endpoint := c.baseURL + "/sse/logs?launch_id=" + url.QueryEscape(launchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.applyAuth(req)

	// Streams outlive the default request timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		var entry LogEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			continue
		}
		onEntry(entry)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// WaitForExit polls the launch until it reaches a terminal state and returns
// the final record. The container's exit code rides on the returned launch.
func (c *Client) WaitForExit(ctx context.Context, launchID string, pollEvery time.Duration) (Launch, error) {
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		launch, err := c.GetLaunch(ctx, launchID)
		if err != nil {
			return Launch{}, err
		}
		if launch.Terminal() {
			return launch, nil
		}
		select {
		case <-ctx.Done():
			return Launch{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("X-Gantry-Token", c.token)
	}
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return payload.Error
}
