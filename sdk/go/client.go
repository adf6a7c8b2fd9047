// Package daylogsdk is a minimal Go client for the Daylog HTTP API.
package daylogsdk

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

// Client is a minimal Daylog HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Minute, // generation runs block on model calls
	}
}

// APIError carries a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// GenerateRequest triggers one workflow run.
type GenerateRequest struct {
	Date            string `json:"date,omitempty"`
	ForceRegenerate bool   `json:"forceRegenerate,omitempty"`
}

// ProgressStep is one entry of the trigger response's progress tail.
type ProgressStep struct {
	Type      string `json:"type"`
	StepID    string `json:"stepId,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// GenerateResponse is the settled outcome of a run.
type GenerateResponse struct {
	Success         bool   `json:"success"`
	RunID           string `json:"runId"`
	Status          string `json:"status"`
	Date            string `json:"date"`
	Version         int    `json:"version"`
	LogCreated      bool   `json:"logCreated"`
	LogID           string `json:"logId,omitempty"`
	Halted          bool   `json:"halted,omitempty"`
	ExecutionTime   int64  `json:"executionTime"`
	Result          string `json:"result"`
	Error           string `json:"error,omitempty"`
	ProgressSummary struct {
		TotalSteps int            `json:"totalSteps"`
		Steps      []ProgressStep `json:"steps"`
	} `json:"progressSummary"`
	Timestamp string `json:"timestamp"`
}

// ActivityLog is the API log model (partial).
type ActivityLog struct {
	ID        string   `json:"id"`
	Date      string   `json:"date"`
	LogType   string   `json:"log_type"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	Bullets   []string `json:"bullets"`
	Processed bool     `json:"processed"`
	CreatedAt string   `json:"created_at"`
}

// Repository is the API repository model (partial).
type Repository struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	Name            string `json:"name"`
	FullName        string `json:"full_name"`
	AnalysisEnabled bool   `json:"analysis_enabled"`
	AnalysisDepth   string `json:"analysis_depth"`
}

// MonitorEnvelope frames one message of the monitor stream.
type MonitorEnvelope struct {
	Type      string         `json:"type"` // watch | stream | complete | error
	RunID     string         `json:"runId,omitempty"`
	Chunk     map[string]any `json:"chunk,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Generate runs the daily analysis workflow and blocks until it settles.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var out GenerateResponse
	err := c.do(ctx, http.MethodPost, "v0/logs/generate", req, &out)
	return out, err
}

// ListLogs returns activity logs, optionally filtered to one date.
func (c *Client) ListLogs(ctx context.Context, date string, limit int) ([]ActivityLog, error) {
	endpoint := fmt.Sprintf("v0/logs?limit=%d", limit)
	if date != "" {
		endpoint += "&date=" + url.QueryEscape(date)
	}
	var out struct {
		Logs []ActivityLog `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out.Logs, err
}

// GetLog fetches one activity log by id.
func (c *Client) GetLog(ctx context.Context, id string) (ActivityLog, error) {
	var out ActivityLog
	err := c.do(ctx, http.MethodGet, "v0/logs/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListRepositories returns every tracked repository.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	var out struct {
		Repositories []Repository `json:"repositories"`
	}
	err := c.do(ctx, http.MethodGet, "v0/repositories", nil, &out)
	return out.Repositories, err
}

// AddRepository starts tracking owner/name.
func (c *Client) AddRepository(ctx context.Context, fullName string) (Repository, error) {
	var out Repository
	err := c.do(ctx, http.MethodPost, "v0/repositories", map[string]string{"full_name": fullName}, &out)
	return out, err
}

// Monitor starts a run and invokes fn for every frame of its event stream.
// It returns when the stream completes, fn returns an error, or ctx ends.
func (c *Client) Monitor(ctx context.Context, workflowID, date string, force bool, fn func(MonitorEnvelope) error) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{} // no timeout: the stream is long-lived
	}
	q := url.Values{}
	if date != "" {
		q.Set("date", date)
	}
	if force {
		q.Set("force", "true")
	}
	endpoint := fmt.Sprintf("%s/v0/workflows/%s/monitor?%s", c.base(), url.PathEscape(workflowID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env MonitorEnvelope
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env); err != nil {
			return fmt.Errorf("decode stream frame: %w", err)
		}
		if err := fn(env); err != nil {
			return err
		}
		if env.Type == "complete" || env.Type == "error" {
			return nil
		}
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
