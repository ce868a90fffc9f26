package a2aflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"a2aflow/internal/domain"
	"a2aflow/internal/orchestrator"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 300
)

// ErrMaxAttempts is returned by Await and WaitWorkflow when the polling
// budget runs out before the remote task or workflow finishes.
var ErrMaxAttempts = errors.New("max polling attempts reached")

// Client is a minimal a2aflow HTTP API client. It satisfies
// orchestrator.Client, so workflows can be driven from outside the server.
type Client struct {
	BaseURL      string
	HTTPClient   *http.Client
	Timeout      time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

var _ orchestrator.Client = (*Client)(nil)

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		Timeout:      10 * time.Second,
		PollInterval: DefaultPollInterval,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Skill describes a registered capability.
type Skill = domain.Skill

// Stats is the broker load snapshot returned with the worker listing.
type Stats struct {
	Queued   int `json:"queued"`
	Working  int `json:"working"`
	Capacity int `json:"capacity"`
}

// WorkflowRequest starts a server-side workflow.
type WorkflowRequest struct {
	Pattern      string   `json:"pattern"`
	Prompt       string   `json:"prompt"`
	Steps        []string `json:"steps,omitempty"`
	Branches     []string `json:"branches,omitempty"`
	Synthesizer  string   `json:"synthesizer,omitempty"`
	Participants []string `json:"participants,omitempty"`
	MaxRounds    int      `json:"max_rounds,omitempty"`
	Similarity   float64  `json:"similarity,omitempty"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Capability string
	State      domain.State
	Limit      int
}

// CreateTask submits a task and returns its initial snapshot.
func (c *Client) CreateTask(ctx context.Context, capability string, input []domain.Message, timeout time.Duration) (domain.Task, error) {
	body := map[string]any{
		"capability": capability,
		"input":      input,
	}
	if timeout > 0 {
		secs := int(timeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		body["timeout_seconds"] = secs
	}
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// GetTask fetches the current task status.
func (c *Client) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListArtifacts returns the artifacts produced so far.
func (c *Client) ListArtifacts(ctx context.Context, id string) ([]domain.Artifact, error) {
	var resp struct {
		Items []domain.Artifact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id)+"/artifacts", nil, &resp)
	return resp.Items, err
}

// CancelTask requests cancellation.
func (c *Client) CancelTask(ctx context.Context, id string) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// ListTasks lists tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	q := url.Values{}
	if f.Capability != "" {
		q.Set("capability", f.Capability)
	}
	if f.State != "" {
		q.Set("state", string(f.State))
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []domain.Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ListWorkers returns the registered capabilities and broker load.
func (c *Client) ListWorkers(ctx context.Context) ([]Skill, Stats, error) {
	var resp struct {
		Items []Skill `json:"items"`
		Stats Stats   `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, "workers", nil, &resp)
	return resp.Items, resp.Stats, err
}

// StartWorkflow starts a workflow on the server.
func (c *Client) StartWorkflow(ctx context.Context, req WorkflowRequest) (orchestrator.Workflow, error) {
	var resp orchestrator.Workflow
	err := c.do(ctx, http.MethodPost, "workflows", req, &resp)
	return resp, err
}

// GetWorkflow fetches a workflow record.
func (c *Client) GetWorkflow(ctx context.Context, id string) (orchestrator.Workflow, error) {
	var resp orchestrator.Workflow
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// WaitWorkflow polls until the workflow leaves the running state.
func (c *Client) WaitWorkflow(ctx context.Context, id string) (orchestrator.Workflow, error) {
	var wf orchestrator.Workflow
	err := c.poll(ctx, func() (bool, error) {
		var err error
		wf, err = c.GetWorkflow(ctx, id)
		return err == nil && wf.State != orchestrator.WorkflowRunning, err
	})
	if err != nil {
		return wf, fmt.Errorf("workflow %s: %w", id, err)
	}
	return wf, nil
}

// Submit creates a task and returns its id.
func (c *Client) Submit(ctx context.Context, capability string, input []domain.Message) (string, error) {
	t, err := c.CreateTask(ctx, capability, input, 0)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if id, ok := apiErr.Details["task_id"].(string); ok && id != "" {
				// rejected after creation; the failed task is still queryable
				return id, err
			}
		}
		return "", err
	}
	return t.ID, nil
}

// Await polls the task until it reaches a terminal state.
func (c *Client) Await(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := c.poll(ctx, func() (bool, error) {
		var err error
		t, err = c.GetTask(ctx, id)
		return err == nil && t.State.Terminal(), err
	})
	if err != nil {
		return t, fmt.Errorf("task %s: %w", id, err)
	}
	return t, nil
}

func (c *Client) poll(ctx context.Context, check func() (bool, error)) error {
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	for i := 0; i < attempts; i++ {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrMaxAttempts
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
