package journeylinesdk

import (
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

// Client is a minimal Journeyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// PollInterval is the delay between WaitForJob polls.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		BasePath:     "v1",
		Timeout:      10 * time.Second,
		PollInterval: time.Second,
	}
}

// Understanding is a stored problem statement.
type Understanding struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title,omitempty"`
	UserInput string `json:"user_input"`
	CreatedAt string `json:"created_at"`
}

// Session represents the API journey session model (partial).
type Session struct {
	ID                    string         `json:"id"`
	UnderstandingID       string         `json:"understanding_id"`
	UserID                string         `json:"user_id"`
	JourneyType           string         `json:"journey_type"`
	Status                string         `json:"status"`
	CurrentFrameworkIndex int            `json:"current_framework_index"`
	CompletedFrameworks   []string       `json:"completed_frameworks"`
	ErrorMessage          string         `json:"error_message,omitempty"`
	Context               map[string]any `json:"accumulated_context,omitempty"`
	CompletedAt           *string        `json:"completed_at,omitempty"`
}

// Progress is a point-in-time view of a session.
type Progress struct {
	SessionID        string `json:"session_id"`
	CurrentFramework string `json:"current_framework,omitempty"`
	FrameworkIndex   int    `json:"framework_index"`
	TotalFrameworks  int    `json:"total_frameworks"`
	PercentComplete  int    `json:"percent_complete"`
	Status           string `json:"status"`
}

// Job represents a background job.
type Job struct {
	ID              string         `json:"id"`
	JobType         string         `json:"job_type"`
	Status          string         `json:"status"`
	Progress        int            `json:"progress"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	ResultData      map[string]any `json:"result_data,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// Finished reports whether the job reached a terminal status.
func (j Job) Finished() bool {
	return j.Status == "completed" || j.Status == "failed"
}

// QueuedJob is returned when a journey is queued for execution.
type QueuedJob struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
	Created   bool   `json:"created"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateUnderstanding records a problem statement.
func (c *Client) CreateUnderstanding(ctx context.Context, title, input string) (Understanding, error) {
	body := map[string]any{
		"title":      title,
		"user_input": input,
	}
	var resp Understanding
	err := c.do(ctx, http.MethodPost, "understandings", body, &resp)
	return resp, err
}

// StartJourney creates a session. With execute set, a background job is
// queued too and its id returned.
func (c *Client) StartJourney(ctx context.Context, understandingID, journeyType string, execute bool) (Session, string, error) {
	body := map[string]any{
		"understanding_id": understandingID,
		"journey_type":     journeyType,
		"execute":          execute,
	}
	var resp struct {
		Session Session `json:"session"`
		JobID   string  `json:"job_id"`
	}
	err := c.do(ctx, http.MethodPost, "journeys", body, &resp)
	return resp.Session, resp.JobID, err
}

// GetJourney fetches a session.
func (c *Client) GetJourney(ctx context.Context, id string, includeContext bool) (Session, error) {
	endpoint := "journeys/" + url.PathEscape(id)
	if includeContext {
		endpoint += "?include_context=true"
	}
	var resp Session
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// JourneyProgress fetches the progress of a session.
func (c *Client) JourneyProgress(ctx context.Context, id string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, "journeys/"+url.PathEscape(id)+"/progress", nil, &resp)
	return resp, err
}

// ExecuteJourney queues background execution of a session.
func (c *Client) ExecuteJourney(ctx context.Context, id string) (QueuedJob, error) {
	var resp QueuedJob
	err := c.do(ctx, http.MethodPost, "journeys/"+url.PathEscape(id)+"/execute", nil, &resp)
	return resp, err
}

// ResumeJourney queues a resume from the last checkpoint.
func (c *Client) ResumeJourney(ctx context.Context, id string) (QueuedJob, error) {
	var resp QueuedJob
	err := c.do(ctx, http.MethodPost, "journeys/"+url.PathEscape(id)+"/resume", nil, &resp)
	return resp, err
}

// PauseJourney asks a running journey to stop at its next checkpoint.
func (c *Client) PauseJourney(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "journeys/"+url.PathEscape(id)+"/pause", nil, &resp)
	return resp, err
}

// GetJob fetches a job.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CancelJob cancels a pending or running job. It reports false when the job
// had already finished.
func (c *Client) CancelJob(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp.Cancelled, err
}

// ListJobs returns the caller's jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// WaitForJob polls until the job finishes or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id string) (Job, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil || job.Finished() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}
	}
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
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
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
