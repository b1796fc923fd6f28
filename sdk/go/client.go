package risklinesdk

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

// Client is a minimal riskline HTTP API client.
type Client struct {
	BaseURL    string
	ProjectID  string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID, actorID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		ActorID:   actorID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID                 string     `json:"id"`
	ProjectID          string     `json:"project_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Status             string     `json:"status"`
	AssigneeID         string     `json:"assignee_id,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	ProgressPercentage int        `json:"progress_percentage"`
	RiskLevel          string     `json:"risk_level"`
	Order              int        `json:"order"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// NewTask holds the fields accepted when creating a task.
type NewTask struct {
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AssigneeID         string     `json:"assignee_id,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	ProgressPercentage *int       `json:"progress_percentage,omitempty"`
	Order              *int       `json:"order,omitempty"`
}

type TaskRef struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
}

type Completion struct {
	Task     TaskRef  `json:"task"`
	NextTask *TaskRef `json:"next_task,omitempty"`
}

type ScanSummary struct {
	TasksScanned      int `json:"tasks_scanned"`
	HighRisk          int `json:"high_risk"`
	MediumRisk        int `json:"medium_risk"`
	NotificationsSent int `json:"notifications_sent"`
}

type AtRiskTask struct {
	TaskID             string     `json:"task_id"`
	Title              string     `json:"task_title"`
	RiskLevel          string     `json:"risk_level"`
	Factors            []string   `json:"risk_factors"`
	AssigneeID         string     `json:"assignee_id,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	ProgressPercentage int        `json:"progress_percentage"`
	Status             string     `json:"status"`
	EstimatedDelayDays int        `json:"estimated_delay_days"`
}

type ProjectRisks struct {
	ProjectID         string       `json:"project_id"`
	TotalTasks        int          `json:"total_tasks"`
	HighRiskCount     int          `json:"high_risk_count"`
	MediumRiskCount   int          `json:"medium_risk_count"`
	LowRiskCount      int          `json:"low_risk_count"`
	NotificationsSent int          `json:"notifications_sent"`
	AtRiskTasks       []AtRiskTask `json:"at_risk_tasks"`
	GeneratedAt       time.Time    `json:"generated_at"`
}

type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task in the client's project.
func (c *Client) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetProgress records a progress percentage on a task.
func (c *Client) SetProgress(ctx context.Context, id string, percent int) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "v0/tasks/"+url.PathEscape(id), map[string]any{"progress_percentage": percent}, &resp)
	return resp, err
}

// CompleteTask finishes a task as the client's actor and returns the task
// handed out next, if any.
func (c *Client) CompleteTask(ctx context.Context, id string) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

// Scan triggers a risk scan over all projects.
func (c *Client) Scan(ctx context.Context) (ScanSummary, error) {
	var resp ScanSummary
	err := c.do(ctx, http.MethodPost, "v0/risk/scan", nil, &resp)
	return resp, err
}

func (c *Client) ProjectRisks(ctx context.Context) (ProjectRisks, error) {
	var resp ProjectRisks
	err := c.do(ctx, http.MethodGet, c.projectPath("risks"), nil, &resp)
	return resp, err
}

// Notifications lists the notifications of the client's actor.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	var resp struct {
		Items []Notification `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/users/%s/notifications", url.PathEscape(c.ActorID))
	if unreadOnly {
		endpoint += "?unread=true"
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
