package server

import (
	"encoding/json"
	"time"

	"riskline/internal/domain"
	"riskline/internal/lifecycle"
	"riskline/internal/risk"
)

// Request payloads

type CreateTaskRequest struct {
	ID                 *string    `json:"id,omitempty"`
	Title              string     `json:"title"`
	Description        *string    `json:"description,omitempty"`
	AssigneeID         *string    `json:"assignee_id,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty" format:"date-time"`
	ProgressPercentage *int       `json:"progress_percentage,omitempty" minimum:"0" maximum:"100"`
	Order              *int       `json:"order,omitempty"`
}

type UpdateTaskRequest struct {
	Title              *string    `json:"title,omitempty"`
	Description        *string    `json:"description,omitempty"`
	Status             *string    `json:"status,omitempty" enum:"todo,in_progress"`
	AssigneeID         *string    `json:"assignee_id,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty" format:"date-time"`
	ClearDueDate       bool       `json:"clear_due_date,omitempty"`
	ProgressPercentage *int       `json:"progress_percentage,omitempty" minimum:"0" maximum:"100"`
	Order              *int       `json:"order,omitempty"`
}

type CompleteTaskRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

// Response payloads

type TaskResponse struct {
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

type taskList struct {
	Items []TaskResponse `json:"items"`
}

type CompletionResponse struct {
	Task     TaskRefResponse  `json:"task"`
	NextTask *TaskRefResponse `json:"next_task,omitempty"`
}

type TaskRefResponse struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
}

type NotificationResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

type notificationList struct {
	Items []NotificationResponse `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

type ProjectResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type projectList struct {
	Items []ProjectResponse `json:"items"`
}

// Mapping helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                 t.ID,
		ProjectID:          t.ProjectID,
		Title:              t.Title,
		Description:        t.Description,
		Status:             string(t.Status),
		AssigneeID:         t.AssigneeID,
		DueDate:            t.DueDate,
		ProgressPercentage: t.ProgressOrZero(),
		RiskLevel:          string(t.RiskLevel),
		Order:              t.Order,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		CompletedAt:        t.CompletedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func completionResponse(r lifecycle.CompletionResult) CompletionResponse {
	res := CompletionResponse{Task: TaskRefResponse{ID: r.Task.ID, Title: r.Task.Title, Status: string(r.Task.Status)}}
	if r.NextTask != nil {
		res.NextTask = &TaskRefResponse{ID: r.NextTask.ID, Title: r.NextTask.Title}
	}
	return res
}

func mapNotifications(items []domain.Notification) []NotificationResponse {
	res := make([]NotificationResponse, 0, len(items))
	for _, n := range items {
		res = append(res, notificationResponse(n))
	}
	return res
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        n.ID,
		Kind:      n.Kind,
		Title:     n.Title,
		Message:   n.Message,
		Link:      n.Link,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			ProjectID:  e.ProjectID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    decodeJSONMap(e.Payload),
		})
	}
	return res
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, ProjectResponse{ID: p.ID, Name: p.Name, CreatedAt: p.CreatedAt})
	}
	return res
}

func riskReport(r risk.ProjectRisk) risk.ProjectRisk {
	if r.AtRiskTasks == nil {
		r.AtRiskTasks = []risk.AtRiskTask{}
	}
	for i := range r.AtRiskTasks {
		r.AtRiskTasks[i].Factors = nonNilSlice(r.AtRiskTasks[i].Factors)
	}
	return r
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
