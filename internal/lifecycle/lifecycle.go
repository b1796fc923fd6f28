// Package lifecycle moves tasks to done and hands the next piece of work to
// whoever finished the last one.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"riskline/internal/clock"
	"riskline/internal/domain"
	"riskline/internal/events"
)

var (
	ErrNotFound        = domain.ErrNotFound
	ErrInvalidArgument = domain.ErrInvalidArgument
)

// Tx is the transactional view of the task store used during one completion.
type Tx interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	// FindNextUnassigned returns the ToDo, unassigned task of the project with
	// the smallest order, or ErrNotFound.
	FindNextUnassigned(ctx context.Context, projectID string) (domain.Task, error)
	SaveTask(ctx context.Context, t domain.Task) error
	RecordEvent(ctx context.Context, evtType string, t domain.Task, actorID string, payload map[string]any) error
}

// Store runs fn inside one transaction, committing only when fn returns nil.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

type TaskRef struct {
	ID     string        `json:"id"`
	Title  string        `json:"title"`
	Status domain.Status `json:"status,omitempty"`
}

type CompletionResult struct {
	Task     TaskRef  `json:"task"`
	NextTask *TaskRef `json:"next_task,omitempty"`
}

type Manager struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

func New(store Store, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, clock: clk, logger: logger}
}

// Complete marks taskID done and auto-assigns the project's next unassigned
// ToDo task to actorID. Completing a task that is already done leaves it as is
// but still hands out the next task.
func (m *Manager) Complete(ctx context.Context, taskID, actorID string) (CompletionResult, error) {
	if taskID == "" {
		return CompletionResult{}, fmt.Errorf("task id is required: %w", ErrInvalidArgument)
	}
	if actorID == "" {
		return CompletionResult{}, fmt.Errorf("actor id is required: %w", ErrInvalidArgument)
	}
	var res CompletionResult
	err := m.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		now := m.clock.Now()
		if t.Status != domain.StatusDone {
			prev := t.Status
			t.Status = domain.StatusDone
			t.CompletedAt = &now
			t.UpdatedAt = now
			if err := tx.SaveTask(ctx, t); err != nil {
				return fmt.Errorf("save task %s: %w", t.ID, err)
			}
			if err := tx.RecordEvent(ctx, events.TaskCompleted, t, actorID, map[string]any{"from": prev, "to": t.Status}); err != nil {
				return err
			}
		}
		res.Task = TaskRef{ID: t.ID, Title: t.Title, Status: t.Status}

		next, err := tx.FindNextUnassigned(ctx, t.ProjectID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find next task in project %s: %w", t.ProjectID, err)
		}
		next.AssigneeID = actorID
		next.Status = domain.StatusInProgress
		next.UpdatedAt = now
		if err := tx.SaveTask(ctx, next); err != nil {
			return fmt.Errorf("assign task %s: %w", next.ID, err)
		}
		if err := tx.RecordEvent(ctx, events.TaskAssigned, next, actorID, map[string]any{"assignee_id": actorID, "after": t.ID}); err != nil {
			return err
		}
		res.NextTask = &TaskRef{ID: next.ID, Title: next.Title}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	attrs := []any{"task_id", res.Task.ID, "actor_id", actorID}
	if res.NextTask != nil {
		attrs = append(attrs, "next_task_id", res.NextTask.ID)
	}
	m.logger.Info("task completed", attrs...)
	return res, nil
}
