package repo

import (
	"context"
	"database/sql"

	"riskline/internal/domain"
	"riskline/internal/events"
	"riskline/internal/lifecycle"
)

// WithTx runs fn against a transactional view of the store. The transaction
// commits when fn returns nil and rolls back otherwise.
func (r Repo) WithTx(ctx context.Context, fn func(lifecycle.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(txRepo{tx: tx, events: r.Events}); err != nil {
		return err
	}
	return tx.Commit()
}

type txRepo struct {
	tx     *sql.Tx
	events events.Writer
}

func (t txRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, t.tx, id)
}

func (t txRepo) FindNextUnassigned(ctx context.Context, projectID string) (domain.Task, error) {
	return findNextUnassigned(ctx, t.tx, projectID)
}

func (t txRepo) SaveTask(ctx context.Context, task domain.Task) error {
	return saveTask(ctx, t.tx, task)
}

func (t txRepo) RecordEvent(ctx context.Context, evtType string, task domain.Task, actorID string, payload map[string]any) error {
	return t.events.Append(ctx, t.tx, events.Record{
		Type:       evtType,
		ProjectID:  task.ProjectID,
		EntityKind: "task",
		EntityID:   task.ID,
		ActorID:    actorID,
		Payload:    payload,
	})
}
