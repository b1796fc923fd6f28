// Package events appends audit records for task state changes.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"riskline/internal/clock"
)

// Event types written by the engine.
const (
	TaskCreated     = "task.created"
	TaskUpdated     = "task.updated"
	TaskCompleted   = "task.completed"
	TaskAssigned    = "task.assigned"
	TaskRiskChanged = "task.risk_changed"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Clock clock.Clock
}

type Payload map[string]any

type Record struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, ex Execer, rec Record) error {
	var now time.Time
	if w.Clock != nil {
		now = w.Clock.Now()
	} else {
		now = time.Now()
	}
	payload := rec.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := rec.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now.UTC().Format(time.RFC3339Nano), rec.Type, nullable(rec.ProjectID), rec.EntityKind, nullable(rec.EntityID), actor, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", rec.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
