package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"riskline/internal/clock"
	"riskline/internal/domain"
	"riskline/internal/events"
	"riskline/internal/lifecycle"
	"riskline/internal/risk"
)

// Repo is the SQLite task store.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Clock  clock.Clock
}

var ErrNotFound = domain.ErrNotFound

var (
	_ risk.Repository = Repo{}
	_ lifecycle.Store = Repo{}
)

func New(db *sql.DB, clk clock.Clock) Repo {
	if clk == nil {
		clk = clock.System{}
	}
	return Repo{DB: db, Events: events.Writer{Clock: clk}, Clock: clk}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) now() time.Time {
	if r.Clock != nil {
		return r.Clock.Now()
	}
	return time.Now().UTC()
}

const taskColumns = `id,project_id,title,description,status,assignee_id,due_date,progress_percentage,risk_level,sort_order,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, assigneeID, dueDate, completedAt sql.NullString
	var progress sql.NullInt64
	var status, riskLevel, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &description, &status, &assigneeID, &dueDate, &progress, &riskLevel, &t.Order, &createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.Status(status)
	t.RiskLevel = domain.RiskLevel(riskLevel)
	if description.Valid {
		t.Description = description.String
	}
	if assigneeID.Valid {
		t.AssigneeID = assigneeID.String
	}
	if progress.Valid {
		p := int(progress.Int64)
		t.Progress = &p
	}
	if t.DueDate, err = parseNullTime(dueDate); err != nil {
		return t, fmt.Errorf("task %s due_date: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return t, fmt.Errorf("task %s completed_at: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) EnsureProject(ctx context.Context, id, name string) (domain.Project, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Project{}, fmt.Errorf("project id is required: %w", domain.ErrInvalidArgument)
	}
	if name == "" {
		name = id
	}
	now := r.now()
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`,
		id, name, formatTime(now)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return r.GetProject(ctx, id)
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var createdAt string
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM projects WHERE id=?`, id).Scan(&p.ID, &p.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CreatedAt, err = parseTime(createdAt)
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &createdAt); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func insertTask(ctx context.Context, q querier, t domain.Task) error {
	_, err := q.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), string(t.Status), nullable(t.AssigneeID),
		nullableTime(t.DueDate), nullableIntPtr(t.Progress), string(t.RiskLevel), t.Order,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), nullableTime(t.CompletedAt))
	return err
}

// saveTask writes every user-mutable column from t. It is only used inside a
// lifecycle transaction, where t was read in the same transaction. risk_level
// is owned by the scanner and is left alone.
func saveTask(ctx context.Context, q querier, t domain.Task) error {
	res, err := q.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, assignee_id=?, due_date=?, progress_percentage=?, sort_order=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), string(t.Status), nullable(t.AssigneeID), nullableTime(t.DueDate),
		nullableIntPtr(t.Progress), t.Order, formatTime(t.UpdatedAt), nullableTime(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// InsertTask stores a new task and records a task.created event.
func (r Repo) InsertTask(ctx context.Context, t domain.Task, actorID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertTask(ctx, tx, t); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.Record{
		Type:       events.TaskCreated,
		ProjectID:  t.ProjectID,
		EntityKind: "task",
		EntityID:   t.ID,
		ActorID:    actorID,
		Payload:    events.Payload{"title": t.Title, "status": t.Status},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// editableColumns maps task.updated payload keys to the columns they edit.
var editableColumns = []struct {
	key    string
	column string
	value  func(domain.Task) any
}{
	{"title", "title", func(t domain.Task) any { return t.Title }},
	{"description", "description", func(t domain.Task) any { return nullable(t.Description) }},
	{"status", "status", func(t domain.Task) any { return string(t.Status) }},
	{"assignee_id", "assignee_id", func(t domain.Task) any { return nullable(t.AssigneeID) }},
	{"due_date", "due_date", func(t domain.Task) any { return nullableTime(t.DueDate) }},
	{"progress_percentage", "progress_percentage", func(t domain.Task) any { return nullableIntPtr(t.Progress) }},
	{"order", "sort_order", func(t domain.Task) any { return t.Order }},
}

// UpdateTask writes the columns named in changed and records a task.updated
// event. Columns not in changed keep whatever a concurrent writer stored.
// Done tasks are never edited: a stale caller gets ErrConflict.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task, actorID string, changed events.Payload) error {
	sets := []string{"updated_at=?"}
	args := []any{formatTime(t.UpdatedAt)}
	for _, col := range editableColumns {
		if _, ok := changed[col.key]; ok {
			sets = append(sets, col.column+"=?")
			args = append(args, col.value(t))
		}
	}
	args = append(args, t.ID)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id=? AND status != 'done'`, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := getTask(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("task %s is %s: %w", current.ID, current.Status, domain.ErrConflict)
	}
	if err := r.Events.Append(ctx, tx, events.Record{
		Type:       events.TaskUpdated,
		ProjectID:  t.ProjectID,
		EntityKind: "task",
		EntityID:   t.ID,
		ActorID:    actorID,
		Payload:    changed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

type TaskFilters struct {
	ProjectID  string
	Status     domain.Status
	AssigneeID string
	RiskLevel  domain.RiskLevel
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.RiskLevel != "" {
		clauses = append(clauses, "risk_level=?")
		args = append(args, string(f.RiskLevel))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY project_id, sort_order, rowid`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ListActive returns ToDo and InProgress tasks in insertion order.
func (r Repo) ListActive(ctx context.Context, projectID string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN ('todo','in_progress')`
	var args []any
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// SaveRiskLevels rewrites risk_level for every change in a single
// transaction and returns the changes that were applied. A row is only
// written while the task is still active and still stored at c.From.
func (r Repo) SaveRiskLevels(ctx context.Context, changes []risk.Change) ([]risk.Change, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE tasks SET risk_level=?, updated_at=?
WHERE id=? AND status IN ('todo','in_progress') AND risk_level=?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	now := formatTime(r.now())
	applied := make([]risk.Change, 0, len(changes))
	for _, c := range changes {
		res, err := stmt.ExecContext(ctx, string(c.To), now, c.TaskID, string(c.From))
		if err != nil {
			return nil, fmt.Errorf("update risk of task %s: %w", c.TaskID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 0 {
			continue
		}
		if err := r.Events.Append(ctx, tx, events.Record{
			Type:       events.TaskRiskChanged,
			ProjectID:  c.ProjectID,
			EntityKind: "task",
			EntityID:   c.TaskID,
			Payload: events.Payload{
				"from":    c.From,
				"to":      c.To,
				"score":   c.Score,
				"factors": c.Factors,
			},
		}); err != nil {
			return nil, err
		}
		applied = append(applied, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return applied, nil
}

// FindNextUnassigned returns the project's unassigned ToDo task with the
// lowest order. Equal orders fall back to insertion order.
func (r Repo) FindNextUnassigned(ctx context.Context, projectID string) (domain.Task, error) {
	return findNextUnassigned(ctx, r.DB, projectID)
}

func findNextUnassigned(ctx context.Context, q querier, projectID string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE project_id=? AND status='todo' AND (assignee_id IS NULL OR assignee_id='')
ORDER BY sort_order ASC, rowid ASC LIMIT 1`, projectID))
}

// NextOrder returns one past the highest order used in the project.
func (r Repo) NextOrder(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order),0)+1 FROM tasks WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
