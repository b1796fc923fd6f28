package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"riskline/internal/clock"
	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/events"
	"riskline/internal/lifecycle"
	"riskline/internal/notify"
	"riskline/internal/repo"
	"riskline/internal/risk"
	"riskline/internal/scheduler"
)

// RiskScanJob is the scheduler name of the periodic risk scan.
const RiskScanJob = "risk-scan"

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Clock     clock.Clock
	Logger    *slog.Logger
	Sink      notify.Sink
	Risk      *risk.Scanner
	Lifecycle *lifecycle.Manager
}

type options struct {
	clock      clock.Clock
	logger     *slog.Logger
	sink       notify.Sink
	httpClient *http.Client
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSink replaces the sinks built from config.
func WithSink(s notify.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithHTTPClient sets the client used by webhook sinks.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func New(db *sql.DB, cfg *config.Config, opts ...Option) Engine {
	o := options{clock: clock.System{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	r := repo.New(db, o.clock)
	sink := o.sink
	if sink == nil {
		sink = BuildSink(cfg, r, o.clock, o.httpClient)
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Config: cfg,
		Clock:  o.clock,
		Logger: o.logger,
		Sink:   sink,
		Risk: risk.NewScanner(r, sink,
			risk.WithClock(o.clock),
			risk.WithLogger(o.logger.With("component", "risk"))),
		Lifecycle: lifecycle.New(r, o.clock, o.logger.With("component", "lifecycle")),
	}
}

// BuildSink assembles the configured notification sinks.
func BuildSink(cfg *config.Config, r repo.Repo, clk clock.Clock, client *http.Client) notify.Sink {
	var sinks notify.Fanout
	if cfg.InboxEnabled() {
		sinks = append(sinks, notify.Inbox{Store: r, Clock: clk})
	}
	for _, hook := range cfg.Notifications.Webhooks {
		if !hook.IsEnabled() {
			continue
		}
		sinks = append(sinks, notify.Webhook{
			URL:     hook.URL,
			Secret:  hook.Secret,
			Timeout: time.Duration(hook.TimeoutSeconds) * time.Second,
			Kinds:   hook.Kinds,
			Client:  client,
			Now:     clk.Now,
		})
	}
	switch len(sinks) {
	case 0:
		return notify.Discard
	case 1:
		return sinks[0]
	}
	return sinks
}

func (e Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now().UTC()
}

// InitProject registers a project, leaving an existing one untouched.
func (e Engine) InitProject(ctx context.Context, projectID, name string) (domain.Project, error) {
	return e.Repo.EnsureProject(ctx, projectID, name)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	AssigneeID  string
	DueDate     *time.Time
	Progress    *int
	Order       *int
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, fmt.Errorf("title is required: %w", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(opts.ProjectID) == "" {
		return domain.Task{}, fmt.Errorf("project is required: %w", domain.ErrInvalidArgument)
	}
	if err := validateProgress(opts.Progress); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.EnsureProject(ctx, opts.ProjectID, ""); err != nil {
		return domain.Task{}, err
	}
	order := 0
	if opts.Order != nil {
		order = *opts.Order
	} else {
		next, err := e.Repo.NextOrder(ctx, opts.ProjectID)
		if err != nil {
			return domain.Task{}, fmt.Errorf("next order: %w", err)
		}
		order = next
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	t := domain.Task{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Status:      domain.StatusToDo,
		AssigneeID:  opts.AssigneeID,
		DueDate:     utcPtr(opts.DueDate),
		Progress:    opts.Progress,
		RiskLevel:   domain.RiskLow,
		Order:       order,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTask(ctx, t, opts.ActorID); err != nil {
		return domain.Task{}, err
	}
	if t.Assigned() && t.AssigneeID != opts.ActorID {
		e.notifyAssigned(ctx, t)
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed updates. Nil fields are left alone.
type TaskUpdateOptions struct {
	ID           string
	Title        *string
	Description  *string
	Status       *domain.Status
	AssigneeID   *string
	DueDate      *time.Time
	ClearDueDate bool
	Progress     *int
	Order        *int
	ActorID      string
}

// UpdateTask edits user-owned fields. Completion goes through Complete so the
// next task is handed out.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", opts.ID, err)
	}
	if t.Status == domain.StatusDone {
		return t, fmt.Errorf("task %s is done: %w", t.ID, domain.ErrInvalidArgument)
	}
	changed := events.Payload{}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return t, fmt.Errorf("title must not be empty: %w", domain.ErrInvalidArgument)
		}
		if title != t.Title {
			t.Title = title
			changed["title"] = title
		}
	}
	if opts.Description != nil && *opts.Description != t.Description {
		t.Description = *opts.Description
		changed["description"] = t.Description
	}
	if opts.Status != nil && *opts.Status != t.Status {
		switch *opts.Status {
		case domain.StatusToDo, domain.StatusInProgress:
		case domain.StatusDone:
			return t, fmt.Errorf("use complete to finish a task: %w", domain.ErrInvalidArgument)
		default:
			return t, fmt.Errorf("unknown status %q: %w", *opts.Status, domain.ErrInvalidArgument)
		}
		changed["status"] = map[string]any{"from": t.Status, "to": *opts.Status}
		t.Status = *opts.Status
	}
	assigned := false
	if opts.AssigneeID != nil && *opts.AssigneeID != t.AssigneeID {
		t.AssigneeID = *opts.AssigneeID
		changed["assignee_id"] = t.AssigneeID
		assigned = t.Assigned()
	}
	if opts.ClearDueDate {
		if t.DueDate != nil {
			t.DueDate = nil
			changed["due_date"] = nil
		}
	} else if opts.DueDate != nil {
		t.DueDate = utcPtr(opts.DueDate)
		changed["due_date"] = t.DueDate
	}
	if opts.Progress != nil {
		if err := validateProgress(opts.Progress); err != nil {
			return t, err
		}
		p := *opts.Progress
		t.Progress = &p
		changed["progress_percentage"] = p
	}
	if opts.Order != nil && *opts.Order != t.Order {
		t.Order = *opts.Order
		changed["order"] = t.Order
	}
	if len(changed) == 0 {
		return t, nil
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, t, opts.ActorID, changed); err != nil {
		return t, err
	}
	if assigned && t.AssigneeID != opts.ActorID {
		e.notifyAssigned(ctx, t)
	}
	return e.GetTask(ctx, t.ID)
}

func (e Engine) notifyAssigned(ctx context.Context, t domain.Task) {
	msg := notify.Message{
		UserID: t.AssigneeID,
		Kind:   notify.KindTaskAssigned,
		Title:  "Task Assigned",
		Body:   fmt.Sprintf("You have been assigned %q", t.Title),
		Link:   "/task-board",
	}
	if err := e.Sink.Notify(ctx, msg); err != nil {
		e.Logger.Warn("assignment notification not delivered", "task_id", t.ID, "user_id", t.AssigneeID, "error", err)
	}
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", id, err)
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", f.Status, domain.ErrInvalidArgument)
	}
	if f.RiskLevel != "" && !f.RiskLevel.Valid() {
		return nil, fmt.Errorf("unknown risk level %q: %w", f.RiskLevel, domain.ErrInvalidArgument)
	}
	return e.Repo.ListTasks(ctx, f)
}

// Complete finishes a task and hands the project's next task to actorID.
func (e Engine) Complete(ctx context.Context, taskID, actorID string) (lifecycle.CompletionResult, error) {
	return e.Lifecycle.Complete(ctx, taskID, actorID)
}

func (e Engine) Scan(ctx context.Context) (risk.ScanSummary, error) {
	return e.Risk.Scan(ctx)
}

func (e Engine) ProjectReport(ctx context.Context, projectID string) (risk.ProjectRisk, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return risk.ProjectRisk{}, fmt.Errorf("project %s: %w", projectID, err)
		}
		return risk.ProjectRisk{}, err
	}
	return e.Risk.ProjectReport(ctx, projectID)
}

func (e Engine) Notifications(ctx context.Context, f repo.NotificationFilters) ([]domain.Notification, error) {
	return e.Repo.ListNotifications(ctx, f)
}

// MarkNotificationRead marks one of userID's notifications as read.
func (e Engine) MarkNotificationRead(ctx context.Context, userID, id string) (domain.Notification, error) {
	n, err := e.Repo.GetNotification(ctx, id)
	if err != nil {
		return n, fmt.Errorf("notification %s: %w", id, err)
	}
	if n.UserID != userID {
		return domain.Notification{}, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	if err := e.Repo.MarkNotificationRead(ctx, id); err != nil {
		return n, err
	}
	n.Read = true
	return n, nil
}

// NewScheduler returns a scheduler with the risk scan registered at the
// configured interval. The caller owns Start and Stop.
func (e Engine) NewScheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(e.Logger.With("component", "scheduler"))
	if err := s.Register(RiskScanJob, e.Config.Scheduler.RiskScanInterval, e.Risk.Run); err != nil {
		return nil, err
	}
	return s, nil
}

func validateProgress(p *int) error {
	if p == nil {
		return nil
	}
	if *p < 0 || *p > 100 {
		return fmt.Errorf("progress must be between 0 and 100: %w", domain.ErrInvalidArgument)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
