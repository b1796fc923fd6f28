package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"riskline/internal/clock"
	"riskline/internal/domain"
	"riskline/internal/notify"
)

// Change is a stored risk level that must be rewritten.
type Change struct {
	TaskID    string
	ProjectID string
	From      domain.RiskLevel
	To        domain.RiskLevel
	Score     int
	Factors   []string
}

// Repository is the slice of the task store the scanner needs.
type Repository interface {
	// ListActive returns ToDo and InProgress tasks. An empty projectID means all projects.
	ListActive(ctx context.Context, projectID string) ([]domain.Task, error)
	// SaveRiskLevels applies all changes as one batch and returns the ones
	// that were written. A change is skipped when the task is no longer
	// active or its stored level is no longer From.
	SaveRiskLevels(ctx context.Context, changes []Change) ([]Change, error)
}

// Assessment is one task's result within a scan pass.
type Assessment struct {
	Task     domain.Task
	OldLevel domain.RiskLevel
	NewLevel domain.RiskLevel
	Score    int
	Factors  []string
}

func (a Assessment) Changed() bool { return a.OldLevel != a.NewLevel }

// Escalated reports a transition into high from any other level.
func (a Assessment) Escalated() bool {
	return a.NewLevel == domain.RiskHigh && a.OldLevel != domain.RiskHigh
}

// ScanSummary counts one pass. Notified counts messages every configured
// sink accepted.
type ScanSummary struct {
	Scanned  int `json:"tasks_scanned"`
	High     int `json:"high_risk"`
	Medium   int `json:"medium_risk"`
	Notified int `json:"notifications_sent"`
}

type Scanner struct {
	repo   Repository
	sink   notify.Sink
	clock  clock.Clock
	logger *slog.Logger

	// mu keeps two passes from interleaving their batches.
	mu sync.Mutex
}

type Option func(*Scanner)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(s *Scanner) { s.clock = c }
}

func NewScanner(repo Repository, sink notify.Sink, opts ...Option) *Scanner {
	s := &Scanner{
		repo:   repo,
		sink:   sink,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = notify.Discard
	}
	return s
}

// Scan re-evaluates every active task, persists changed levels and escalates
// new high-risk tasks to their assignees.
func (s *Scanner) Scan(ctx context.Context) (ScanSummary, error) {
	summary, _, err := s.pass(ctx, "")
	if err != nil {
		return summary, err
	}
	s.logger.Info("risk scan completed",
		"scanned", summary.Scanned,
		"high", summary.High,
		"medium", summary.Medium,
		"notified", summary.Notified)
	return summary, nil
}

// Run is Scan shaped as a scheduler job.
func (s *Scanner) Run(ctx context.Context) error {
	_, err := s.Scan(ctx)
	return err
}

func (s *Scanner) pass(ctx context.Context, projectID string) (ScanSummary, []Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	tasks, err := s.repo.ListActive(ctx, projectID)
	if err != nil {
		return ScanSummary{}, nil, fmt.Errorf("list active tasks: %w", err)
	}

	assessments := make([]Assessment, 0, len(tasks))
	var changes []Change
	for _, t := range tasks {
		ev := Assess(t, now)
		a := Assessment{
			Task:     t,
			OldLevel: t.RiskLevel,
			NewLevel: ev.Level,
			Score:    ev.Score,
			Factors:  ev.Factors,
		}
		assessments = append(assessments, a)
		if a.Changed() {
			changes = append(changes, Change{
				TaskID:    t.ID,
				ProjectID: t.ProjectID,
				From:      a.OldLevel,
				To:        a.NewLevel,
				Score:     a.Score,
				Factors:   a.Factors,
			})
		}
	}

	if len(changes) > 0 {
		saved, err := s.repo.SaveRiskLevels(ctx, changes)
		if err != nil {
			return ScanSummary{}, nil, fmt.Errorf("save risk levels: %w", err)
		}
		if len(saved) < len(changes) {
			assessments = dropStale(assessments, changes, saved)
			s.logger.Debug("risk changes skipped for tasks modified during the scan",
				"skipped", len(changes)-len(saved))
		}
	}

	summary := ScanSummary{Scanned: len(assessments)}
	for _, a := range assessments {
		switch a.NewLevel {
		case domain.RiskHigh:
			summary.High++
		case domain.RiskMedium:
			summary.Medium++
		}
	}

	// Notifications go out only after the batch is committed.
	for _, a := range assessments {
		if !a.Escalated() || !a.Task.Assigned() {
			continue
		}
		if err := s.sink.Notify(ctx, atRiskMessage(a.Task)); err != nil {
			s.logger.Warn("risk notification not delivered",
				"task_id", a.Task.ID,
				"user_id", a.Task.AssigneeID,
				"error", err)
			continue
		}
		summary.Notified++
	}
	return summary, assessments, nil
}

// dropStale removes the assessments whose change was not written because
// the task moved on between the read and the write.
func dropStale(assessments []Assessment, changes, saved []Change) []Assessment {
	written := make(map[string]struct{}, len(saved))
	for _, c := range saved {
		written[c.TaskID] = struct{}{}
	}
	stale := make(map[string]struct{}, len(changes)-len(saved))
	for _, c := range changes {
		if _, ok := written[c.TaskID]; !ok {
			stale[c.TaskID] = struct{}{}
		}
	}
	kept := assessments[:0]
	for _, a := range assessments {
		if _, ok := stale[a.Task.ID]; ok {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func atRiskMessage(t domain.Task) notify.Message {
	return notify.Message{
		UserID: t.AssigneeID,
		Kind:   notify.KindTaskAtRisk,
		Title:  "Task At Risk",
		Body:   fmt.Sprintf("Task %q is at high risk of delay", t.Title),
		Link:   "/task-board",
	}
}

// AtRiskTask is one entry of a project risk report.
type AtRiskTask struct {
	TaskID             string           `json:"task_id"`
	Title              string           `json:"task_title"`
	RiskLevel          domain.RiskLevel `json:"risk_level"`
	Factors            []string         `json:"risk_factors"`
	AssigneeID         string           `json:"assignee_id,omitempty"`
	DueDate            *time.Time       `json:"due_date,omitempty"`
	Progress           int              `json:"progress_percentage"`
	Status             domain.Status    `json:"status"`
	EstimatedDelayDays int              `json:"estimated_delay_days"`
}

type ProjectRisk struct {
	ProjectID   string       `json:"project_id"`
	Total       int          `json:"total_tasks"`
	High        int          `json:"high_risk_count"`
	Medium      int          `json:"medium_risk_count"`
	Low         int          `json:"low_risk_count"`
	Notified    int          `json:"notifications_sent"`
	AtRiskTasks []AtRiskTask `json:"at_risk_tasks"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// ProjectReport runs a scan pass scoped to one project and summarizes the
// tasks that are not low risk, high before medium.
func (s *Scanner) ProjectReport(ctx context.Context, projectID string) (ProjectRisk, error) {
	if projectID == "" {
		return ProjectRisk{}, fmt.Errorf("project id is required: %w", domain.ErrInvalidArgument)
	}
	summary, assessments, err := s.pass(ctx, projectID)
	if err != nil {
		return ProjectRisk{}, err
	}
	now := s.clock.Now()
	report := ProjectRisk{
		ProjectID:   projectID,
		Total:       summary.Scanned,
		High:        summary.High,
		Medium:      summary.Medium,
		Low:         summary.Scanned - summary.High - summary.Medium,
		Notified:    summary.Notified,
		AtRiskTasks: []AtRiskTask{},
		GeneratedAt: now,
	}
	for _, a := range assessments {
		if a.NewLevel == domain.RiskLow {
			continue
		}
		report.AtRiskTasks = append(report.AtRiskTasks, AtRiskTask{
			TaskID:             a.Task.ID,
			Title:              a.Task.Title,
			RiskLevel:          a.NewLevel,
			Factors:            a.Factors,
			AssigneeID:         a.Task.AssigneeID,
			DueDate:            a.Task.DueDate,
			Progress:           a.Task.ProgressOrZero(),
			Status:             a.Task.Status,
			EstimatedDelayDays: EstimateDelay(a.Task, now),
		})
	}
	sort.SliceStable(report.AtRiskTasks, func(i, j int) bool {
		return severity(report.AtRiskTasks[i].RiskLevel) > severity(report.AtRiskTasks[j].RiskLevel)
	})
	return report, nil
}

func severity(l domain.RiskLevel) int {
	switch l {
	case domain.RiskHigh:
		return 2
	case domain.RiskMedium:
		return 1
	}
	return 0
}
