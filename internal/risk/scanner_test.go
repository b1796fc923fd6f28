package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskline/internal/clock"
	"riskline/internal/domain"
	"riskline/internal/notify"
)

type fakeRepo struct {
	mu      sync.Mutex
	tasks   []domain.Task
	batches [][]Change
	listErr error
	saveErr error
	// afterList runs once the active set has been read.
	afterList func(r *fakeRepo)
}

func (r *fakeRepo) ListActive(_ context.Context, projectID string) ([]domain.Task, error) {
	r.mu.Lock()
	if r.listErr != nil {
		r.mu.Unlock()
		return nil, r.listErr
	}
	var res []domain.Task
	for _, t := range r.tasks {
		if !t.Status.Active() {
			continue
		}
		if projectID != "" && t.ProjectID != projectID {
			continue
		}
		res = append(res, t)
	}
	r.mu.Unlock()
	if r.afterList != nil {
		r.afterList(r)
	}
	return res, nil
}

func (r *fakeRepo) SaveRiskLevels(_ context.Context, changes []Change) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return nil, r.saveErr
	}
	r.batches = append(r.batches, changes)
	var applied []Change
	for _, c := range changes {
		for i := range r.tasks {
			t := &r.tasks[i]
			if t.ID != c.TaskID || !t.Status.Active() || t.RiskLevel != c.From {
				continue
			}
			t.RiskLevel = c.To
			applied = append(applied, c)
		}
	}
	return applied, nil
}

func (r *fakeRepo) set(id string, fn func(*domain.Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.tasks {
		if r.tasks[i].ID == id {
			fn(&r.tasks[i])
		}
	}
}

func (r *fakeRepo) level(id string) domain.RiskLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ID == id {
			return t.RiskLevel
		}
	}
	return ""
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (s *recordingSink) Notify(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func newTestScanner(repo Repository, sink notify.Sink) *Scanner {
	return NewScanner(repo, sink,
		WithClock(clock.NewManual(now)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func withID(id, title string) func(*domain.Task) {
	return func(t *domain.Task) { t.ID = id; t.Title = title }
}

func stored(level domain.RiskLevel) func(*domain.Task) {
	return func(t *domain.Task) { t.RiskLevel = level }
}

func inProject(p string) func(*domain.Task) {
	return func(t *domain.Task) { t.ProjectID = p }
}

func TestScanPersistsChangedLevelsInOneBatch(t *testing.T) {
	repo := &fakeRepo{tasks: []domain.Task{
		task(domain.StatusToDo, withID("late", "Late"), due(-day)),
		task(domain.StatusInProgress, withID("calm", "Calm"), due(30*day), progress(100)),
		task(domain.StatusInProgress, withID("medium", "Medium")),
		task(domain.StatusDone, withID("done", "Done"), due(-day)),
	}}
	sink := &recordingSink{}
	s := newTestScanner(repo, sink)

	summary, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanSummary{Scanned: 3, High: 1, Medium: 1, Notified: 1}, summary)
	require.Len(t, repo.batches, 1)
	assert.Len(t, repo.batches[0], 2)
	assert.Equal(t, domain.RiskHigh, repo.level("late"))
	assert.Equal(t, domain.RiskMedium, repo.level("medium"))
	assert.Equal(t, domain.RiskLow, repo.level("calm"))
	assert.Equal(t, domain.RiskLow, repo.level("done"))
}

func TestScanIsIdempotent(t *testing.T) {
	repo := &fakeRepo{tasks: []domain.Task{
		task(domain.StatusToDo, withID("late", "Ship it"), due(-day)),
	}}
	sink := &recordingSink{}
	s := newTestScanner(repo, sink)

	first, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Notified)

	second, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Notified)
	assert.Equal(t, 1, second.High)
	assert.Len(t, repo.batches, 1, "nothing changed so nothing should be written")

	require.Equal(t, 1, sink.count())
	msg := sink.msgs[0]
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, notify.KindTaskAtRisk, msg.Kind)
	assert.Equal(t, "Task At Risk", msg.Title)
	assert.Equal(t, `Task "Ship it" is at high risk of delay`, msg.Body)
	assert.Equal(t, "/task-board", msg.Link)
}

func TestScanNotifiesOnlyNewHighRiskAssignedTasks(t *testing.T) {
	repo := &fakeRepo{tasks: []domain.Task{
		task(domain.StatusToDo, withID("from-medium", "A"), due(-day), stored(domain.RiskMedium)),
		task(domain.StatusToDo, withID("still-high", "B"), due(-day), stored(domain.RiskHigh)),
		task(domain.StatusToDo, withID("unassigned", "C"), due(-day), unassigned),
		task(domain.StatusToDo, withID("down", "D"), due(30*day), progress(100), stored(domain.RiskMedium)),
	}}
	sink := &recordingSink{}
	s := newTestScanner(repo, sink)

	summary, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.High)
	assert.Equal(t, 1, summary.Notified)
	require.Equal(t, 1, sink.count())
	assert.Contains(t, sink.msgs[0].Body, `"A"`)
	assert.Equal(t, domain.RiskLow, repo.level("down"))
	assert.Equal(t, domain.RiskHigh, repo.level("unassigned"))
}

func TestScanDeliveryFailureIsNotCounted(t *testing.T) {
	repo := &fakeRepo{tasks: []domain.Task{
		task(domain.StatusToDo, withID("late", "Late"), due(-day)),
	}}
	sink := &recordingSink{err: errors.New("smtp down")}
	s := newTestScanner(repo, sink)

	summary, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Notified)
	assert.Equal(t, 1, summary.High)
	assert.Equal(t, domain.RiskHigh, repo.level("late"), "level is persisted even when delivery fails")
}

func TestScanSkipsTasksChangedMidPass(t *testing.T) {
	repo := &fakeRepo{tasks: []domain.Task{
		task(domain.StatusToDo, withID("finished", "Finished"), due(-day)),
		task(domain.StatusToDo, withID("rescored", "Rescored"), due(-day)),
		task(domain.StatusToDo, withID("late", "Late"), due(-day)),
	}}
	repo.afterList = func(r *fakeRepo) {
		r.set("finished", func(t *domain.Task) { t.Status = domain.StatusDone })
		r.set("rescored", stored(domain.RiskMedium))
	}
	sink := &recordingSink{}
	s := newTestScanner(repo, sink)

	summary, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanSummary{Scanned: 1, High: 1, Notified: 1}, summary)
	require.Equal(t, 1, sink.count())
	assert.Contains(t, sink.msgs[0].Body, `"Late"`)
	assert.Equal(t, domain.RiskLow, repo.level("finished"))
	assert.Equal(t, domain.RiskMedium, repo.level("rescored"))
}

func TestScanRepositoryFailureAborts(t *testing.T) {
	repo := &fakeRepo{
		tasks:   []domain.Task{task(domain.StatusToDo, withID("late", "Late"), due(-day))},
		saveErr: errors.New("disk full"),
	}
	sink := &recordingSink{}
	s := newTestScanner(repo, sink)

	_, err := s.Scan(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, repo.saveErr)
	assert.Equal(t, 0, sink.count())

	repo.saveErr = nil
	repo.listErr = errors.New("locked")
	assert.ErrorIs(t, s.Run(context.Background()), repo.listErr)
}

func TestConcurrentScansNotifyOnce(t *testing.T) {
	repo := &fakeRepo{tasks: []domain.Task{
		task(domain.StatusToDo, withID("late", "Late"), due(-day)),
	}}
	sink := &recordingSink{}
	s := newTestScanner(repo, sink)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Scan(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, sink.count())
}

func TestProjectReport(t *testing.T) {
	repo := &fakeRepo{tasks: []domain.Task{
		task(domain.StatusInProgress, withID("medium", "Medium"), inProject("p1")),
		task(domain.StatusToDo, withID("high", "High"), due(-2*day), inProject("p1")),
		task(domain.StatusToDo, withID("low", "Low"), due(30*day), progress(100), inProject("p1")),
		task(domain.StatusToDo, withID("other", "Other"), due(-2*day), inProject("p2")),
	}}
	sink := &recordingSink{}
	s := newTestScanner(repo, sink)

	report, err := s.ProjectReport(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", report.ProjectID)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.High)
	assert.Equal(t, 1, report.Medium)
	assert.Equal(t, 1, report.Low)
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, now, report.GeneratedAt)
	require.Len(t, report.AtRiskTasks, 2)
	assert.Equal(t, "high", report.AtRiskTasks[0].TaskID)
	assert.Equal(t, 2, report.AtRiskTasks[0].EstimatedDelayDays)
	assert.Equal(t, "medium", report.AtRiskTasks[1].TaskID)
	assert.Equal(t, []string{FactorNoDueDate, FactorNoProgress}, report.AtRiskTasks[1].Factors)
	assert.Equal(t, domain.RiskLow, repo.level("other"), "other projects are left alone")

	_, err = s.ProjectReport(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
