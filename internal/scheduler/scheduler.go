// Package scheduler runs named jobs on fixed intervals for the lifetime of
// the host process.
//
// Each registration gets its own loop: run the job, wait the interval, repeat.
// The wait starts when a run finishes, so a slow job delays its own next run
// but never overlaps with itself. Distinct jobs run concurrently. Errors and
// panics raised by a job are logged and the loop carries on.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

var (
	ErrDuplicateJob    = errors.New("job already registered")
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrNotIdle         = errors.New("scheduler already started")
	ErrStopped         = errors.New("scheduler stopped")
)

// Job is the body of a periodic run.
type Job func(ctx context.Context) error

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Stats counts the runs of one job.
type Stats struct {
	Runs      int64
	Failures  int64
	LastError string
	LastRunAt time.Time
}

type entry struct {
	name     string
	interval time.Duration
	job      Job

	runs     atomic.Int64
	failures atomic.Int64

	mu        sync.Mutex
	lastError string
	lastRunAt time.Time
}

type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	ctx     context.Context
	entries map[string]*entry
	order   []string
	stop    chan struct{}
	wg      conc.WaitGroup
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
}

// Register adds a job. Jobs registered while the scheduler is running start
// right away.
func (s *Scheduler) Register(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: %w", name, ErrInvalidInterval)
	}
	if job == nil {
		return fmt.Errorf("job %s: nil job", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return ErrStopped
	}
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %s: %w", name, ErrDuplicateJob)
	}
	e := &entry{name: name, interval: interval, job: job}
	s.entries[name] = e
	s.order = append(s.order, name)
	s.logger.Info("scheduled job registered", "job", name, "interval", interval.String())
	if s.state == StateRunning {
		s.launch(e)
	}
	return nil
}

// Start moves the scheduler from idle to running and launches every
// registered job. ctx is handed to each run; cancelling it ends the loops
// just like Stop, without waiting for them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrNotIdle
	}
	s.state = StateRunning
	s.ctx = ctx
	for _, name := range s.order {
		s.launch(s.entries[name])
	}
	s.logger.Info("background scheduler started", "jobs", len(s.order))
	return nil
}

// Stop prevents any further runs and waits for in-flight runs to return.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("background scheduler stopped")
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the counters of the named job.
func (s *Scheduler) Stats(name string) (Stats, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Runs:      e.runs.Load(),
		Failures:  e.failures.Load(),
		LastError: e.lastError,
		LastRunAt: e.lastRunAt,
	}, true
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(e *entry) {
	ctx := s.ctx
	stop := s.stop
	s.wg.Go(func() { s.loop(ctx, stop, e) })
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, e *entry) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.runOnce(ctx, e)

		timer := time.NewTimer(e.interval)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, e *entry) {
	start := time.Now()
	s.logger.Debug("running scheduled job", "job", e.name)

	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() { err = e.job(ctx) })
	if r := catcher.Recovered(); r != nil {
		err = r.AsError()
	}

	e.runs.Add(1)
	e.mu.Lock()
	e.lastRunAt = start
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
	e.mu.Unlock()

	if err != nil {
		e.failures.Add(1)
		s.logger.Error("scheduled job failed", "job", e.name, "error", err, "duration", time.Since(start).String())
		return
	}
	s.logger.Debug("scheduled job completed", "job", e.name, "duration", time.Since(start).String())
}
