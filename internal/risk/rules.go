package risk

import (
	"time"

	"riskline/internal/domain"
)

// Score thresholds. A score at or above a threshold reaches that level.
const (
	HighThreshold   = 50
	MediumThreshold = 25
)

// Reason tags reported alongside a score.
const (
	FactorOverdue        = "Overdue"
	FactorDueToday       = "Due Today"
	FactorDueTomorrow    = "Due Tomorrow"
	FactorDueSoon        = "Due Soon"
	FactorDueThisWeek    = "Due This Week"
	FactorBehindSchedule = "Behind Schedule"
	FactorNoDueDate      = "No Due Date"
	FactorNoProgress     = "No Progress"
	FactorLowProgress    = "Low Progress"
	FactorSlowProgress   = "Slow Progress"
	FactorNotStarted     = "Not Started"
	FactorUnassigned     = "Unassigned"
)

// facts are the task attributes the rules look at, resolved once per evaluation.
type facts struct {
	status   domain.Status
	progress int
	assigned bool

	hasDue       bool
	daysUntilDue int

	// hasGap is set when expected progress can be derived from the task's schedule.
	hasGap bool
	gap    float64
}

func factsFor(t domain.Task, now time.Time) facts {
	f := facts{
		status:   t.Status,
		progress: t.ProgressOrZero(),
		assigned: t.Assigned(),
	}
	if t.DueDate == nil {
		return f
	}
	f.hasDue = true
	f.daysUntilDue = wholeDays(now, *t.DueDate)
	if f.daysUntilDue > 0 && !t.CreatedAt.IsZero() {
		total := wholeDays(t.CreatedAt, *t.DueDate)
		elapsed := wholeDays(t.CreatedAt, now)
		if total > 0 {
			expected := float64(elapsed) / float64(total) * 100
			f.hasGap = true
			f.gap = expected - float64(f.progress)
		}
	}
	return f
}

// wholeDays returns the number of whole days from a to b, rounded toward
// negative infinity: one hour in the past is day -1.
func wholeDays(a, b time.Time) int {
	const day = 24 * time.Hour
	d := b.Sub(a)
	days := int(d / day)
	if d < 0 && d%day != 0 {
		days--
	}
	return days
}

// bracket is one mutually exclusive outcome of a rule.
type bracket struct {
	when   func(f facts) bool
	points int
	factor string
}

// rule contributes the points of its first matching bracket, provided the
// rule applies at all.
type rule struct {
	name     string
	applies  func(f facts) bool
	brackets []bracket
}

func (r rule) eval(f facts) (bracket, bool) {
	if !r.applies(f) {
		return bracket{}, false
	}
	for _, b := range r.brackets {
		if b.when(f) {
			return b, true
		}
	}
	return bracket{}, false
}

func always(facts) bool { return true }

// rules is the single table behind both the numeric score and the factor tags.
var rules = []rule{
	{
		name:    "due-proximity",
		applies: func(f facts) bool { return f.hasDue },
		brackets: []bracket{
			{when: func(f facts) bool { return f.daysUntilDue < 0 }, points: 60, factor: FactorOverdue},
			{when: func(f facts) bool { return f.daysUntilDue == 0 }, points: 40, factor: FactorDueToday},
			{when: func(f facts) bool { return f.daysUntilDue == 1 }, points: 30, factor: FactorDueTomorrow},
			{when: func(f facts) bool { return f.daysUntilDue <= 3 }, points: 20, factor: FactorDueSoon},
			{when: func(f facts) bool { return f.daysUntilDue <= 7 }, points: 10, factor: FactorDueThisWeek},
		},
	},
	{
		name:    "schedule-gap",
		applies: func(f facts) bool { return f.hasGap },
		brackets: []bracket{
			{when: func(f facts) bool { return f.gap > 50 }, points: 30, factor: FactorBehindSchedule},
			{when: func(f facts) bool { return f.gap > 30 }, points: 20, factor: FactorBehindSchedule},
			{when: func(f facts) bool { return f.gap > 15 }, points: 10, factor: FactorBehindSchedule},
		},
	},
	{
		name:    "no-due-date",
		applies: func(f facts) bool { return !f.hasDue },
		brackets: []bracket{
			{when: func(f facts) bool { return f.status == domain.StatusInProgress }, points: 15, factor: FactorNoDueDate},
			{when: func(f facts) bool { return f.status == domain.StatusToDo }, points: 10, factor: FactorNoDueDate},
		},
	},
	{
		name:    "in-progress-progress",
		applies: func(f facts) bool { return f.status == domain.StatusInProgress },
		brackets: []bracket{
			{when: func(f facts) bool { return f.progress == 0 }, points: 25, factor: FactorNoProgress},
			{when: func(f facts) bool { return f.progress < 25 }, points: 15, factor: FactorLowProgress},
			{when: func(f facts) bool { return f.progress < 50 }, points: 10, factor: FactorSlowProgress},
		},
	},
	{
		name:    "not-started",
		applies: func(f facts) bool { return f.status == domain.StatusToDo && f.hasDue },
		brackets: []bracket{
			{when: func(f facts) bool { return f.daysUntilDue <= 2 }, points: 30, factor: FactorNotStarted},
			{when: func(f facts) bool { return f.daysUntilDue <= 5 }, points: 15, factor: FactorNotStarted},
		},
	},
	{
		// Reported only; carries no weight.
		name:    "unassigned",
		applies: func(f facts) bool { return !f.assigned },
		brackets: []bracket{
			{when: always, points: 0, factor: FactorUnassigned},
		},
	},
}
