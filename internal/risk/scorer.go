// Package risk classifies task health and keeps stored risk levels current.
package risk

import (
	"time"

	"riskline/internal/domain"
)

// Evaluation is the outcome of running the rule table against one task.
type Evaluation struct {
	Score   int              `json:"score"`
	Level   domain.RiskLevel `json:"level"`
	Factors []string         `json:"factors"`
}

// Assess scores t as of now. Done tasks are always low risk and carry no factors.
func Assess(t domain.Task, now time.Time) Evaluation {
	if t.Status == domain.StatusDone {
		return Evaluation{Level: domain.RiskLow}
	}
	f := factsFor(t, now)
	var ev Evaluation
	for _, r := range rules {
		b, ok := r.eval(f)
		if !ok {
			continue
		}
		ev.Score += b.points
		if b.factor != "" {
			ev.Factors = appendUnique(ev.Factors, b.factor)
		}
	}
	ev.Level = LevelFor(ev.Score)
	return ev
}

// Score returns only the risk level of t as of now.
func Score(t domain.Task, now time.Time) domain.RiskLevel {
	return Assess(t, now).Level
}

// LevelFor maps a point score to a risk level.
func LevelFor(score int) domain.RiskLevel {
	switch {
	case score >= HighThreshold:
		return domain.RiskHigh
	case score >= MediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// EstimateDelay guesses how many days t will slip past its due date.
func EstimateDelay(t domain.Task, now time.Time) int {
	if t.DueDate == nil {
		return 0
	}
	days := wholeDays(now, *t.DueDate)
	if days < 0 {
		return -days
	}
	progress := t.ProgressOrZero()
	switch {
	case progress < 50 && days <= 3:
		return max(1, 3-days)
	case progress < 25 && days <= 7:
		return max(1, 5-days)
	}
	return 0
}

func appendUnique(in []string, v string) []string {
	for _, s := range in {
		if s == v {
			return in
		}
	}
	return append(in, v)
}
