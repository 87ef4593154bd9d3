package selection

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fractal-lba/halving/internal/metric"
)

// RungReport describes one elimination step. It is purely observational.
type RungReport struct {
	Rung           int       `json:"rung"`
	Removed        int       `json:"removed"`
	Remaining      int       `json:"remaining"`
	Iterations     int       `json:"iterations"`       // length of the rung that just closed
	NextRungLength int       `json:"next_rung_length"` // iterations before the next rung
	Budget         int       `json:"budget"`
	BudgetUsed     int       `json:"budget_used"`
	BudgetLeft     int       `json:"budget_left"`
	Observations   int64     `json:"observations"`
	Survivors      []int     `json:"survivors"`
	Eliminated     []int     `json:"eliminated"`
	BestID         int       `json:"best_id"` // top-ranked survivor
	BestMetric     float64   `json:"best_metric"`
	MetricName     string    `json:"metric"`
	Best           string    `json:"best"` // formatted metric of the top-ranked survivor
	Timestamp      time.Time `json:"timestamp"`
}

// String renders the report as a single tab-separated progress line.
func (r RungReport) String() string {
	return strings.Join([]string{
		fmt.Sprintf("[%d]", r.Rung),
		fmt.Sprintf("%d removed", r.Removed),
		fmt.Sprintf("%d left", r.Remaining),
		fmt.Sprintf("%d iterations", r.Iterations),
		fmt.Sprintf("budget used: %d", r.BudgetUsed),
		fmt.Sprintf("budget left: %d", r.BudgetLeft),
		fmt.Sprintf("best %s", r.Best),
	}, "\t")
}

// Reporter receives rung reports. Implementations must not call back into
// the scheduler.
type Reporter interface {
	ReportRung(report RungReport)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(report RungReport)

func (f ReporterFunc) ReportRung(report RungReport) { f(report) }

// advance closes the current rung: rank the active candidates, keep the
// cutoff, and plan the next rung.
func (s *Scheduler[Y]) advance() {
	active := s.pool.Active()
	length := s.rungLength

	s.rung++
	s.budgetUsed += active * length

	ranked := s.rank()
	// ranked is a permutation of the active ids, Reorder cannot fail.
	_ = s.pool.Reorder(ranked)

	next := s.planner.Cutoff(active)
	s.pool.truncate(next)
	s.rungLength = s.planner.RungLength(next)
	s.iterationsInRung = 0

	s.emit(active, length, ranked)
}

// rank returns the active ids sorted best first. Ties keep their current
// relative order.
func (s *Scheduler[Y]) rank() []int {
	ids := make([]int, s.pool.Active())
	copy(ids, s.pool.ActiveIDs())

	sort.SliceStable(ids, func(i, j int) bool {
		a, b := s.pool.get(ids[i]).Metric, s.pool.get(ids[j]).Metric
		return metric.Better(a, a.Value(), b.Value())
	})

	return ids
}

func (s *Scheduler[Y]) emit(before, length int, ranked []int) {
	survivors := s.pool.ActiveIDs()
	top := s.pool.get(survivors[0])

	report := RungReport{
		Rung:           s.rung,
		Removed:        before - len(survivors),
		Remaining:      len(survivors),
		Iterations:     length,
		NextRungLength: s.rungLength,
		Budget:         s.cfg.Budget,
		BudgetUsed:     s.budgetUsed,
		BudgetLeft:     s.cfg.Budget - s.budgetUsed,
		Observations:   s.observations,
		Survivors:      append([]int(nil), survivors...),
		Eliminated:     append([]int(nil), ranked[len(survivors):]...),
		BestID:         top.ID,
		BestMetric:     top.Metric.Value(),
		MetricName:     top.Metric.Name(),
		Best:           top.Metric.String(),
		Timestamp:      time.Now(),
	}

	if s.cfg.Verbose {
		s.cfg.Logger.Print(report.String())
	}
	for _, r := range s.cfg.Reporters {
		r.ReportRung(report)
	}
}
