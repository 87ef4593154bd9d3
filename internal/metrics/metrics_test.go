package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fractal-lba/halving/internal/selection"
)

func TestSessionObserver_ReportRung(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	obs := m.ForSession("s1", 10, 50)
	if got := testutil.ToFloat64(m.ActiveCandidates.WithLabelValues("s1")); got != 10 {
		t.Errorf("active candidates = %v, want 10", got)
	}

	var r selection.Reporter = obs
	r.ReportRung(selection.RungReport{Rung: 1, Removed: 5, Remaining: 5, BudgetUsed: 500, MetricName: "MAE", BestMetric: 0.25})
	r.ReportRung(selection.RungReport{Rung: 2, Removed: 2, Remaining: 3, BudgetUsed: 1000, MetricName: "MAE", BestMetric: 0.2, NextRungLength: 166})

	if got := testutil.ToFloat64(m.Rungs.WithLabelValues("MAE")); got != 2 {
		t.Errorf("rungs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CandidatesEliminated.WithLabelValues("MAE")); got != 7 {
		t.Errorf("eliminated = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.BudgetUsed.WithLabelValues("s1")); got != 1000 {
		t.Errorf("budget used = %v, want 1000", got)
	}
	if got := testutil.ToFloat64(m.BestMetric.WithLabelValues("s1", "MAE")); got != 0.2 {
		t.Errorf("best metric = %v, want 0.2", got)
	}
	if got := testutil.ToFloat64(m.ActiveCandidates.WithLabelValues("s1")); got != 3 {
		t.Errorf("active candidates = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RungLength.WithLabelValues("s1")); got != 166 {
		t.Errorf("rung length = %v, want 166", got)
	}
}

func TestSessionObserver_Forget(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	obs := m.ForSession("s1", 4, 2)
	m.ForSession("s2", 4, 2)
	obs.ReportRung(selection.RungReport{Rung: 1, Removed: 2, Remaining: 2, MetricName: "Accuracy"})
	obs.Forget()

	if got := testutil.CollectAndCount(m.ActiveCandidates); got != 1 {
		t.Errorf("active candidate series = %d, want 1", got)
	}
	if got := testutil.CollectAndCount(m.BestMetric); got != 0 {
		t.Errorf("best metric series = %d, want 0", got)
	}
}

func TestSessionObserver_Sync(t *testing.T) {
	m := New(prometheus.NewRegistry())
	obs := m.ForSession("s1", 10, 50)

	obs.Sync(selection.Status{Rung: 2, Active: 3, RungLength: 166, BudgetUsed: 1000, MetricName: "MAE", BestMetric: 1.5})

	if got := testutil.ToFloat64(m.BudgetUsed.WithLabelValues("s1")); got != 1000 {
		t.Errorf("budget used = %v, want 1000", got)
	}
	if got := testutil.ToFloat64(m.BestMetric.WithLabelValues("s1", "MAE")); got != 1.5 {
		t.Errorf("best metric = %v, want 1.5", got)
	}
}

func TestNew_SeparateRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
