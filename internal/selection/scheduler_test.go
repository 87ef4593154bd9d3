package selection

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/fractal-lba/halving/internal/learner"
	"github.com/fractal-lba/halving/internal/metric"
)

// constRegressor always predicts the same value and counts its updates.
type constRegressor struct {
	value   float64
	learned int
}

func (c *constRegressor) Learn(x learner.Features, y float64) error { c.learned++; return nil }
func (c *constRegressor) Predict(x learner.Features) (float64, error) { return c.value, nil }
func (c *constRegressor) Kind() learner.Kind { return learner.KindRegressor }

// lastLabel predicts the last target it was trained on.
type lastLabel struct{ last float64 }

func (l *lastLabel) Learn(x learner.Features, y float64) error { l.last = y; return nil }
func (l *lastLabel) Predict(x learner.Features) (float64, error) { return l.last, nil }
func (l *lastLabel) Kind() learner.Kind { return learner.KindRegressor }

var errBroken = errors.New("broken learner")

type brokenRegressor struct{}

func (brokenRegressor) Learn(x learner.Features, y float64) error { return nil }
func (brokenRegressor) Predict(x learner.Features) (float64, error) {
	return 0, errBroken
}
func (brokenRegressor) Kind() learner.Kind { return learner.KindRegressor }

// labelClassifier predicts a fixed label and has no probabilistic output.
type labelClassifier struct{ label bool }

func (c labelClassifier) Learn(x learner.Features, y bool) error { return nil }
func (c labelClassifier) Predict(x learner.Features) (bool, error) { return c.label, nil }
func (c labelClassifier) Kind() learner.Kind { return learner.KindClassifier }

// probaClassifier predicts a fixed probability for true.
type probaClassifier struct {
	p          float64
	pointCalls int
}

func (c *probaClassifier) Learn(x learner.Features, y bool) error { return nil }
func (c *probaClassifier) Predict(x learner.Features) (bool, error) {
	c.pointCalls++
	return c.p >= 0.5, nil
}
func (c *probaClassifier) PredictProba(x learner.Features) (map[bool]float64, error) {
	return map[bool]float64{true: c.p, false: 1 - c.p}, nil
}
func (c *probaClassifier) Kind() learner.Kind { return learner.KindClassifier }

func constPool(values ...float64) ([]learner.Learner[float64], []*constRegressor) {
	models := make([]learner.Learner[float64], len(values))
	consts := make([]*constRegressor, len(values))
	for i, v := range values {
		consts[i] = &constRegressor{value: v}
		models[i] = consts[i]
	}
	return models, consts
}

func TestNew_ZeroObservations(t *testing.T) {
	models, _ := constPool(3, 2, 1)
	s, err := New(models, metric.NewMAE(), DefaultConfig(100))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if s.Active() != 3 {
		t.Errorf("Active() = %d, want 3", s.Active())
	}
	if s.BestModel() != models[0] || s.BestID() != 0 {
		t.Errorf("best model should start as the first candidate, got %d", s.BestID())
	}
	if s.BudgetUsed() != 0 || s.Rung() != 0 {
		t.Errorf("BudgetUsed() = %d, Rung() = %d, want 0, 0", s.BudgetUsed(), s.Rung())
	}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	regressors, _ := constPool(1, 2)

	tests := []struct {
		name  string
		build func() error
	}{
		{"eta of one", func() error {
			_, err := New(regressors, metric.NewMAE(), Config{Budget: 100, Eta: 1})
			return err
		}},
		{"non-positive budget", func() error {
			_, err := New(regressors, metric.NewMAE(), Config{Budget: 0, Eta: 2})
			return err
		}},
		{"no candidates", func() error {
			_, err := New[float64](nil, metric.NewMAE(), DefaultConfig(100))
			return err
		}},
		{"nil candidate", func() error {
			_, err := New[float64]([]learner.Learner[float64]{nil}, metric.NewMAE(), DefaultConfig(100))
			return err
		}},
		{"metric rejects learner kind", func() error {
			models := []learner.Learner[bool]{labelClassifier{true}, labelClassifier{false}}
			_, err := New[bool](models, &regressionOnly[bool]{}, DefaultConfig(100))
			return err
		}},
		{"metric needs probabilities", func() error {
			models := []learner.Learner[bool]{&probaClassifier{p: 0.7}, labelClassifier{true}}
			_, err := New(models, metric.NewLogLoss[bool](), DefaultConfig(100))
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

// regressionOnly is an accuracy metric that claims to accept only regressors.
type regressionOnly[Y comparable] struct{ metric.Accuracy[Y] }

func (m *regressionOnly[Y]) Accepts(kind learner.Kind) bool { return kind == learner.KindRegressor }

func TestScheduler_ReferenceTrace(t *testing.T) {
	// Candidate i predicts 9-i against a constant target of 0, so MAE_i = 9-i
	// and candidate 9 is the strongest.
	values := make([]float64, 10)
	for i := range values {
		values[i] = float64(9 - i)
	}
	models, consts := constPool(values...)

	var reports []RungReport
	cfg := DefaultConfig(2000)
	cfg.Reporters = []Reporter{ReporterFunc(func(r RungReport) {
		reports = append(reports, r)
	})}

	s, err := New(models, metric.NewMAE(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 1000; i++ {
		if err := s.ProcessOne(learner.Features{"x": 1}, 0); err != nil {
			t.Fatalf("ProcessOne(%d) failed: %v", i, err)
		}
	}

	want := []struct {
		observation int64
		iterations  int
		removed     int
		remaining   int
		budgetUsed  int
		survivors   []int
	}{
		{50, 50, 5, 5, 500, []int{9, 8, 7, 6, 5}},
		{150, 100, 2, 3, 1000, []int{9, 8, 7}},
		{316, 166, 1, 2, 1498, []int{9, 8}},
		{566, 250, 1, 1, 1998, []int{9}},
	}

	if len(reports) != len(want) {
		t.Fatalf("got %d rungs, want %d", len(reports), len(want))
	}
	for i, w := range want {
		r := reports[i]
		if r.Rung != i+1 || r.Observations != w.observation || r.Iterations != w.iterations ||
			r.Removed != w.removed || r.Remaining != w.remaining || r.BudgetUsed != w.budgetUsed {
			t.Errorf("rung %d = %+v, want %+v", i+1, r, w)
		}
		if !equalInts(r.Survivors, w.survivors) {
			t.Errorf("rung %d survivors = %v, want %v", i+1, r.Survivors, w.survivors)
		}
		if r.BestID != 9 || r.BestMetric != 0 {
			t.Errorf("rung %d best = %d (%v), want 9 (0)", i+1, r.BestID, r.BestMetric)
		}
	}

	if !s.Converged() || s.Active() != 1 {
		t.Errorf("scheduler should have converged, active = %d", s.Active())
	}
	if s.BestID() != 9 {
		t.Errorf("BestID() = %d, want 9", s.BestID())
	}
	if s.BudgetUsed() != 1998 {
		t.Errorf("BudgetUsed() = %d, want 1998", s.BudgetUsed())
	}

	// Training events: 10*50 + 5*100 + 3*166 + 2*250 while rungs run, then only
	// the survivor keeps learning.
	if consts[9].learned != 1000 {
		t.Errorf("survivor learned %d times, want 1000", consts[9].learned)
	}
	if consts[0].learned != 50 {
		t.Errorf("first eliminated candidate learned %d times, want 50", consts[0].learned)
	}
	if consts[8].learned != 566 {
		t.Errorf("runner-up learned %d times, want 566", consts[8].learned)
	}
	total := 0
	for _, c := range consts {
		total += c.learned
	}
	if total != 1998+(1000-566) {
		t.Errorf("total training events = %d, want %d", total, 1998+(1000-566))
	}

	// Eliminated candidates keep their final score.
	c0, err := s.Candidate(0)
	if err != nil {
		t.Fatal(err)
	}
	if c0.Metric.Value() != 9 {
		t.Errorf("eliminated candidate metric = %v, want 9", c0.Metric.Value())
	}
}

func TestScheduler_StableRanking(t *testing.T) {
	// MAE: 1, 0, 1, 0 -> stable best-first order is 1, 3, 0, 2.
	models, _ := constPool(1, 0, 1, 0)

	var report RungReport
	cfg := DefaultConfig(16) // rounds = 2, r(4) = 16/8 = 2
	cfg.Reporters = []Reporter{ReporterFunc(func(r RungReport) { report = r })}

	s, err := New(models, metric.NewMAE(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.ProcessOne(nil, 0); err != nil {
			t.Fatal(err)
		}
	}

	if report.Rung != 1 {
		t.Fatalf("expected one rung, got %+v", report)
	}
	if got := s.Status().Ranking; !equalInts(got, []int{1, 3, 0, 2}) {
		t.Errorf("ranking = %v, want [1 3 0 2]", got)
	}
	if !equalInts(report.Survivors, []int{1, 3}) || !equalInts(report.Eliminated, []int{0, 2}) {
		t.Errorf("survivors = %v, eliminated = %v", report.Survivors, report.Eliminated)
	}
}

func TestScheduler_AllTiedKeepsOrder(t *testing.T) {
	models, _ := constPool(2, 2, 2, 2, 2, 2)

	s, err := New(models, metric.NewMAE(), DefaultConfig(6))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := s.ProcessOne(nil, 0); err != nil {
			t.Fatal(err)
		}
	}

	if got := s.Status().Ranking; !equalInts(got, []int{0, 1, 2, 3, 4, 5}) {
		t.Errorf("ranking = %v, want identity", got)
	}
	if s.BestID() != 0 {
		t.Errorf("BestID() = %d, ties must not move the pointer", s.BestID())
	}
}

func TestScheduler_ZeroRungLengthFiresEveryObservation(t *testing.T) {
	models, _ := constPool(9, 8, 7, 6, 5, 4, 3, 2, 1, 0)

	s, err := New(models, metric.NewMAE(), DefaultConfig(1))
	if err != nil {
		t.Fatal(err)
	}
	if s.RungLength() != 0 {
		t.Fatalf("RungLength() = %d, want 0", s.RungLength())
	}

	wantActive := []int{5, 3, 2, 1, 1}
	for i, want := range wantActive {
		if err := s.ProcessOne(nil, 0); err != nil {
			t.Fatal(err)
		}
		if s.Active() != want {
			t.Errorf("after observation %d: Active() = %d, want %d", i+1, s.Active(), want)
		}
	}
	if s.Rung() != 4 {
		t.Errorf("Rung() = %d, want 4", s.Rung())
	}
	if s.BudgetUsed() != 0 {
		t.Errorf("BudgetUsed() = %d, want 0", s.BudgetUsed())
	}
}

func TestScheduler_SingleCandidate(t *testing.T) {
	models, consts := constPool(1)

	s, err := New(models, metric.NewMAE(), DefaultConfig(10))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := s.ProcessOne(nil, 0); err != nil {
			t.Fatal(err)
		}
	}

	if s.Rung() != 0 || s.Active() != 1 || !s.Converged() {
		t.Errorf("single candidate should never advance: rung=%d active=%d", s.Rung(), s.Active())
	}
	if consts[0].learned != 100 {
		t.Errorf("learned = %d, want 100", consts[0].learned)
	}
}

func TestScheduler_ProgressiveValidation(t *testing.T) {
	// A learner that predicts its last training target scores zero error only
	// if it is trained before being scored.
	l := &lastLabel{}
	s, err := New([]learner.Learner[float64]{l, &constRegressor{value: 100}}, metric.NewMAE(), DefaultConfig(1000))
	if err != nil {
		t.Fatal(err)
	}

	for _, y := range []float64{1, 2, 3, 4} {
		if err := s.ProcessOne(nil, y); err != nil {
			t.Fatal(err)
		}
	}

	c, _ := s.Candidate(0)
	if got := c.Metric.Value(); got != 1 {
		t.Errorf("MAE = %v, want 1 (predictions 0,1,2,3 against 1,2,3,4)", got)
	}
}

func TestScheduler_CollaboratorErrorsPropagate(t *testing.T) {
	models := []learner.Learner[float64]{&constRegressor{value: 1}, brokenRegressor{}}
	s, err := New(models, metric.NewMAE(), DefaultConfig(100))
	if err != nil {
		t.Fatal(err)
	}

	err = s.ProcessOne(nil, 0)
	if !errors.Is(err, errBroken) {
		t.Fatalf("ProcessOne error = %v, want errBroken", err)
	}
	if !strings.Contains(err.Error(), "candidate 1") {
		t.Errorf("error should name the candidate: %v", err)
	}
	if s.Observations() != 0 {
		t.Errorf("failed observation counted: %d", s.Observations())
	}
}

func TestScheduler_BestPointerOnlyMovesOnStrictImprovement(t *testing.T) {
	models, _ := constPool(5, 3, 4, 1, 2)

	cfg := DefaultConfig(100000) // no rung within this test
	s, err := New(models, metric.NewMAE(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	prevID := s.BestID()
	prevValue := 0.0
	for i := 0; i < 20; i++ {
		if err := s.ProcessOne(nil, 0); err != nil {
			t.Fatal(err)
		}
		c, _ := s.Candidate(s.BestID())
		value := c.Metric.Value()
		if i > 0 && value > prevValue {
			t.Fatalf("best value worsened from %v to %v", prevValue, value)
		}
		if s.BestID() != prevID && i > 0 && value >= prevValue {
			t.Fatalf("pointer moved without strict improvement")
		}
		prevID, prevValue = s.BestID(), value
	}

	if s.BestID() != 3 {
		t.Errorf("BestID() = %d, want 3", s.BestID())
	}
}

func TestScheduler_ProbabilisticDispatch(t *testing.T) {
	good := &probaClassifier{p: 0.9}
	bad := &probaClassifier{p: 0.2}

	s, err := New([]learner.Learner[bool]{bad, good}, metric.NewLogLoss[bool](), DefaultConfig(100))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := s.ProcessOne(nil, true); err != nil {
			t.Fatal(err)
		}
	}

	if good.pointCalls != 0 || bad.pointCalls != 0 {
		t.Errorf("point predictions used with a probabilistic metric: %d, %d", good.pointCalls, bad.pointCalls)
	}
	if s.BestID() != 1 {
		t.Errorf("BestID() = %d, want 1", s.BestID())
	}

	proba, err := s.PredictProba(nil)
	if err != nil {
		t.Fatalf("PredictProba failed: %v", err)
	}
	if proba[true] != 0.9 {
		t.Errorf("PredictProba()[true] = %v, want 0.9", proba[true])
	}
}

func TestScheduler_AsLearner(t *testing.T) {
	models, _ := constPool(3, 1)
	s, err := New(models, metric.NewMAE(), DefaultConfig(100))
	if err != nil {
		t.Fatal(err)
	}

	var l learner.Learner[float64] = s
	if err := l.Learn(nil, 1); err != nil {
		t.Fatal(err)
	}
	got, err := l.Predict(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("Predict() = %v, want the best candidate's prediction 1", got)
	}
	if l.Kind() != learner.KindRegressor {
		t.Errorf("Kind() = %v", l.Kind())
	}
	if _, err := s.PredictProba(nil); !errors.Is(err, ErrNotProbabilistic) {
		t.Errorf("PredictProba error = %v, want ErrNotProbabilistic", err)
	}
}

func TestScheduler_VerboseLogging(t *testing.T) {
	values := make([]float64, 10)
	for i := range values {
		values[i] = float64(i)
	}
	models, _ := constPool(values...)

	var buf bytes.Buffer
	cfg := DefaultConfig(2000)
	cfg.Verbose = true
	cfg.Logger = log.New(&buf, "", 0)

	s, err := New(models, metric.NewMAE(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if err := s.ProcessOne(nil, 0); err != nil {
			t.Fatal(err)
		}
	}

	want := "[1]\t5 removed\t5 left\t50 iterations\tbudget used: 500\tbudget left: 1500\tbest MAE: 0.000000\n"
	if buf.String() != want {
		t.Errorf("log line = %q, want %q", buf.String(), want)
	}
}

func TestPool_MetricsAreIsolated(t *testing.T) {
	models, _ := constPool(1, 2, 3)
	template := metric.NewMAE()

	p, err := NewPool(models, template)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[metric.Metric[float64]]bool)
	for id := 0; id < p.Len(); id++ {
		c, err := p.Candidate(id)
		if err != nil {
			t.Fatal(err)
		}
		if c.Metric == metric.Metric[float64](template) {
			t.Errorf("candidate %d shares the template metric", id)
		}
		if seen[c.Metric] {
			t.Errorf("candidate %d shares a metric with another candidate", id)
		}
		seen[c.Metric] = true
	}
}

func TestPool_Reorder(t *testing.T) {
	models, _ := constPool(1, 2, 3)
	p, err := NewPool(models, metric.NewMAE())
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Reorder([]int{2, 0, 1}); err != nil {
		t.Fatalf("Reorder failed: %v", err)
	}
	if !equalInts(p.ActiveIDs(), []int{2, 0, 1}) {
		t.Errorf("ActiveIDs() = %v", p.ActiveIDs())
	}

	if err := p.Reorder([]int{2, 2, 1}); err == nil {
		t.Error("Reorder with a repeated id should fail")
	}
	if err := p.Reorder([]int{0, 1}); err == nil {
		t.Error("Reorder with a short list should fail")
	}

	p.truncate(1)
	p.truncate(3)
	if p.Active() != 1 {
		t.Errorf("Active() = %d, the active count must never grow", p.Active())
	}

	if _, err := p.Candidate(7); !errors.Is(err, ErrUnknownCandidate) {
		t.Errorf("Candidate(7) error = %v", err)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
