// Package selection implements online successive halving: a fixed pool of
// candidate learners is trained on a single pass over a stream while the
// weakest candidates are dropped at rungs spaced according to a budget.
package selection

import (
	"fmt"
	"log"
	"math"

	"github.com/fractal-lba/halving/internal/learner"
	"github.com/fractal-lba/halving/internal/metric"
)

// Config holds scheduler parameters.
type Config struct {
	// Budget is the total number of (candidate, observation) updates the
	// rung spacing is planned for. It does not stop the scheduler.
	Budget int

	// Eta is the elimination rate: ceil(s/Eta) candidates survive a rung.
	Eta float64

	// Verbose logs one line per rung through Logger.
	Verbose bool
	Logger  *log.Logger

	// Reporters receive every rung report.
	Reporters []Reporter
}

// DefaultConfig returns a config with eta = 2.
func DefaultConfig(budget int) Config {
	return Config{
		Budget: budget,
		Eta:    2,
	}
}

// Scheduler runs successive halving over a stream, one observation per call.
// It is not safe for concurrent use.
type Scheduler[Y comparable] struct {
	pool    *Pool[Y]
	planner *Planner // nil when there is a single candidate
	cfg     Config

	useProba bool

	rung             int
	rungLength       int
	iterationsInRung int
	budgetUsed       int
	observations     int64
	best             int
}

// New validates the configuration and builds the candidate pool. All
// configuration errors surface here, never while processing observations.
func New[Y comparable](models []learner.Learner[Y], m metric.Metric[Y], cfg Config) (*Scheduler[Y], error) {
	if math.IsNaN(cfg.Eta) || cfg.Eta <= 1 {
		return nil, configErrorf("eta", "must be > 1, got %v", cfg.Eta)
	}
	if cfg.Budget <= 0 {
		return nil, configErrorf("budget", "must be positive, got %d", cfg.Budget)
	}

	pool, err := NewPool(models, m)
	if err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	s := &Scheduler[Y]{
		pool:     pool,
		cfg:      cfg,
		useProba: m.RequiresProbabilities(),
	}

	if pool.Len() > 1 {
		s.planner, err = NewPlanner(cfg.Budget, pool.Len(), cfg.Eta)
		if err != nil {
			return nil, err
		}
		s.rungLength = s.planner.RungLength(pool.Len())
	}

	return s, nil
}

// ProcessOne scores every active candidate on (x, y), then trains it on the
// same pair, and closes the current rung when its length is reached.
//
// Errors from learners and metrics are returned as-is (wrapped with the
// candidate id); the observation is then only partially applied.
func (s *Scheduler[Y]) ProcessOne(x learner.Features, y Y) error {
	for _, id := range s.pool.ActiveIDs() {
		c := s.pool.get(id)

		pred, err := s.predict(c, x)
		if err != nil {
			return fmt.Errorf("candidate %d: predict: %w", id, err)
		}
		if err := c.Metric.Update(y, pred); err != nil {
			return fmt.Errorf("candidate %d: update metric: %w", id, err)
		}
		if err := c.Learner.Learn(x, y); err != nil {
			return fmt.Errorf("candidate %d: learn: %w", id, err)
		}

		if id != s.best {
			best := s.pool.get(s.best)
			if metric.Better(c.Metric, c.Metric.Value(), best.Metric.Value()) {
				s.best = id
			}
		}
	}

	s.observations++
	s.iterationsInRung++

	if s.pool.Active() > 1 && s.iterationsInRung >= s.rungLength {
		s.advance()
	}

	return nil
}

func (s *Scheduler[Y]) predict(c *Candidate[Y], x learner.Features) (metric.Prediction[Y], error) {
	if s.useProba {
		proba, err := c.prober.PredictProba(x)
		return metric.Prediction[Y]{Proba: proba}, err
	}
	v, err := c.Learner.Predict(x)
	return metric.Prediction[Y]{Value: v}, err
}

// BestModel returns the learner with the best metric seen so far. Before any
// observation it is the first candidate.
func (s *Scheduler[Y]) BestModel() learner.Learner[Y] {
	return s.pool.get(s.best).Learner
}

// BestID returns the id of the best candidate so far.
func (s *Scheduler[Y]) BestID() int {
	return s.best
}

// Candidate returns a candidate by id, eliminated or not.
func (s *Scheduler[Y]) Candidate(id int) (*Candidate[Y], error) {
	return s.pool.Candidate(id)
}

func (s *Scheduler[Y]) Active() int { return s.pool.Active() }
func (s *Scheduler[Y]) Rung() int { return s.rung }
func (s *Scheduler[Y]) RungLength() int { return s.rungLength }
func (s *Scheduler[Y]) BudgetUsed() int { return s.budgetUsed }
func (s *Scheduler[Y]) Observations() int64 { return s.observations }

// Converged reports whether a single candidate remains.
func (s *Scheduler[Y]) Converged() bool {
	return s.pool.Active() == 1
}

// Learn makes the scheduler usable wherever a learner is expected.
func (s *Scheduler[Y]) Learn(x learner.Features, y Y) error {
	return s.ProcessOne(x, y)
}

// Predict delegates to the best model.
func (s *Scheduler[Y]) Predict(x learner.Features) (Y, error) {
	return s.BestModel().Predict(x)
}

// PredictProba delegates to the best model when it is probabilistic.
func (s *Scheduler[Y]) PredictProba(x learner.Features) (map[Y]float64, error) {
	pl, ok := s.BestModel().(learner.ProbabilisticLearner[Y])
	if !ok {
		return nil, ErrNotProbabilistic
	}
	return pl.PredictProba(x)
}

// Kind returns the kind shared by the candidates.
func (s *Scheduler[Y]) Kind() learner.Kind {
	return s.pool.get(0).Learner.Kind()
}

// CandidateScore is one row of a status snapshot.
type CandidateScore struct {
	ID     int            `json:"id"`
	Metric float64        `json:"metric"`
	Active bool           `json:"active"`
	Params learner.Params `json:"params,omitempty"`
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Candidates       int              `json:"candidates"`
	Active           int              `json:"active"`
	Converged        bool             `json:"converged"`
	Rung             int              `json:"rung"`
	RungLength       int              `json:"rung_length"`
	IterationsInRung int              `json:"iterations_in_rung"`
	Budget           int              `json:"budget"`
	BudgetUsed       int              `json:"budget_used"`
	Eta              float64          `json:"eta"`
	Observations     int64            `json:"observations"`
	MetricName       string           `json:"metric"`
	BestID           int              `json:"best_id"`
	BestMetric       float64          `json:"best_metric"`
	Ranking          []int            `json:"ranking"`
	Scores           []CandidateScore `json:"scores"`
}

// Status returns a snapshot. Scores are listed by candidate id.
func (s *Scheduler[Y]) Status() Status {
	active := make(map[int]bool, s.pool.Active())
	for _, id := range s.pool.ActiveIDs() {
		active[id] = true
	}

	scores := make([]CandidateScore, s.pool.Len())
	for id := range scores {
		c := s.pool.get(id)
		scores[id] = CandidateScore{
			ID:     id,
			Metric: c.Metric.Value(),
			Active: active[id],
			Params: c.Params(),
		}
	}

	best := s.pool.get(s.best)
	return Status{
		Candidates:       s.pool.Len(),
		Active:           s.pool.Active(),
		Converged:        s.Converged(),
		Rung:             s.rung,
		RungLength:       s.rungLength,
		IterationsInRung: s.iterationsInRung,
		Budget:           s.cfg.Budget,
		BudgetUsed:       s.budgetUsed,
		Eta:              s.cfg.Eta,
		Observations:     s.observations,
		MetricName:       best.Metric.Name(),
		BestID:           s.best,
		BestMetric:       best.Metric.Value(),
		Ranking:          s.pool.Ranking(),
		Scores:           scores,
	}
}
