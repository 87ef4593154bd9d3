package selection

import (
	"fmt"

	"github.com/fractal-lba/halving/internal/learner"
	"github.com/fractal-lba/halving/internal/metric"
)

// Candidate pairs one learner with its own metric accumulator.
type Candidate[Y comparable] struct {
	ID      int
	Learner learner.Learner[Y]
	Metric  metric.Metric[Y]

	// prober is set when the metric needs probabilities.
	prober learner.ProbabilisticLearner[Y]
}

// Params returns the learner's hyper-parameters when it reports them.
func (c *Candidate[Y]) Params() learner.Params {
	if d, ok := c.Learner.(learner.Describer); ok {
		return d.Params()
	}
	return nil
}

// Pool owns the candidates and the ranking. The first Active() ids of the
// ranking are still being evaluated; the rest are eliminated for good but
// stay inspectable.
type Pool[Y comparable] struct {
	candidates []*Candidate[Y]
	ranking    []int
	active     int
}

// NewPool builds one candidate per learner, each with an independent clone of
// template. Every learner is checked against the metric up front.
func NewPool[Y comparable](models []learner.Learner[Y], template metric.Metric[Y]) (*Pool[Y], error) {
	if len(models) == 0 {
		return nil, configErrorf("models", "at least one candidate is required")
	}
	if template == nil {
		return nil, configErrorf("metric", "metric is required")
	}

	needProba := template.RequiresProbabilities()
	candidates := make([]*Candidate[Y], len(models))
	ranking := make([]int, len(models))

	for i, model := range models {
		if model == nil {
			return nil, configErrorf("models", "candidate %d is nil", i)
		}
		if !template.Accepts(model.Kind()) {
			return nil, configErrorf("metric", "%s can't be used to evaluate candidate %d (%s)",
				template.Name(), i, model.Kind())
		}

		c := &Candidate[Y]{
			ID:      i,
			Learner: model,
			Metric:  template.Clone(),
		}
		if needProba {
			prober, ok := model.(learner.ProbabilisticLearner[Y])
			if !ok {
				return nil, configErrorf("metric", "%s requires probabilities but candidate %d only predicts labels",
					template.Name(), i)
			}
			c.prober = prober
		}

		candidates[i] = c
		ranking[i] = i
	}

	return &Pool[Y]{
		candidates: candidates,
		ranking:    ranking,
		active:     len(models),
	}, nil
}

// Len returns the pool size n.
func (p *Pool[Y]) Len() int {
	return len(p.candidates)
}

// Active returns the number of candidates still being evaluated.
func (p *Pool[Y]) Active() int {
	return p.active
}

// ActiveIDs returns the active prefix of the ranking. The slice aliases pool
// state and must not be modified.
func (p *Pool[Y]) ActiveIDs() []int {
	return p.ranking[:p.active]
}

// Ranking returns a copy of the full ranking, active ids first.
func (p *Pool[Y]) Ranking() []int {
	out := make([]int, len(p.ranking))
	copy(out, p.ranking)
	return out
}

// Candidate looks up a candidate by id.
func (p *Pool[Y]) Candidate(id int) (*Candidate[Y], error) {
	if id < 0 || id >= len(p.candidates) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCandidate, id)
	}
	return p.candidates[id], nil
}

// Reorder replaces the active prefix of the ranking. ids must be a
// permutation of the current active ids.
func (p *Pool[Y]) Reorder(ids []int) error {
	if len(ids) != p.active {
		return fmt.Errorf("reorder: got %d ids, want %d", len(ids), p.active)
	}

	current := make(map[int]bool, p.active)
	for _, id := range p.ranking[:p.active] {
		current[id] = true
	}
	for _, id := range ids {
		if !current[id] {
			return fmt.Errorf("reorder: id %d is not active or repeated", id)
		}
		delete(current, id)
	}

	copy(p.ranking[:p.active], ids)
	return nil
}

// truncate shrinks the active prefix to s. The active count never grows.
func (p *Pool[Y]) truncate(s int) {
	if s < 1 {
		s = 1
	}
	if s < p.active {
		p.active = s
	}
}

func (p *Pool[Y]) get(id int) *Candidate[Y] {
	return p.candidates[id]
}
