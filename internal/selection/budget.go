package selection

import "math"

// Rounds returns ceil(log_eta(n)), the number of rungs needed to go from n
// candidates down to one.
//
// It is computed as the smallest k with eta^k >= n rather than from a
// floating-point logarithm, so exact powers (n=125, eta=5) give 3 and not 4.
func Rounds(n int, eta float64) (int, error) {
	if math.IsNaN(eta) || eta <= 1 {
		return 0, configErrorf("eta", "must be > 1, got %v", eta)
	}
	if n <= 1 {
		return 0, configErrorf("models", "need at least 2 candidates to plan rungs, got %d", n)
	}

	target := float64(n)
	k := int(math.Ceil(math.Log(target) / math.Log(eta)))
	if k < 1 {
		k = 1
	}
	for k > 1 && math.Pow(eta, float64(k-1)) >= target {
		k--
	}
	for math.Pow(eta, float64(k)) < target {
		k++
	}

	return k, nil
}

// Cutoff returns ceil(s/eta), the number of candidates kept after a rung.
//
// The result is always in [1, s] and strictly below s whenever s > 1, so
// repeated application reaches the fixed point 1 even for eta close to 1.
func Cutoff(s int, eta float64) int {
	if s <= 1 {
		return s
	}

	q := float64(s) / eta
	// Absorb round-off such as 14/1.4 = 10.000000000000002.
	c := int(math.Ceil(q - q*1e-12))
	if c >= s {
		c = s - 1
	}
	if c < 1 {
		c = 1
	}
	return c
}

// Planner computes rung spacing for a fixed pool size, elimination rate and budget.
//
// The budget is a planning constant: every rung length is derived from the
// original value, never from a remaining balance.
type Planner struct {
	budget int
	n      int
	eta    float64
	rounds int
}

// NewPlanner validates the configuration and precomputes ceil(log_eta(n)).
func NewPlanner(budget, n int, eta float64) (*Planner, error) {
	if budget <= 0 {
		return nil, configErrorf("budget", "must be positive, got %d", budget)
	}

	rounds, err := Rounds(n, eta)
	if err != nil {
		return nil, err
	}

	return &Planner{
		budget: budget,
		n:      n,
		eta:    eta,
		rounds: rounds,
	}, nil
}

// RungLength returns floor(budget / (s * rounds)). A result of 0 is valid and
// makes the scheduler eliminate on every observation.
func (p *Planner) RungLength(s int) int {
	if s < 1 {
		s = 1
	}
	return p.budget / (s * p.rounds)
}

// Cutoff applies Cutoff with the planner's eta.
func (p *Planner) Cutoff(s int) int {
	return Cutoff(s, p.eta)
}

// Rounds returns ceil(log_eta(n)).
func (p *Planner) Rounds() int {
	return p.rounds
}

// PlannedRung is one step of the rung trace for an unbounded stream.
type PlannedRung struct {
	Rung        int `json:"rung"`
	Candidates  int `json:"candidates"`
	Iterations  int `json:"iterations"`
	Removed     int `json:"removed"`
	Remaining   int `json:"remaining"`
	BudgetUsed  int `json:"budget_used"`
	Observation int `json:"observation"` // 1-based index of the observation that closes the rung
}

// Plan returns the full rung trace, assuming observations never run out.
func (p *Planner) Plan() []PlannedRung {
	var (
		plan []PlannedRung
		used int
		seen int
	)

	for s := p.n; s > 1; {
		r := p.RungLength(s)
		next := p.Cutoff(s)
		used += s * r
		if r > 0 {
			seen += r
		} else {
			seen++
		}

		plan = append(plan, PlannedRung{
			Rung:        len(plan) + 1,
			Candidates:  s,
			Iterations:  r,
			Removed:     s - next,
			Remaining:   next,
			BudgetUsed:  used,
			Observation: seen,
		})
		s = next
	}

	return plan
}
