package learner

import (
	"fmt"
	"sort"
)

// ExpandGrid returns the cartesian product of a parameter grid.
//
// Keys are visited in sorted order and the last key varies fastest, so the
// result is deterministic for a given grid. An empty grid yields a single
// empty Params.
func ExpandGrid(grid map[string][]float64) []Params {
	keys := make([]string, 0, len(grid))
	for k := range grid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []Params{{}}
	for _, k := range keys {
		values := grid[k]
		if len(values) == 0 {
			continue
		}
		next := make([]Params, 0, len(combos)*len(values))
		for _, base := range combos {
			for _, v := range values {
				p := make(Params, len(base)+1)
				for bk, bv := range base {
					p[bk] = bv
				}
				p[k] = v
				next = append(next, p)
			}
		}
		combos = next
	}

	return combos
}

// GridSize returns the number of combinations ExpandGrid would produce
// without building them. ok is false once the count exceeds limit; n is
// then only known to be above limit.
func GridSize(grid map[string][]float64, limit int) (n int, ok bool) {
	n = 1
	for _, values := range grid {
		k := len(values)
		if k == 0 {
			continue
		}
		if n > limit/k {
			return limit + 1, false
		}
		n *= k
	}
	return n, n <= limit
}

// NewRegressor builds a regressor by model name ("linear", "mean").
func NewRegressor(model string, p Params) (Learner[float64], error) {
	switch model {
	case "linear", "linear_regression":
		cfg := DefaultLinearConfig()
		for k, v := range p {
			switch k {
			case "lr":
				cfg.LearningRate = v
			case "intercept_lr":
				cfg.InterceptLR = v
			case "l2":
				cfg.L2 = v
			default:
				return nil, fmt.Errorf("%w: %s for %s", ErrUnknownParam, k, model)
			}
		}
		return NewLinearRegression(cfg), nil
	case "mean":
		if len(p) > 0 {
			return nil, fmt.Errorf("%w: mean takes no parameters", ErrUnknownParam)
		}
		return NewMeanRegressor(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
}

// NewClassifier builds a binary classifier by model name ("logistic").
func NewClassifier(model string, p Params) (Learner[bool], error) {
	switch model {
	case "logistic", "logistic_regression":
		cfg := DefaultLogisticConfig()
		for k, v := range p {
			switch k {
			case "lr":
				cfg.LearningRate = v
			case "intercept_lr":
				cfg.InterceptLR = v
			case "l2":
				cfg.L2 = v
			default:
				return nil, fmt.Errorf("%w: %s for %s", ErrUnknownParam, k, model)
			}
		}
		return NewLogisticRegression(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
}
