package learner

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidFeature = errors.New("invalid feature value")
	ErrInvalidTarget  = errors.New("invalid target value")
	ErrUnknownModel   = errors.New("unknown model")
	ErrUnknownParam   = errors.New("unknown model parameter")
)

// Features maps feature names to numeric values for a single observation.
type Features map[string]float64

// Kind describes what a learner predicts.
type Kind int

const (
	KindRegressor Kind = iota
	KindClassifier
)

func (k Kind) String() string {
	switch k {
	case KindRegressor:
		return "regressor"
	case KindClassifier:
		return "classifier"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Learner is an incremental predictor trained one observation at a time.
type Learner[Y comparable] interface {
	Learn(x Features, y Y) error
	Predict(x Features) (Y, error)
	Kind() Kind
}

// ProbabilisticLearner is a Learner that can also emit a distribution over labels.
type ProbabilisticLearner[Y comparable] interface {
	Learner[Y]
	PredictProba(x Features) (map[Y]float64, error)
}

// Describer is implemented by learners that can report their hyper-parameters.
type Describer interface {
	Params() Params
}

// Params holds named numeric hyper-parameters.
type Params map[string]float64

// checkFeatures rejects NaN and infinite feature values.
func checkFeatures(x Features) error {
	for name, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidFeature, name, v)
		}
	}
	return nil
}

// clip bounds a gradient to [-limit, limit].
func clip(g, limit float64) float64 {
	if g > limit {
		return limit
	}
	if g < -limit {
		return -limit
	}
	return g
}

// sgdStep applies one gradient step to weights and returns the new
// intercept. Nothing is written unless every updated value stays finite.
func sgdStep(weights map[string]float64, intercept float64, x Features, g, lr, interceptLR, l2 float64) (float64, error) {
	next := make(map[string]float64, len(x))
	for name, v := range x {
		w := weights[name]
		step := g * v
		if l2 != 0 {
			step += l2 * w
		}
		nw := w - lr*step
		if math.IsNaN(nw) || math.IsInf(nw, 0) {
			return intercept, fmt.Errorf("%w: %s=%v overflows weight", ErrInvalidFeature, name, v)
		}
		next[name] = nw
	}

	b := intercept - interceptLR*g
	if math.IsNaN(b) || math.IsInf(b, 0) {
		return intercept, fmt.Errorf("%w: intercept overflows", ErrInvalidTarget)
	}

	for name, w := range next {
		weights[name] = w
	}
	return b, nil
}

// linearTerm returns w·x + b, rejecting results that are not finite.
func linearTerm(weights map[string]float64, intercept float64, x Features) (float64, error) {
	z := intercept
	for name, v := range x {
		z += weights[name] * v
	}
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0, fmt.Errorf("%w: w·x overflows", ErrInvalidFeature)
	}
	return z, nil
}
