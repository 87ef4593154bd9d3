package metric

import (
	"errors"
	"fmt"
	"math"

	"github.com/fractal-lba/halving/internal/learner"
)

var (
	ErrMissingProba  = errors.New("metric requires class probabilities")
	ErrInvalidValue  = errors.New("invalid metric input")
	ErrUnknownMetric = errors.New("unknown metric")
)

// Prediction is what a learner produced for one observation. Value is set
// when the point-prediction entry point was used, Proba when the
// probabilistic one was.
type Prediction[Y comparable] struct {
	Value Y
	Proba map[Y]float64
}

// Metric is a running score over (truth, prediction) pairs.
type Metric[Y comparable] interface {
	Update(yTrue Y, pred Prediction[Y]) error
	Value() float64

	// BiggerIsBetter reports the orientation used to compare two values.
	BiggerIsBetter() bool
	RequiresProbabilities() bool
	Accepts(kind learner.Kind) bool

	// Clone returns an independent accumulator with the same state.
	Clone() Metric[Y]

	Name() string
	String() string
}

// Better reports whether a beats b under the metric's orientation.
// NaN never beats anything and anything beats NaN.
func Better[Y comparable](m Metric[Y], a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	if m.BiggerIsBetter() {
		return a > b
	}
	return a < b
}

// NewRegression builds a regression metric by name.
func NewRegression(name string) (Metric[float64], error) {
	switch name {
	case "mae":
		return NewMAE(), nil
	case "mse":
		return NewMSE(), nil
	case "rmse":
		return NewRMSE(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
}

// NewClassification builds a binary classification metric by name.
func NewClassification(name string) (Metric[bool], error) {
	switch name {
	case "accuracy":
		return NewAccuracy[bool](), nil
	case "logloss", "log_loss":
		return NewLogLoss[bool](), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
}
