package learner

import (
	"fmt"
	"math"
)

// gradientClip bounds per-step gradients so a single outlier cannot blow up the weights.
const gradientClip = 1e12

// LinearConfig configures a LinearRegression.
type LinearConfig struct {
	LearningRate float64 // Step size for feature weights
	InterceptLR  float64 // Step size for the intercept
	L2           float64 // Ridge penalty applied to feature weights
}

// DefaultLinearConfig returns the defaults used when a grid does not set a parameter.
func DefaultLinearConfig() LinearConfig {
	return LinearConfig{
		LearningRate: 0.01,
		InterceptLR:  0.01,
		L2:           0,
	}
}

// LinearRegression is an online least-squares regressor trained by SGD.
type LinearRegression struct {
	cfg       LinearConfig
	weights   map[string]float64
	intercept float64
}

// NewLinearRegression creates a linear regressor with zero-initialised weights.
func NewLinearRegression(cfg LinearConfig) *LinearRegression {
	return &LinearRegression{
		cfg:     cfg,
		weights: make(map[string]float64),
	}
}

func (m *LinearRegression) Kind() Kind { return KindRegressor }

// Predict returns w·x + b.
func (m *LinearRegression) Predict(x Features) (float64, error) {
	if err := checkFeatures(x); err != nil {
		return 0, err
	}
	return linearTerm(m.weights, m.intercept, x)
}

// Learn performs one SGD step on the squared loss.
func (m *LinearRegression) Learn(x Features, y float64) error {
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, y)
	}
	if err := checkFeatures(x); err != nil {
		return err
	}

	z, err := linearTerm(m.weights, m.intercept, x)
	if err != nil {
		return err
	}

	g := clip(z-y, gradientClip)
	b, err := sgdStep(m.weights, m.intercept, x, g, m.cfg.LearningRate, m.cfg.InterceptLR, m.cfg.L2)
	if err != nil {
		return err
	}
	m.intercept = b

	return nil
}

// Weight returns the current weight of a feature (0 if never seen).
func (m *LinearRegression) Weight(name string) float64 {
	return m.weights[name]
}

// Intercept returns the current bias term.
func (m *LinearRegression) Intercept() float64 {
	return m.intercept
}

func (m *LinearRegression) Params() Params {
	return Params{
		"lr":           m.cfg.LearningRate,
		"intercept_lr": m.cfg.InterceptLR,
		"l2":           m.cfg.L2,
	}
}

// MeanRegressor predicts the running mean of the targets seen so far.
type MeanRegressor struct {
	n    int64
	mean float64
}

func NewMeanRegressor() *MeanRegressor {
	return &MeanRegressor{}
}

func (m *MeanRegressor) Kind() Kind { return KindRegressor }

func (m *MeanRegressor) Predict(x Features) (float64, error) {
	return m.mean, nil
}

func (m *MeanRegressor) Learn(x Features, y float64) error {
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, y)
	}
	m.n++
	m.mean += (y - m.mean) / float64(m.n)
	return nil
}

func (m *MeanRegressor) Params() Params {
	return Params{}
}
