package learner

import "math"

// LogisticConfig configures a LogisticRegression.
type LogisticConfig struct {
	LearningRate float64
	InterceptLR  float64
	L2           float64
}

func DefaultLogisticConfig() LogisticConfig {
	return LogisticConfig{
		LearningRate: 0.01,
		InterceptLR:  0.01,
		L2:           0,
	}
}

// LogisticRegression is an online binary classifier trained by SGD on the log loss.
// The positive class is true.
type LogisticRegression struct {
	cfg       LogisticConfig
	weights   map[string]float64
	intercept float64
}

func NewLogisticRegression(cfg LogisticConfig) *LogisticRegression {
	return &LogisticRegression{
		cfg:     cfg,
		weights: make(map[string]float64),
	}
}

func (m *LogisticRegression) Kind() Kind { return KindClassifier }

// PredictProba returns P(true) and P(false).
func (m *LogisticRegression) PredictProba(x Features) (map[bool]float64, error) {
	if err := checkFeatures(x); err != nil {
		return nil, err
	}
	p, err := m.proba(x)
	if err != nil {
		return nil, err
	}
	return map[bool]float64{true: p, false: 1 - p}, nil
}

// Predict returns true when P(true) >= 0.5.
func (m *LogisticRegression) Predict(x Features) (bool, error) {
	if err := checkFeatures(x); err != nil {
		return false, err
	}
	p, err := m.proba(x)
	if err != nil {
		return false, err
	}
	return p >= 0.5, nil
}

func (m *LogisticRegression) Learn(x Features, y bool) error {
	if err := checkFeatures(x); err != nil {
		return err
	}

	target := 0.0
	if y {
		target = 1.0
	}

	p, err := m.proba(x)
	if err != nil {
		return err
	}

	g := clip(p-target, gradientClip)
	b, err := sgdStep(m.weights, m.intercept, x, g, m.cfg.LearningRate, m.cfg.InterceptLR, m.cfg.L2)
	if err != nil {
		return err
	}
	m.intercept = b

	return nil
}

func (m *LogisticRegression) Params() Params {
	return Params{
		"lr":           m.cfg.LearningRate,
		"intercept_lr": m.cfg.InterceptLR,
		"l2":           m.cfg.L2,
	}
}

// proba computes σ(w·x + b).
func (m *LogisticRegression) proba(x Features) (float64, error) {
	z, err := linearTerm(m.weights, m.intercept, x)
	if err != nil {
		return 0, err
	}
	return 1.0 / (1.0 + math.Exp(-z)), nil
}
