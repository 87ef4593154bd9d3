package metric

import (
	"fmt"
	"math"

	"github.com/fractal-lba/halving/internal/learner"
)

// Accuracy is the fraction of correct point predictions.
type Accuracy[Y comparable] struct {
	n       int64
	correct int64
}

func NewAccuracy[Y comparable]() *Accuracy[Y] { return &Accuracy[Y]{} }

func (m *Accuracy[Y]) Update(yTrue Y, pred Prediction[Y]) error {
	m.n++
	if pred.Value == yTrue {
		m.correct++
	}
	return nil
}

func (m *Accuracy[Y]) Value() float64 {
	if m.n == 0 {
		return 0
	}
	return float64(m.correct) / float64(m.n)
}

func (m *Accuracy[Y]) BiggerIsBetter() bool { return true }
func (m *Accuracy[Y]) RequiresProbabilities() bool { return false }
func (m *Accuracy[Y]) Accepts(kind learner.Kind) bool { return kind == learner.KindClassifier }
func (m *Accuracy[Y]) Clone() Metric[Y] { c := *m; return &c }
func (m *Accuracy[Y]) Name() string { return "Accuracy" }
func (m *Accuracy[Y]) String() string { return fmt.Sprintf("Accuracy: %.2f%%", 100*m.Value()) }

// logLossEps keeps log(p) finite when a learner is certain and wrong.
const logLossEps = 1e-15

// LogLoss is the mean negative log-likelihood of the true label.
type LogLoss[Y comparable] struct {
	n    int64
	mean float64
}

func NewLogLoss[Y comparable]() *LogLoss[Y] { return &LogLoss[Y]{} }

func (m *LogLoss[Y]) Update(yTrue Y, pred Prediction[Y]) error {
	if pred.Proba == nil {
		return ErrMissingProba
	}
	p := pred.Proba[yTrue]
	if math.IsNaN(p) {
		return fmt.Errorf("%w: NaN probability", ErrInvalidValue)
	}
	p = math.Min(math.Max(p, logLossEps), 1-logLossEps)

	m.n++
	m.mean += (-math.Log(p) - m.mean) / float64(m.n)
	return nil
}

func (m *LogLoss[Y]) Value() float64 { return m.mean }
func (m *LogLoss[Y]) BiggerIsBetter() bool { return false }
func (m *LogLoss[Y]) RequiresProbabilities() bool { return true }
func (m *LogLoss[Y]) Accepts(kind learner.Kind) bool { return kind == learner.KindClassifier }
func (m *LogLoss[Y]) Clone() Metric[Y] { c := *m; return &c }
func (m *LogLoss[Y]) Name() string { return "LogLoss" }
func (m *LogLoss[Y]) String() string { return fmt.Sprintf("LogLoss: %.6f", m.Value()) }
