package metric

import (
	"fmt"
	"math"

	"github.com/fractal-lba/halving/internal/learner"
)

// meanError accumulates the running mean of a per-observation error.
type meanError struct {
	n    int64
	mean float64
}

// add folds v into the mean. A non-finite error is rejected and leaves the
// accumulator unchanged.
func (e *meanError) add(v float64) error {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fmt.Errorf("%w: error term %v", ErrInvalidValue, v)
	}
	e.n++
	e.mean += (v - e.mean) / float64(e.n)
	return nil
}

func checkPair(yTrue, yPred float64) error {
	if math.IsNaN(yTrue) || math.IsNaN(yPred) || math.IsInf(yTrue, 0) || math.IsInf(yPred, 0) {
		return fmt.Errorf("%w: non-finite value in (%v, %v)", ErrInvalidValue, yTrue, yPred)
	}
	return nil
}

// MAE is the mean absolute error.
type MAE struct{ meanError }

func NewMAE() *MAE { return &MAE{} }

func (m *MAE) Update(yTrue float64, pred Prediction[float64]) error {
	if err := checkPair(yTrue, pred.Value); err != nil {
		return err
	}
	return m.add(math.Abs(yTrue - pred.Value))
}

func (m *MAE) Value() float64 { return m.mean }
func (m *MAE) BiggerIsBetter() bool { return false }
func (m *MAE) RequiresProbabilities() bool { return false }
func (m *MAE) Accepts(kind learner.Kind) bool { return kind == learner.KindRegressor }
func (m *MAE) Clone() Metric[float64] { c := *m; return &c }
func (m *MAE) Name() string { return "MAE" }
func (m *MAE) String() string { return fmt.Sprintf("MAE: %.6f", m.Value()) }

// MSE is the mean squared error.
type MSE struct{ meanError }

func NewMSE() *MSE { return &MSE{} }

func (m *MSE) Update(yTrue float64, pred Prediction[float64]) error {
	if err := checkPair(yTrue, pred.Value); err != nil {
		return err
	}
	d := yTrue - pred.Value
	return m.add(d * d)
}

func (m *MSE) Value() float64 { return m.mean }
func (m *MSE) BiggerIsBetter() bool { return false }
func (m *MSE) RequiresProbabilities() bool { return false }
func (m *MSE) Accepts(kind learner.Kind) bool { return kind == learner.KindRegressor }
func (m *MSE) Clone() Metric[float64] { c := *m; return &c }
func (m *MSE) Name() string { return "MSE" }
func (m *MSE) String() string { return fmt.Sprintf("MSE: %.6f", m.Value()) }

// RMSE is the square root of the mean squared error.
type RMSE struct{ MSE }

func NewRMSE() *RMSE { return &RMSE{} }

func (m *RMSE) Value() float64 { return math.Sqrt(m.mean) }
func (m *RMSE) Clone() Metric[float64] { c := *m; return &c }
func (m *RMSE) Name() string { return "RMSE" }
func (m *RMSE) String() string { return fmt.Sprintf("RMSE: %.6f", m.Value()) }
