package monotone

import (
	"fmt"
	"math"

	"monosweep/internal/common"

	"gonum.org/v1/gonum/floats"
)

// Loss is the breakdown of one objective evaluation.
type Loss struct {
	MSE     float64 `json:"mse"`
	Penalty float64 `json:"penalty"`
	Total   float64 `json:"total"`
}

// Objective blends mean squared error with a monotonicity penalty:
//
//	total = (1 - Lambda) * MSE + Lambda * penalty
//
// The penalty is computed on whatever predictions are passed in. When those
// already include a saturated adjustment the penalty can sit near zero and
// stop carrying information; that is reported as is.
type Objective struct {
	Lambda  float64
	Penalty Penalty
	Columns []int
}

func (o Objective) penaltyActive() bool {
	return o.Lambda > 0 && o.Penalty != nil && len(o.Columns) > 0
}

func (o Objective) check(y, pred []float64, X [][]float64) error {
	if len(y) == 0 {
		return common.ErrEmptyInput
	}
	if len(y) != len(pred) {
		return fmt.Errorf("%w: %d targets, %d predictions", common.ErrShapeMismatch, len(y), len(pred))
	}
	if o.penaltyActive() && len(X) != len(pred) {
		return fmt.Errorf("%w: %d rows, %d predictions", common.ErrShapeMismatch, len(X), len(pred))
	}
	return nil
}

func (o Objective) Evaluate(y, pred []float64, X [][]float64) (Loss, error) {
	if err := o.check(y, pred, X); err != nil {
		return Loss{}, err
	}

	mse := MSE(y, pred)
	l := Loss{MSE: mse, Total: mse}
	if o.penaltyActive() {
		l.Penalty = o.Penalty.Value(pred, X, o.Columns)
		l.Total = (1-o.Lambda)*mse + o.Lambda*l.Penalty
	}
	return l, nil
}

// Gradient returns dTotal/dpred per sample.
func (o Objective) Gradient(y, pred []float64, X [][]float64) ([]float64, error) {
	if err := o.check(y, pred, X); err != nil {
		return nil, err
	}

	n := float64(len(y))
	g := make([]float64, len(y))
	floats.SubTo(g, pred, y)
	floats.Scale(2/n, g)

	if o.penaltyActive() {
		floats.Scale(1-o.Lambda, g)
		floats.AddScaled(g, o.Lambda, o.Penalty.Gradient(pred, X, o.Columns))
	}
	return g, nil
}

// MSE is the mean squared difference between y and pred.
func MSE(y, pred []float64) float64 {
	if len(y) == 0 {
		return math.NaN()
	}
	d := floats.Distance(y, pred, 2)
	return d * d / float64(len(y))
}
