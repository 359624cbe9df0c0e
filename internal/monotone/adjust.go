// Package monotone implements the pieces that push a regression model towards
// predictions that are non-decreasing in a declared set of feature columns:
// an additive adjustment unit with non-negative weights, the violation
// penalties and the blended training objective.
package monotone

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"monosweep/internal/common"

	"gonum.org/v1/gonum/stat/distuv"
)

// ErrInvalidColumn is returned when a monotonic column index does not address
// a column of the feature matrix.
var ErrInvalidColumn = errors.New("invalid monotonic column")

// Variant selects how the adjustment behaves during training.
type Variant string

const (
	Deterministic Variant = "deterministic"
	Noise         Variant = "noise"
	Gate          Variant = "gate"
)

// WeightParam selects how the learned weights are parameterized.
type WeightParam string

const (
	Raw      WeightParam = "raw"
	Softplus WeightParam = "softplus"
)

type AdjusterConfig struct {
	Columns       []int
	NumFeatures   int
	Lambda        float64
	Variant       Variant
	NoiseStd      float64
	Param         WeightParam
	InitialWeight float64
}

// Adjuster adds lambda * sum(w_i * x[col_i]) to a base prediction.
//
// Every weight is >= 0 after construction and after every Step. With lambda 0
// the adjuster is inert: Apply returns the base prediction untouched and no
// random numbers are drawn.
type Adjuster struct {
	columns   []int
	nFeatures int
	lambda    float64
	variant   Variant
	param     WeightParam

	// params holds the weights themselves for Raw and their softplus
	// pre-image for Softplus.
	params []float64

	noise distuv.Normal
	gate  distuv.Bernoulli
}

func NewAdjuster(c AdjusterConfig, rng *rand.Rand) (*Adjuster, error) {
	if c.NumFeatures < 1 {
		return nil, fmt.Errorf("number of features must be >= 1, got %d", c.NumFeatures)
	}
	if len(c.Columns) == 0 {
		return nil, fmt.Errorf("%w: no monotonic columns given", ErrInvalidColumn)
	}
	seen := make(map[int]bool, len(c.Columns))
	for _, col := range c.Columns {
		if col < 0 || col >= c.NumFeatures {
			return nil, fmt.Errorf("%w: index %d outside [0, %d)", ErrInvalidColumn, col, c.NumFeatures)
		}
		if seen[col] {
			return nil, fmt.Errorf("%w: index %d listed twice", ErrInvalidColumn, col)
		}
		seen[col] = true
	}
	if math.IsNaN(c.Lambda) || c.Lambda < 0 || c.Lambda > 1 {
		return nil, fmt.Errorf("lambda must be between 0 and 1, got %f", c.Lambda)
	}
	if c.InitialWeight < 0 || math.IsNaN(c.InitialWeight) {
		return nil, fmt.Errorf("initial weight must be >= 0, got %f", c.InitialWeight)
	}

	variant := c.Variant
	if variant == "" {
		variant = Deterministic
	}
	switch variant {
	case Deterministic:
	case Noise:
		if c.NoiseStd < 0 {
			return nil, fmt.Errorf("noise std must be >= 0, got %f", c.NoiseStd)
		}
	case Gate:
	default:
		return nil, fmt.Errorf("unknown adjustment variant %q", c.Variant)
	}
	if variant != Deterministic && rng == nil {
		return nil, fmt.Errorf("adjustment variant %q needs a random source", variant)
	}

	param := c.Param
	if param == "" {
		param = Raw
	}
	if param != Raw && param != Softplus {
		return nil, fmt.Errorf("unknown weight parameterization %q", c.Param)
	}

	a := &Adjuster{
		columns:   append([]int(nil), c.Columns...),
		nFeatures: c.NumFeatures,
		lambda:    c.Lambda,
		variant:   variant,
		param:     param,
		params:    make([]float64, len(c.Columns)),
	}
	for i := range a.params {
		if param == Softplus {
			a.params[i] = inverseSoftplus(math.Max(c.InitialWeight, 1e-6))
		} else {
			a.params[i] = c.InitialWeight
		}
	}

	if rng != nil {
		a.noise = distuv.Normal{Mu: 0, Sigma: c.NoiseStd, Src: rng}
		a.gate = distuv.Bernoulli{P: c.Lambda, Src: rng}
	}

	return a, nil
}

func (a *Adjuster) Lambda() float64  { return a.lambda }
func (a *Adjuster) Variant() Variant { return a.variant }
func (a *Adjuster) Columns() []int   { return append([]int(nil), a.columns...) }

// Active reports whether the adjustment contributes anything.
func (a *Adjuster) Active() bool { return a.lambda > 0 }

// Weights returns a copy of the effective (non-negative) weights.
func (a *Adjuster) Weights() []float64 {
	w := make([]float64, len(a.params))
	for i, p := range a.params {
		w[i] = a.weight(p)
	}
	return w
}

// SetWeights overwrites the effective weights.
func (a *Adjuster) SetWeights(w []float64) error {
	if len(w) != len(a.params) {
		return fmt.Errorf("%w: %d weights for %d columns", common.ErrShapeMismatch, len(w), len(a.params))
	}
	for i, v := range w {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %d must be >= 0, got %f", i, v)
		}
		if a.param == Softplus {
			a.params[i] = inverseSoftplus(math.Max(v, 1e-6))
		} else {
			a.params[i] = v
		}
	}
	return nil
}

// Apply returns base + adjustment for every row of X together with the
// per-row scale that multiplied sum(w_i * x_i). The scales are what Gradient
// needs to back-propagate through the same forward pass.
//
// Training-only behavior: the Noise variant adds N(0, NoiseStd) to each
// adjustment, the Gate variant replaces lambda with a Bernoulli(lambda) draw
// per row. At inference both fall back to the deterministic form.
func (a *Adjuster) Apply(X [][]float64, base []float64, training bool) ([]float64, []float64, error) {
	if len(X) != len(base) {
		return nil, nil, fmt.Errorf("%w: %d rows, %d base predictions", common.ErrShapeMismatch, len(X), len(base))
	}

	out := make([]float64, len(base))
	copy(out, base)
	if !a.Active() {
		return out, nil, nil
	}

	w := a.Weights()
	scales := make([]float64, len(base))
	for i, row := range X {
		if len(row) != a.nFeatures {
			return nil, nil, fmt.Errorf("%w: row %d has %d features, want %d", common.ErrShapeMismatch, i, len(row), a.nFeatures)
		}

		scale := a.lambda
		if training && a.variant == Gate {
			scale = a.gate.Rand()
		}
		scales[i] = scale

		adj := scale * a.weightedSum(w, row)
		if training && a.variant == Noise && a.noise.Sigma > 0 {
			adj += a.noise.Rand()
		}
		out[i] += adj
	}
	return out, scales, nil
}

// Gradient returns dLoss/dparam for each monotonic column given dLoss/dpred
// and the scales produced by the matching Apply call.
func (a *Adjuster) Gradient(X [][]float64, dPred, scales []float64) ([]float64, error) {
	grads := make([]float64, len(a.params))
	if !a.Active() {
		return grads, nil
	}
	if len(X) != len(dPred) || len(scales) != len(dPred) {
		return nil, fmt.Errorf("%w: %d rows, %d gradients, %d scales", common.ErrShapeMismatch, len(X), len(dPred), len(scales))
	}

	for i, row := range X {
		g := dPred[i] * scales[i]
		if g == 0 {
			continue
		}
		for j, col := range a.columns {
			grads[j] += g * row[col]
		}
	}
	if a.param == Softplus {
		for j, p := range a.params {
			grads[j] *= sigmoid(p)
		}
	}
	return grads, nil
}

// Step applies one projected gradient step.
func (a *Adjuster) Step(grads []float64, lr float64) error {
	if len(grads) != len(a.params) {
		return fmt.Errorf("%w: %d gradients for %d columns", common.ErrShapeMismatch, len(grads), len(a.params))
	}
	if !a.Active() {
		return nil
	}
	for j, g := range grads {
		a.params[j] -= lr * g
		if a.param == Raw && a.params[j] < 0 {
			a.params[j] = 0
		}
	}
	return nil
}

// Snapshot captures the learned parameters for a later Restore.
func (a *Adjuster) Snapshot() []float64 {
	return append([]float64(nil), a.params...)
}

func (a *Adjuster) Restore(s []float64) error {
	if len(s) != len(a.params) {
		return fmt.Errorf("%w: snapshot has %d parameters, want %d", common.ErrShapeMismatch, len(s), len(a.params))
	}
	copy(a.params, s)
	return nil
}

func (a *Adjuster) weight(p float64) float64 {
	if a.param == Softplus {
		return softplus(p)
	}
	return math.Max(p, 0)
}

func (a *Adjuster) weightedSum(w, row []float64) float64 {
	var s float64
	for j, col := range a.columns {
		s += w[j] * row[col]
	}
	return s
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func inverseSoftplus(y float64) float64 {
	if y > 30 {
		return y
	}
	return math.Log(math.Expm1(y))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
