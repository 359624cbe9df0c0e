package predictor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"monosweep/internal/cfg"
	"monosweep/internal/common"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// network is a stack of layers ending in a single linear output unit. MLP and
// CNN differ only in how the stack is built.
type network struct {
	name      string
	nFeatures int
	layers    []layer
	opt       *adam
	rng       *rand.Rand
	training  cfg.TrainingConfig
	batch     int
}

// MLP is a feed-forward network: each hidden block is
// dense -> layer norm -> ReLU -> dropout.
type MLP struct {
	*network
}

func NewMLP(nFeatures int, n cfg.NetworkConfig, t cfg.TrainingConfig, rng *rand.Rand) (*MLP, error) {
	if len(n.HiddenLayers) == 0 {
		return nil, fmt.Errorf("mlp needs at least one hidden layer")
	}
	net := newNetwork("mlp", nFeatures, t, rng)
	in := nFeatures
	for _, width := range n.HiddenLayers {
		if width < 1 {
			return nil, fmt.Errorf("hidden layer width must be >= 1, got %d", width)
		}
		net.layers = append(net.layers,
			newDense(in, width, rng),
			newLayerNorm(width),
			&relu{},
			newDropout(n.Dropout, rng),
		)
		in = width
	}
	net.layers = append(net.layers, newDense(in, 1, rng))
	return &MLP{net}, nil
}

// CNN convolves along the feature axis, then flattens into a dense head:
// conv1d -> ReLU -> dense -> ReLU -> dropout -> dense.
type CNN struct {
	*network
}

func NewCNN(nFeatures int, n cfg.NetworkConfig, t cfg.TrainingConfig, rng *rand.Rand) (*CNN, error) {
	if n.KernelSize > nFeatures {
		return nil, fmt.Errorf("kernel size %d exceeds the %d input features", n.KernelSize, nFeatures)
	}
	if n.Filters < 1 || n.KernelSize < 1 || n.ConvDense < 1 {
		return nil, fmt.Errorf("filters, kernel size and dense width must be >= 1")
	}
	net := newNetwork("cnn", nFeatures, t, rng)
	conv := newConv1D(nFeatures, n.Filters, n.KernelSize, rng)
	net.layers = []layer{
		conv,
		&relu{},
		newDense(conv.outWidth(), n.ConvDense, rng),
		&relu{},
		newDropout(n.Dropout, rng),
		newDense(n.ConvDense, 1, rng),
	}
	return &CNN{net}, nil
}

func newNetwork(name string, nFeatures int, t cfg.TrainingConfig, rng *rand.Rand) *network {
	return &network{
		name:      name,
		nFeatures: nFeatures,
		opt:       newAdam(),
		rng:       rng,
		training:  t,
	}
}

func (n *network) Forward(X [][]float64, training bool) ([]float64, error) {
	if err := checkInput(X, n.nFeatures); err != nil {
		return nil, err
	}
	x := mat.NewDense(len(X), n.nFeatures, nil)
	for i, row := range X {
		x.SetRow(i, row)
	}
	for _, l := range n.layers {
		x = l.forward(x, training)
	}
	n.batch = len(X)
	return mat.Col(nil, 0, x), nil
}

func (n *network) Backward(dPred []float64) error {
	if len(dPred) != n.batch {
		return fmt.Errorf("%w: %d gradients for a batch of %d", common.ErrShapeMismatch, len(dPred), n.batch)
	}
	d := mat.NewDense(len(dPred), 1, append([]float64(nil), dPred...))
	for i := len(n.layers) - 1; i >= 0; i-- {
		d = n.layers[i].backward(d)
	}
	return nil
}

func (n *network) Step(lr float64) {
	n.opt.step(n.params(), lr)
}

func (n *network) Predict(X [][]float64) ([]float64, error) {
	return n.Forward(X, false)
}

// Snapshot copies every parameter tensor.
func (n *network) Snapshot() any {
	ps := n.params()
	s := make([][]float64, len(ps))
	for i, p := range ps {
		s[i] = append([]float64(nil), p.w.RawMatrix().Data...)
	}
	return s
}

func (n *network) Restore(snapshot any) error {
	s, ok := snapshot.([][]float64)
	ps := n.params()
	if !ok || len(s) != len(ps) {
		return fmt.Errorf("%w: snapshot does not belong to this %s", common.ErrShapeMismatch, n.name)
	}
	for i, p := range ps {
		raw := p.w.RawMatrix().Data
		if len(s[i]) != len(raw) {
			return fmt.Errorf("%w: parameter %d has %d values, want %d", common.ErrShapeMismatch, i, len(s[i]), len(raw))
		}
		copy(raw, s[i])
	}
	return nil
}

func (n *network) params() []*param {
	var ps []*param
	for _, l := range n.layers {
		ps = append(ps, l.params()...)
	}
	return ps
}

// Fit trains on mean squared error for a fixed number of epochs.
func (n *network) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkTraining(X, y, n.nFeatures); err != nil {
		return err
	}
	return fitGradient(ctx, n, X, y, n.training, n.rng)
}

// fitGradient runs shuffled mini-batch epochs of MSE gradient descent.
func fitGradient(ctx context.Context, d Differentiable, X [][]float64, y []float64, t cfg.TrainingConfig, rng *rand.Rand) error {
	batch := t.BatchSize
	if batch < 1 {
		batch = len(X)
	}
	for epoch := 0; epoch < t.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		order := rng.Perm(len(X))
		var sum float64
		for start := 0; start < len(order); start += batch {
			end := min(start+batch, len(order))
			bx := make([][]float64, 0, end-start)
			by := make([]float64, 0, end-start)
			for _, i := range order[start:end] {
				bx = append(bx, X[i])
				by = append(by, y[i])
			}

			pred, err := d.Forward(bx, true)
			if err != nil {
				return err
			}
			grad := make([]float64, len(pred))
			for i := range pred {
				diff := pred[i] - by[i]
				sum += diff * diff
				grad[i] = 2 * diff / float64(len(pred))
			}
			if err := d.Backward(grad); err != nil {
				return err
			}
			d.Step(t.LearningRate)
		}
		mse := sum / float64(len(X))
		if math.IsNaN(mse) || math.IsInf(mse, 0) {
			return fmt.Errorf("%w at epoch %d", common.ErrDiverged, epoch)
		}
		log.Debug().Int("epoch", epoch).Float64("train_mse", mse).Msg("Base model epoch")
	}
	return nil
}
