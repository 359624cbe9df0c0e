// Package predictor provides the base regressors that the constrained trainer
// wraps: a feed-forward network, a 1-D convolutional network, a regression
// tree, gradient-boosted trees and a kernel support vector regressor.
//
// Every model is built fresh by a Factory for each training run and owns its
// own random source, so no trained state is shared between runs.
package predictor

import (
	"context"
	"fmt"
	"math/rand/v2"

	"monosweep/internal/cfg"
	"monosweep/internal/common"
)

// Regressor is the fit/predict contract every base model satisfies.
type Regressor interface {
	// Fit trains the model on X (rows are samples) and targets y.
	Fit(ctx context.Context, X [][]float64, y []float64) error

	// Predict returns one prediction per row of X.
	Predict(X [][]float64) ([]float64, error)
}

// Differentiable is implemented by models whose parameters can be trained
// jointly with the monotonicity adjustment by back-propagation.
type Differentiable interface {
	Regressor

	// Forward runs a batch through the model, caching what Backward needs.
	Forward(X [][]float64, training bool) ([]float64, error)
	// Backward takes dLoss/dprediction for the last Forward batch and
	// accumulates parameter gradients.
	Backward(dPred []float64) error
	// Step applies the accumulated gradients with learning rate lr.
	Step(lr float64)

	Checkpointer
}

// Checkpointer captures fitted state so training can roll back to the best
// validation point. Every model in this package implements it.
type Checkpointer interface {
	Snapshot() any
	Restore(snapshot any) error
}

// Config selects and parameterizes a base model.
type Config struct {
	Kind     string
	Network  cfg.NetworkConfig
	Tree     cfg.TreeConfig
	Boosting cfg.BoostingConfig
	SVR      cfg.SVRConfig
	// Training drives the standalone Fit of differentiable models.
	Training cfg.TrainingConfig
}

// ConfigFromSettings extracts the predictor configuration from settings.
func ConfigFromSettings(s cfg.Settings) Config {
	return Config{
		Kind:     s.Predictor,
		Network:  s.Network,
		Tree:     s.Tree,
		Boosting: s.Boosting,
		SVR:      s.SVR,
		Training: s.Training,
	}
}

// Factory builds fresh base models.
type Factory struct {
	config Config
}

func NewFactory(c Config) (*Factory, error) {
	switch c.Kind {
	case common.PredictorMLP, common.PredictorCNN, common.PredictorTree, common.PredictorGBT, common.PredictorSVR:
	default:
		return nil, fmt.Errorf("unknown predictor %q", c.Kind)
	}
	return &Factory{config: c}, nil
}

func (f *Factory) Kind() string { return f.config.Kind }

// SupportsConstraints reports whether the built models accept native
// monotone constraints.
func (f *Factory) SupportsConstraints() bool {
	return f.config.Kind == common.PredictorGBT
}

// New builds an untrained model for nFeatures inputs. increasing lists the
// columns the model itself must be non-decreasing in; only gradient-boosted
// trees accept them.
func (f *Factory) New(nFeatures int, increasing []int, rng *rand.Rand) (Regressor, error) {
	if nFeatures < 1 {
		return nil, fmt.Errorf("number of features must be >= 1, got %d", nFeatures)
	}
	if rng == nil {
		return nil, fmt.Errorf("predictor %q needs a random source", f.config.Kind)
	}
	if len(increasing) > 0 && !f.SupportsConstraints() {
		return nil, fmt.Errorf("predictor %q does not support native monotone constraints", f.config.Kind)
	}

	c := f.config
	switch c.Kind {
	case common.PredictorMLP:
		return NewMLP(nFeatures, c.Network, c.Training, rng)
	case common.PredictorCNN:
		return NewCNN(nFeatures, c.Network, c.Training, rng)
	case common.PredictorTree:
		return NewTree(nFeatures, c.Tree), nil
	case common.PredictorGBT:
		return NewGBT(nFeatures, c.Boosting, c.Tree.MinSamplesLeaf, increasing, rng)
	case common.PredictorSVR:
		return NewSVR(nFeatures, c.SVR, rng), nil
	}
	return nil, fmt.Errorf("unknown predictor %q", c.Kind)
}

func checkInput(X [][]float64, nFeatures int) error {
	if len(X) == 0 {
		return common.ErrEmptyInput
	}
	for i, row := range X {
		if len(row) != nFeatures {
			return fmt.Errorf("%w: row %d has %d features, want %d", common.ErrShapeMismatch, i, len(row), nFeatures)
		}
	}
	return nil
}

func checkTraining(X [][]float64, y []float64, nFeatures int) error {
	if err := checkInput(X, nFeatures); err != nil {
		return err
	}
	if len(X) != len(y) {
		return fmt.Errorf("%w: %d rows, %d targets", common.ErrShapeMismatch, len(X), len(y))
	}
	return nil
}
