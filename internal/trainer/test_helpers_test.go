package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"monosweep/internal/cfg"
	"monosweep/internal/common"
	"monosweep/internal/dataset"
	"monosweep/internal/predictor"

	"github.com/stretchr/testify/require"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu           sync.Mutex
	runs         int
	failures     int
	reused       int
	earlyStops   int
	lrReductions int
	epochs       []float64
	durations    []float64
	testMSE      map[string]float64
	weightSteps  int
	minWeight    float64
}

func (m *MockMetrics) RunsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
}

func (m *MockMetrics) RunFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *MockMetrics) RunsReusedInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reused++
}

func (m *MockMetrics) EarlyStopsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.earlyStops++
}

func (m *MockMetrics) LRReductionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lrReductions++
}

func (m *MockMetrics) EpochsObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs = append(m.epochs, v)
}

func (m *MockMetrics) RunDurationObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations = append(m.durations, v)
}

func (m *MockMetrics) TestMSESet(subset string, lambda float64, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.testMSE == nil {
		m.testMSE = make(map[string]float64)
	}
	m.testMSE[fmt.Sprintf("%s/%g", subset, lambda)] = v
}

func (m *MockMetrics) AdjusterWeightsObserve(weights []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range weights {
		if m.weightSteps == 0 || w < m.minWeight {
			m.minWeight = w
		}
	}
	m.weightSteps++
}

var featureNames = []string{"origin_population", "dest_jobs", "distance"}

// newTestSplits builds standardized trip data whose target rises with the
// first two features and falls with the third.
func newTestSplits(t *testing.T, n int) *dataset.Splits {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 7))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		row := []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		X[i] = row
		y[i] = 1.5*row[0] + 0.8*math.Tanh(row[1]) - 0.6*row[2] + 0.05*rng.NormFloat64()
	}

	nTrain, nVal := n*6/10, n*2/10
	ts, err := dataset.FitTarget(y[:nTrain], 1, false)
	require.NoError(t, err)
	return &dataset.Splits{
		Train:        dataset.Split{X: X[:nTrain], Y: y[:nTrain]},
		Val:          dataset.Split{X: X[nTrain : nTrain+nVal], Y: y[nTrain : nTrain+nVal]},
		Test:         dataset.Split{X: X[nTrain+nVal:], Y: y[nTrain+nVal:]},
		FeatureNames: featureNames,
		Target:       "trips",
		TargetScale:  ts,
	}
}

func testSettings(kind string) cfg.Settings {
	s := cfg.Defaults()
	s.Predictor = kind
	s.Training.Epochs = 15
	s.Training.BatchSize = 16
	s.Training.LearningRate = 0.01
	s.Training.Patience = 5
	s.Training.BackfitRounds = 3
	s.Training.WeightSteps = 20
	s.Network.HiddenLayers = []int{8}
	s.Network.Dropout = 0
	s.Network.Filters = 2
	s.Network.ConvDense = 4
	s.Boosting.Rounds = 20
	s.Tree.MinSamplesLeaf = 3
	s.SVR.MaxIter = 50
	return s
}

func newTestTrainer(t *testing.T, s cfg.Settings, m MetricsInterface) *Trainer {
	t.Helper()
	f, err := predictor.NewFactory(predictor.ConfigFromSettings(s))
	require.NoError(t, err)
	return New(f, OptionsFromSettings(s), m)
}

// stubFactory hands out models built by build, numbering calls from 1.
type stubFactory struct {
	mu    sync.Mutex
	calls int
	build func(call int) (predictor.Regressor, error)
}

func (f *stubFactory) Kind() string              { return "stub" }
func (f *stubFactory) SupportsConstraints() bool { return false }

func (f *stubFactory) New(nFeatures int, increasing []int, rng *rand.Rand) (predictor.Regressor, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.build(call)
}

// constantModel predicts a fixed value and never learns. As a
// Differentiable its validation loss never improves after the first epoch.
type constantModel struct {
	value float64
	panic bool
}

func (c *constantModel) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if c.panic {
		panic("constant model exploded")
	}
	return nil
}

func (c *constantModel) Predict(X [][]float64) ([]float64, error) {
	if len(X) == 0 {
		return nil, common.ErrEmptyInput
	}
	out := make([]float64, len(X))
	for i := range out {
		out[i] = c.value
	}
	return out, nil
}

type plateauModel struct{ constantModel }

func (p *plateauModel) Forward(X [][]float64, training bool) ([]float64, error) {
	return p.Predict(X)
}
func (p *plateauModel) Backward(dPred []float64) error { return nil }
func (p *plateauModel) Step(lr float64)                {}
func (p *plateauModel) Snapshot() any                  { return p.value }
func (p *plateauModel) Restore(s any) error {
	v, ok := s.(float64)
	if !ok {
		return common.ErrShapeMismatch
	}
	p.value = v
	return nil
}
