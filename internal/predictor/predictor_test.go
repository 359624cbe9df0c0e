package predictor

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"monosweep/internal/cfg"
	"monosweep/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func testConfig(kind string) Config {
	d := cfg.Defaults()
	c := ConfigFromSettings(d)
	c.Kind = kind
	c.Network.HiddenLayers = []int{16, 16}
	c.Network.Dropout = 0
	c.Training.Epochs = 150
	c.Training.LearningRate = 0.01
	c.Boosting.Rounds = 60
	return c
}

// linearData returns y = 2*x0 - x1 + 0.5 over uniform inputs.
func linearData(n int, seed uint64) ([][]float64, []float64) {
	rng := rand.New(rand.NewPCG(seed, 0))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		X[i] = []float64{rng.Float64()*2 - 1, rng.Float64()*2 - 1}
		y[i] = 2*X[i][0] - X[i][1] + 0.5
	}
	return X, y
}

func mse(y, pred []float64) float64 {
	var s float64
	for i := range y {
		s += (y[i] - pred[i]) * (y[i] - pred[i])
	}
	return s / float64(len(y))
}

func TestFactory(t *testing.T) {
	_, err := NewFactory(Config{Kind: "forest"})
	assert.Error(t, err)

	f, err := NewFactory(testConfig(common.PredictorMLP))
	require.NoError(t, err)
	assert.False(t, f.SupportsConstraints())

	rng := rand.New(rand.NewPCG(1, 1))
	_, err = f.New(2, []int{0}, rng)
	assert.Error(t, err, "mlp does not take native constraints")

	_, err = f.New(0, nil, rng)
	assert.Error(t, err)

	_, err = f.New(2, nil, nil)
	assert.Error(t, err)

	g, err := NewFactory(testConfig(common.PredictorGBT))
	require.NoError(t, err)
	assert.True(t, g.SupportsConstraints())
	m, err := g.New(2, []int{0}, rng)
	require.NoError(t, err)
	assert.True(t, m.(*GBT).Constrained())
}

func TestEveryKindFitsAndPredicts(t *testing.T) {
	kinds := []string{
		common.PredictorMLP,
		common.PredictorCNN,
		common.PredictorTree,
		common.PredictorGBT,
		common.PredictorSVR,
	}
	X, y := linearData(200, 7)
	baseline := stat.Variance(y, nil)

	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			f, err := NewFactory(testConfig(kind))
			require.NoError(t, err)
			m, err := f.New(2, nil, rand.New(rand.NewPCG(3, 1)))
			require.NoError(t, err)

			_, err = m.Predict(X)
			if kind == common.PredictorTree || kind == common.PredictorGBT || kind == common.PredictorSVR {
				assert.True(t, errors.Is(err, common.ErrNotFitted))
			}

			require.NoError(t, m.Fit(context.Background(), X, y))
			pred, err := m.Predict(X)
			require.NoError(t, err)
			require.Len(t, pred, len(y))

			assert.Less(t, mse(y, pred), 0.5*baseline, "model should explain most of the variance")
		})
	}
}

func TestFitRejectsMalformedInput(t *testing.T) {
	f, err := NewFactory(testConfig(common.PredictorTree))
	require.NoError(t, err)
	m, err := f.New(2, nil, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)

	err = m.Fit(context.Background(), [][]float64{{1, 2}, {3}}, []float64{1, 2})
	assert.True(t, errors.Is(err, common.ErrShapeMismatch))

	err = m.Fit(context.Background(), [][]float64{{1, 2}}, []float64{1, 2})
	assert.True(t, errors.Is(err, common.ErrShapeMismatch))

	err = m.Fit(context.Background(), nil, nil)
	assert.True(t, errors.Is(err, common.ErrEmptyInput))
}

func TestFitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	X, y := linearData(20, 1)
	for _, kind := range []string{common.PredictorMLP, common.PredictorGBT, common.PredictorSVR} {
		f, err := NewFactory(testConfig(kind))
		require.NoError(t, err)
		m, err := f.New(2, nil, rand.New(rand.NewPCG(1, 1)))
		require.NoError(t, err)
		assert.ErrorIs(t, m.Fit(ctx, X, y), context.Canceled, kind)
	}
}

func TestSameSeedSamePredictions(t *testing.T) {
	X, y := linearData(64, 2)
	c := testConfig(common.PredictorMLP)
	c.Network.Dropout = 0.2
	c.Training.Epochs = 5
	f, err := NewFactory(c)
	require.NoError(t, err)

	run := func() []float64 {
		m, err := f.New(2, nil, rand.New(rand.NewPCG(11, 1)))
		require.NoError(t, err)
		require.NoError(t, m.Fit(context.Background(), X, y))
		pred, err := m.Predict(X)
		require.NoError(t, err)
		return pred
	}
	assert.Equal(t, run(), run())
}

func TestTreeFitsStep(t *testing.T) {
	X := make([][]float64, 40)
	y := make([]float64, 40)
	for i := range X {
		X[i] = []float64{float64(i)}
		if i >= 20 {
			y[i] = 5
		}
	}
	tree := NewTree(1, cfg.TreeConfig{MaxDepth: 3, MinSamplesLeaf: 2})
	require.NoError(t, tree.Fit(context.Background(), X, y))

	pred, err := tree.Predict([][]float64{{3}, {19}, {20}, {35}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 5, 5}, pred)

	depth, err := tree.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "a single split captures the step")
}

func TestTreeRespectsMaxDepth(t *testing.T) {
	X, y := linearData(300, 4)
	tree := NewTree(2, cfg.TreeConfig{MaxDepth: 4, MinSamplesLeaf: 1})
	require.NoError(t, tree.Fit(context.Background(), X, y))
	depth, err := tree.Depth()
	require.NoError(t, err)
	assert.LessOrEqual(t, depth, 4)
}

func TestGBTNativeConstraintIsMonotone(t *testing.T) {
	// Ground truth decreases in x0, so an unconstrained fit decreases too.
	rng := rand.New(rand.NewPCG(5, 0))
	n := 300
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		X[i] = []float64{rng.Float64(), rng.Float64()}
		y[i] = -3*X[i][0] + X[i][1] + 0.1*rng.NormFloat64()
	}

	c := testConfig(common.PredictorGBT).Boosting
	grid := make([][]float64, 50)
	for i := range grid {
		grid[i] = []float64{float64(i) / 49, 0.5}
	}

	free, err := NewGBT(2, c, 5, nil, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	require.NoError(t, free.Fit(context.Background(), X, y))
	freePred, err := free.Predict(grid)
	require.NoError(t, err)
	assert.Greater(t, freePred[0], freePred[len(freePred)-1])

	constrained, err := NewGBT(2, c, 5, []int{0}, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	require.NoError(t, constrained.Fit(context.Background(), X, y))
	pred, err := constrained.Predict(grid)
	require.NoError(t, err)
	for i := 1; i < len(pred); i++ {
		assert.GreaterOrEqual(t, pred[i], pred[i-1]-1e-12, "grid point %d", i)
	}
	assert.Equal(t, c.Rounds, constrained.Rounds())
}

func TestGBTRejectsBadConstraint(t *testing.T) {
	c := testConfig(common.PredictorGBT).Boosting
	_, err := NewGBT(2, c, 5, []int{2}, rand.New(rand.NewPCG(1, 1)))
	assert.Error(t, err)
}

func TestSVRFitsSmoothCurve(t *testing.T) {
	n := 120
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		x := float64(i)/float64(n)*4 - 2
		X[i] = []float64{x}
		y[i] = math.Sin(x)
	}
	c := testConfig(common.PredictorSVR).SVR
	c.C = 10
	c.Gamma = 1
	c.MaxIter = 500
	s := NewSVR(1, c, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, s.Fit(context.Background(), X, y))

	pred, err := s.Predict(X)
	require.NoError(t, err)
	assert.Less(t, mse(y, pred), 0.02)
	assert.Greater(t, s.SupportVectors(), 0)
	for _, b := range s.beta {
		assert.LessOrEqual(t, math.Abs(b), c.C+1e-12)
	}
}

func TestSVRCapsTrainingSet(t *testing.T) {
	X, y := linearData(100, 9)
	c := testConfig(common.PredictorSVR).SVR
	c.MaxSamples = 30
	s := NewSVR(2, c, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, s.Fit(context.Background(), X, y))
	assert.LessOrEqual(t, s.SupportVectors(), 30)
}

func TestSoftThreshold(t *testing.T) {
	assert.Equal(t, 1.0, softThreshold(1.5, 0.5))
	assert.Equal(t, -1.0, softThreshold(-1.5, 0.5))
	assert.Equal(t, 0.0, softThreshold(0.3, 0.5))
}

func TestTreeModelsSnapshotRestore(t *testing.T) {
	X, y := linearData(80, 12)
	shifted := make([]float64, len(y))
	for i := range y {
		shifted[i] = y[i] + 10
	}

	for _, kind := range []string{common.PredictorTree, common.PredictorGBT, common.PredictorSVR} {
		t.Run(kind, func(t *testing.T) {
			f, err := NewFactory(testConfig(kind))
			require.NoError(t, err)
			m, err := f.New(2, nil, rand.New(rand.NewPCG(2, 1)))
			require.NoError(t, err)
			cp, ok := m.(Checkpointer)
			require.True(t, ok)

			require.NoError(t, m.Fit(context.Background(), X, y))
			before, err := m.Predict(X)
			require.NoError(t, err)
			snap := cp.Snapshot()

			require.NoError(t, m.Fit(context.Background(), X, shifted))
			refit, err := m.Predict(X)
			require.NoError(t, err)
			assert.NotEqual(t, before, refit)

			require.NoError(t, cp.Restore(snap))
			after, err := m.Predict(X)
			require.NoError(t, err)
			assert.Equal(t, before, after)

			assert.Error(t, cp.Restore(42))
		})
	}
}
