package trainer

import (
	"context"
	"errors"
	"math"
	"testing"

	"monosweep/internal/cfg"
	"monosweep/internal/common"
	"monosweep/internal/monotone"
	"monosweep/internal/predictor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainKeepsWeightsNonNegative(t *testing.T) {
	data := newTestSplits(t, 200)

	for _, param := range []monotone.WeightParam{monotone.Raw, monotone.Softplus} {
		t.Run(string(param), func(t *testing.T) {
			s := testSettings(common.PredictorMLP)
			s.WeightParam = string(param)
			m := &MockMetrics{}
			tr := newTestTrainer(t, s, m)

			// The target falls with distance, so the unconstrained gradient
			// pushes its weight below zero.
			res, model, err := tr.Train(context.Background(), RunSpec{Subset: "distance", Columns: []int{2}, Lambda: 1, LossLambda: 1}, data)
			require.NoError(t, err)
			assert.Greater(t, m.weightSteps, 0)
			assert.GreaterOrEqual(t, m.minWeight, 0.0)
			require.Len(t, res.Weights, 1)
			assert.GreaterOrEqual(t, res.Weights[0], 0.0)
			assert.Equal(t, res.Weights, model.Adjuster.Weights())
			assert.Equal(t, MechanismAdjustment, res.Mechanism)
		})
	}
}

func TestTrainLambdaZeroIsBaseModel(t *testing.T) {
	data := newTestSplits(t, 150)
	tr := newTestTrainer(t, testSettings(common.PredictorMLP), nil)

	res, model, err := tr.Train(context.Background(), RunSpec{Subset: "all", Columns: []int{0, 1}}, data)
	require.NoError(t, err)
	assert.Nil(t, res.Weights)
	assert.False(t, model.Adjuster.Active())

	got, err := model.Predict(data.Test.X)
	require.NoError(t, err)
	base, err := model.Base.Predict(data.Test.X)
	require.NoError(t, err)
	assert.Equal(t, base, got)
	assert.Equal(t, got, res.TestPredictions())
}

func TestTrainIsDeterministicForSeed(t *testing.T) {
	data := newTestSplits(t, 150)
	spec := RunSpec{Subset: "all", Columns: []int{0, 1}, Lambda: 0.5, LossLambda: 0.5}

	a, _, err := newTestTrainer(t, testSettings(common.PredictorMLP), nil).Train(context.Background(), spec, data)
	require.NoError(t, err)
	b, _, err := newTestTrainer(t, testSettings(common.PredictorMLP), nil).Train(context.Background(), spec, data)
	require.NoError(t, err)

	assert.Equal(t, a.TestMSE, b.TestMSE)
	assert.Equal(t, a.Weights, b.Weights)
}

func TestTrainVariantsAndPredictors(t *testing.T) {
	data := newTestSplits(t, 150)

	tests := []struct {
		name   string
		kind   string
		mutate func(s *cfg.Settings)
	}{
		{"mlp noise", common.PredictorMLP, func(s *cfg.Settings) { s.Adjustment = string(monotone.Noise) }},
		{"mlp gate", common.PredictorMLP, func(s *cfg.Settings) { s.Adjustment = string(monotone.Gate) }},
		{"mlp sign penalty", common.PredictorMLP, func(s *cfg.Settings) { s.Penalty = monotone.PenaltySign }},
		{"mlp softplus", common.PredictorMLP, func(s *cfg.Settings) { s.WeightParam = string(monotone.Softplus) }},
		{"cnn", common.PredictorCNN, func(s *cfg.Settings) {}},
		{"tree", common.PredictorTree, func(s *cfg.Settings) {}},
		{"svr", common.PredictorSVR, func(s *cfg.Settings) {}},
		{"gbt gate", common.PredictorGBT, func(s *cfg.Settings) { s.Adjustment = string(monotone.Gate) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings(tt.kind)
			tt.mutate(&s)
			res, _, err := newTestTrainer(t, s, nil).Train(context.Background(), RunSpec{Subset: "all", Columns: []int{0, 1}, Lambda: 0.5, LossLambda: 0.5}, data)
			require.NoError(t, err)

			require.Len(t, res.Weights, 2)
			for _, w := range res.Weights {
				assert.GreaterOrEqual(t, w, 0.0)
			}
			assert.False(t, math.IsNaN(res.TestMSE))
			assert.Greater(t, res.Epochs, 0)
			require.Len(t, res.Violations, 2)
			assert.Equal(t, 0, res.Violations[0].Column)
		})
	}
}

func TestTrainNativeConstraints(t *testing.T) {
	data := newTestSplits(t, 150)
	s := testSettings(common.PredictorGBT)
	s.NativeMonotone = true
	tr := newTestTrainer(t, s, nil)

	res, model, err := tr.Train(context.Background(), RunSpec{Subset: "all", Columns: []int{0, 1}, Lambda: 0.5, LossLambda: 0.5}, data)
	require.NoError(t, err)
	assert.Equal(t, MechanismNative, res.Mechanism)
	assert.Nil(t, res.Weights)
	assert.Nil(t, model.Adjuster)
	gbt, ok := model.Base.(*predictor.GBT)
	require.True(t, ok)
	assert.True(t, gbt.Constrained())

	// Lambda 0 trains an unconstrained ensemble.
	res, model, err = tr.Train(context.Background(), RunSpec{Subset: "all", Columns: []int{0, 1}}, data)
	require.NoError(t, err)
	assert.Equal(t, MechanismAdjustment, res.Mechanism)
	assert.False(t, model.Base.(*predictor.GBT).Constrained())

	s = testSettings(common.PredictorMLP)
	s.NativeMonotone = true
	_, _, err = newTestTrainer(t, s, nil).Train(context.Background(), RunSpec{Subset: "all", Columns: []int{0}, Lambda: 0.5, LossLambda: 0.5}, data)
	assert.Error(t, err)
}

func TestTrainEarlyStoppingAndLRPlateau(t *testing.T) {
	data := newTestSplits(t, 100)
	s := testSettings(common.PredictorMLP)
	s.Training.Epochs = 50
	s.Training.Patience = 3
	s.Training.LRPatience = 1
	s.Training.LRFactor = 0.5
	s.Training.LearningRate = 0.1
	s.Training.MinDelta = 0

	m := &MockMetrics{}
	f := &stubFactory{build: func(int) (predictor.Regressor, error) { return &plateauModel{}, nil }}
	tr := New(f, OptionsFromSettings(s), m)

	res, _, err := tr.Train(context.Background(), RunSpec{Subset: "all", Columns: []int{0}}, data)
	require.NoError(t, err)
	assert.True(t, res.StoppedEarly)
	assert.Equal(t, 4, res.Epochs)
	assert.Equal(t, 3, res.LRReductions)
	assert.InDelta(t, 0.0125, res.FinalLR, 1e-12)
	assert.Equal(t, 1, m.earlyStops)
	assert.Equal(t, 3, m.lrReductions)
	assert.Equal(t, []float64{4}, m.epochs)
}

func TestTrainLRNeverBelowMinimum(t *testing.T) {
	data := newTestSplits(t, 100)
	s := testSettings(common.PredictorMLP)
	s.Training.Epochs = 20
	s.Training.Patience = 0
	s.Training.LRPatience = 1
	s.Training.LRFactor = 0.1
	s.Training.LearningRate = 0.01
	s.Training.MinLR = 1e-4

	f := &stubFactory{build: func(int) (predictor.Regressor, error) { return &plateauModel{}, nil }}
	res, _, err := New(f, OptionsFromSettings(s), nil).Train(context.Background(), RunSpec{Subset: "all", Columns: []int{0}}, data)
	require.NoError(t, err)
	assert.False(t, res.StoppedEarly)
	assert.Equal(t, 20, res.Epochs)
	assert.Equal(t, 2, res.LRReductions)
	assert.InDelta(t, 1e-4, res.FinalLR, 1e-15)
}

func TestTrainDivergence(t *testing.T) {
	data := newTestSplits(t, 100)
	f := &stubFactory{build: func(int) (predictor.Regressor, error) {
		return &plateauModel{constantModel{value: math.NaN()}}, nil
	}}
	_, _, err := New(f, OptionsFromSettings(testSettings(common.PredictorMLP)), nil).
		Train(context.Background(), RunSpec{Subset: "all", Columns: []int{0}, Lambda: 0.5, LossLambda: 0.5}, data)
	assert.True(t, errors.Is(err, common.ErrDiverged))
}

func TestTrainRejectsBadInput(t *testing.T) {
	data := newTestSplits(t, 100)
	tr := newTestTrainer(t, testSettings(common.PredictorTree), nil)

	_, _, err := tr.Train(context.Background(), RunSpec{Subset: "bad", Columns: []int{5}, Lambda: 0.5}, data)
	assert.True(t, errors.Is(err, monotone.ErrInvalidColumn))

	_, _, err = tr.Train(context.Background(), RunSpec{Subset: "all", Columns: []int{0}}, nil)
	assert.True(t, errors.Is(err, common.ErrEmptyInput))
}
