package trainer

import (
	"context"
	"errors"
	"testing"

	"monosweep/internal/common"
	"monosweep/internal/monotone"
	"monosweep/internal/predictor"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSubsets(t *testing.T) {
	names := []string{"origin_population", "dest_jobs"}
	cols := []int{0, 1}

	tests := []struct {
		name    string
		mode    string
		names   []string
		cols    []int
		want    []Subset
		wantErr bool
	}{
		{
			name:  "multi",
			mode:  common.SubsetMulti,
			names: names, cols: cols,
			want: []Subset{{Name: "all", Columns: []int{0, 1}}},
		},
		{
			name:  "single",
			mode:  common.SubsetSingle,
			names: names, cols: cols,
			want: []Subset{{Name: "origin_population", Columns: []int{0}}, {Name: "dest_jobs", Columns: []int{1}}},
		},
		{
			name:  "both",
			mode:  common.SubsetBoth,
			names: names, cols: cols,
			want: []Subset{
				{Name: "all", Columns: []int{0, 1}},
				{Name: "origin_population", Columns: []int{0}},
				{Name: "dest_jobs", Columns: []int{1}},
			},
		},
		{
			name:  "both with one column",
			mode:  common.SubsetBoth,
			names: names[:1], cols: cols[:1],
			want: []Subset{{Name: "origin_population", Columns: []int{0}}},
		},
		{name: "unknown mode", mode: "pairs", names: names, cols: cols, wantErr: true},
		{name: "no columns", mode: common.SubsetMulti, wantErr: true},
		{name: "length mismatch", mode: common.SubsetMulti, names: names, cols: cols[:1], wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildSubsets(tt.mode, tt.names, tt.cols)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSweepReusesUnconstrainedRun(t *testing.T) {
	data := newTestSplits(t, 150)
	s := testSettings(common.PredictorMLP)
	m := &MockMetrics{}
	tr := newTestTrainer(t, s, m)

	subsets, err := BuildSubsets(common.SubsetBoth, featureNames[:2], []int{0, 1})
	require.NoError(t, err)

	sweep, err := NewSweeper(tr, data, SweepOptions{Workers: 2, Experiment: "reuse"}).Run(context.Background(), subsets, []float64{0, 0.5})
	require.NoError(t, err)
	require.Len(t, sweep.Records, 6)
	assert.Empty(t, sweep.Failures)
	assert.Equal(t, "reuse", sweep.Experiment)
	assert.Equal(t, common.PredictorMLP, sweep.Predictor)
	assert.NotEqual(t, uuid.Nil, sweep.ID)

	// Records follow subset order, then lambda order.
	zero := []Result{sweep.Records[0], sweep.Records[2], sweep.Records[4]}
	assert.Equal(t, []string{"all", "origin_population", "dest_jobs"}, []string{zero[0].Subset, zero[1].Subset, zero[2].Subset})
	assert.False(t, zero[0].Reused)
	assert.True(t, zero[1].Reused)
	assert.True(t, zero[2].Reused)
	for _, r := range zero {
		assert.Equal(t, 0.0, r.Lambda)
		assert.Equal(t, zero[0].TestMSE, r.TestMSE)
		assert.Nil(t, r.Weights)
	}
	require.Len(t, zero[2].Violations, 1)
	assert.Equal(t, 1, zero[2].Violations[0].Column)
	assert.Equal(t, 0.5, sweep.Records[5].Lambda)
	assert.Len(t, sweep.Records[5].Weights, 1)

	assert.Equal(t, 2, m.reused)
	assert.Equal(t, 4, m.runs)
	assert.Len(t, m.testMSE, 6)

	// A reused record matches training that subset directly.
	direct, _, err := newTestTrainer(t, s, nil).Train(context.Background(), RunSpec{Subset: "dest_jobs", Columns: []int{1}}, data)
	require.NoError(t, err)
	assert.Equal(t, direct.TestMSE, zero[2].TestMSE)
	assert.Equal(t, direct.Violations, zero[2].Violations)
}

func TestSweepReusesNativeFitAcrossLambdas(t *testing.T) {
	data := newTestSplits(t, 150)
	s := testSettings(common.PredictorGBT)
	s.NativeMonotone = true
	m := &MockMetrics{}
	tr := newTestTrainer(t, s, m)

	subsets, err := BuildSubsets(common.SubsetSingle, featureNames[:2], []int{0, 1})
	require.NoError(t, err)
	sweep, err := NewSweeper(tr, data, SweepOptions{Workers: 2}).Run(context.Background(), subsets, []float64{0, 0.5, 1})
	require.NoError(t, err)
	require.Len(t, sweep.Records, 6)
	assert.Empty(t, sweep.Failures)

	for k, sub := range []string{"origin_population", "dest_jobs"} {
		zero, half, full := sweep.Records[3*k], sweep.Records[3*k+1], sweep.Records[3*k+2]
		assert.Equal(t, sub, half.Subset)
		assert.Equal(t, MechanismAdjustment, zero.Mechanism)
		assert.Equal(t, MechanismNative, half.Mechanism)
		assert.Equal(t, MechanismNative, full.Mechanism)

		assert.False(t, half.Reused)
		assert.True(t, full.Reused)
		assert.Equal(t, 1.0, full.Lambda)
		assert.Equal(t, 1.0, full.LossLambda)
		assert.Equal(t, half.TestMSE, full.TestMSE)
		assert.Equal(t, half.Violations, full.Violations)
	}
	assert.True(t, sweep.Records[3].Reused)

	// One unconstrained fit and one native fit per subset.
	assert.Equal(t, 3, m.runs)
	assert.Equal(t, 3, m.reused)
	assert.Len(t, m.testMSE, 6)

	// The copy matches training that lambda directly, loss included.
	direct, _, err := newTestTrainer(t, s, nil).Train(context.Background(),
		RunSpec{Subset: "dest_jobs", Columns: []int{1}, Lambda: 1, LossLambda: 1}, data)
	require.NoError(t, err)
	assert.Equal(t, direct.TestMSE, sweep.Records[5].TestMSE)
	assert.InDelta(t, direct.BestValLoss, sweep.Records[5].BestValLoss, 1e-12)
}

func TestSweepFixedLossLambdaDisablesReuse(t *testing.T) {
	data := newTestSplits(t, 100)
	m := &MockMetrics{}
	tr := newTestTrainer(t, testSettings(common.PredictorTree), m)
	loss := 0.3

	subsets, err := BuildSubsets(common.SubsetSingle, featureNames[:2], []int{0, 1})
	require.NoError(t, err)
	sweep, err := NewSweeper(tr, data, SweepOptions{LossLambda: &loss}).Run(context.Background(), subsets, []float64{0})
	require.NoError(t, err)
	require.Len(t, sweep.Records, 2)
	for _, r := range sweep.Records {
		assert.False(t, r.Reused)
		assert.Equal(t, 0.3, r.LossLambda)
	}
	assert.Equal(t, 0, m.reused)
}

func TestSweepToleratesFailedRuns(t *testing.T) {
	data := newTestSplits(t, 100)
	m := &MockMetrics{}
	f := &stubFactory{build: func(call int) (predictor.Regressor, error) {
		switch call {
		case 2:
			return nil, errors.New("out of memory")
		case 3:
			return &constantModel{panic: true}, nil
		}
		return &constantModel{value: 0.1}, nil
	}}
	tr := New(f, OptionsFromSettings(testSettings(common.PredictorTree)), m)

	sweep, err := NewSweeper(tr, data, SweepOptions{Workers: 1}).Run(context.Background(),
		[]Subset{{Name: "all", Columns: []int{0, 1}}}, []float64{0, 0.5, 1, 0.25})
	require.NoError(t, err)

	require.Len(t, sweep.Records, 2)
	assert.Equal(t, 0.0, sweep.Records[0].Lambda)
	assert.Equal(t, 0.25, sweep.Records[1].Lambda)

	require.Len(t, sweep.Failures, 2)
	assert.Equal(t, 0.5, sweep.Failures[0].Lambda)
	assert.Contains(t, sweep.Failures[0].Error, "out of memory")
	assert.Equal(t, 1.0, sweep.Failures[1].Lambda)
	assert.Contains(t, sweep.Failures[1].Error, "panicked")

	assert.Equal(t, 2, m.failures)
	assert.Equal(t, 2, m.runs)

	best, ok := sweep.Best()
	require.True(t, ok)
	assert.Contains(t, []float64{0, 0.25}, best.Lambda)
}

func TestSweepRejectsInvalidInput(t *testing.T) {
	data := newTestSplits(t, 100)
	sw := NewSweeper(newTestTrainer(t, testSettings(common.PredictorTree), nil), data, SweepOptions{})

	_, err := sw.Run(context.Background(), []Subset{{Name: "bad", Columns: []int{0, 3}}}, []float64{0.5})
	assert.True(t, errors.Is(err, monotone.ErrInvalidColumn))

	_, err = sw.Run(context.Background(), []Subset{{Name: "empty"}}, []float64{0.5})
	assert.True(t, errors.Is(err, monotone.ErrInvalidColumn))

	_, err = sw.Run(context.Background(), []Subset{{Name: "all", Columns: []int{0}}}, []float64{1.5})
	assert.Error(t, err)

	_, err = sw.Run(context.Background(), nil, []float64{0.5})
	assert.True(t, errors.Is(err, common.ErrEmptyInput))
}

func TestSweepStopsOnCancellation(t *testing.T) {
	data := newTestSplits(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSweeper(newTestTrainer(t, testSettings(common.PredictorMLP), nil), data, SweepOptions{Workers: 2}).
		Run(ctx, []Subset{{Name: "all", Columns: []int{0, 1}}}, []float64{0, 0.5, 1})
	assert.True(t, errors.Is(err, context.Canceled))
}
