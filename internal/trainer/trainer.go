// Package trainer fits a base predictor together with a monotonicity
// adjustment under the blended objective and sweeps the strength coefficient.
package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"monosweep/internal/cfg"
	"monosweep/internal/common"
	"monosweep/internal/dataset"
	"monosweep/internal/monotone"
	"monosweep/internal/predictor"

	"github.com/rs/zerolog/log"
)

// MetricsInterface defines metrics methods needed by the trainer and sweeper.
type MetricsInterface interface {
	RunsInc()
	RunFailuresInc()
	RunsReusedInc()
	EarlyStopsInc()
	LRReductionsInc()
	EpochsObserve(float64)
	RunDurationObserve(float64)
	TestMSESet(subset string, lambda float64, v float64)
	AdjusterWeightsObserve(weights []float64)
}

// ModelFactory builds a fresh base predictor for every run.
type ModelFactory interface {
	Kind() string
	SupportsConstraints() bool
	New(nFeatures int, increasing []int, rng *rand.Rand) (predictor.Regressor, error)
}

// Random streams derived from the seed. They do not depend on the subset or
// lambda of a run, so runs that differ only in inert settings are identical.
const (
	streamBase uint64 = iota + 1
	streamAdjuster
	streamShuffle
)

// Mechanisms by which a run pursues monotonicity.
const (
	MechanismAdjustment = "adjustment"
	MechanismNative     = "native"
)

type Options struct {
	Training       cfg.TrainingConfig
	Adjustment     monotone.Variant
	NoiseStd       float64
	WeightParam    monotone.WeightParam
	InitialWeight  float64
	Penalty        string
	NativeMonotone bool
	Seed           uint64
}

func OptionsFromSettings(s cfg.Settings) Options {
	return Options{
		Training:       s.Training,
		Adjustment:     monotone.Variant(s.Adjustment),
		NoiseStd:       s.NoiseStd,
		WeightParam:    monotone.WeightParam(s.WeightParam),
		InitialWeight:  s.InitialWeight,
		Penalty:        s.Penalty,
		NativeMonotone: s.NativeMonotone,
		Seed:           s.Seed,
	}
}

// RunSpec identifies one training run of a sweep.
type RunSpec struct {
	Subset     string
	Columns    []int
	Lambda     float64
	LossLambda float64
}

// Result is the evaluation record of one run. Errors are on the target scale
// after undoing target scaling.
type Result struct {
	Subset          string               `json:"subset"`
	Columns         []int                `json:"columns"`
	Lambda          float64              `json:"lambda"`
	LossLambda      float64              `json:"loss_lambda"`
	Mechanism       string               `json:"mechanism"`
	TestMSE         float64              `json:"test_mse"`
	BestValLoss     float64              `json:"best_val_loss"`
	Epochs          int                  `json:"epochs"`
	StoppedEarly    bool                 `json:"stopped_early"`
	LRReductions    int                  `json:"lr_reductions"`
	FinalLR         float64              `json:"final_lr"`
	Weights         []float64            `json:"weights,omitempty"`
	Violations      []monotone.Violation `json:"violations"`
	TotalViolations int                  `json:"total_violations"`
	Reused          bool                 `json:"reused"`
	Duration        time.Duration        `json:"duration"`

	testPred []float64
}

// Model is a fitted base predictor plus its adjustment unit. Adjuster is nil
// when monotonicity is enforced natively by the base model.
type Model struct {
	Base     predictor.Regressor
	Adjuster *monotone.Adjuster
}

func (m *Model) Predict(X [][]float64) ([]float64, error) {
	base, err := m.Base.Predict(X)
	if err != nil {
		return nil, err
	}
	if m.Adjuster == nil {
		return base, nil
	}
	out, _, err := m.Adjuster.Apply(X, base, false)
	return out, err
}

type Trainer struct {
	factory ModelFactory
	opts    Options
	metrics MetricsInterface
}

func New(factory ModelFactory, opts Options, metrics MetricsInterface) *Trainer {
	return &Trainer{factory: factory, opts: opts, metrics: metrics}
}

// fitStats describes how a fit went.
type fitStats struct {
	epochs       int
	stoppedEarly bool
	lrReductions int
	finalLR      float64
	bestVal      float64
}

// Train builds a fresh model for spec, fits it on data.Train with early
// stopping on data.Val and evaluates it on data.Test.
func (t *Trainer) Train(ctx context.Context, spec RunSpec, data *dataset.Splits) (*Result, *Model, error) {
	start := time.Now()
	if data == nil || data.Train.Len() == 0 || data.Test.Len() == 0 {
		return nil, nil, fmt.Errorf("training and test splits must not be empty: %w", common.ErrEmptyInput)
	}
	nFeatures := len(data.FeatureNames)

	baseRNG := rand.New(rand.NewPCG(t.opts.Seed, streamBase))
	adjRNG := rand.New(rand.NewPCG(t.opts.Seed, streamAdjuster))
	shuffleRNG := rand.New(rand.NewPCG(t.opts.Seed, streamShuffle))

	native := t.ignoresLambda(spec)
	mechanism := MechanismAdjustment
	var increasing []int
	if native {
		if !t.factory.SupportsConstraints() {
			return nil, nil, fmt.Errorf("predictor %q cannot enforce monotone constraints natively", t.factory.Kind())
		}
		mechanism = MechanismNative
		increasing = spec.Columns
	}

	base, err := t.factory.New(nFeatures, increasing, baseRNG)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build %s predictor: %w", t.factory.Kind(), err)
	}
	model := &Model{Base: base}
	if !native {
		model.Adjuster, err = monotone.NewAdjuster(monotone.AdjusterConfig{
			Columns:       spec.Columns,
			NumFeatures:   nFeatures,
			Lambda:        spec.Lambda,
			Variant:       t.opts.Adjustment,
			NoiseStd:      t.opts.NoiseStd,
			Param:         t.opts.WeightParam,
			InitialWeight: t.opts.InitialWeight,
		}, adjRNG)
		if err != nil {
			return nil, nil, err
		}
	}

	obj, err := t.objective(spec)
	if err != nil {
		return nil, nil, err
	}

	var stats fitStats
	switch b := base.(type) {
	case predictor.Differentiable:
		if native {
			return nil, nil, fmt.Errorf("native constraints need a tree ensemble, got %s", t.factory.Kind())
		}
		stats, err = t.fitJoint(ctx, b, model.Adjuster, obj, data, shuffleRNG)
	default:
		if native {
			stats, err = t.fitNative(ctx, base, obj, data)
		} else {
			stats, err = t.backfit(ctx, base, model.Adjuster, obj, data)
		}
	}
	if err != nil {
		return nil, nil, err
	}

	res, err := t.evaluate(spec, model, data)
	if err != nil {
		return nil, nil, err
	}
	res.Mechanism = mechanism
	res.BestValLoss = stats.bestVal
	res.Epochs = stats.epochs
	res.StoppedEarly = stats.stoppedEarly
	res.LRReductions = stats.lrReductions
	res.FinalLR = stats.finalLR
	res.Duration = time.Since(start)

	if t.metrics != nil {
		t.metrics.EpochsObserve(float64(stats.epochs))
		if stats.stoppedEarly {
			t.metrics.EarlyStopsInc()
		}
	}
	return res, model, nil
}

func (t *Trainer) objective(spec RunSpec) (monotone.Objective, error) {
	penalty, err := monotone.NewPenalty(t.opts.Penalty)
	if err != nil {
		return monotone.Objective{}, err
	}
	return monotone.Objective{Lambda: spec.LossLambda, Penalty: penalty, Columns: spec.Columns}, nil
}

// ignoresLambda reports whether a run with this spec trains the same model
// for every lambda > 0, which is the case when the base model enforces the
// constraints itself.
func (t *Trainer) ignoresLambda(spec RunSpec) bool {
	return t.opts.NativeMonotone && spec.Lambda > 0
}

// fitJoint trains a differentiable base and the adjuster together with
// shuffled mini-batches. The gradient of the blended loss with respect to the
// adjusted prediction flows unchanged into the base, since adjusted = base +
// adjustment.
func (t *Trainer) fitJoint(ctx context.Context, d predictor.Differentiable, adj *monotone.Adjuster, obj monotone.Objective, data *dataset.Splits, rng *rand.Rand) (fitStats, error) {
	tc := t.opts.Training
	batch := max(tc.BatchSize, 1)
	es := newEarlyStopper(tc, t.metrics)

	for epoch := 0; epoch < tc.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return fitStats{}, err
		}

		order := rng.Perm(data.Train.Len())
		for start := 0; start < len(order); start += batch {
			bx, by := gather(data.Train, order[start:min(start+batch, len(order))])

			basePred, err := d.Forward(bx, true)
			if err != nil {
				return fitStats{}, err
			}
			pred, scales, err := adj.Apply(bx, basePred, true)
			if err != nil {
				return fitStats{}, err
			}
			dPred, err := obj.Gradient(by, pred, bx)
			if err != nil {
				return fitStats{}, err
			}
			if err := d.Backward(dPred); err != nil {
				return fitStats{}, err
			}
			grads, err := adj.Gradient(bx, dPred, scales)
			if err != nil {
				return fitStats{}, err
			}

			d.Step(es.lr)
			if err := t.stepAdjuster(adj, grads, es.lr); err != nil {
				return fitStats{}, err
			}
		}

		val, err := t.validationLoss(&Model{Base: d, Adjuster: adj}, obj, data)
		if err != nil {
			return fitStats{}, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		log.Debug().
			Int("epoch", epoch).
			Float64("val_loss", val).
			Float64("lr", es.lr).
			Msg("Epoch finished")

		if es.observe(epoch, val) {
			es.checkpoint(d.Snapshot(), adj.Snapshot())
		}
		if es.stop {
			break
		}
	}

	if err := es.restore(d, adj); err != nil {
		return fitStats{}, err
	}
	return es.stats(), nil
}

// backfit alternates between fitting a non-differentiable base on the target
// minus the current adjustment and projected gradient steps on the adjuster
// weights with the base predictions held fixed.
func (t *Trainer) backfit(ctx context.Context, base predictor.Regressor, adj *monotone.Adjuster, obj monotone.Objective, data *dataset.Splits) (fitStats, error) {
	tc := t.opts.Training
	rounds := max(tc.BackfitRounds, 1)
	if !adj.Active() {
		rounds = 1
	}
	cp, _ := base.(predictor.Checkpointer)
	es := newEarlyStopper(tc, t.metrics)
	X, y := data.Train.X, data.Train.Y
	zeros := make([]float64, len(y))

	for round := 0; round < rounds; round++ {
		if err := ctx.Err(); err != nil {
			return fitStats{}, err
		}

		adjustment, _, err := adj.Apply(X, zeros, false)
		if err != nil {
			return fitStats{}, err
		}
		residual := make([]float64, len(y))
		for i := range y {
			residual[i] = y[i] - adjustment[i]
		}
		if err := base.Fit(ctx, X, residual); err != nil {
			return fitStats{}, err
		}

		if adj.Active() {
			basePred, err := base.Predict(X)
			if err != nil {
				return fitStats{}, err
			}
			for step := 0; step < tc.WeightSteps; step++ {
				pred, scales, err := adj.Apply(X, basePred, true)
				if err != nil {
					return fitStats{}, err
				}
				dPred, err := obj.Gradient(y, pred, X)
				if err != nil {
					return fitStats{}, err
				}
				grads, err := adj.Gradient(X, dPred, scales)
				if err != nil {
					return fitStats{}, err
				}
				if err := t.stepAdjuster(adj, grads, es.lr); err != nil {
					return fitStats{}, err
				}
			}
		}

		val, err := t.validationLoss(&Model{Base: base, Adjuster: adj}, obj, data)
		if err != nil {
			return fitStats{}, fmt.Errorf("backfit round %d: %w", round, err)
		}
		log.Debug().
			Int("round", round).
			Float64("val_loss", val).
			Floats64("weights", adj.Weights()).
			Msg("Backfit round finished")

		if es.observe(round, val) && cp != nil {
			es.checkpoint(cp.Snapshot(), adj.Snapshot())
		}
		if es.stop {
			break
		}
	}

	if cp != nil {
		if err := es.restore(cp, adj); err != nil {
			return fitStats{}, err
		}
	}
	return es.stats(), nil
}

// fitNative fits a base model that carries its own monotone constraints.
func (t *Trainer) fitNative(ctx context.Context, base predictor.Regressor, obj monotone.Objective, data *dataset.Splits) (fitStats, error) {
	if err := base.Fit(ctx, data.Train.X, data.Train.Y); err != nil {
		return fitStats{}, err
	}
	val, err := t.validationLoss(&Model{Base: base}, obj, data)
	if err != nil {
		return fitStats{}, err
	}
	return fitStats{epochs: 1, bestVal: val, finalLR: t.opts.Training.LearningRate}, nil
}

func (t *Trainer) stepAdjuster(adj *monotone.Adjuster, grads []float64, lr float64) error {
	if err := adj.Step(grads, lr); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.AdjusterWeightsObserve(adj.Weights())
	}
	return nil
}

// validationLoss evaluates the blended objective on the validation split, or
// on the training split when no validation rows exist.
func (t *Trainer) validationLoss(m *Model, obj monotone.Objective, data *dataset.Splits) (float64, error) {
	split := data.Val
	if split.Len() == 0 {
		split = data.Train
	}
	pred, err := m.Predict(split.X)
	if err != nil {
		return 0, err
	}
	loss, err := obj.Evaluate(split.Y, pred, split.X)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss.Total) || math.IsInf(loss.Total, 0) {
		return 0, fmt.Errorf("%w: validation loss %v", common.ErrDiverged, loss.Total)
	}
	return loss.Total, nil
}

func (t *Trainer) evaluate(spec RunSpec, m *Model, data *dataset.Splits) (*Result, error) {
	pred, err := m.Predict(data.Test.X)
	if err != nil {
		return nil, fmt.Errorf("failed to predict test split: %w", err)
	}
	ts := data.TargetScale
	y := data.Test.Y
	p := pred
	if ts != nil {
		y, p = ts.Inverse(y), ts.Inverse(pred)
	}
	mse := monotone.MSE(y, p)
	if math.IsNaN(mse) || math.IsInf(mse, 0) {
		return nil, fmt.Errorf("%w: test mse %v", common.ErrDiverged, mse)
	}

	res := &Result{
		Subset:     spec.Subset,
		Columns:    append([]int(nil), spec.Columns...),
		Lambda:     spec.Lambda,
		LossLambda: spec.LossLambda,
		TestMSE:    mse,
		testPred:   pred,
	}
	if m.Adjuster != nil && m.Adjuster.Active() {
		res.Weights = m.Adjuster.Weights()
	}
	res.setViolations(data.Test.X)
	return res, nil
}

func (r *Result) setViolations(X [][]float64) {
	r.Violations = monotone.ViolationReport(r.testPred, X, r.Columns)
	r.TotalViolations = monotone.TotalViolations(r.Violations)
}

// TestPredictions returns the scaled test predictions of the run.
func (r *Result) TestPredictions() []float64 {
	return append([]float64(nil), r.testPred...)
}

func gather(s dataset.Split, idx []int) ([][]float64, []float64) {
	X := make([][]float64, len(idx))
	y := make([]float64, len(idx))
	for k, i := range idx {
		X[k] = s.X[i]
		y[k] = s.Y[i]
	}
	return X, y
}
