package trainer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"monosweep/internal/common"
	"monosweep/internal/dataset"
	"monosweep/internal/monotone"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Subset is a named group of monotonic columns trained together.
type Subset struct {
	Name    string `json:"name"`
	Columns []int  `json:"columns"`
}

// BuildSubsets expands the configured monotonic columns into the subsets a
// sweep trains: all of them together (multi), each one alone (single) or
// both. With a single column, "both" yields only the joint subset.
func BuildSubsets(mode string, names []string, columns []int) ([]Subset, error) {
	if len(names) != len(columns) {
		return nil, fmt.Errorf("%w: %d names for %d columns", common.ErrShapeMismatch, len(names), len(columns))
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no monotonic columns configured", monotone.ErrInvalidColumn)
	}

	multi := Subset{Name: "all", Columns: append([]int(nil), columns...)}
	if len(columns) == 1 {
		multi.Name = names[0]
	}
	singles := make([]Subset, len(columns))
	for i, col := range columns {
		singles[i] = Subset{Name: names[i], Columns: []int{col}}
	}

	switch mode {
	case common.SubsetMulti:
		return []Subset{multi}, nil
	case common.SubsetSingle:
		return singles, nil
	case common.SubsetBoth:
		if len(columns) == 1 {
			return []Subset{multi}, nil
		}
		return append([]Subset{multi}, singles...), nil
	}
	return nil, fmt.Errorf("unknown subset mode %q", mode)
}

// Failure records a run that did not complete.
type Failure struct {
	Subset string  `json:"subset"`
	Lambda float64 `json:"lambda"`
	Error  string  `json:"error"`
}

// Sweep is the outcome of one sweep over subsets and lambdas. Records are
// ordered by subset, then by lambda, as requested.
type Sweep struct {
	ID           uuid.UUID `json:"id"`
	Experiment   string    `json:"experiment"`
	Predictor    string    `json:"predictor"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	FeatureNames []string  `json:"feature_names"`
	Target       string    `json:"target"`
	Records      []Result  `json:"records"`
	Failures     []Failure `json:"failures"`
}

// Best returns the successful record with the lowest test error.
func (s *Sweep) Best() (Result, bool) {
	if len(s.Records) == 0 {
		return Result{}, false
	}
	best := s.Records[0]
	for _, r := range s.Records[1:] {
		if r.TestMSE < best.TestMSE {
			best = r
		}
	}
	return best, true
}

type SweepOptions struct {
	Workers int
	// LossLambda fixes the loss-blend coefficient for every run. When nil it
	// follows the adjustment lambda of the run.
	LossLambda *float64
	Experiment string
}

// Sweeper trains one model per (subset, lambda) pair.
type Sweeper struct {
	trainer *Trainer
	data    *dataset.Splits
	opts    SweepOptions
}

func NewSweeper(t *Trainer, data *dataset.Splits, opts SweepOptions) *Sweeper {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Sweeper{trainer: t, data: data, opts: opts}
}

func (s *Sweeper) lossLambda(lambda float64) float64 {
	if s.opts.LossLambda != nil {
		return *s.opts.LossLambda
	}
	return lambda
}

type outcome struct {
	result *Result
	err    error
}

// Run trains every subset at every lambda. A failing run is recorded in
// Failures and the sweep goes on; only invalid input and cancellation abort
// it. Runs that would train an identical model are trained once and the
// copies are flagged Reused.
func (s *Sweeper) Run(ctx context.Context, subsets []Subset, lambdas []float64) (*Sweep, error) {
	if err := s.validate(subsets, lambdas); err != nil {
		return nil, err
	}

	sweep := &Sweep{
		ID:           uuid.New(),
		Experiment:   s.opts.Experiment,
		Predictor:    s.trainer.factory.Kind(),
		StartedAt:    time.Now(),
		FeatureNames: append([]string(nil), s.data.FeatureNames...),
		Target:       s.data.Target,
	}
	log.Info().
		Str("sweep_id", sweep.ID.String()).
		Str("predictor", sweep.Predictor).
		Int("subsets", len(subsets)).
		Int("lambdas", len(lambdas)).
		Int("workers", s.opts.Workers).
		Msg("Starting sweep")

	specs := make([]RunSpec, 0, len(subsets)*len(lambdas))
	for _, sub := range subsets {
		for _, l := range lambdas {
			specs = append(specs, RunSpec{Subset: sub.Name, Columns: sub.Columns, Lambda: l, LossLambda: s.lossLambda(l)})
		}
	}
	slots := make([]outcome, len(specs))

	groups := s.shareGroups(specs)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, idx := range groups {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return s.runShared(gctx, specs, idx, slots)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, o := range slots {
		if o.err != nil {
			sweep.Failures = append(sweep.Failures, Failure{Subset: specs[i].Subset, Lambda: specs[i].Lambda, Error: o.err.Error()})
			continue
		}
		sweep.Records = append(sweep.Records, *o.result)
	}
	sweep.FinishedAt = time.Now()

	log.Info().
		Str("sweep_id", sweep.ID.String()).
		Int("records", len(sweep.Records)).
		Int("failures", len(sweep.Failures)).
		Dur("elapsed", sweep.FinishedAt.Sub(sweep.StartedAt)).
		Msg("Sweep finished")
	return sweep, nil
}

func isZeroRun(spec RunSpec) bool {
	return spec.Lambda == 0 && spec.LossLambda == 0
}

// shareGroups groups spec indices that train an identical model, in order of
// first appearance. The run with lambda 0 and an inactive penalty is shared
// by every subset. With native constraints, all lambda > 0 runs of one subset
// share a fit.
func (s *Sweeper) shareGroups(specs []RunSpec) [][]int {
	var groups [][]int
	byKey := make(map[string]int)
	for i, spec := range specs {
		var key string
		switch {
		case isZeroRun(spec):
			key = "unconstrained"
		case s.trainer.ignoresLambda(spec):
			key = fmt.Sprintf("native/%v", spec.Columns)
		default:
			groups = append(groups, []int{i})
			continue
		}
		if g, ok := byKey[key]; ok {
			groups[g] = append(groups[g], i)
			continue
		}
		byKey[key] = len(groups)
		groups = append(groups, []int{i})
	}

	for _, idx := range groups {
		if len(idx) > 1 && s.trainer.ignoresLambda(specs[idx[0]]) {
			log.Info().
				Str("subset", specs[idx[0]].Subset).
				Int("lambdas", len(idx)).
				Msg("Native constraints do not depend on lambda, training the subset once")
		}
	}
	return groups
}

// runShared trains specs[idx[0]] once and copies its result to every slot in
// idx. Copies take their own subset, columns and lambdas; violations and the
// validation loss are recomputed for them.
func (s *Sweeper) runShared(ctx context.Context, specs []RunSpec, idx []int, slots []outcome) error {
	shared, model, err := s.runOne(ctx, specs[idx[0]])
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		for _, i := range idx {
			slots[i] = outcome{err: err}
		}
		return nil
	}
	slots[idx[0]] = outcome{result: shared}

	for _, i := range idx[1:] {
		spec := specs[i]
		res := *shared
		res.Subset = spec.Subset
		res.Columns = append([]int(nil), spec.Columns...)
		res.Lambda = spec.Lambda
		res.LossLambda = spec.LossLambda
		res.Reused = true
		res.setViolations(s.data.Test.X)
		if spec.LossLambda != shared.LossLambda {
			if res.BestValLoss, err = s.rescore(spec, model); err != nil {
				slots[i] = outcome{err: err}
				continue
			}
		}
		slots[i] = outcome{result: &res}

		log.Debug().
			Str("subset", res.Subset).
			Float64("lambda", res.Lambda).
			Msg("Reusing shared run")
		if m := s.trainer.metrics; m != nil {
			m.RunsReusedInc()
			m.TestMSESet(res.Subset, res.Lambda, res.TestMSE)
		}
	}
	return nil
}

// rescore evaluates a trained model under the objective of spec.
func (s *Sweeper) rescore(spec RunSpec, model *Model) (float64, error) {
	obj, err := s.trainer.objective(spec)
	if err != nil {
		return 0, err
	}
	return s.trainer.validationLoss(model, obj, s.data)
}

// runOne trains a single configuration, turning panics into errors.
func (s *Sweeper) runOne(ctx context.Context, spec RunSpec) (res *Result, model *Model, err error) {
	m := s.trainer.metrics
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("subset", spec.Subset).
				Float64("lambda", spec.Lambda).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Training run panicked")
			res, model, err = nil, nil, fmt.Errorf("run panicked: %v", r)
		}
		if err != nil && m != nil && !errors.Is(err, context.Canceled) {
			m.RunFailuresInc()
		}
	}()

	res, model, err = s.trainer.Train(ctx, spec, s.data)
	if err != nil {
		log.Warn().
			Err(err).
			Str("subset", spec.Subset).
			Float64("lambda", spec.Lambda).
			Msg("Training run failed")
		return nil, nil, err
	}

	log.Info().
		Str("subset", spec.Subset).
		Float64("lambda", spec.Lambda).
		Float64("loss_lambda", spec.LossLambda).
		Float64("test_mse", res.TestMSE).
		Int("violations", res.TotalViolations).
		Int("epochs", res.Epochs).
		Msg("Training run finished")
	if m != nil {
		m.RunsInc()
		m.RunDurationObserve(res.Duration.Seconds())
		m.TestMSESet(spec.Subset, spec.Lambda, res.TestMSE)
	}
	return res, model, nil
}

func (s *Sweeper) validate(subsets []Subset, lambdas []float64) error {
	if s.data == nil {
		return fmt.Errorf("sweep has no data: %w", common.ErrEmptyInput)
	}
	if len(subsets) == 0 || len(lambdas) == 0 {
		return fmt.Errorf("sweep needs at least one subset and one lambda: %w", common.ErrEmptyInput)
	}
	nFeatures := len(s.data.FeatureNames)
	for _, sub := range subsets {
		if len(sub.Columns) == 0 {
			return fmt.Errorf("%w: subset %q is empty", monotone.ErrInvalidColumn, sub.Name)
		}
		for _, col := range sub.Columns {
			if col < 0 || col >= nFeatures {
				return fmt.Errorf("%w: subset %q index %d outside [0, %d)", monotone.ErrInvalidColumn, sub.Name, col, nFeatures)
			}
		}
	}
	for _, l := range lambdas {
		if l < 0 || l > 1 {
			return fmt.Errorf("lambda %v outside [0, 1]", l)
		}
	}
	if ll := s.opts.LossLambda; ll != nil && (*ll < 0 || *ll > 1) {
		return fmt.Errorf("loss lambda %v outside [0, 1]", *ll)
	}
	return nil
}
