package dataset

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/rs/zerolog/log"
)

// Split is one partition of the prepared data.
type Split struct {
	X [][]float64
	Y []float64
}

func (s Split) Len() int { return len(s.Y) }

// Splits holds the scaled partitions plus what is needed to map predictions
// back to the target scale.
type Splits struct {
	Train, Val, Test Split
	FeatureNames     []string
	Target           string
	Features         *StandardScaler
	TargetScale      *TargetScaler
	Dropped          int
}

// ColumnIndex returns the feature index of a named column.
func (s *Splits) ColumnIndex(name string) (int, error) {
	i := slices.Index(s.FeatureNames, name)
	if i < 0 {
		return -1, fmt.Errorf("%w: %q is not a feature column", ErrUnknownColumn, name)
	}
	return i, nil
}

// ColumnIndexes resolves several names.
func (s *Splits) ColumnIndexes(names []string) ([]int, error) {
	out := make([]int, len(names))
	for k, name := range names {
		i, err := s.ColumnIndex(name)
		if err != nil {
			return nil, err
		}
		out[k] = i
	}
	return out, nil
}

type PrepareOptions struct {
	Target      string
	Features    []string // all non-target columns when empty
	Divisor     float64
	ScaleTarget bool
	TrainRatio  float64
	ValRatio    float64
}

// Prepare selects and cleans columns, shuffles rows with rng, splits them and
// fits the feature and target scalers on the training partition only.
func Prepare(t *Table, o PrepareOptions, rng *rand.Rand) (*Splits, error) {
	if o.TrainRatio <= 0 || o.ValRatio < 0 || o.TrainRatio+o.ValRatio >= 1 {
		return nil, fmt.Errorf("invalid split ratios %.2f/%.2f", o.TrainRatio, o.ValRatio)
	}
	if _, err := t.Index(o.Target); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	features := o.Features
	if len(features) == 0 {
		for _, col := range t.Header {
			if col != o.Target {
				features = append(features, col)
			}
		}
	}
	if slices.Contains(features, o.Target) {
		return nil, fmt.Errorf("target column %q cannot also be a feature", o.Target)
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("no feature columns")
	}

	rows, dropped, err := t.Numeric(append(slices.Clone(features), o.Target))
	if err != nil {
		return nil, err
	}
	nTrain := int(float64(len(rows)) * o.TrainRatio)
	nVal := int(float64(len(rows)) * o.ValRatio)
	if nTrain < 2 || len(rows)-nTrain-nVal < 1 || (o.ValRatio > 0 && nVal < 1) {
		return nil, fmt.Errorf("not enough complete rows to split: %d kept, %d dropped", len(rows), dropped)
	}

	rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })

	nf := len(features)
	part := func(rs [][]float64) ([][]float64, []float64) {
		X := make([][]float64, len(rs))
		y := make([]float64, len(rs))
		for i, r := range rs {
			X[i] = r[:nf:nf]
			y[i] = r[nf]
		}
		return X, y
	}
	trX, trY := part(rows[:nTrain])
	vaX, vaY := part(rows[nTrain : nTrain+nVal])
	teX, teY := part(rows[nTrain+nVal:])

	fs, err := FitStandard(trX)
	if err != nil {
		return nil, err
	}
	ts, err := FitTarget(trY, o.Divisor, o.ScaleTarget)
	if err != nil {
		return nil, err
	}

	s := &Splits{
		Train:        Split{X: fs.Transform(trX), Y: ts.Transform(trY)},
		Val:          Split{X: fs.Transform(vaX), Y: ts.Transform(vaY)},
		Test:         Split{X: fs.Transform(teX), Y: ts.Transform(teY)},
		FeatureNames: slices.Clone(features),
		Target:       o.Target,
		Features:     fs,
		TargetScale:  ts,
		Dropped:      dropped,
	}

	log.Info().
		Int("train", s.Train.Len()).
		Int("val", s.Val.Len()).
		Int("test", s.Test.Len()).
		Int("dropped", dropped).
		Strs("features", s.FeatureNames).
		Msg("Dataset prepared")
	return s, nil
}
