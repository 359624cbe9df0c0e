package predictor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"monosweep/internal/cfg"
	"monosweep/internal/common"

	"gonum.org/v1/gonum/stat"
)

// GBT is a gradient-boosted ensemble of regression trees on squared loss.
// Columns passed as increasing are enforced natively in every tree, which
// keeps the whole ensemble non-decreasing in them.
type GBT struct {
	nFeatures  int
	config     cfg.BoostingConfig
	minLeaf    int
	increasing []bool
	rng        *rand.Rand

	base  float64
	trees []*treeNode
}

func NewGBT(nFeatures int, c cfg.BoostingConfig, minLeaf int, increasing []int, rng *rand.Rand) (*GBT, error) {
	if c.Rounds < 1 || c.MaxDepth < 1 {
		return nil, fmt.Errorf("boosting rounds and depth must be >= 1")
	}
	if c.Shrinkage <= 0 || c.Subsample <= 0 || c.Subsample > 1 {
		return nil, fmt.Errorf("boosting shrinkage must be > 0 and subsample in (0, 1]")
	}
	flags := make([]bool, nFeatures)
	for _, col := range increasing {
		if col < 0 || col >= nFeatures {
			return nil, fmt.Errorf("constraint column %d outside [0, %d)", col, nFeatures)
		}
		flags[col] = true
	}
	return &GBT{
		nFeatures:  nFeatures,
		config:     c,
		minLeaf:    max(minLeaf, 1),
		increasing: flags,
		rng:        rng,
	}, nil
}

// Constrained reports whether any native monotone constraint is active.
func (b *GBT) Constrained() bool {
	for _, f := range b.increasing {
		if f {
			return true
		}
	}
	return false
}

// Fit discards previous trees and boosts from the target mean.
func (b *GBT) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkTraining(X, y, b.nFeatures); err != nil {
		return err
	}

	b.base = stat.Mean(y, nil)
	b.trees = make([]*treeNode, 0, b.config.Rounds)
	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = b.base
	}

	g := &treeGrower{maxDepth: b.config.MaxDepth, minLeaf: b.minLeaf, increasing: b.increasing}
	residual := make([]float64, len(y))
	sampleSize := max(int(math.Ceil(b.config.Subsample*float64(len(y)))), 1)

	for round := 0; round < b.config.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range residual {
			residual[i] = y[i] - pred[i]
		}

		idx := seq(len(y))
		if sampleSize < len(y) {
			idx = b.rng.Perm(len(y))[:sampleSize]
		}

		tree := g.grow(X, residual, idx)
		for i, x := range X {
			pred[i] += b.config.Shrinkage * tree.predict(x)
		}
		b.trees = append(b.trees, tree)
	}

	if math.IsNaN(stat.Mean(pred, nil)) {
		return fmt.Errorf("%w: boosted predictions are not finite", common.ErrDiverged)
	}
	return nil
}

func (b *GBT) Predict(X [][]float64) ([]float64, error) {
	if len(b.trees) == 0 {
		return nil, common.ErrNotFitted
	}
	if err := checkInput(X, b.nFeatures); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, x := range X {
		v := b.base
		for _, t := range b.trees {
			v += b.config.Shrinkage * t.predict(x)
		}
		out[i] = v
	}
	return out, nil
}

func (b *GBT) Rounds() int { return len(b.trees) }

type gbtState struct {
	base  float64
	trees []*treeNode
}

func (b *GBT) Snapshot() any {
	return gbtState{base: b.base, trees: append([]*treeNode(nil), b.trees...)}
}

func (b *GBT) Restore(snapshot any) error {
	s, ok := snapshot.(gbtState)
	if !ok {
		return fmt.Errorf("%w: snapshot does not belong to a boosted ensemble", common.ErrShapeMismatch)
	}
	b.base, b.trees = s.base, append([]*treeNode(nil), s.trees...)
	return nil
}
