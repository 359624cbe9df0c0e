package predictor

import (
	"context"
	"fmt"
	"math"
	"sort"

	"monosweep/internal/cfg"
	"monosweep/internal/common"
)

type treeNode struct {
	leaf      bool
	value     float64
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
}

func (n *treeNode) predict(x []float64) float64 {
	for !n.leaf {
		if x[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.value
}

func (n *treeNode) depth() int {
	if n.leaf {
		return 0
	}
	return 1 + max(n.left.depth(), n.right.depth())
}

// treeGrower builds CART regression trees by variance reduction.
//
// increasing[f] marks features the tree must be non-decreasing in. A split on
// such a feature is only taken when the left mean does not exceed the right
// mean, and the children inherit bounds meeting at the midpoint of the two
// means, so every leaf to the left stays below every leaf to the right.
type treeGrower struct {
	maxDepth   int
	minLeaf    int
	increasing []bool
}

func (g *treeGrower) grow(X [][]float64, y []float64, idx []int) *treeNode {
	return g.build(X, y, idx, 0, math.Inf(-1), math.Inf(1))
}

func (g *treeGrower) build(X [][]float64, y []float64, idx []int, depth int, lower, upper float64) *treeNode {
	var sum float64
	for _, i := range idx {
		sum += y[i]
	}
	mean := sum / float64(len(idx))
	leaf := &treeNode{leaf: true, value: clamp(mean, lower, upper)}

	if depth >= g.maxDepth || len(idx) < 2*g.minLeaf {
		return leaf
	}

	best := g.bestSplit(X, y, idx, sum, lower, upper)
	if best.feature < 0 {
		return leaf
	}

	var left, right []int
	for _, i := range idx {
		if X[i][best.feature] <= best.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	lLower, lUpper, rLower, rUpper := lower, upper, lower, upper
	if g.increasing[best.feature] {
		mid := (clamp(best.leftMean, lower, upper) + clamp(best.rightMean, lower, upper)) / 2
		lUpper, rLower = mid, mid
	}

	return &treeNode{
		feature:   best.feature,
		threshold: best.threshold,
		left:      g.build(X, y, left, depth+1, lLower, lUpper),
		right:     g.build(X, y, right, depth+1, rLower, rUpper),
	}
}

type split struct {
	feature   int
	threshold float64
	gain      float64
	leftMean  float64
	rightMean float64
}

func (g *treeGrower) bestSplit(X [][]float64, y []float64, idx []int, total, lower, upper float64) split {
	best := split{feature: -1}
	n := float64(len(idx))
	parent := total * total / n
	order := make([]int, len(idx))

	for f := range g.increasing {
		copy(order, idx)
		sort.Slice(order, func(a, b int) bool { return X[order[a]][f] < X[order[b]][f] })

		var leftSum float64
		for k := 0; k < len(order)-1; k++ {
			leftSum += y[order[k]]
			nl := k + 1
			nr := len(order) - nl
			if nl < g.minLeaf || nr < g.minLeaf {
				continue
			}
			xl, xr := X[order[k]][f], X[order[k+1]][f]
			if xl == xr {
				continue
			}

			rightSum := total - leftSum
			lm, rm := leftSum/float64(nl), rightSum/float64(nr)
			if g.increasing[f] && clamp(lm, lower, upper) > clamp(rm, lower, upper) {
				continue
			}

			gain := leftSum*leftSum/float64(nl) + rightSum*rightSum/float64(nr) - parent
			if gain > best.gain+1e-12 {
				best = split{feature: f, threshold: (xl + xr) / 2, gain: gain, leftMean: lm, rightMean: rm}
			}
		}
	}
	return best
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// Tree is a single CART regression tree.
type Tree struct {
	nFeatures int
	config    cfg.TreeConfig
	root      *treeNode
}

func NewTree(nFeatures int, c cfg.TreeConfig) *Tree {
	return &Tree{nFeatures: nFeatures, config: c}
}

func (t *Tree) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkTraining(X, y, t.nFeatures); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g := &treeGrower{
		maxDepth:   t.config.MaxDepth,
		minLeaf:    max(t.config.MinSamplesLeaf, 1),
		increasing: make([]bool, t.nFeatures),
	}
	t.root = g.grow(X, y, seq(len(X)))
	return nil
}

func (t *Tree) Predict(X [][]float64) ([]float64, error) {
	if t.root == nil {
		return nil, common.ErrNotFitted
	}
	if err := checkInput(X, t.nFeatures); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = t.root.predict(x)
	}
	return out, nil
}

func (t *Tree) Snapshot() any { return t.root }

func (t *Tree) Restore(snapshot any) error {
	root, ok := snapshot.(*treeNode)
	if !ok {
		return fmt.Errorf("%w: snapshot does not belong to a tree", common.ErrShapeMismatch)
	}
	t.root = root
	return nil
}

// Depth returns the depth of the fitted tree.
func (t *Tree) Depth() (int, error) {
	if t.root == nil {
		return 0, fmt.Errorf("tree depth: %w", common.ErrNotFitted)
	}
	return t.root.depth(), nil
}

func seq(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
