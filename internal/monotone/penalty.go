package monotone

import (
	"fmt"
	"sort"
)

const (
	PenaltySign  = "sign"
	PenaltyOrder = "order"
)

// Penalty measures how badly a prediction vector fails to respect
// monotonicity in the given feature columns of X.
type Penalty interface {
	Name() string
	Value(pred []float64, X [][]float64, columns []int) float64
	// Gradient returns dPenalty/dpred.
	Gradient(pred []float64, X [][]float64, columns []int) []float64
}

func NewPenalty(kind string) (Penalty, error) {
	switch kind {
	case PenaltySign:
		return SignPenalty{}, nil
	case PenaltyOrder, "":
		return OrderPenalty{}, nil
	default:
		return nil, fmt.Errorf("unknown penalty %q", kind)
	}
}

// SignPenalty is the mean over monotonic features of mean(max(0, -pred)).
// It only looks at the sign of the predictions, so it is zero whenever every
// prediction is non-negative regardless of ordering.
type SignPenalty struct{}

func (SignPenalty) Name() string { return PenaltySign }

func (SignPenalty) Value(pred []float64, _ [][]float64, columns []int) float64 {
	if len(pred) == 0 || len(columns) == 0 {
		return 0
	}
	var total float64
	for range columns {
		var s float64
		for _, p := range pred {
			if p < 0 {
				s -= p
			}
		}
		total += s / float64(len(pred))
	}
	return total / float64(len(columns))
}

func (SignPenalty) Gradient(pred []float64, _ [][]float64, columns []int) []float64 {
	g := make([]float64, len(pred))
	if len(pred) == 0 || len(columns) == 0 {
		return g
	}
	n := float64(len(pred))
	for i, p := range pred {
		if p < 0 {
			g[i] = -1 / n
		}
	}
	return g
}

// OrderPenalty sorts the samples by each monotonic feature and groups rows
// with equal feature values. Every row of a group is compared with the
// highest prediction of the previous group, and squared drops below it are
// summed. Rows inside one group are never compared with each other.
// Per-feature sums are added.
type OrderPenalty struct{}

func (OrderPenalty) Name() string { return PenaltyOrder }

func (OrderPenalty) Value(pred []float64, X [][]float64, columns []int) float64 {
	var total float64
	for _, col := range columns {
		forEachOrderedPair(pred, X, col, func(a, b int) {
			if d := pred[b] - pred[a]; d < 0 {
				total += d * d
			}
		})
	}
	return total
}

func (OrderPenalty) Gradient(pred []float64, X [][]float64, columns []int) []float64 {
	g := make([]float64, len(pred))
	for _, col := range columns {
		forEachOrderedPair(pred, X, col, func(a, b int) {
			if d := pred[b] - pred[a]; d < 0 {
				g[b] += 2 * d
				g[a] -= 2 * d
			}
		})
	}
	return g
}

// orderBy returns the row indices of X stably sorted by column col.
func orderBy(X [][]float64, col int) []int {
	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return X[idx[i]][col] < X[idx[j]][col]
	})
	return idx
}

// forEachOrderedPair calls fn(a, b) for every row b outside the lowest group
// of equal x[col], where a is the row holding the highest prediction of the
// group just below b's. On equal predictions the earlier row in sort order
// is used.
func forEachOrderedPair(pred []float64, X [][]float64, col int, fn func(a, b int)) {
	idx := orderBy(X, col)
	prevMax := -1
	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && X[idx[end]][col] == X[idx[start]][col] {
			end++
		}
		group := idx[start:end]

		if prevMax >= 0 {
			for _, b := range group {
				fn(prevMax, b)
			}
		}
		prevMax = group[0]
		for _, i := range group[1:] {
			if pred[i] > pred[prevMax] {
				prevMax = i
			}
		}
		start = end
	}
}
