package monotone

// Violation summarizes ordering violations of one monotonic column.
type Violation struct {
	Column     int `json:"column"`
	Violations int `json:"violations"`
	Pairs      int `json:"pairs"`
}

// Rate is the share of compared pairs that decrease.
func (v Violation) Rate() float64 {
	if v.Pairs == 0 {
		return 0
	}
	return float64(v.Violations) / float64(v.Pairs)
}

// Satisfaction is the share of compared pairs that do not decrease.
func (v Violation) Satisfaction() float64 {
	return 1 - v.Rate()
}

// CountViolations groups the rows by equal values of column col and checks
// each row against the highest prediction of the group below it. Every row
// outside the lowest group is one compared pair.
func CountViolations(pred []float64, X [][]float64, col int) Violation {
	v := Violation{Column: col}
	forEachOrderedPair(pred, X, col, func(a, b int) {
		v.Pairs++
		if pred[b] < pred[a] {
			v.Violations++
		}
	})
	return v
}

// ViolationReport runs CountViolations for each column.
func ViolationReport(pred []float64, X [][]float64, columns []int) []Violation {
	out := make([]Violation, 0, len(columns))
	for _, col := range columns {
		out = append(out, CountViolations(pred, X, col))
	}
	return out
}

// TotalViolations sums violations across a report.
func TotalViolations(vs []Violation) int {
	var n int
	for _, v := range vs {
		n += v.Violations
	}
	return n
}
