package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// StandardScaler centers each feature and divides by its standard deviation.
// Constant features are only centered.
type StandardScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func FitStandard(X [][]float64) (*StandardScaler, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("cannot fit scaler on an empty set")
	}
	nf := len(X[0])
	s := &StandardScaler{Mean: make([]float64, nf), Std: make([]float64, nf)}
	col := make([]float64, len(X))
	for j := 0; j < nf; j++ {
		for i, row := range X {
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std == 0 {
			std = 1
		}
		s.Std[j] = std
	}
	return s, nil
}

func (s *StandardScaler) Transform(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		r := make([]float64, len(row))
		floats.SubTo(r, row, s.Mean)
		floats.Div(r, s.Std)
		out[i] = r
	}
	return out
}

// TargetScaler divides the target by a fixed divisor and optionally min-max
// scales the result to [0, 1]. Inverse undoes the min-max step only, so
// reported errors are in divided units.
type TargetScaler struct {
	Divisor float64 `json:"divisor"`
	MinMax  bool    `json:"min_max"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

func FitTarget(y []float64, divisor float64, minMax bool) (*TargetScaler, error) {
	if divisor <= 0 {
		return nil, fmt.Errorf("target divisor must be positive, got %f", divisor)
	}
	if len(y) == 0 {
		return nil, fmt.Errorf("cannot fit target scaler on an empty set")
	}
	s := &TargetScaler{Divisor: divisor, MinMax: minMax}
	s.Min = floats.Min(y) / divisor
	s.Max = floats.Max(y) / divisor
	return s, nil
}

// Divide applies the divisor only.
func (s *TargetScaler) Divide(y []float64) []float64 {
	out := make([]float64, len(y))
	floats.ScaleTo(out, 1/s.Divisor, y)
	return out
}

func (s *TargetScaler) Transform(y []float64) []float64 {
	out := s.Divide(y)
	if s.MinMax {
		span := s.span()
		for i := range out {
			out[i] = (out[i] - s.Min) / span
		}
	}
	return out
}

func (s *TargetScaler) Inverse(y []float64) []float64 {
	out := append([]float64(nil), y...)
	if s.MinMax {
		span := s.span()
		for i := range out {
			out[i] = out[i]*span + s.Min
		}
	}
	return out
}

func (s *TargetScaler) span() float64 {
	if s.Max == s.Min {
		return 1
	}
	return s.Max - s.Min
}
