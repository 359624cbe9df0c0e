package predictor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"monosweep/internal/cfg"
	"monosweep/internal/common"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SVR is epsilon-insensitive support vector regression with an RBF kernel.
//
// The dual is solved by coordinate descent over beta in [-C, C]:
//
//	min 1/2 beta'K beta - y'beta + eps*|beta|_1
//
// The bias is absorbed by adding 1 to every kernel entry, which removes the
// equality constraint of the usual dual.
type SVR struct {
	nFeatures int
	config    cfg.SVRConfig
	gamma     float64
	rng       *rand.Rand

	support [][]float64
	beta    []float64
	fitted  bool
}

func NewSVR(nFeatures int, c cfg.SVRConfig, rng *rand.Rand) *SVR {
	gamma := c.Gamma
	if gamma <= 0 {
		gamma = 1 / float64(nFeatures)
	}
	return &SVR{nFeatures: nFeatures, config: c, gamma: gamma, rng: rng}
}

func (s *SVR) kernel(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return math.Exp(-s.gamma*d*d) + 1
}

func (s *SVR) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkTraining(X, y, s.nFeatures); err != nil {
		return err
	}

	idx := seq(len(X))
	if s.config.MaxSamples > 0 && len(X) > s.config.MaxSamples {
		idx = s.rng.Perm(len(X))[:s.config.MaxSamples]
	}
	n := len(idx)
	support := make([][]float64, n)
	target := make([]float64, n)
	for k, i := range idx {
		support[k] = X[i]
		target[k] = y[i]
	}

	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			K.SetSym(i, j, s.kernel(support[i], support[j]))
		}
	}

	beta := make([]float64, n)
	kb := make([]float64, n) // K * beta
	C, eps := s.config.C, s.config.Epsilon

	var iter int
	for iter = 0; iter < s.config.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var maxDelta float64
		for _, i := range s.rng.Perm(n) {
			kii := K.At(i, i)
			g := kb[i] - target[i]
			next := clamp(softThreshold(kii*beta[i]-g, eps)/kii, -C, C)
			delta := next - beta[i]
			if delta == 0 {
				continue
			}
			beta[i] = next
			for j := 0; j < n; j++ {
				kb[j] += delta * K.At(j, i)
			}
			maxDelta = math.Max(maxDelta, math.Abs(delta))
		}
		if maxDelta < s.config.Tol {
			break
		}
	}
	if floats.HasNaN(beta) {
		return fmt.Errorf("%w: dual coefficients are not finite", common.ErrDiverged)
	}

	s.support, s.beta, s.fitted = nil, nil, true
	for i, b := range beta {
		if b != 0 {
			s.support = append(s.support, support[i])
			s.beta = append(s.beta, b)
		}
	}
	log.Debug().
		Int("samples", n).
		Int("support_vectors", len(s.beta)).
		Int("iterations", iter).
		Msg("SVR fitted")
	return nil
}

func (s *SVR) Predict(X [][]float64) ([]float64, error) {
	if !s.fitted {
		return nil, common.ErrNotFitted
	}
	if err := checkInput(X, s.nFeatures); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, x := range X {
		var v float64
		for k, sv := range s.support {
			v += s.beta[k] * s.kernel(sv, x)
		}
		out[i] = v
	}
	return out, nil
}

type svrState struct {
	support [][]float64
	beta    []float64
	fitted  bool
}

func (s *SVR) Snapshot() any {
	return svrState{support: s.support, beta: s.beta, fitted: s.fitted}
}

func (s *SVR) Restore(snapshot any) error {
	st, ok := snapshot.(svrState)
	if !ok {
		return fmt.Errorf("%w: snapshot does not belong to an SVR", common.ErrShapeMismatch)
	}
	s.support, s.beta, s.fitted = st.support, st.beta, st.fitted
	return nil
}

// SupportVectors returns the number of samples with non-zero dual weight.
func (s *SVR) SupportVectors() int { return len(s.beta) }

func softThreshold(z, t float64) float64 {
	switch {
	case z > t:
		return z - t
	case z < -t:
		return z + t
	default:
		return 0
	}
}
