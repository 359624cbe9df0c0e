package predictor

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// param is a trainable tensor with its gradient and Adam moments.
type param struct {
	w *mat.Dense
	g *mat.Dense
	m []float64
	v []float64
}

func newParam(r, c int) *param {
	return &param{
		w: mat.NewDense(r, c, nil),
		g: mat.NewDense(r, c, nil),
		m: make([]float64, r*c),
		v: make([]float64, r*c),
	}
}

// layer is one differentiable stage operating on a batch (rows are samples).
type layer interface {
	forward(x *mat.Dense, training bool) *mat.Dense
	backward(dout *mat.Dense) *mat.Dense
	params() []*param
}

// dense computes x*W + b.
type dense struct {
	W, b *param
	x    *mat.Dense
}

// newDense uses He initialization, which suits the ReLU stages that follow.
func newDense(in, out int, rng *rand.Rand) *dense {
	d := &dense{W: newParam(in, out), b: newParam(1, out)}
	dist := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(in)), Src: rng}
	raw := d.W.w.RawMatrix().Data
	for i := range raw {
		raw[i] = dist.Rand()
	}
	return d
}

func (d *dense) forward(x *mat.Dense, _ bool) *mat.Dense {
	d.x = x
	var out mat.Dense
	out.Mul(x, d.W.w)
	bias := d.b.w.RawRowView(0)
	out.Apply(func(_, j int, v float64) float64 { return v + bias[j] }, &out)
	return &out
}

func (d *dense) backward(dout *mat.Dense) *mat.Dense {
	d.W.g.Mul(d.x.T(), dout)
	db := d.b.g.RawRowView(0)
	for j := range db {
		db[j] = floats.Sum(mat.Col(nil, j, dout))
	}
	var dx mat.Dense
	dx.Mul(dout, d.W.w.T())
	return &dx
}

func (d *dense) params() []*param { return []*param{d.W, d.b} }

// layerNorm normalizes each sample across its features.
type layerNorm struct {
	gamma, beta *param
	xhat        *mat.Dense
	invStd      []float64
}

const normEps = 1e-5

func newLayerNorm(width int) *layerNorm {
	l := &layerNorm{gamma: newParam(1, width), beta: newParam(1, width)}
	for i := range l.gamma.w.RawRowView(0) {
		l.gamma.w.RawRowView(0)[i] = 1
	}
	return l
}

func (l *layerNorm) forward(x *mat.Dense, _ bool) *mat.Dense {
	r, c := x.Dims()
	l.xhat = mat.NewDense(r, c, nil)
	l.invStd = make([]float64, r)
	out := mat.NewDense(r, c, nil)
	gamma, beta := l.gamma.w.RawRowView(0), l.beta.w.RawRowView(0)

	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		mean := floats.Sum(row) / float64(c)
		var variance float64
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(c)
		inv := 1 / math.Sqrt(variance+normEps)
		l.invStd[i] = inv

		xh, o := l.xhat.RawRowView(i), out.RawRowView(i)
		for j, v := range row {
			xh[j] = (v - mean) * inv
			o[j] = gamma[j]*xh[j] + beta[j]
		}
	}
	return out
}

func (l *layerNorm) backward(dout *mat.Dense) *mat.Dense {
	r, c := dout.Dims()
	gamma := l.gamma.w.RawRowView(0)
	dgamma, dbeta := l.gamma.g.RawRowView(0), l.beta.g.RawRowView(0)
	for j := range dgamma {
		dgamma[j], dbeta[j] = 0, 0
	}

	dx := mat.NewDense(r, c, nil)
	dxhat := make([]float64, c)
	n := float64(c)
	for i := 0; i < r; i++ {
		dy, xh := dout.RawRowView(i), l.xhat.RawRowView(i)
		var sum, dot float64
		for j := range dy {
			dgamma[j] += dy[j] * xh[j]
			dbeta[j] += dy[j]
			dxhat[j] = dy[j] * gamma[j]
			sum += dxhat[j]
			dot += dxhat[j] * xh[j]
		}
		row := dx.RawRowView(i)
		for j := range row {
			row[j] = l.invStd[i] / n * (n*dxhat[j] - sum - xh[j]*dot)
		}
	}
	return dx
}

func (l *layerNorm) params() []*param { return []*param{l.gamma, l.beta} }

type relu struct {
	x *mat.Dense
}

func (l *relu) forward(x *mat.Dense, _ bool) *mat.Dense {
	l.x = x
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, x)
	return &out
}

func (l *relu) backward(dout *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, v float64) float64 {
		if l.x.At(i, j) > 0 {
			return v
		}
		return 0
	}, dout)
	return &dx
}

func (l *relu) params() []*param { return nil }

// dropout is inverted dropout: kept units are scaled by 1/(1-rate) during
// training so inference is a plain pass-through.
type dropout struct {
	rate float64
	keep distuv.Bernoulli
	mask *mat.Dense
}

func newDropout(rate float64, rng *rand.Rand) *dropout {
	return &dropout{rate: rate, keep: distuv.Bernoulli{P: 1 - rate, Src: rng}}
}

func (l *dropout) forward(x *mat.Dense, training bool) *mat.Dense {
	if !training || l.rate == 0 {
		l.mask = nil
		return x
	}
	r, c := x.Dims()
	l.mask = mat.NewDense(r, c, nil)
	scale := 1 / (1 - l.rate)
	raw := l.mask.RawMatrix().Data
	for i := range raw {
		raw[i] = l.keep.Rand() * scale
	}
	var out mat.Dense
	out.MulElem(x, l.mask)
	return &out
}

func (l *dropout) backward(dout *mat.Dense) *mat.Dense {
	if l.mask == nil {
		return dout
	}
	var dx mat.Dense
	dx.MulElem(dout, l.mask)
	return &dx
}

func (l *dropout) params() []*param { return nil }

// adam keeps the optimizer step count; per-parameter moments live on param.
type adam struct {
	beta1, beta2, eps float64
	t                 int
}

func newAdam() *adam {
	return &adam{beta1: 0.9, beta2: 0.999, eps: 1e-8}
}

func (o *adam) step(ps []*param, lr float64) {
	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))
	for _, p := range ps {
		w, g := p.w.RawMatrix().Data, p.g.RawMatrix().Data
		for i := range w {
			p.m[i] = o.beta1*p.m[i] + (1-o.beta1)*g[i]
			p.v[i] = o.beta2*p.v[i] + (1-o.beta2)*g[i]*g[i]
			mHat := p.m[i] / c1
			vHat := p.v[i] / c2
			w[i] -= lr * mHat / (math.Sqrt(vHat) + o.eps)
		}
	}
}
