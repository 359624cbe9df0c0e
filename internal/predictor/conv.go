package predictor

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// conv1D slides filters of width kernel along the feature axis of a single
// input channel with valid padding. Output column f*L+p holds filter f at
// position p, where L = features-kernel+1.
type conv1D struct {
	nIn, filters, kernel int
	W, b                 *param
	x                    *mat.Dense
}

func newConv1D(nIn, filters, kernel int, rng *rand.Rand) *conv1D {
	c := &conv1D{
		nIn:     nIn,
		filters: filters,
		kernel:  kernel,
		W:       newParam(filters, kernel),
		b:       newParam(1, filters),
	}
	dist := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(kernel)), Src: rng}
	raw := c.W.w.RawMatrix().Data
	for i := range raw {
		raw[i] = dist.Rand()
	}
	return c
}

func (c *conv1D) positions() int { return c.nIn - c.kernel + 1 }
func (c *conv1D) outWidth() int  { return c.filters * c.positions() }

func (c *conv1D) forward(x *mat.Dense, _ bool) *mat.Dense {
	c.x = x
	r, _ := x.Dims()
	L := c.positions()
	out := mat.NewDense(r, c.outWidth(), nil)
	bias := c.b.w.RawRowView(0)
	for i := 0; i < r; i++ {
		in, o := x.RawRowView(i), out.RawRowView(i)
		for f := 0; f < c.filters; f++ {
			w := c.W.w.RawRowView(f)
			for p := 0; p < L; p++ {
				o[f*L+p] = bias[f] + floats.Dot(w, in[p:p+c.kernel])
			}
		}
	}
	return out
}

func (c *conv1D) backward(dout *mat.Dense) *mat.Dense {
	r, _ := dout.Dims()
	L := c.positions()
	c.W.g.Zero()
	c.b.g.Zero()
	db := c.b.g.RawRowView(0)
	dx := mat.NewDense(r, c.nIn, nil)

	for i := 0; i < r; i++ {
		in, d, dxr := c.x.RawRowView(i), dout.RawRowView(i), dx.RawRowView(i)
		for f := 0; f < c.filters; f++ {
			w, dw := c.W.w.RawRowView(f), c.W.g.RawRowView(f)
			for p := 0; p < L; p++ {
				g := d[f*L+p]
				if g == 0 {
					continue
				}
				db[f] += g
				floats.AddScaled(dw, g, in[p:p+c.kernel])
				floats.AddScaled(dxr[p:p+c.kernel], g, w)
			}
		}
	}
	return dx
}

func (c *conv1D) params() []*param { return []*param{c.W, c.b} }
