package encoder

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// adamState holds the first and second moment estimates of one tensor.
type adamState struct {
	m, v *mat.Dense
}

// adam is the optimizer shared by every tensor of one network.
type adam struct {
	lr float64
	t  int
}

func newAdam(lr float64) adam {
	return adam{lr: lr}
}

// step moves every parameter against its gradient scaled by scale, then
// zeroes the gradients.
func (a *adam) step(params []*param, scale float64) {
	a.t++
	c1 := 1 - math.Pow(adamBeta1, float64(a.t))
	c2 := 1 - math.Pow(adamBeta2, float64(a.t))

	for _, p := range params {
		rows, cols := p.value.Dims()
		if p.adam == nil {
			p.adam = &adamState{m: mat.NewDense(rows, cols, nil), v: mat.NewDense(rows, cols, nil)}
		}
		s := p.adam

		p.grad.Scale(scale, p.grad)
		sq := &mat.Dense{}
		sq.MulElem(p.grad, p.grad)

		s.m.Scale(adamBeta1, s.m)
		floats.AddScaled(s.m.RawMatrix().Data, 1-adamBeta1, p.grad.RawMatrix().Data)
		s.v.Scale(adamBeta2, s.v)
		floats.AddScaled(s.v.RawMatrix().Data, 1-adamBeta2, sq.RawMatrix().Data)

		update := &mat.Dense{}
		update.Apply(func(i, j int, m float64) float64 {
			return (m / c1) / (math.Sqrt(s.v.At(i, j)/c2) + adamEpsilon)
		}, s.m)
		p.value.Sub(p.value, scaled(a.lr, update))
		p.grad.Zero()
	}
}

func scaled(f float64, m *mat.Dense) *mat.Dense {
	m.Scale(f, m)
	return m
}
