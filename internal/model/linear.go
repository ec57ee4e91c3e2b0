package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear is a fully connected layer computing x·Wᵀ + b.
type Linear struct {
	in, out int
	weight  *mat.Dense // [out, in]
	bias    []float64  // [out]

	gradW *mat.Dense
	gradB []float64
}

func newLinear(in, out int, rng *rand.Rand) *Linear {
	limit := math.Sqrt(6.0 / float64(in+out))
	w := make([]float64, out*in)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return &Linear{
		in:     in,
		out:    out,
		weight: mat.NewDense(out, in, w),
		bias:   make([]float64, out),
		gradW:  mat.NewDense(out, in, nil),
		gradB:  make([]float64, out),
	}
}

// InFeatures returns the input width.
func (l *Linear) InFeatures() int { return l.in }

// OutFeatures returns the output width.
func (l *Linear) OutFeatures() int { return l.out }

// Weight returns the [out, in] weight matrix. Callers must not modify it.
func (l *Linear) Weight() mat.Matrix { return l.weight }

// Bias returns a copy of the bias vector.
func (l *Linear) Bias() []float64 {
	return append([]float64(nil), l.bias...)
}

// Forward computes the layer output for x of shape [batch, in].
func (l *Linear) Forward(x mat.Matrix) *mat.Dense {
	r, _ := x.Dims()
	out := mat.NewDense(r, l.out, nil)
	out.Mul(x, l.weight.T())
	for i := 0; i < r; i++ {
		floats.Add(out.RawRowView(i), l.bias)
	}
	return out
}

// backward stores parameter gradients for the input x and upstream gradient
// dout, and returns the gradient with respect to x.
func (l *Linear) backward(x, dout *mat.Dense) *mat.Dense {
	l.gradW.Mul(dout.T(), x)
	for i := range l.gradB {
		l.gradB[i] = 0
	}
	r, _ := dout.Dims()
	for i := 0; i < r; i++ {
		floats.Add(l.gradB, dout.RawRowView(i))
	}
	dx := mat.NewDense(r, l.in, nil)
	dx.Mul(dout, l.weight)
	return dx
}

func (l *Linear) params() []param {
	return []param{
		{value: l.weight.RawMatrix().Data, grad: l.gradW.RawMatrix().Data},
		{value: l.bias, grad: l.gradB},
	}
}
