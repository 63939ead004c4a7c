package nn

import (
	"math"

	"golang.org/x/exp/rand"
)

// Adam defaults
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
)

type adam struct {
	lr   float64
	m, v []float64
	t    int
}

func newAdam(lr float64, size int) *adam {
	return &adam{
		lr: lr,
		m:  make([]float64, size),
		v:  make([]float64, size),
	}
}

func (a *adam) step(params, grads []float64) {
	a.t++
	c1 := 1 - math.Pow(adamBeta1, float64(a.t))
	c2 := 1 - math.Pow(adamBeta2, float64(a.t))
	for i, g := range grads {
		a.m[i] = adamBeta1*a.m[i] + (1-adamBeta1)*g
		a.v[i] = adamBeta2*a.v[i] + (1-adamBeta2)*g*g
		params[i] -= a.lr * (a.m[i] / c1) / (math.Sqrt(a.v[i]/c2) + adamEpsilon)
	}
}

// glorotUniform fills w from U(-l, l) with l = sqrt(6 / (fanIn + fanOut))
func glorotUniform(w []float64, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * limit
	}
}

// Argmax returns the index of the largest value, the first one on ties
func Argmax(vals []float64) int {
	maxIdx := 0
	maxVal := vals[0]
	for i := 1; i < len(vals); i++ {
		if vals[i] > maxVal {
			maxVal = vals[i]
			maxIdx = i
		}
	}
	return maxIdx
}

// CloneParams makes a copy of a parameter vector
func CloneParams(src []float64) []float64 {
	dst := make([]float64, len(src))
	copy(dst, src)
	return dst
}
