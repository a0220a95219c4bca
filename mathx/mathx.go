// Package mathx provides small numeric helpers shared by the frame and reducer packages.
package mathx

import "math"

// Accumulator is a Neumaier compensated summer.  The zero value is ready to use.
//
// Averages over tens of frames are reproducible to the last few ulps regardless
// of the order the terms arrive in, which a naive running sum does not give.
type Accumulator struct {
	sum, c float64
}

// Add adds x to the running sum
func (a *Accumulator) Add(x float64) {
	t := a.sum + x
	if math.Abs(a.sum) >= math.Abs(x) {
		a.c += (a.sum - t) + x
	} else {
		a.c += (x - t) + a.sum
	}
	a.sum = t
}

// Sum returns the compensated sum
func (a *Accumulator) Sum() float64 {
	return a.sum + a.c
}

// Sum returns the compensated sum of xs
func Sum(xs []float64) float64 {
	var a Accumulator
	for _, x := range xs {
		a.Add(x)
	}
	return a.Sum()
}

// Finite is true if x is neither NaN nor ±Inf
func Finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
