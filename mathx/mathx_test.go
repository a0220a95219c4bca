package mathx_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/nasa-jpl/calred/mathx"
)

func ExampleSum() {
	fmt.Println(mathx.Sum([]float64{1e16, 1, -1e16}))
	// Output: 1
}

func TestSumCompensatesCancellation(t *testing.T) {
	xs := []float64{1, 1e100, 1, -1e100}
	if got := mathx.Sum(xs); got != 2 {
		t.Errorf("expected compensated sum of 2, got %g", got)
	}
}

func TestSumOrderIndependent(t *testing.T) {
	fwd := []float64{0.1, 0.2, 0.3, 1e8, 0.4, -1e8}
	rev := make([]float64, len(fwd))
	for i := range fwd {
		rev[len(fwd)-1-i] = fwd[i]
	}
	a, b := mathx.Sum(fwd), mathx.Sum(rev)
	if math.Abs(a-b) > 1e-12 {
		t.Errorf("expected order independent sums, got %g and %g", a, b)
	}
}

func TestFinite(t *testing.T) {
	if mathx.Finite(math.NaN()) || mathx.Finite(math.Inf(-1)) {
		t.Error("expected NaN and -Inf to be reported as non-finite")
	}
	if !mathx.Finite(0) {
		t.Error("expected 0 to be finite")
	}
}
