package reducer

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nasa-jpl/calred/exposure"
	"github.com/nasa-jpl/calred/frame"
)

var approx = cmpopts.EquateApprox(0, 1e-12)

func constRec(h, w int, v, gain, texp float64) exposure.Record {
	pix := make([]float64, h*w)
	for i := range pix {
		pix[i] = v
	}
	return exposure.Record{Height: h, Width: w, Pixels: pix, Gain: gain, ExposureTime: texp}
}

func all(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// calibrated returns a reducer with bias 100, dark rate 5 and a flat of [0.5 1.5 0.5 1.5]
func calibrated(t *testing.T) *Reducer {
	t.Helper()
	src := exposure.Memory{
		"bias1": constRec(2, 2, 100, 1, 0),
		"dark1": constRec(2, 2, 150, 1, 10),
		"dark2": constRec(2, 2, 200, 1, 20),
		"flat1": {Height: 2, Width: 2, Pixels: []float64{160, 180, 160, 180}, Gain: 1, ExposureTime: 10},
	}
	r := New(src, true)
	if err := r.SetBiasFrames("bias*"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetDarkCurrentFrames("dark*"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetFlatFrames("flat*"); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBiasConstantScenario(t *testing.T) {
	src := exposure.Memory{
		"b1": constRec(3, 4, 100, 1, 0),
		"b2": constRec(3, 4, 100, 1, 0),
		"b3": constRec(3, 4, 100, 1, 0),
	}
	r := New(src, true)
	if err := r.SetBiasFrames("b*"); err != nil {
		t.Fatal(err)
	}
	bias, err := r.BiasFrame()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(all(100, 12), bias.Pixels()); diff != "" {
		t.Errorf("bias mismatch (-want +got):\n%s", diff)
	}
	if r.Readiness() != BiasOnly {
		t.Errorf("expected readiness %v, got %v", BiasOnly, r.Readiness())
	}
}

func TestBiasAppliesGain(t *testing.T) {
	src := exposure.Memory{"b": constRec(1, 1, 50, 2, 0)}
	r := New(src, true)
	if err := r.SetBiasFrames("b"); err != nil {
		t.Fatal(err)
	}
	bias, _ := r.BiasFrame()
	if bias.At(0, 0) != 100 {
		t.Errorf("expected gain-scaled bias 100, got %f", bias.At(0, 0))
	}
}

func TestDarkRateScenario(t *testing.T) {
	src := exposure.Memory{
		"bias":  constRec(2, 3, 100, 1, 0),
		"dark1": constRec(2, 3, 150, 1, 10),
		"dark2": constRec(2, 3, 200, 1, 20),
	}
	r := New(src, true)
	if err := r.SetBiasFrames("bias"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetDarkCurrentFrames("dark1", "dark2"); err != nil {
		t.Fatal(err)
	}
	dark, err := r.DarkCurrentFrame()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(all(5, 6), dark.Pixels(), approx); diff != "" {
		t.Errorf("dark rate mismatch (-want +got):\n%s", diff)
	}
}

func TestDarkNormalizesEachFrameBeforeAveraging(t *testing.T) {
	// rates 1 and 4 average to 2.5; normalizing after averaging would give 45/15 = 3
	src := exposure.Memory{
		"bias":  constRec(1, 1, 100, 1, 0),
		"dark1": constRec(1, 1, 110, 1, 10),
		"dark2": constRec(1, 1, 180, 1, 20),
	}
	r := New(src, true)
	r.SetBiasFrames("bias")
	if err := r.SetDarkCurrentFrames("dark*"); err != nil {
		t.Fatal(err)
	}
	dark, _ := r.DarkCurrentFrame()
	if got := dark.At(0, 0); math.Abs(got-2.5) > 1e-12 {
		t.Errorf("expected per-frame normalized rate 2.5, got %f", got)
	}
}

func TestFlattenScenario(t *testing.T) {
	r := New(exposure.Memory{}, true)
	r.bias = frame.Fill(2, 2, 0)
	r.dark = frame.Fill(2, 2, 0)
	r.flat = frame.Fill(2, 2, 2)
	r.level = Full
	out, err := r.Flatten(frame.Fill(2, 2, 10), 30)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(all(5, 4), out.Pixels()); diff != "" {
		t.Errorf("flatten mismatch (-want +got):\n%s", diff)
	}
}

func TestFlatIsNormalized(t *testing.T) {
	r := calibrated(t)
	flat, err := r.FlatFrame()
	if err != nil {
		t.Fatal(err)
	}
	if m := flat.Mean(); math.Abs(m-1) > 1e-12 {
		t.Errorf("expected flat mean 1, got %.15f", m)
	}
	// 160 - 100 - 10*5 = 10, 180 - 150 = 30, mean 20
	if diff := cmp.Diff([]float64{0.5, 1.5, 0.5, 1.5}, flat.Pixels(), approx); diff != "" {
		t.Errorf("flat mismatch (-want +got):\n%s", diff)
	}
}

func TestFlatUsesEachFramesExposureTime(t *testing.T) {
	src := exposure.Memory{
		"bias":  constRec(1, 2, 0, 1, 0),
		"dark":  constRec(1, 2, 10, 1, 10),
		"flat1": {Height: 1, Width: 2, Pixels: []float64{12, 14}, Gain: 1, ExposureTime: 2},
		"flat2": {Height: 1, Width: 2, Pixels: []float64{14, 16}, Gain: 1, ExposureTime: 4},
	}
	r := New(src, true)
	r.SetBiasFrames("bias")
	r.SetDarkCurrentFrames("dark")
	if err := r.SetFlatFrames("flat*"); err != nil {
		t.Fatal(err)
	}
	// dark rate 1: flat1 -> [10 12], flat2 -> [10 12], mean 11
	flat, _ := r.FlatFrame()
	if diff := cmp.Diff([]float64{10. / 11, 12. / 11}, flat.Pixels(), approx); diff != "" {
		t.Errorf("flat mismatch (-want +got):\n%s", diff)
	}
}

func TestCalibrationChainRecoversSignal(t *testing.T) {
	r := calibrated(t)
	// a science frame with signal 40 on each pixel, exposed 8s, seen through the flat
	texp := 8.
	flat, _ := r.FlatFrame()
	raw := make([]float64, 4)
	for i, g := range flat.Pixels() {
		raw[i] = 100 + 5*texp + 40*g
	}
	sci, _ := frame.FromSlice(2, 2, raw)
	out, err := r.Flatten(sci, texp)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(all(40, 4), out.Pixels(), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("calibrated signal mismatch (-want +got):\n%s", diff)
	}
}

func TestDarkSubtractPrerequisites(t *testing.T) {
	src := exposure.Memory{"bias": constRec(1, 1, 100, 1, 0)}
	r := New(src, true)
	f := frame.Fill(1, 1, 200)

	_, err := r.DarkSubtract(f, 1)
	var pe PrerequisiteError
	if !errors.As(err, &pe) || pe.Slot != Bias {
		t.Errorf("expected missing bias before SetBiasFrames, got %v", err)
	}
	if !errors.Is(err, ErrPrerequisiteMissing) {
		t.Errorf("expected errors.Is ErrPrerequisiteMissing, got %v", err)
	}

	if err := r.SetBiasFrames("bias"); err != nil {
		t.Fatal(err)
	}
	_, err = r.DarkSubtract(f, 1)
	if !errors.As(err, &pe) || pe.Slot != Dark {
		t.Errorf("expected missing dark after SetBiasFrames, got %v", err)
	}
}

func TestSetterPrerequisites(t *testing.T) {
	r := New(exposure.Memory{"x": constRec(1, 1, 1, 1, 1)}, true)
	var pe PrerequisiteError
	if err := r.SetDarkCurrentFrames("x"); !errors.As(err, &pe) || pe.Slot != Bias {
		t.Errorf("expected dark to require bias, got %v", err)
	}
	if err := r.SetFlatFrames("x"); !errors.As(err, &pe) || pe.Slot != Bias {
		t.Errorf("expected flat to name bias first, got %v", err)
	}
	r.SetBiasFrames("x")
	if err := r.SetFlatFrames("x"); !errors.As(err, &pe) || pe.Slot != Dark {
		t.Errorf("expected flat to name dark, got %v", err)
	}
}

func TestFlattenPrerequisiteOrder(t *testing.T) {
	r := calibrated(t)
	r.level = BiasDark
	_, err := r.Flatten(frame.Fill(2, 2, 1), 1)
	var pe PrerequisiteError
	if !errors.As(err, &pe) || pe.Slot != Flat {
		t.Errorf("expected missing flat, got %v", err)
	}
}

func TestAccessorsBeforeSet(t *testing.T) {
	r := New(exposure.Memory{}, true)
	for _, get := range []func() (*frame.Frame, error){r.BiasFrame, r.DarkCurrentFrame, r.FlatFrame} {
		if _, err := get(); !errors.Is(err, ErrPrerequisiteMissing) {
			t.Errorf("expected ErrPrerequisiteMissing from unset accessor, got %v", err)
		}
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	r := calibrated(t)
	before := r.bias.Pixels()
	got, _ := r.BiasFrame()
	if got == r.bias {
		t.Fatal("BiasFrame returned internal storage")
	}
	p := got.Pixels()
	p[0] = -1
	if diff := cmp.Diff(before, r.bias.Pixels()); diff != "" {
		t.Errorf("internal bias changed (-want +got):\n%s", diff)
	}
	for _, s := range []Slot{Bias, Dark, Flat} {
		a, _ := r.Frame(s)
		b, _ := r.Frame(s)
		if a == b {
			t.Errorf("%v: two accessor calls returned the same frame", s)
		}
	}
}

func TestBiasOrderIndependent(t *testing.T) {
	src := exposure.Memory{
		"b1": {Height: 1, Width: 3, Pixels: []float64{0.1, 1e8, 3}, Gain: 1.1},
		"b2": {Height: 1, Width: 3, Pixels: []float64{0.2, -1e8, 5}, Gain: 0.9},
		"b3": {Height: 1, Width: 3, Pixels: []float64{0.3, 7, 11}, Gain: 1.3},
	}
	r1, r2 := New(src, true), New(src, true)
	if err := r1.SetBiasFrames("b1", "b2", "b3"); err != nil {
		t.Fatal(err)
	}
	if err := r2.SetBiasFrames("b3", "b1", "b2"); err != nil {
		t.Fatal(err)
	}
	a, _ := r1.BiasFrame()
	b, _ := r2.BiasFrame()
	if diff := cmp.Diff(a.Pixels(), b.Pixels(), cmpopts.EquateApprox(1e-12, 0)); diff != "" {
		t.Errorf("bias depends on file order (-first +permuted):\n%s", diff)
	}
}

func TestResetBiasReplaces(t *testing.T) {
	src := exposure.Memory{
		"old": constRec(1, 2, 100, 1, 0),
		"new": constRec(1, 2, 40, 1, 0),
	}
	r := New(src, true)
	r.SetBiasFrames("old")
	if err := r.SetBiasFrames("new"); err != nil {
		t.Fatal(err)
	}
	bias, _ := r.BiasFrame()
	if diff := cmp.Diff(all(40, 2), bias.Pixels()); diff != "" {
		t.Errorf("bias was blended with previous value (-want +got):\n%s", diff)
	}
}

func TestNoFilesFound(t *testing.T) {
	r := New(exposure.Memory{"a": constRec(1, 1, 1, 1, 1)}, true)
	if err := r.SetBiasFrames("nothing*"); !errors.Is(err, exposure.ErrNoFilesFound) {
		t.Errorf("expected ErrNoFilesFound, got %v", err)
	}
	if r.Readiness() != None {
		t.Errorf("failed SetBiasFrames changed readiness to %v", r.Readiness())
	}
}

func TestZeroExposureDarkFails(t *testing.T) {
	src := exposure.Memory{
		"bias":  constRec(1, 1, 100, 1, 0),
		"good":  constRec(1, 1, 150, 1, 10),
		"zero":  constRec(1, 1, 150, 1, 0),
		"other": constRec(1, 1, 300, 1, 10),
	}
	r := New(src, true)
	r.SetBiasFrames("bias")
	if err := r.SetDarkCurrentFrames("good"); err != nil {
		t.Fatal(err)
	}
	err := r.SetDarkCurrentFrames("other", "zero")
	if !errors.Is(err, ErrInvalidExposureTime) {
		t.Fatalf("expected ErrInvalidExposureTime, got %v", err)
	}
	dark, _ := r.DarkCurrentFrame()
	if dark.At(0, 0) != 5 {
		t.Errorf("failed re-derivation altered the dark rate, got %f", dark.At(0, 0))
	}
}

func TestDegenerateFlat(t *testing.T) {
	src := exposure.Memory{
		"bias": constRec(1, 2, 100, 1, 0),
		"dark": constRec(1, 2, 100, 1, 10),
		"flat": constRec(1, 2, 100, 1, 10),
	}
	r := New(src, true)
	r.SetBiasFrames("bias")
	r.SetDarkCurrentFrames("dark")
	if err := r.SetFlatFrames("flat"); !errors.Is(err, ErrDegenerateFlat) {
		t.Errorf("expected ErrDegenerateFlat, got %v", err)
	}
	if r.Readiness() != BiasDark {
		t.Errorf("failed SetFlatFrames changed readiness to %v", r.Readiness())
	}
}

func TestShapeMismatchInDark(t *testing.T) {
	src := exposure.Memory{
		"bias": constRec(2, 2, 100, 1, 0),
		"dark": constRec(2, 3, 150, 1, 10),
	}
	r := New(src, true)
	r.SetBiasFrames("bias")
	if err := r.SetDarkCurrentFrames("dark"); !errors.Is(err, frame.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestNegativeScienceExposure(t *testing.T) {
	r := calibrated(t)
	if _, err := r.DarkSubtract(frame.Fill(2, 2, 1), -1); !errors.Is(err, ErrInvalidExposureTime) {
		t.Errorf("expected ErrInvalidExposureTime, got %v", err)
	}
	if _, err := r.Flatten(frame.Fill(2, 2, 1), math.NaN()); !errors.Is(err, ErrInvalidExposureTime) {
		t.Errorf("expected ErrInvalidExposureTime for NaN, got %v", err)
	}
}

func TestReadinessSurvivesRederivation(t *testing.T) {
	r := calibrated(t)
	if err := r.SetBiasFrames("bias1"); err != nil {
		t.Fatal(err)
	}
	if r.Readiness() != Full {
		t.Errorf("re-deriving bias dropped readiness to %v", r.Readiness())
	}
}

func TestCalibrateDispatch(t *testing.T) {
	r := calibrated(t)
	f := frame.Fill(2, 2, 200)
	b, _ := r.Calibrate(Bias, f, 4)
	if b.At(0, 0) != 100 {
		t.Errorf("expected bias stage to give 100, got %f", b.At(0, 0))
	}
	d, _ := r.Calibrate(Dark, f, 4)
	if d.At(0, 0) != 80 {
		t.Errorf("expected dark stage to give 80, got %f", d.At(0, 0))
	}
	fl, _ := r.Calibrate(Flat, f, 4)
	if fl.At(0, 0) != 160 {
		t.Errorf("expected flat stage to give 160, got %f", fl.At(0, 0))
	}
}

func TestParseSlot(t *testing.T) {
	for in, want := range map[string]Slot{"bias": Bias, "DARK": Dark, " flat": Flat, "flatten": Flat} {
		got, err := ParseSlot(in)
		if err != nil || got != want {
			t.Errorf("ParseSlot(%q) = %v, %v; expected %v", in, got, err, want)
		}
	}
	if _, err := ParseSlot("lights"); err == nil {
		t.Error("expected an error for an unknown stage")
	}
}

func TestGuardedConcurrentReaders(t *testing.T) {
	src := exposure.Memory{
		"a": constRec(8, 8, 100, 1, 0),
		"b": constRec(8, 8, 200, 1, 0),
	}
	g := NewGuarded(New(src, true))
	if err := g.SetBiasFrames("a"); err != nil {
		t.Fatal(err)
	}
	sci := frame.Fill(8, 8, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				out, err := g.BiasSubtract(sci)
				if err != nil {
					t.Error(err)
					return
				}
				v := out.At(0, 0)
				for _, p := range out.Pixels() {
					if p != v || (v != 900 && v != 800) {
						t.Errorf("observed a partially updated bias: %f", p)
						return
					}
				}
			}
		}()
	}
	for j := 0; j < 20; j++ {
		if j%2 == 0 {
			g.SetBiasFrames("b")
		} else {
			g.SetBiasFrames("a")
		}
	}
	wg.Wait()
}
