/*Package reducer derives bias, dark current and flat field reference frames
from calibration exposures and applies them to science frames.

The reference frames must be derived in order: bias, then dark, then flat.
Each Set call averages a batch of exposures into one frame and replaces the
previous value only once the new one is fully computed, so a failed call
leaves the reducer as it was.

A Reducer is not safe for concurrent use; wrap it in a Guarded when it is
shared.

*/
package reducer

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/calred/exposure"
	"github.com/nasa-jpl/calred/frame"
	"github.com/nasa-jpl/calred/mathx"
)

// Reducer holds the reference frames and the source calibration exposures are loaded from
type Reducer struct {
	src       exposure.Source
	applyGain bool

	level Readiness
	bias  *frame.Frame
	dark  *frame.Frame
	flat  *frame.Frame
}

// New returns an empty reducer reading from src.  applyGain controls whether
// loaded pixels are multiplied by each exposure's detector gain; it applies
// to calibration and science exposures alike.
func New(src exposure.Source, applyGain bool) *Reducer {
	return &Reducer{src: src, applyGain: applyGain}
}

// Readiness reports which reference frames are set
func (r *Reducer) Readiness() Readiness {
	return r.level
}

func (r *Reducer) raise(to Readiness) {
	if r.level < to {
		r.level = to
	}
}

// loadSet resolves patterns and loads every exposure they name
func (r *Reducer) loadSet(patterns []string) ([]string, []*frame.Frame, []float64, error) {
	ids, err := r.src.Resolve(patterns)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, nil, errors.Wrapf(exposure.ErrNoFilesFound, "patterns %s", strings.Join(patterns, ", "))
	}
	frames := make([]*frame.Frame, len(ids))
	texps := make([]float64, len(ids))
	for i, id := range ids {
		frames[i], texps[i], err = frame.Load(r.src, id, r.applyGain)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return ids, frames, texps, nil
}

// SetBiasFrames averages the exposures matched by patterns into the bias frame
func (r *Reducer) SetBiasFrames(patterns ...string) error {
	_, frames, _, err := r.loadSet(patterns)
	if err != nil {
		return err
	}
	bias, err := frame.Mean(frames...)
	if err != nil {
		return errors.Wrap(err, "averaging bias frames")
	}
	r.bias = bias
	r.raise(BiasOnly)
	return nil
}

// SetDarkCurrentFrames derives the dark current rate.  Each exposure is bias
// subtracted and divided by its own exposure time before the rates are averaged.
func (r *Reducer) SetDarkCurrentFrames(patterns ...string) error {
	if err := r.level.require(Bias); err != nil {
		return err
	}
	ids, frames, texps, err := r.loadSet(patterns)
	if err != nil {
		return err
	}
	rates := make([]*frame.Frame, len(frames))
	for i, f := range frames {
		if texps[i] <= 0 || !mathx.Finite(texps[i]) {
			return errors.Wrapf(ErrInvalidExposureTime, "dark frame %s has exposure time %g", ids[i], texps[i])
		}
		sub, err := frame.Subtract(f, r.bias)
		if err != nil {
			return errors.Wrapf(err, "bias subtracting dark frame %s", ids[i])
		}
		rates[i], err = frame.Divide(sub, frame.Scalar(texps[i]))
		if err != nil {
			return err
		}
	}
	dark, err := frame.Mean(rates...)
	if err != nil {
		return errors.Wrap(err, "averaging dark frames")
	}
	r.dark = dark
	r.raise(BiasDark)
	return nil
}

// SetFlatFrames derives the normalized flat field.  Each exposure is dark
// subtracted with its own exposure time, the results are averaged, and the
// average is divided by its global mean.
func (r *Reducer) SetFlatFrames(patterns ...string) error {
	if err := r.level.require(Dark); err != nil {
		return err
	}
	ids, frames, texps, err := r.loadSet(patterns)
	if err != nil {
		return err
	}
	subs := make([]*frame.Frame, len(frames))
	for i, f := range frames {
		subs[i], err = r.DarkSubtract(f, texps[i])
		if err != nil {
			return errors.Wrapf(err, "dark subtracting flat frame %s", ids[i])
		}
	}
	avg, err := frame.Mean(subs...)
	if err != nil {
		return errors.Wrap(err, "averaging flat frames")
	}
	mean := avg.Mean()
	if mean == 0 || !mathx.Finite(mean) {
		return errors.Wrapf(ErrDegenerateFlat, "mean %g", mean)
	}
	flat, err := frame.Divide(avg, frame.Scalar(mean))
	if err != nil {
		return err
	}
	r.flat = flat
	r.raise(Full)
	return nil
}

// BiasSubtract returns f - bias
func (r *Reducer) BiasSubtract(f *frame.Frame) (*frame.Frame, error) {
	if err := r.level.require(Bias); err != nil {
		return nil, err
	}
	return frame.Subtract(f, r.bias)
}

// DarkSubtract returns f - bias - exposureTime*dark
func (r *Reducer) DarkSubtract(f *frame.Frame, exposureTime float64) (*frame.Frame, error) {
	if err := r.level.require(Dark); err != nil {
		return nil, err
	}
	if err := checkExposure(exposureTime); err != nil {
		return nil, err
	}
	sub, err := r.BiasSubtract(f)
	if err != nil {
		return nil, err
	}
	accum, err := frame.Multiply(r.dark, frame.Scalar(exposureTime))
	if err != nil {
		return nil, err
	}
	return frame.Subtract(sub, accum)
}

// Flatten returns DarkSubtract(f, exposureTime) / flat
func (r *Reducer) Flatten(f *frame.Frame, exposureTime float64) (*frame.Frame, error) {
	if err := r.level.require(Flat); err != nil {
		return nil, err
	}
	sub, err := r.DarkSubtract(f, exposureTime)
	if err != nil {
		return nil, err
	}
	return frame.Divide(sub, r.flat)
}

// Calibrate applies every correction up to and including through:
// BiasSubtract for Bias, DarkSubtract for Dark and Flatten for Flat
func (r *Reducer) Calibrate(through Slot, f *frame.Frame, exposureTime float64) (*frame.Frame, error) {
	switch through {
	case Bias:
		return r.BiasSubtract(f)
	case Dark:
		return r.DarkSubtract(f, exposureTime)
	case Flat:
		return r.Flatten(f, exposureTime)
	}
	return nil, errors.Errorf("unknown calibration stage %v", through)
}

// LoadScience loads a science exposure from the reducer's source with the
// same gain handling as the calibration exposures
func (r *Reducer) LoadScience(id string) (*frame.Frame, float64, error) {
	return frame.Load(r.src, id, r.applyGain)
}

// BiasFrame returns a copy of the bias frame
func (r *Reducer) BiasFrame() (*frame.Frame, error) {
	return r.slot(Bias)
}

// DarkCurrentFrame returns a copy of the dark current rate frame
func (r *Reducer) DarkCurrentFrame() (*frame.Frame, error) {
	return r.slot(Dark)
}

// FlatFrame returns a copy of the normalized flat frame
func (r *Reducer) FlatFrame() (*frame.Frame, error) {
	return r.slot(Flat)
}

// Frame returns a copy of the reference frame in slot s
func (r *Reducer) Frame(s Slot) (*frame.Frame, error) {
	return r.slot(s)
}

func (r *Reducer) slot(s Slot) (*frame.Frame, error) {
	if !r.level.Has(s) {
		return nil, PrerequisiteError{Slot: s}
	}
	switch s {
	case Bias:
		return r.bias.Copy(), nil
	case Dark:
		return r.dark.Copy(), nil
	}
	return r.flat.Copy(), nil
}

// checkExposure validates a science exposure time, which multiplies the dark rate.
// Zero is allowed, negative and non-finite times are not.
func checkExposure(t float64) error {
	if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return errors.Wrapf(ErrInvalidExposureTime, "%g", t)
	}
	return nil
}

// ParseSlot converts "bias", "dark" or "flat" (any case) into a Slot
func ParseSlot(s string) (Slot, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bias":
		return Bias, nil
	case "dark":
		return Dark, nil
	case "flat", "flatten":
		return Flat, nil
	}
	return 0, errors.Errorf("unknown calibration stage %q, expected bias, dark or flat", s)
}
