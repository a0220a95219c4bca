// Package frame provides a 2-D float64 image with pure elementwise arithmetic.
//
// Every operation returns a freshly allocated Frame and leaves its operands
// untouched.  Two frames combined in one operation must have identical
// dimensions; scalars broadcast.
package frame

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/calred/exposure"
	"github.com/nasa-jpl/calred/mathx"
)

var (
	// ErrShapeMismatch is returned when two frames of different dimensions are combined
	ErrShapeMismatch = errors.New("frame shape mismatch")

	// ErrUnsupportedOperand is returned for an operand that is neither a frame nor a scalar
	ErrUnsupportedOperand = errors.New("unsupported operand")
)

// Frame is an H x W grid of pixel intensities, row major
type Frame struct {
	h, w int
	pix  []float64
}

// New returns a zero-filled frame
func New(h, w int) *Frame {
	if h < 0 || w < 0 {
		panic(fmt.Sprintf("frame: negative dimensions %dx%d", h, w))
	}
	return &Frame{h: h, w: w, pix: make([]float64, h*w)}
}

// Fill returns an h x w frame with every pixel set to v
func Fill(h, w int, v float64) *Frame {
	f := New(h, w)
	for i := range f.pix {
		f.pix[i] = v
	}
	return f
}

// FromSlice copies pix into a new h x w frame.  pix is row major.
func FromSlice(h, w int, pix []float64) (*Frame, error) {
	if h < 0 || w < 0 || len(pix) != h*w {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d pixels for %dx%d", len(pix), h, w)
	}
	f := New(h, w)
	copy(f.pix, pix)
	return f, nil
}

// Shape returns (H, W)
func (f *Frame) Shape() (int, int) {
	return f.h, f.w
}

// Len is the number of pixels
func (f *Frame) Len() int {
	return len(f.pix)
}

// At returns the pixel at row i, column j
func (f *Frame) At(i, j int) float64 {
	return f.pix[i*f.w+j]
}

// Pixels returns a copy of the row-major pixel data
func (f *Frame) Pixels() []float64 {
	out := make([]float64, len(f.pix))
	copy(out, f.pix)
	return out
}

// Copy returns an independent copy of f
func (f *Frame) Copy() *Frame {
	return &Frame{h: f.h, w: f.w, pix: f.Pixels()}
}

// SameShape is true if f and g have identical dimensions
func (f *Frame) SameShape(g *Frame) bool {
	return f.h == g.h && f.w == g.w
}

// Mean is the global mean of all pixels.  It is NaN for an empty frame.
func (f *Frame) Mean() float64 {
	if len(f.pix) == 0 {
		return math.NaN()
	}
	return mathx.Sum(f.pix) / float64(len(f.pix))
}

// Stats holds summary statistics of a frame
type Stats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Stats computes min, max and mean
func (f *Frame) Stats() Stats {
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1), Mean: f.Mean()}
	for _, v := range f.pix {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	return s
}

// Mean returns the elementwise mean of frames.  All frames must share a shape.
func Mean(frames ...*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return nil, errors.New("frame: mean of zero frames")
	}
	for _, g := range frames {
		if g == nil {
			return nil, errors.Wrap(ErrUnsupportedOperand, "nil frame in mean")
		}
	}
	first := frames[0]
	for _, g := range frames[1:] {
		if !first.SameShape(g) {
			return nil, shapeErr(first, g)
		}
	}
	out := New(first.h, first.w)
	n := float64(len(frames))
	for i := range out.pix {
		var acc mathx.Accumulator
		for _, g := range frames {
			acc.Add(g.pix[i])
		}
		out.pix[i] = acc.Sum() / n
	}
	return out, nil
}

// Load asks src for the exposure named id and returns its pixels, multiplied
// by the detector gain if applyGain, along with the exposure time in seconds.
func Load(src exposure.Source, id string, applyGain bool) (*Frame, float64, error) {
	rec, err := src.Load(id)
	if err != nil {
		return nil, 0, err
	}
	f, err := FromRecord(rec, applyGain)
	if err != nil {
		return nil, 0, err
	}
	return f, rec.ExposureTime, nil
}

// FromRecord converts an exposure record into a frame, optionally applying the gain
func FromRecord(rec exposure.Record, applyGain bool) (*Frame, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	f, err := FromSlice(rec.Height, rec.Width, rec.Pixels)
	if err != nil {
		return nil, err
	}
	if applyGain {
		for i := range f.pix {
			f.pix[i] *= rec.Gain
		}
	}
	return f, nil
}

func shapeErr(a, b *Frame) error {
	return errors.Wrapf(ErrShapeMismatch, "%dx%d and %dx%d", a.h, a.w, b.h, b.w)
}
