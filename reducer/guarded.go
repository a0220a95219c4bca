package reducer

import (
	"sync"

	"github.com/nasa-jpl/calred/frame"
)

// Guarded serializes access to a Reducer.  Derivations take the write lock,
// everything else the read lock, so calibrations proceed in parallel between
// derivations.
type Guarded struct {
	mu sync.RWMutex
	r  *Reducer
}

// NewGuarded wraps r.  r must not be used directly afterwards.
func NewGuarded(r *Reducer) *Guarded {
	return &Guarded{r: r}
}

// SetBiasFrames see Reducer.SetBiasFrames
func (g *Guarded) SetBiasFrames(patterns ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.SetBiasFrames(patterns...)
}

// SetDarkCurrentFrames see Reducer.SetDarkCurrentFrames
func (g *Guarded) SetDarkCurrentFrames(patterns ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.SetDarkCurrentFrames(patterns...)
}

// SetFlatFrames see Reducer.SetFlatFrames
func (g *Guarded) SetFlatFrames(patterns ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.SetFlatFrames(patterns...)
}

// Readiness see Reducer.Readiness
func (g *Guarded) Readiness() Readiness {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.r.Readiness()
}

// BiasSubtract see Reducer.BiasSubtract
func (g *Guarded) BiasSubtract(f *frame.Frame) (*frame.Frame, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.r.BiasSubtract(f)
}

// DarkSubtract see Reducer.DarkSubtract
func (g *Guarded) DarkSubtract(f *frame.Frame, exposureTime float64) (*frame.Frame, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.r.DarkSubtract(f, exposureTime)
}

// Flatten see Reducer.Flatten
func (g *Guarded) Flatten(f *frame.Frame, exposureTime float64) (*frame.Frame, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.r.Flatten(f, exposureTime)
}

// Calibrate see Reducer.Calibrate
func (g *Guarded) Calibrate(through Slot, f *frame.Frame, exposureTime float64) (*frame.Frame, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.r.Calibrate(through, f, exposureTime)
}

// LoadScience see Reducer.LoadScience
func (g *Guarded) LoadScience(id string) (*frame.Frame, float64, error) {
	// the source is not reducer state, no lock needed
	return g.r.LoadScience(id)
}

// Frame see Reducer.Frame
func (g *Guarded) Frame(s Slot) (*frame.Frame, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.r.Frame(s)
}

// BiasFrame see Reducer.BiasFrame
func (g *Guarded) BiasFrame() (*frame.Frame, error) {
	return g.Frame(Bias)
}

// DarkCurrentFrame see Reducer.DarkCurrentFrame
func (g *Guarded) DarkCurrentFrame() (*frame.Frame, error) {
	return g.Frame(Dark)
}

// FlatFrame see Reducer.FlatFrame
func (g *Guarded) FlatFrame() (*frame.Frame, error) {
	return g.Frame(Flat)
}
