/*Package exposure describes where calibration and science exposures come from.

A Source turns user supplied patterns into an ordered list of exposure
identifiers and loads the pixels, detector gain and exposure time for one of
them.  Two sources are provided: FITS reads files from disk, and Memory holds
records in a map, which is what the tests and the HTTP upload path use.

*/
package exposure

import (
	"errors"
	"path"
	"sort"
)

var (
	// ErrNoFilesFound is returned when a set of patterns resolves to nothing
	ErrNoFilesFound = errors.New("no files specified or file not found")

	// ErrNotImage is returned when an exposure does not hold a 2-D image
	ErrNotImage = errors.New("exposure is not a 2-D image")

	// ErrMissingKeyword is returned when a required header keyword is absent or not numeric
	ErrMissingKeyword = errors.New("missing or non-numeric header keyword")

	// ErrMalformed is returned when the pixel count does not match the dimensions
	ErrMalformed = errors.New("pixel count does not match image dimensions")
)

// Record is one loaded exposure.  Pixels is row major and strided by Width.
type Record struct {
	Height int
	Width  int
	Pixels []float64

	// Gain is the detector gain, counts per electron
	Gain float64

	// ExposureTime is the integration time in seconds
	ExposureTime float64
}

// Validate checks that the pixel slice agrees with the dimensions
func (r Record) Validate() error {
	if r.Height <= 0 || r.Width <= 0 || len(r.Pixels) != r.Height*r.Width {
		return ErrMalformed
	}
	return nil
}

// Source resolves patterns and loads exposures
type Source interface {
	// Resolve expands patterns into an ordered, de-duplicated list of
	// identifiers.  An empty result is ErrNoFilesFound.
	Resolve(patterns []string) ([]string, error)

	// Load reads one exposure
	Load(id string) (Record, error)
}

// Memory is a Source backed by a map of identifier to record.  Patterns use path.Match syntax.
type Memory map[string]Record

// Resolve matches every pattern against the keys of m, sorted, in pattern order
func (m Memory) Resolve(patterns []string) ([]string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	seen := map[string]bool{}
	for _, p := range patterns {
		for _, k := range keys {
			ok, err := path.Match(p, k)
			if err != nil {
				return nil, err
			}
			if ok && !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNoFilesFound
	}
	return out, nil
}

// Load returns a copy of the record stored under id
func (m Memory) Load(id string) (Record, error) {
	rec, ok := m[id]
	if !ok {
		return Record{}, ErrNoFilesFound
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	pix := make([]float64, len(rec.Pixels))
	copy(pix, rec.Pixels)
	rec.Pixels = pix
	return rec, nil
}
