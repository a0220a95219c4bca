package exposure

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/calred/util"
)

const (
	// DefaultGainKey is the header keyword holding the detector gain
	DefaultGainKey = "EGAIN"

	// DefaultExposureKey is the header keyword holding the exposure time in seconds
	DefaultExposureKey = "EXPTIME"
)

// FITS is a Source which reads FITS files from disk.  Patterns are shell globs.
type FITS struct {
	// GainKey is the keyword for detector gain, DefaultGainKey if empty
	GainKey string

	// ExposureKey is the keyword for exposure time, DefaultExposureKey if empty
	ExposureKey string

	// Retry is how long Load keeps retrying a file that fails to open or
	// decode, for example one a camera is still writing.  Zero means one attempt.
	Retry time.Duration
}

// Resolve globs every pattern and concatenates the matches, dropping duplicates
func (fs FITS) Resolve(patterns []string) ([]string, error) {
	var out []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving %q", p)
		}
		out = append(out, matches...)
	}
	out = util.UniqueString(out)
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrNoFilesFound, "patterns %s", strings.Join(patterns, ", "))
	}
	return out, nil
}

// Load reads the primary HDU of the file at id
func (fs FITS) Load(id string) (Record, error) {
	var rec Record
	op := func() error {
		f, err := os.Open(id)
		if err != nil {
			if os.IsNotExist(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer f.Close()
		rec, err = Decode(f, fs.GainKey, fs.ExposureKey)
		if errors.Is(err, ErrNotImage) || errors.Is(err, ErrMissingKeyword) {
			return backoff.Permanent(err)
		}
		return err
	}
	var err error
	if fs.Retry <= 0 {
		err = op()
		if perm, ok := err.(*backoff.PermanentError); ok {
			err = perm.Err
		}
	} else {
		err = backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      fs.Retry,
			Clock:               backoff.SystemClock})
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "loading %s", id)
	}
	return rec, nil
}

// Keyword flags the per-exposure header keywords
type Keyword uint8

const (
	// GainKeyword is the detector gain card
	GainKeyword Keyword = 1 << iota

	// ExposureKeyword is the exposure time card
	ExposureKeyword
)

func defaultKeys(gainKey, exposureKey string) (string, string) {
	if gainKey == "" {
		gainKey = DefaultGainKey
	}
	if exposureKey == "" {
		exposureKey = DefaultExposureKey
	}
	return gainKey, exposureKey
}

// Decode reads the primary image of a FITS stream.  BZERO and BSCALE are
// applied.  Empty keys select the defaults.  Both keywords must be present.
func Decode(r io.Reader, gainKey, exposureKey string) (Record, error) {
	gainKey, exposureKey = defaultKeys(gainKey, exposureKey)
	rec, missing, err := DecodePartial(r, gainKey, exposureKey)
	if err != nil {
		return Record{}, err
	}
	if missing&GainKeyword != 0 {
		return Record{}, errors.Wrap(ErrMissingKeyword, gainKey)
	}
	if missing&ExposureKeyword != 0 {
		return Record{}, errors.Wrap(ErrMissingKeyword, exposureKey)
	}
	return rec, nil
}

// DecodePartial is Decode without the keyword requirement.  Keywords that are
// absent or not numeric are reported in missing and their fields are left zero,
// for callers which only need some of them.
func DecodePartial(r io.Reader, gainKey, exposureKey string) (rec Record, missing Keyword, err error) {
	gainKey, exposureKey = defaultKeys(gainKey, exposureKey)
	f, err := fitsio.Open(r)
	if err != nil {
		return Record{}, 0, err
	}
	defer f.Close()

	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return Record{}, 0, ErrNotImage
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 2 {
		return Record{}, 0, errors.Wrapf(ErrNotImage, "NAXIS=%d", len(axes))
	}
	// NAXIS1 is the fast axis
	rec = Record{Width: axes[0], Height: axes[1]}
	rec.Pixels, err = readPixels(img, rec.Height*rec.Width)
	if err != nil {
		return Record{}, 0, err
	}

	bzero, err := keyFloat(hdr, "BZERO")
	if err != nil {
		bzero = 0
	}
	bscale, err := keyFloat(hdr, "BSCALE")
	if err != nil {
		bscale = 1
	}
	if bzero != 0 || bscale != 1 {
		for i, v := range rec.Pixels {
			rec.Pixels[i] = bzero + bscale*v
		}
	}

	if rec.Gain, err = keyFloat(hdr, gainKey); err != nil {
		missing |= GainKeyword
	}
	if rec.ExposureTime, err = keyFloat(hdr, exposureKey); err != nil {
		missing |= ExposureKeyword
	}
	return rec, missing, nil
}

// readPixels reads the image in its native type and widens it to float64.
// fitsio does not convert between element sizes on read.
func readPixels(img fitsio.Image, n int) ([]float64, error) {
	out := make([]float64, n)
	switch bitpix := img.Header().Bitpix(); bitpix {
	case 8:
		buf := make([]uint8, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 16:
		buf := make([]int16, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 32:
		buf := make([]int32, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 64:
		buf := make([]int64, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case -32:
		buf := make([]float32, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case -64:
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(ErrNotImage, "unsupported BITPIX %d", bitpix)
	}
	return out, nil
}

// keyFloat looks up a numeric card
func keyFloat(hdr *fitsio.Header, key string) (float64, error) {
	card := hdr.Get(key)
	if card == nil {
		return 0, errors.Wrap(ErrMissingKeyword, key)
	}
	switch v := card.Value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, errors.Wrap(ErrMissingKeyword, key)
		}
		return f, nil
	}
	return 0, errors.Wrap(ErrMissingKeyword, key)
}

// Encode streams a single float64 image to w with the given header cards.
// pix is row major and strided by width.
func Encode(w io.Writer, height, width int, pix []float64, metadata []fitsio.Card) error {
	if height <= 0 || width <= 0 || len(pix) != height*width {
		return ErrMalformed
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{width, height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	err = im.Write(pix)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
