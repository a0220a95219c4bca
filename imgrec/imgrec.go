// Package imgrec contains an image recorder used to automatically save calibrated frames to disk.
package imgrec

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/calred/exposure"
	"github.com/nasa-jpl/calred/frame"
	"github.com/nasa-jpl/calred/generichttp"
)

// Recorder records frames with incrementing filenames in yyyy-mm-dd subfolders.
// It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool

	// now is swapped out by tests
	now func() time.Time
}

// updateFolder checks the current time and updates the folder as needed.
// The counter restarts whenever the day rolls over.
func (r *Recorder) updateFolder() {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	t := now()
	fldr := fmt.Sprintf("%04d-%02d-%02d", t.Year(), t.Month(), t.Day())
	if fldr != r.timeFldr {
		r.timeFldr = fldr
		r.counter = 0
	}
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// scan finds the highest counter already used in the folder for this prefix
func (r *Recorder) scan(dn string) int {
	files, err := ioutil.ReadDir(dn)
	if err != nil {
		return 0
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count
}

// WriteFile writes p as one file.  If name is empty the file is
// <prefix><counter>.fits with the counter one past the highest on disk,
// otherwise it is <prefix><name>.  The full path is returned.
func (r *Recorder) WriteFile(name string, p []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	var fn string
	if name == "" {
		if r.counter == 0 {
			r.counter = r.scan(fldr)
		}
		r.counter++
		fn = fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter)
	} else {
		fn = r.Prefix + filepath.Base(name)
	}
	fn = filepath.Join(fldr, fn)
	return fn, ioutil.WriteFile(fn, p, 0666)
}

// WriteFrame encodes f as a float64 FITS image with the given cards and writes it with WriteFile
func (r *Recorder) WriteFrame(name string, f *frame.Frame, cards []fitsio.Card) (string, error) {
	buf := &bytes.Buffer{}
	h, w := f.Shape()
	err := exposure.Encode(buf, h, w, f.Pixels(), cards)
	if err != nil {
		return "", err
	}
	return r.WriteFile(name, buf.Bytes())
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

func (h HTTPWrapper) setRoot(s string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Recorder.Root = s
	h.Recorder.counter = 0
	h.updateFolder()
	_, err := h.mkDir()
	return err
}

func (h HTTPWrapper) getRoot() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Recorder.Root, nil
}

func (h HTTPWrapper) setPrefix(s string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Recorder.Prefix = s
	h.Recorder.counter = 0
	return nil
}

func (h HTTPWrapper) getPrefix() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Recorder.Prefix, nil
}

func (h HTTPWrapper) setEnabled(b bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Recorder.Enabled = b
	return nil
}

func (h HTTPWrapper) getEnabled() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Recorder.Enabled, nil
}

// IsEnabled reports the Enabled flag under the recorder's lock
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled && r.Root != ""
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and /autowrite/enabled
// to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: "POST", Path: "/autowrite/root"}] = generichttp.SetString(h.setRoot)
	rt[generichttp.MethodPath{Method: "GET", Path: "/autowrite/root"}] = generichttp.GetString(h.getRoot)
	rt[generichttp.MethodPath{Method: "POST", Path: "/autowrite/prefix"}] = generichttp.SetString(h.setPrefix)
	rt[generichttp.MethodPath{Method: "GET", Path: "/autowrite/prefix"}] = generichttp.GetString(h.getPrefix)
	rt[generichttp.MethodPath{Method: "POST", Path: "/autowrite/enabled"}] = generichttp.SetBool(h.setEnabled)
	rt[generichttp.MethodPath{Method: "GET", Path: "/autowrite/enabled"}] = generichttp.GetBool(h.getEnabled)
}
