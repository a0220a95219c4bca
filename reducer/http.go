package reducer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nasa-jpl/calred/exposure"
	"github.com/nasa-jpl/calred/frame"
	"github.com/nasa-jpl/calred/generichttp"
	"github.com/nasa-jpl/calred/imgrec"
	"github.com/nasa-jpl/calred/preview"
	"github.com/nasa-jpl/calred/util"
)

// Calibrator is the set of reducer operations served over HTTP.  Both
// *Reducer and *Guarded satisfy it; only *Guarded should be shared between
// requests.
type Calibrator interface {
	SetBiasFrames(patterns ...string) error
	SetDarkCurrentFrames(patterns ...string) error
	SetFlatFrames(patterns ...string) error
	Calibrate(through Slot, f *frame.Frame, exposureTime float64) (*frame.Frame, error)
	Frame(s Slot) (*frame.Frame, error)
	Readiness() Readiness
}

// Metrics are the prometheus collectors updated by the HTTP wrapper
type Metrics struct {
	Derivations  *prometheus.CounterVec
	Calibrations *prometheus.CounterVec
	Readiness    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Derivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "calred",
			Name:      "derivations_total",
			Help:      "Reference frame derivations by slot and outcome.",
		}, []string{"slot", "result"}),
		Calibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "calred",
			Name:      "calibrations_total",
			Help:      "Science frames calibrated by stage and outcome.",
		}, []string{"stage", "result"}),
		Readiness: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "calred",
			Name:      "readiness",
			Help:      "0 none, 1 bias, 2 bias+dark, 3 full.",
		}),
	}
	for _, c := range []prometheus.Collector{m.Derivations, m.Calibrations, m.Readiness} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// HTTPWrapper provides HTTP bindings on top of a Calibrator
type HTTPWrapper struct {
	// Calibrator is the wrapped reducer
	Calibrator

	// GainKey and ExposureKey name the header keywords of uploaded science frames
	GainKey, ExposureKey string

	// ApplyGain multiplies uploaded science frames by their gain
	ApplyGain bool

	// Recorder, when enabled, receives a copy of every calibrated frame
	Recorder *imgrec.Recorder

	// Metrics may be nil
	Metrics *Metrics

	// RouteTable maps method/path pairs to http handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(c Calibrator, applyGain bool, rec *imgrec.Recorder, m *Metrics) *HTTPWrapper {
	w := &HTTPWrapper{Calibrator: c, ApplyGain: applyGain, Recorder: rec, Metrics: m}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/readiness"}: w.GetReadiness,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/calibrate"}: w.PostCalibrate,
	}
	for _, s := range []Slot{Bias, Dark, Flat} {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/" + s.String()}] = w.SetFrames(s)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/" + s.String()}] = w.GetFrame(s)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/" + s.String() + "/stats"}] = w.GetStats(s)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/" + s.String() + "/mean"}] = generichttp.GetFloat(w.meanOf(s))
	}
	w.RouteTable = rt
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(w)
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h *HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrPrerequisiteMissing):
		return http.StatusConflict
	case errors.Is(err, exposure.ErrNoFilesFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidExposureTime), errors.Is(err, ErrDegenerateFlat),
		errors.Is(err, frame.ErrShapeMismatch), errors.Is(err, exposure.ErrNotImage),
		errors.Is(err, exposure.ErrMissingKeyword), errors.Is(err, exposure.ErrMalformed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// PatternsT is the body of a POST to /bias, /dark or /flat
type PatternsT struct {
	Patterns []string `json:"patterns"`
}

// SetFrames derives reference frame s from the patterns in the request body
func (h *HTTPWrapper) SetFrames(s Slot) http.HandlerFunc {
	set := map[Slot]func(...string) error{
		Bias: h.Calibrator.SetBiasFrames,
		Dark: h.Calibrator.SetDarkCurrentFrames,
		Flat: h.Calibrator.SetFlatFrames,
	}[s]
	return func(w http.ResponseWriter, r *http.Request) {
		p := PatternsT{}
		err := json.NewDecoder(r.Body).Decode(&p)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		start := time.Now()
		err = set(p.Patterns...)
		h.observeDerivation(s, err)
		if err != nil {
			log.Printf("deriving %s frame from %v failed: %v\n", s, p.Patterns, err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		log.Printf("derived %s frame from %v in %v\n", s, p.Patterns, time.Since(start))
		w.WriteHeader(http.StatusOK)
	}
}

// GetFrame returns reference frame s.
//
// the format may be given in the fmt query parameter as fits, png or jpg; the
// default is fits.  For png and jpg, size caps the longer side in pixels.
func (h *HTTPWrapper) GetFrame(s Slot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := h.Calibrator.Frame(s)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		q := r.URL.Query()
		format := q.Get("fmt")
		if format == "" {
			format = "fits"
		}
		switch format {
		case "fits":
			buf := &bytes.Buffer{}
			hh, ww := f.Shape()
			cards := []fitsio.Card{{Name: "CALFRAME", Value: s.String(), Comment: "reference frame"}}
			if err := exposure.Encode(buf, hh, ww, f.Pixels(), cards); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			hdr := w.Header()
			hdr.Set("Content-Type", "image/fits")
			hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.fits", s))
			w.Write(buf.Bytes())
		case "png", "jpg":
			size := 0
			if str := q.Get("size"); str != "" {
				size, err = strconv.Atoi(str)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
			ctype := "image/png"
			if format == "jpg" {
				ctype = "image/jpeg"
			}
			w.Header().Set("Content-Type", ctype)
			if err := preview.Encode(w, f, format, size); err != nil {
				log.Printf("encoding %s preview: %v\n", s, err)
			}
		default:
			http.Error(w, fmt.Sprintf("unknown format %q, expected fits, png or jpg", format), http.StatusBadRequest)
		}
	}
}

// GetStats returns the min, max and mean of reference frame s as JSON
func (h *HTTPWrapper) GetStats(s Slot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := h.Calibrator.Frame(s)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(f.Stats())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// meanOf returns a function giving the global mean of reference frame s
func (h *HTTPWrapper) meanOf(s Slot) func() (float64, error) {
	return func() (float64, error) {
		f, err := h.Calibrator.Frame(s)
		if err != nil {
			return 0, err
		}
		return f.Mean(), nil
	}
}

// GetReadiness returns the readiness level as json {'str': value}
func (h *HTTPWrapper) GetReadiness(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: h.Calibrator.Readiness().String()}
	hp.EncodeAndRespond(w, r)
}

// PostCalibrate calibrates the FITS file in the request body and returns the result as FITS.
//
// the stage query parameter selects bias, dark or flat (the default).  The
// exposure time is read from the header unless the exposureTime query
// parameter is given, in any format accepted by time.ParseDuration; a bare
// number is taken as seconds.  The exposure time is only required for the
// dark and flat stages, and the gain keyword only when the gain is applied.
func (h *HTTPWrapper) PostCalibrate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stage := Flat
	if str := q.Get("stage"); str != "" {
		var err error
		stage, err = ParseSlot(str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	rec, missing, err := exposure.DecodePartial(r.Body, h.GainKey, h.ExposureKey)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	gain := math.NaN()
	switch {
	case h.ApplyGain && missing&exposure.GainKeyword != 0:
		err = errors.Wrap(exposure.ErrMissingKeyword, keyOr(h.GainKey, exposure.DefaultGainKey))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case h.ApplyGain:
		gain = 1
	case missing&exposure.GainKeyword == 0:
		gain = rec.Gain
	}
	texp := rec.ExposureTime
	if missing&exposure.ExposureKeyword != 0 {
		texp = math.NaN()
	}
	if str := q.Get("exposureTime"); str != "" {
		if util.AllElementsNumbers(str) {
			str = str + "s"
		}
		d, err := time.ParseDuration(str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		texp = d.Seconds()
	}
	if stage >= Dark && math.IsNaN(texp) {
		err = errors.Wrap(exposure.ErrMissingKeyword, keyOr(h.ExposureKey, exposure.DefaultExposureKey))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sci, err := frame.FromRecord(rec, h.ApplyGain)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	out, err := h.Calibrator.Calibrate(stage, sci, texp)
	h.observeCalibration(stage, err)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	buf := &bytes.Buffer{}
	hh, ww := out.Shape()
	cards := Provenance{
		Stage:        stage,
		Run:          uuid.New(),
		ExposureTime: texp,
		Gain:         gain,
		GainKey:      h.GainKey,
		ExposureKey:  h.ExposureKey,
	}.Cards()
	if err := exposure.Encode(buf, hh, ww, out.Pixels(), cards); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if h.Recorder != nil && h.Recorder.IsEnabled() {
		fn, err := h.Recorder.WriteFile("", buf.Bytes())
		if err != nil {
			log.Printf("autowrite failed: %v\n", err)
		} else {
			log.Printf("wrote %s\n", fn)
		}
	}
	hdr := w.Header()
	hdr.Set("Content-Type", "image/fits")
	hdr.Set("Content-Disposition", "attachment; filename=calibrated.fits")
	w.Write(buf.Bytes())
}

// Provenance describes how a calibrated frame was made
type Provenance struct {
	// Stage is the last correction applied
	Stage Slot

	// Run identifies the batch or request the frame came from
	Run uuid.UUID

	// ExposureTime in seconds and Gain are carried over from the raw frame.
	// Gain should be 1 when it has already been applied to the pixels.  NaN
	// marks a value the raw frame did not have; its card is left out.
	ExposureTime, Gain float64

	// GainKey and ExposureKey name the cards, the exposure package defaults if empty
	GainKey, ExposureKey string
}

// Cards are the header cards written on a calibrated frame
func (p Provenance) Cards() []fitsio.Card {
	applied := []string{"bias"}
	if p.Stage >= Dark {
		applied = append(applied, "dark")
	}
	if p.Stage >= Flat {
		applied = append(applied, "flat")
	}
	cards := []fitsio.Card{{Name: "CALSTAGE", Value: strings.Join(applied, "+"), Comment: "corrections applied"}}
	if !math.IsNaN(p.ExposureTime) {
		cards = append(cards, fitsio.Card{Name: keyOr(p.ExposureKey, exposure.DefaultExposureKey), Value: p.ExposureTime, Comment: "exposure time, s"})
	}
	if !math.IsNaN(p.Gain) {
		cards = append(cards, fitsio.Card{Name: keyOr(p.GainKey, exposure.DefaultGainKey), Value: p.Gain, Comment: "detector gain"})
	}
	return append(cards, fitsio.Card{Name: "CALRUN", Value: p.Run.String(), Comment: "calibration run id"})
}

func keyOr(key, def string) string {
	if key == "" {
		return def
	}
	return key
}

func (h *HTTPWrapper) observeDerivation(s Slot, err error) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.Derivations.WithLabelValues(s.String(), result(err)).Inc()
	h.Metrics.Readiness.Set(float64(h.Calibrator.Readiness()))
}

func (h *HTTPWrapper) observeCalibration(s Slot, err error) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.Calibrations.WithLabelValues(s.String(), result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
