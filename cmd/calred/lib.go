package main

import (
	"context"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/calred/exposure"
	"github.com/nasa-jpl/calred/frame"
	"github.com/nasa-jpl/calred/generichttp"
	"github.com/nasa-jpl/calred/imgrec"
	"github.com/nasa-jpl/calred/reducer"
	"github.com/nasa-jpl/calred/server/middleware/locker"
	"github.com/nasa-jpl/calred/util"
)

func source(c config) exposure.FITS {
	return exposure.FITS{
		GainKey:     c.GainKey,
		ExposureKey: c.ExposureKey,
		Retry:       util.SecsToDuration(c.RetrySeconds)}
}

// deriveAll sets the reference frames in bias, dark, flat order, stopping at
// the first empty pattern list.  step, if not nil, is called before each one.
// The number of slots set is returned.
func deriveAll(r reducer.Calibrator, c config, step func(reducer.Slot)) (int, error) {
	sets := []struct {
		slot     reducer.Slot
		patterns []string
		set      func(...string) error
	}{
		{reducer.Bias, c.Bias, r.SetBiasFrames},
		{reducer.Dark, c.Dark, r.SetDarkCurrentFrames},
		{reducer.Flat, c.Flat, r.SetFlatFrames},
	}
	n := 0
	for _, s := range sets {
		if len(s.patterns) == 0 {
			break
		}
		if step != nil {
			step(s.slot)
		}
		if err := s.set(s.patterns...); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// deriveWithSpinner runs deriveAll behind a terminal spinner
func deriveWithSpinner(r reducer.Calibrator, c config) error {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           "deriving reference frames",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		// fall back to plain logging
		_, err = deriveAll(r, c, func(s reducer.Slot) { log.Printf("deriving %s frame\n", s) })
		return err
	}
	spinner.Start()
	start := time.Now()
	n, err := deriveAll(r, c, func(s reducer.Slot) { spinner.Message("deriving " + s.String() + " frame") })
	if err != nil {
		spinner.Message(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.Message(r.Readiness().String() + " in " + time.Since(start).Round(time.Millisecond).String())
	spinner.Stop()
	if n < 3 {
		color.Yellow("only %d of 3 reference frames configured, calibration is limited to %s", n, r.Readiness())
	}
	return nil
}

// batch calibrates science frames from one source into one recorder
type batch struct {
	r         *reducer.Reducer
	src       exposure.Source
	rec       *imgrec.Recorder
	stage     reducer.Slot
	applyGain bool
	run       uuid.UUID

	// gainKey and exposureKey name the output cards, matching the source's keys
	gainKey, exposureKey string
}

func newBatch(c config, r *reducer.Reducer, src exposure.Source, stage reducer.Slot) *batch {
	return &batch{
		r:           r,
		src:         src,
		rec:         &imgrec.Recorder{Root: c.Recorder.Root, Prefix: c.Recorder.Prefix},
		stage:       stage,
		applyGain:   c.ApplyGain,
		run:         uuid.New(),
		gainKey:     c.GainKey,
		exposureKey: c.ExposureKey}
}

// calibrateFile loads, calibrates and records one science frame.  Outputs
// are numbered by the recorder; the CALSRC card names the raw frame.
func (b *batch) calibrateFile(id string) (string, frame.Stats, error) {
	raw, err := b.src.Load(id)
	if err != nil {
		return "", frame.Stats{}, err
	}
	sci, err := frame.FromRecord(raw, b.applyGain)
	if err != nil {
		return "", frame.Stats{}, err
	}
	out, err := b.r.Calibrate(b.stage, sci, raw.ExposureTime)
	if err != nil {
		return "", frame.Stats{}, err
	}
	gain := 1.
	if !b.applyGain {
		gain = raw.Gain
	}
	prov := reducer.Provenance{
		Stage:        b.stage,
		Run:          b.run,
		ExposureTime: raw.ExposureTime,
		Gain:         gain,
		GainKey:      b.gainKey,
		ExposureKey:  b.exposureKey}
	cards := append([]fitsio.Card{{Name: "CALSRC", Value: filepath.Base(id), Comment: "raw frame"}}, prov.Cards()...)
	fn, err := b.rec.WriteFrame("", out, cards)
	return fn, out.Stats(), err
}

func reduce(c config, args []string) {
	if len(args) > 0 {
		c.Science = util.SplitPatterns(strings.Join(args, ","))
	}
	stage, err := reducer.ParseSlot(c.Stage)
	if err != nil {
		log.Fatal(err)
	}
	src := source(c)
	r := reducer.New(src, c.ApplyGain)
	if err = deriveWithSpinner(r, c); err != nil {
		log.Fatal(err)
	}
	ids, err := src.Resolve(c.Science)
	if err != nil {
		log.Fatal(err)
	}
	b := newBatch(c, r, src, stage)
	failed := 0
	for _, id := range ids {
		fn, st, err := b.calibrateFile(id)
		if err != nil {
			failed++
			color.Red("%s: %v", id, err)
			continue
		}
		color.Green("%s -> %s", id, fn)
		log.Printf("min %g max %g mean %g\n", st.Min, st.Max, st.Mean)
	}
	color.Cyan("run %s: %d of %d frames calibrated through %s", b.run, len(ids)-failed, len(ids), stage)
	if failed > 0 {
		log.Fatalf("%d frames failed", failed)
	}
}

func watchdir(c config) {
	stage, err := reducer.ParseSlot(c.Stage)
	if err != nil {
		log.Fatal(err)
	}
	src := source(c)
	r := reducer.New(src, c.ApplyGain)
	if err = deriveWithSpinner(r, c); err != nil {
		log.Fatal(err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatal(err)
	}
	defer w.Close()
	if err = w.Add(c.Watch.Dir); err != nil {
		log.Fatal(err)
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if c.Watch.PerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(c.Watch.PerSecond), 1)
	}
	b := newBatch(c, r, src, stage)
	log.Printf("watching %s for %s, run %s\n", c.Watch.Dir, c.Watch.Pattern, b.run)
	ctx := context.Background()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !wanted(ev, c.Watch.Pattern) {
				continue
			}
			if err := lim.Wait(ctx); err != nil {
				log.Println(err)
				continue
			}
			fn, st, err := b.calibrateFile(ev.Name)
			if err != nil {
				color.Red("%s: %v", ev.Name, err)
				continue
			}
			color.Green("%s -> %s (mean %g)", ev.Name, fn, st.Mean)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Println("watch error:", err)
		}
	}
}

// wanted is true for newly created files whose base name matches pattern
func wanted(ev fsnotify.Event, pattern string) bool {
	if ev.Op&fsnotify.Create == 0 {
		return false
	}
	if pattern == "" {
		return true
	}
	ok, err := filepath.Match(pattern, filepath.Base(ev.Name))
	return err == nil && ok
}

// BuildMux assembles the HTTP service around an already-derived reducer.
// Metrics are registered with reg and served at /metrics outside of Root.
func BuildMux(c config, g *reducer.Guarded, reg *prometheus.Registry) (chi.Router, *locker.Locker, error) {
	m, err := reducer.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}
	m.Readiness.Set(float64(g.Readiness()))
	rec := &imgrec.Recorder{Root: c.Recorder.Root, Prefix: c.Recorder.Prefix}
	w := reducer.NewHTTPWrapper(g, c.ApplyGain, rec, m)
	w.GainKey = c.GainKey
	w.ExposureKey = c.ExposureKey

	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, "calibrate", "autowrite")
	lock.AllowReads = true
	locker.Inject(w, lock)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux := chi.NewRouter()
	mux.Use(lock.Check)
	w.RT().Bind(mux)
	root.Mount(generichttp.SubMuxSanitize(c.Root), mux)
	return root, lock, nil
}

func run(c config) {
	r := reducer.New(source(c), c.ApplyGain)
	if err := deriveWithSpinner(r, c); err != nil {
		// the service can still be told where the frames are
		log.Println("reference frames not derived at startup:", err)
	}
	g := reducer.NewGuarded(r)
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	root, _, err := BuildMux(c, g, reg)
	if err != nil {
		log.Fatal(err)
	}
	addr := c.Addr + c.Root
	log.Println("now listening for requests at ", addr)
	log.Fatal(http.ListenAndServe(c.Addr, root))
}
