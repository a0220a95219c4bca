package imgrec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/calred/exposure"
	"github.com/nasa-jpl/calred/frame"
)

func fixedDay() time.Time {
	return time.Date(2024, time.March, 7, 23, 0, 0, 0, time.UTC)
}

func TestWriteFrameIncrementsCounter(t *testing.T) {
	root := t.TempDir()
	r := &Recorder{Root: root, Prefix: "sci_", now: fixedDay}
	f := frame.Fill(2, 2, 3)
	cards := []fitsio.Card{{Name: "EGAIN", Value: 1.0}, {Name: "EXPTIME", Value: 2.0}}
	fn1, err := r.WriteFrame("", f, cards)
	if err != nil {
		t.Fatal(err)
	}
	fn2, err := r.WriteFrame("", f, cards)
	if err != nil {
		t.Fatal(err)
	}
	expected1 := filepath.Join(root, "2024-03-07", "sci_000001.fits")
	expected2 := filepath.Join(root, "2024-03-07", "sci_000002.fits")
	if fn1 != expected1 || fn2 != expected2 {
		t.Errorf("expected %s and %s, got %s and %s", expected1, expected2, fn1, fn2)
	}
	rec, err := exposure.FITS{}.Load(fn2)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Pixels[3] != 3 || rec.ExposureTime != 2 {
		t.Errorf("written frame did not round trip, got %+v", rec)
	}
}

func TestCounterResumesFromDisk(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "2024-03-07")
	if err := os.MkdirAll(dir, 0777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sci_000041.fits"), nil, 0666); err != nil {
		t.Fatal(err)
	}
	r := &Recorder{Root: root, Prefix: "sci_", now: fixedDay}
	fn, err := r.WriteFile("", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(fn) != "sci_000042.fits" {
		t.Errorf("expected counter to resume at 42, got %s", fn)
	}
}

func TestWriteFileKeepsName(t *testing.T) {
	r := &Recorder{Root: t.TempDir(), Prefix: "cal_", now: fixedDay}
	fn, err := r.WriteFile("/data/raw/m31_0001.fits", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(fn) != "cal_m31_0001.fits" {
		t.Errorf("expected cal_m31_0001.fits, got %s", fn)
	}
}
