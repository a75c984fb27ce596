// Package record persists scan frames: one CSV per frame, one aggregate CSV,
// a FITS cube or an SQLite database.
package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/crest-lab/zwscan/scan"
	"github.com/crest-lab/zwscan/spectrometer"
)

// Mode selects the output format
type Mode string

const (
	// Separate writes <base>_step_<n>.csv per frame plus a checksum manifest
	Separate Mode = "separate"

	// Aggregate writes <base>.csv with one intensity column per frame
	Aggregate Mode = "aggregate"

	// FITS writes <base>.fits, a pixels x frames image with a frame table
	FITS Mode = "fits"

	// SQLite writes frames and samples to <base>.db
	SQLite Mode = "sqlite"
)

// ErrUnknownMode is generated for a Mode not listed above
var ErrUnknownMode = errors.New("unknown output mode")

// Meta describes the scan for formats that carry a header
type Meta struct {
	Grid          scan.Grid
	Instrument    spectrometer.Identity
	IntegrationMs int
	LaserPowerMW  float64
	Created       time.Time
}

// StepPath is the file of frame seq in Separate mode.  Files are numbered from 1.
func StepPath(base string, seq int) string {
	return base + "_step_" + strconv.Itoa(seq+1) + ".csv"
}

// ManifestPath is the checksum manifest written in Separate mode
func ManifestPath(base string) string {
	return base + "_manifest.csv"
}

// Paths returns the files a scan in mode m would create first, used to
// detect collisions with earlier scans
func Paths(m Mode, base string) ([]string, error) {
	switch m {
	case Separate:
		return []string{ManifestPath(base), StepPath(base, 0)}, nil
	case Aggregate:
		return []string{base + ".csv"}, nil
	case FITS:
		return []string{base + ".fits"}, nil
	case SQLite:
		return nil, nil // scans are appended to the database
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, m)
}

// Existing returns the subset of Paths(m, base) that already exist
func Existing(m Mode, base string) ([]string, error) {
	paths, err := Paths(m, base)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// New returns a sink for mode m writing to base.  expected is the number of
// frames the scan will produce.  Problems with the destination are returned
// as *scan.ConfigFault.
func New(m Mode, base string, expected int, meta Meta) (scan.Sink, error) {
	if base == "" {
		return nil, &scan.ConfigFault{Field: "output.base", Err: errors.New("no output path provided")}
	}
	dir := filepath.Dir(base)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return nil, &scan.ConfigFault{Field: "output.base", Err: fmt.Errorf("directory %q does not exist", dir)}
	}
	var (
		s   scan.Sink
		err error
	)
	switch m {
	case Separate:
		s, err = NewSeparate(base)
	case Aggregate:
		s = NewAggregate(base, expected)
	case FITS:
		s = NewFITS(base+".fits", expected, meta)
	case SQLite:
		s, err = NewDB(base+".db", meta)
	default:
		return nil, &scan.ConfigFault{Field: "output.mode", Err: fmt.Errorf("%w: %q", ErrUnknownMode, m)}
	}
	if err != nil {
		return nil, &scan.ConfigFault{Field: "output.base", Err: err}
	}
	return s, nil
}

// Multi records to several sinks in order
type Multi []scan.Sink

// Record records f to every sink, stopping at the first error
func (m Multi) Record(f scan.Frame) error {
	for _, s := range m {
		if err := s.Record(f); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
