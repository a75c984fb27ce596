package record

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/crest-lab/zwscan/scan"
	"github.com/snksoft/crc"
)

var crc32Table = crc.NewTable(crc.CRC32)

var manifestHeader = []string{"File", "Seq", "Row", "Column", "X", "Y", "Time", "CRC32"}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// spectrumCSV encodes one spectrum as Pixel,Intensity rows
func spectrumCSV(intens []float64) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"Pixel", "Intensity"})
	for i, v := range intens {
		w.Write([]string{strconv.Itoa(i), formatFloat(v)})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// SeparateCSV writes every frame to its own file as soon as it is recorded.
// The manifest lists each file with its grid position and CRC-32.
type SeparateCSV struct {
	Base string

	mf *os.File
	mw *csv.Writer
}

// NewSeparate creates the manifest for base
func NewSeparate(base string) (*SeparateCSV, error) {
	f, err := os.Create(ManifestPath(base))
	if err != nil {
		return nil, err
	}
	s := &SeparateCSV{Base: base, mf: f, mw: csv.NewWriter(f)}
	s.mw.Write(manifestHeader)
	s.mw.Flush()
	if err = s.mw.Error(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Record writes f to StepPath(Base, f.Seq) and appends it to the manifest
func (s *SeparateCSV) Record(f scan.Frame) error {
	b, err := spectrumCSV(f.Intensities)
	if err != nil {
		return err
	}
	path := StepPath(s.Base, f.Seq)
	if err = os.WriteFile(path, b, 0o644); err != nil {
		return err
	}
	log.Printf("spectrum saved to %s\n", path)
	s.mw.Write([]string{
		filepath.Base(path),
		strconv.Itoa(f.Seq),
		strconv.Itoa(f.Row),
		strconv.Itoa(f.Column),
		formatFloat(f.X),
		formatFloat(f.Y),
		f.Time.Format(time.RFC3339Nano),
		fmt.Sprintf("%08x", crc32Table.CalculateCRC(b)),
	})
	s.mw.Flush()
	return s.mw.Error()
}

// Close closes the manifest
func (s *SeparateCSV) Close() error {
	s.mw.Flush()
	err := s.mw.Error()
	if cerr := s.mf.Close(); err == nil {
		err = cerr
	}
	return err
}

// ChecksumMismatch is generated when a file does not match its manifest entry
type ChecksumMismatch struct {
	File      string
	Want, Got string
}

func (e ChecksumMismatch) Error() string {
	return fmt.Sprintf("%s: CRC-32 is %s, manifest says %s", e.File, e.Got, e.Want)
}

// Verify checks every file listed in a manifest against its CRC-32.  It
// returns the number of files checked and the joined errors of those that
// are missing or do not match.
func Verify(manifest string) (int, error) {
	f, err := os.Open(manifest)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	hdr, err := r.Read()
	if err != nil {
		return 0, err
	}
	if len(hdr) != len(manifestHeader) || hdr[0] != manifestHeader[0] {
		return 0, fmt.Errorf("%s is not a scan manifest", manifest)
	}
	dir := filepath.Dir(manifest)
	var (
		n    int
		errs []error
	)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		n++
		name, want := rec[0], rec[len(rec)-1]
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got := fmt.Sprintf("%08x", crc32Table.CalculateCRC(b))
		if got != want {
			errs = append(errs, ChecksumMismatch{File: name, Want: want, Got: got})
		}
	}
	return n, errors.Join(errs...)
}

// AggregateCSV buffers frames and writes them as columns of one file on Close
type AggregateCSV struct {
	Path string

	frames []scan.Frame
}

// NewAggregate returns a sink writing base.csv, with room for expected frames
func NewAggregate(base string, expected int) *AggregateCSV {
	return &AggregateCSV{Path: base + ".csv", frames: make([]scan.Frame, 0, expected)}
}

// Record buffers f
func (a *AggregateCSV) Record(f scan.Frame) error {
	a.frames = append(a.frames, f)
	return nil
}

// sortedFrames returns frames in sequence order and their common length
func sortedFrames(frames []scan.Frame) ([]scan.Frame, int, error) {
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Seq < frames[j].Seq })
	if len(frames) == 0 {
		return frames, 0, nil
	}
	p := len(frames[0].Intensities)
	for _, f := range frames[1:] {
		if len(f.Intensities) != p {
			return nil, 0, fmt.Errorf("frame %d has %d samples, frame %d has %d", f.Seq, len(f.Intensities), frames[0].Seq, p)
		}
	}
	return frames, p, nil
}

// Close writes the file.  Columns are Pixel then one per frame, headed by
// the frame's sequence index.  Nothing is written if no frame was recorded.
func (a *AggregateCSV) Close() error {
	frames, p, err := sortedFrames(a.frames)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}
	f, err := os.Create(a.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	row := make([]string, len(frames)+1)
	row[0] = "Pixel"
	for i, fr := range frames {
		row[i+1] = strconv.Itoa(fr.Seq)
	}
	w.Write(row)
	for px := 0; px < p; px++ {
		row[0] = strconv.Itoa(px)
		for i, fr := range frames {
			row[i+1] = formatFloat(fr.Intensities[px])
		}
		w.Write(row)
	}
	w.Flush()
	if err = w.Error(); err != nil {
		return err
	}
	log.Printf("%d spectra saved to %s\n", len(frames), a.Path)
	return f.Close()
}
