package record

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/crest-lab/zwscan/scan"
)

// FITSCube buffers frames and writes them on Close as a float64 image of
// NAXIS1 = pixels by NAXIS2 = frames, followed by a FRAMES binary table of
// grid positions.
type FITSCube struct {
	Path string
	Meta Meta

	frames []scan.Frame
}

// NewFITS returns a sink writing path, with room for expected frames
func NewFITS(path string, expected int, meta Meta) *FITSCube {
	return &FITSCube{Path: path, Meta: meta, frames: make([]scan.Frame, 0, expected)}
}

// Record buffers f
func (c *FITSCube) Record(f scan.Frame) error {
	c.frames = append(c.frames, f)
	return nil
}

// Close writes the file.  Nothing is written if no frame was recorded.
func (c *FITSCube) Close() error {
	frames, p, err := sortedFrames(c.frames)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}
	f, err := os.Create(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = WriteFITS(f, c.Meta, frames, p); err != nil {
		return err
	}
	log.Printf("%d spectra saved to %s\n", len(frames), c.Path)
	return f.Close()
}

func metaCards(m Meta, nframes int) []fitsio.Card {
	created := m.Created
	if created.IsZero() {
		created = time.Now()
	}
	g := m.Grid
	return []fitsio.Card{
		{Name: "INSTRUME", Value: m.Instrument.Model, Comment: "spectrometer model"},
		{Name: "SERIALNO", Value: m.Instrument.Serial, Comment: "spectrometer serial number"},
		{Name: "EXPTIME", Value: float64(m.IntegrationMs) / 1e3, Comment: "integration time, s"},
		{Name: "LASERMW", Value: m.LaserPowerMW, Comment: "illumination power, mW"},
		{Name: "NROWS", Value: g.Rows, Comment: "grid rows"},
		{Name: "NCOLS", Value: g.Columns, Comment: "grid points per row"},
		{Name: "STEPUM", Value: g.StepSize, Comment: "primary step, um"},
		{Name: "X0UM", Value: g.X0, Comment: "primary origin, um"},
		{Name: "Y0UM", Value: g.Y0, Comment: "secondary origin, um"},
		{Name: "NFRAMES", Value: nframes, Comment: "frames recorded"},
		{Name: "DATE", Value: created.UTC().Format("2006-01-02T15:04:05"), Comment: "file creation time, UTC"},
	}
}

// WriteFITS streams frames (sorted, each of p samples) to w
func WriteFITS(w io.Writer, meta Meta, frames []scan.Frame, p int) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(-64, []int{p, len(frames)})
	defer im.Close()
	err = im.Header().Append(metaCards(meta, len(frames))...)
	if err != nil {
		return err
	}
	data := make([]float64, 0, p*len(frames))
	for _, fr := range frames {
		data = append(data, fr.Intensities...)
	}
	if err = im.Write(data); err != nil {
		return err
	}
	if err = fits.Write(im); err != nil {
		return err
	}

	cols := []fitsio.Column{
		{Name: "SEQ", Format: "J"},
		{Name: "ROW", Format: "J"},
		{Name: "COL", Format: "J"},
		{Name: "X", Format: "D", Unit: "um"},
		{Name: "Y", Format: "D", Unit: "um"},
		{Name: "TIME", Format: "D", Unit: "s"},
	}
	tbl, err := fitsio.NewTable("FRAMES", cols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	for _, fr := range frames {
		seq, row, col := int32(fr.Seq), int32(fr.Row), int32(fr.Column)
		x, y := fr.X, fr.Y
		t := float64(fr.Time.UnixNano()) / 1e9
		if err = tbl.Write(&seq, &row, &col, &x, &y, &t); err != nil {
			return err
		}
	}
	return fits.Write(tbl)
}
