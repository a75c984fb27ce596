// Package preview renders the most recent spectrum of a scan as a PNG.
package preview

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrNoSpectrum is generated when a render is requested before any update
var ErrNoSpectrum = errors.New("no spectrum has been acquired yet")

const (
	width  = 8 * vg.Inch
	height = 4 * vg.Inch
)

// Preview keeps the latest spectrum and, if Path is set, rewrites a PNG of it
// at most Hz times per second.  It satisfies scan.Visualizer.
type Preview struct {
	// Path is the PNG file to rewrite; empty keeps the spectrum in memory only
	Path string

	// Title is drawn above the plot
	Title string

	mu     sync.Mutex
	latest []float64
	lim    *rate.Limiter
}

// New returns a preview writing path no more than hz times per second
func New(path string, hz float64) *Preview {
	if hz <= 0 {
		hz = 1
	}
	return &Preview{Path: path, Title: "Spectrum", lim: rate.NewLimiter(rate.Limit(hz), 1)}
}

// Update stores intens and rewrites the PNG if the rate limit allows
func (p *Preview) Update(intens []float64) error {
	cp := make([]float64, len(intens))
	copy(cp, intens)
	p.mu.Lock()
	p.latest = cp
	p.mu.Unlock()
	if p.Path == "" || !p.lim.Allow() {
		return nil
	}
	return p.save(cp)
}

func (p *Preview) plot(intens []float64) (*plot.Plot, error) {
	pl := plot.New()
	pl.Title.Text = p.Title
	pl.X.Label.Text = "Pixel"
	pl.Y.Label.Text = "Intensity"
	pts := make(plotter.XYs, len(intens))
	for i, v := range intens {
		pts[i].X = float64(i)
		pts[i].Y = v
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	pl.Add(line)
	return pl, nil
}

// save writes to a temporary file and renames it, so readers never see a
// partial image
func (p *Preview) save(intens []float64) error {
	pl, err := p.plot(intens)
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(p.Path), ".tmp-"+filepath.Base(p.Path))
	if err = pl.Save(width, height, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, p.Path)
}

// WriteTo renders the latest spectrum as PNG to w
func (p *Preview) WriteTo(w io.Writer) (int64, error) {
	p.mu.Lock()
	latest := p.latest
	p.mu.Unlock()
	if latest == nil {
		return 0, ErrNoSpectrum
	}
	pl, err := p.plot(latest)
	if err != nil {
		return 0, err
	}
	wt, err := pl.WriterTo(width, height, "png")
	if err != nil {
		return 0, err
	}
	return wt.WriteTo(w)
}
