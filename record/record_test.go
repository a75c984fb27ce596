package record

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/crest-lab/zwscan/scan"
	"github.com/crest-lab/zwscan/spectrometer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frames(n, p int) []scan.Frame {
	out := make([]scan.Frame, n)
	for i := range out {
		in := make([]float64, p)
		for j := range in {
			in[j] = float64(100*i + j)
		}
		out[i] = scan.Frame{Seq: i, Row: i / 2, Column: i % 2, X: float64(i) * 10, Intensities: in, Time: time.Unix(1700000000+int64(i), 0)}
	}
	return out
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return recs
}

func TestSeparateWritesOneFilePerFrame(t *testing.T) {
	base := filepath.Join(t.TempDir(), "scan")
	s, err := NewSeparate(base)
	require.NoError(t, err)
	for _, f := range frames(3, 4) {
		require.NoError(t, s.Record(f))
	}
	require.NoError(t, s.Close())

	recs := readCSV(t, base+"_step_3.csv")
	assert.Equal(t, []string{"Pixel", "Intensity"}, recs[0])
	assert.Equal(t, []string{"3", "203"}, recs[4])
	assert.Len(t, recs, 5)

	man := readCSV(t, ManifestPath(base))
	require.Len(t, man, 4)
	assert.Equal(t, "scan_step_1.csv", man[1][0])

	n, err := Verify(ManifestPath(base))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	base := filepath.Join(t.TempDir(), "scan")
	s, err := NewSeparate(base)
	require.NoError(t, err)
	for _, f := range frames(2, 4) {
		require.NoError(t, s.Record(f))
	}
	require.NoError(t, s.Close())
	require.NoError(t, os.WriteFile(StepPath(base, 1), []byte("Pixel,Intensity\n0,1\n"), 0o644))

	_, err = Verify(ManifestPath(base))
	var cm ChecksumMismatch
	require.True(t, errors.As(err, &cm), "expected ChecksumMismatch, got %v", err)
	assert.Equal(t, "scan_step_2.csv", cm.File)
}

func TestAggregateOrdersBySeq(t *testing.T) {
	base := filepath.Join(t.TempDir(), "scan")
	a := NewAggregate(base, 3)
	fs := frames(3, 2)
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, a.Record(fs[i]))
	}
	require.NoError(t, a.Close())
	recs := readCSV(t, base+".csv")
	assert.Equal(t, [][]string{
		{"Pixel", "0", "1", "2"},
		{"0", "0", "100", "200"},
		{"1", "1", "101", "201"},
	}, recs)
}

func TestAggregateRejectsRaggedFrames(t *testing.T) {
	a := NewAggregate(filepath.Join(t.TempDir(), "scan"), 2)
	fs := frames(2, 3)
	fs[1].Intensities = fs[1].Intensities[:2]
	a.Record(fs[0])
	a.Record(fs[1])
	assert.Error(t, a.Close())
}

func TestAggregateEmptyWritesNothing(t *testing.T) {
	base := filepath.Join(t.TempDir(), "scan")
	require.NoError(t, NewAggregate(base, 4).Close())
	_, err := os.Stat(base + ".csv")
	assert.True(t, os.IsNotExist(err))
}

func TestFITSCube(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.fits")
	meta := Meta{Grid: scan.Square(2, 0, 0, 10, 100), Instrument: spectrometer.Identity{Model: "WP-785", Serial: "1"}, IntegrationMs: 500}
	c := NewFITS(path, 4, meta)
	for _, f := range frames(4, 5) {
		require.NoError(t, c.Record(f))
	}
	require.NoError(t, c.Close())

	r, err := os.Open(path)
	require.NoError(t, err)
	defer r.Close()
	f, err := fitsio.Open(r)
	require.NoError(t, err)
	defer f.Close()

	im := f.HDU(0).(fitsio.Image)
	assert.Equal(t, []int{5, 4}, im.Header().Axes())
	assert.Equal(t, "WP-785", im.Header().Get("INSTRUME").Value)
	data := make([]float64, 5*4)
	require.NoError(t, im.Read(&data))
	assert.Equal(t, 304., data[5*3+4])

	tbl := f.Get("FRAMES").(*fitsio.Table)
	assert.EqualValues(t, 4, tbl.NumRows())
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.db")
	d, err := NewDB(path, Meta{Grid: scan.Square(2, 0, 0, 10, 100)})
	require.NoError(t, err)
	for _, f := range frames(4, 3) {
		require.NoError(t, d.Record(f))
	}
	spec, err := d.Spectrum(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{200, 201, 202}, spec)

	var n int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM frames WHERE scan_id = ?", d.ScanID).Scan(&n))
	assert.Equal(t, 4, n)
	require.NoError(t, d.Close())

	// a second scan appends to the same database
	d2, err := NewDB(path, Meta{})
	require.NoError(t, err)
	defer d2.Close()
	assert.Equal(t, d.ScanID+1, d2.ScanID)
}

func TestNewRejectsBadDestination(t *testing.T) {
	_, err := New(Separate, "", 1, Meta{})
	var cf *scan.ConfigFault
	require.ErrorAs(t, err, &cf)

	_, err = New(Separate, filepath.Join(t.TempDir(), "nope", "scan"), 1, Meta{})
	require.ErrorAs(t, err, &cf)

	_, err = New("parquet", filepath.Join(t.TempDir(), "scan"), 1, Meta{})
	require.ErrorAs(t, err, &cf)
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestExisting(t *testing.T) {
	base := filepath.Join(t.TempDir(), "scan")
	got, err := Existing(Aggregate, base)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, os.WriteFile(base+".csv", nil, 0o644))
	got, _ = Existing(Aggregate, base)
	assert.Equal(t, []string{base + ".csv"}, got)
}

func TestMultiRecordsToAll(t *testing.T) {
	dir := t.TempDir()
	a := NewAggregate(filepath.Join(dir, "a"), 1)
	b := NewAggregate(filepath.Join(dir, "b"), 1)
	m := Multi{a, b}
	require.NoError(t, m.Record(frames(1, 2)[0]))
	require.NoError(t, m.Close())
	for _, p := range []string{"a.csv", "b.csv"} {
		_, err := os.Stat(filepath.Join(dir, p))
		assert.NoError(t, err)
	}
}
