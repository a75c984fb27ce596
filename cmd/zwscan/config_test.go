package main

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crest-lab/zwscan/motion"
	"github.com/crest-lab/zwscan/record"
	"github.com/crest-lab/zwscan/scan"
	"github.com/crest-lab/zwscan/spectrometer"
	"github.com/crest-lab/zwscan/wasatch"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesScanDefaults(t *testing.T) {
	got := defaultConfig().ScanConfig()
	if diff := cmp.Diff(scan.DefaultConfig(), got); diff != "" {
		t.Errorf("defaults differ (-scan +cli):\n%s", diff)
	}
}

func TestOutputModes(t *testing.T) {
	c := defaultConfig()
	c.Output.Modes = []string{"Separate", " fits"}
	got, err := c.OutputModes()
	require.NoError(t, err)
	assert.Equal(t, []record.Mode{record.Separate, record.FITS}, got)

	for _, modes := range [][]string{nil, {"csv"}, {"fits", "fits"}} {
		c.Output.Modes = modes
		_, err = c.OutputModes()
		var cf *scan.ConfigFault
		assert.ErrorAs(t, err, &cf, "modes %v", modes)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitCompleted},
		{scan.ErrCancelled, exitCancelled},
		{errors.Join(scan.ErrCancelled, &spectrometer.AcquisitionFault{Op: "disable illumination", Err: errors.New("usb")}), exitFault},
		{&motion.Fault{Axis: "primary", Op: "move rel", Err: motion.ErrTimeout}, exitFault},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRemedy(t *testing.T) {
	assert.Contains(t, remedy(&scan.ConfigFault{Field: "grid.rows", Err: errors.New("x")}), "grid.rows")
	assert.Equal(t, "close it", remedy(&spectrometer.ConnectionFault{Device: "wasatch", Err: errors.New("x"), Remedy: "close it"}))
	assert.Contains(t, remedy(&motion.Fault{Err: errors.New("x")}), "re-home")
	assert.Empty(t, remedy(errors.New("other")))
}

func TestConfirmOverwrite(t *testing.T) {
	base := filepath.Join(t.TempDir(), "scan")
	modes := []record.Mode{record.Aggregate}
	var out bytes.Buffer

	ok, err := confirmOverwrite(modes, base, bufio.NewReader(strings.NewReader("")), &out)
	require.NoError(t, err)
	assert.True(t, ok, "nothing to overwrite")
	assert.Empty(t, out.String())

	require.NoError(t, os.WriteFile(base+".csv", nil, 0o644))
	ok, _ = confirmOverwrite(modes, base, bufio.NewReader(strings.NewReader("n\n")), &out)
	assert.False(t, ok)
	assert.Contains(t, out.String(), "Overwrite?")
	ok, _ = confirmOverwrite(modes, base, bufio.NewReader(strings.NewReader("Y\n")), &out)
	assert.True(t, ok)
}

func TestBellRings(t *testing.T) {
	var out bytes.Buffer
	bell{out: &out}.Notify(scan.Report{Frames: 4, Total: 4})
	assert.Equal(t, "\a", out.String())
}

func TestMockRun(t *testing.T) {
	dir := t.TempDir()
	c := defaultConfig()
	c.Addr = ""
	c.Grid.Rows, c.Grid.Columns = 3, 2
	c.Acquisition.Settle = 0
	c.Mock = MockSetup{Pixels: 8}
	c.Output.Base = filepath.Join(dir, "scan")
	c.Output.Modes = []string{"separate", "aggregate"}

	require.Equal(t, exitCompleted, run(c, true, true))
	n, err := record.Verify(record.ManifestPath(c.Output.Base))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, err = os.Stat(c.Output.Base + ".csv")
	assert.NoError(t, err)
}

func TestMockRunBadConfig(t *testing.T) {
	c := defaultConfig()
	c.Grid.Step = -1
	assert.Equal(t, exitFault, run(c, true, true))
}

func TestSetupFaultTurnsLaserOff(t *testing.T) {
	spec := wasatch.NewMock(8)
	require.NoError(t, spec.SetIlluminationEnabled(true))
	code := setupFault(spec, &spectrometer.ConnectionFault{Device: "spectrometer", Err: spectrometer.ErrBlankIdentity})
	assert.Equal(t, exitFault, code)
	calls := spec.IlluminationCalls()
	require.NotEmpty(t, calls)
	assert.False(t, calls[len(calls)-1], "laser left on after a setup fault")
}

func TestMockRunUnwritableOutput(t *testing.T) {
	c := defaultConfig()
	c.Addr = ""
	c.Mock = MockSetup{Pixels: 8}
	c.Output.Base = filepath.Join(t.TempDir(), "missing", "scan")
	assert.Equal(t, exitFault, run(c, true, true))
}
