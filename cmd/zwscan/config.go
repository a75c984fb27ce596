package main

import (
	"fmt"
	"strings"

	"github.com/crest-lab/zwscan/record"
	"github.com/crest-lab/zwscan/scan"
	"github.com/crest-lab/zwscan/util"
	"github.com/crest-lab/zwscan/zaber"
)

// ZaberSetup describes the serial link to the stages
type ZaberSetup struct {
	// Addr is the serial port, e.g. /dev/ttyUSB0 or COM3, or host:port for a
	// terminal server
	Addr string `koanf:"addr" yaml:"addr"`

	// Serial selects RS232 (true) or TCP (false)
	Serial bool `koanf:"serial" yaml:"serial"`

	// PollHz is the rate at which busy axes are polled
	PollHz float64 `koanf:"pollhz" yaml:"pollhz"`

	// MicrostepUm is the travel of one microstep
	MicrostepUm float64 `koanf:"microstepum" yaml:"microstepum"`

	// Primary and Secondary are device addresses on the chain.  0 takes the
	// first and second devices found.
	Primary   int `koanf:"primary" yaml:"primary"`
	Secondary int `koanf:"secondary" yaml:"secondary"`

	// PrimaryLimits and SecondaryLimits are soft limits.  Zero values allow
	// any position.
	PrimaryLimits   util.Limiter `koanf:"primarylimits" yaml:"primarylimits"`
	SecondaryLimits util.Limiter `koanf:"secondarylimits" yaml:"secondarylimits"`
}

// WasatchSetup describes the spectrometer
type WasatchSetup struct {
	// MaxPowerMW is the laser output at full duty cycle.  0 uses the value
	// stored in the EEPROM.
	MaxPowerMW float64 `koanf:"maxpowermw" yaml:"maxpowermw"`
}

// GridSetup is the scan geometry, µm and µm/s
type GridSetup struct {
	Rows                int     `koanf:"rows" yaml:"rows"`
	Columns             int     `koanf:"columns" yaml:"columns"`
	X0                  float64 `koanf:"x0" yaml:"x0"`
	Y0                  float64 `koanf:"y0" yaml:"y0"`
	Step                float64 `koanf:"step" yaml:"step"`
	SecondaryStep       float64 `koanf:"secondarystep" yaml:"secondarystep"`
	InitialSign         int     `koanf:"initialsign" yaml:"initialsign"`
	Velocity            float64 `koanf:"velocity" yaml:"velocity"`
	PositioningVelocity float64 `koanf:"positioningvelocity" yaml:"positioningvelocity"`
}

// AcquisitionSetup holds the spectrometer and timing parameters.  Times are
// in seconds unless the name says otherwise.
type AcquisitionSetup struct {
	IntegrationMs    int     `koanf:"integrationms" yaml:"integrationms"`
	LaserPowerMW     float64 `koanf:"laserpowermw" yaml:"laserpowermw"`
	Settle           float64 `koanf:"settle" yaml:"settle"`
	Warmup           float64 `koanf:"warmup" yaml:"warmup"`
	CorrectDark      bool    `koanf:"correctdark" yaml:"correctdark"`
	Despike          bool    `koanf:"despike" yaml:"despike"`
	DespikeWindow    int     `koanf:"despikewindow" yaml:"despikewindow"`
	DespikeThreshold float64 `koanf:"despikethreshold" yaml:"despikethreshold"`

	// Cancel is "point" or "row"
	Cancel string `koanf:"cancel" yaml:"cancel"`

	// MoveTimeout bounds each stage move; 0 disables it
	MoveTimeout float64 `koanf:"movetimeout" yaml:"movetimeout"`
}

// OutputSetup says where and how frames are recorded
type OutputSetup struct {
	// Base is the path prefix of every output file
	Base string `koanf:"base" yaml:"base"`

	// Modes is any of separate, aggregate, fits, sqlite
	Modes []string `koanf:"modes" yaml:"modes"`

	// Preview is a PNG rewritten with the latest spectrum; empty disables
	// the file (the HTTP preview still works)
	Preview string `koanf:"preview" yaml:"preview"`

	// PreviewHz limits how often Preview is rewritten
	PreviewHz float64 `koanf:"previewhz" yaml:"previewhz"`
}

// MockSetup tunes the simulated hardware used by the mock command
type MockSetup struct {
	// TimeScale multiplies the simulated travel time of the stages
	TimeScale float64 `koanf:"timescale" yaml:"timescale"`

	// Pixels is the size of the simulated detector
	Pixels int `koanf:"pixels" yaml:"pixels"`

	// Integrate makes the mock spectrometer sleep its integration time
	Integrate bool `koanf:"integrate" yaml:"integrate"`
}

// Config is the complete zwscan configuration
type Config struct {
	// Addr is the HTTP listen address; empty disables the server
	Addr string `koanf:"addr" yaml:"addr"`

	Zaber       ZaberSetup       `koanf:"zaber" yaml:"zaber"`
	Wasatch     WasatchSetup     `koanf:"wasatch" yaml:"wasatch"`
	Grid        GridSetup        `koanf:"grid" yaml:"grid"`
	Acquisition AcquisitionSetup `koanf:"acquisition" yaml:"acquisition"`
	Output      OutputSetup      `koanf:"output" yaml:"output"`
	Mock        MockSetup        `koanf:"mock" yaml:"mock"`
}

// defaultConfig mirrors scan.DefaultConfig
func defaultConfig() Config {
	d := scan.DefaultConfig()
	return Config{
		Addr: ":8000",
		Zaber: ZaberSetup{
			Addr:        "/dev/ttyUSB0",
			Serial:      true,
			PollHz:      20,
			MicrostepUm: zaber.DefaultMicrostepSize},
		Grid: GridSetup{
			Rows:        d.Grid.Rows,
			Columns:     d.Grid.Columns,
			Step:        d.Grid.StepSize,
			InitialSign: 1,
			Velocity:    d.Grid.Velocity},
		Acquisition: AcquisitionSetup{
			IntegrationMs:    d.IntegrationTimeMs,
			LaserPowerMW:     d.LaserPowerMW,
			Settle:           d.SettleInterval.Seconds(),
			CorrectDark:      d.CorrectDark,
			DespikeWindow:    d.DespikeWindow,
			DespikeThreshold: d.DespikeThreshold,
			Cancel:           string(d.CancelGranularity),
			MoveTimeout:      d.MoveTimeout.Seconds()},
		Output: OutputSetup{
			Base:      "scan",
			Modes:     []string{string(record.Separate)},
			PreviewHz: 1},
		Mock: MockSetup{TimeScale: 0.01, Pixels: 1024},
	}
}

// ScanConfig converts c to the orchestrator's configuration
func (c Config) ScanConfig() scan.Config {
	g, a := c.Grid, c.Acquisition
	return scan.Config{
		Grid: scan.Grid{
			X0:                  g.X0,
			Y0:                  g.Y0,
			Rows:                g.Rows,
			Columns:             g.Columns,
			StepSize:            g.Step,
			SecondaryStep:       g.SecondaryStep,
			InitialSign:         g.InitialSign,
			Velocity:            g.Velocity,
			PositioningVelocity: g.PositioningVelocity},
		SettleInterval:    util.SecsToDuration(a.Settle),
		LaserWarmup:       util.SecsToDuration(a.Warmup),
		IntegrationTimeMs: a.IntegrationMs,
		LaserPowerMW:      a.LaserPowerMW,
		CorrectDark:       a.CorrectDark,
		Despike:           a.Despike,
		DespikeWindow:     a.DespikeWindow,
		DespikeThreshold:  a.DespikeThreshold,
		CancelGranularity: scan.Granularity(strings.ToLower(a.Cancel)),
		MoveTimeout:       util.SecsToDuration(a.MoveTimeout),
	}
}

// OutputModes returns the configured modes, rejecting unknown or repeated ones
func (c Config) OutputModes() ([]record.Mode, error) {
	if len(c.Output.Modes) == 0 {
		return nil, &scan.ConfigFault{Field: "output.modes", Err: fmt.Errorf("no output mode given")}
	}
	seen := map[record.Mode]bool{}
	out := make([]record.Mode, 0, len(c.Output.Modes))
	for _, s := range c.Output.Modes {
		m := record.Mode(strings.ToLower(strings.TrimSpace(s)))
		if _, err := record.Paths(m, ""); err != nil {
			return nil, &scan.ConfigFault{Field: "output.modes", Err: err}
		}
		if seen[m] {
			return nil, &scan.ConfigFault{Field: "output.modes", Err: fmt.Errorf("%q listed twice", m)}
		}
		seen[m] = true
		out = append(out, m)
	}
	return out, nil
}
