package scan

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Granularity is how often the orchestrator polls for cancellation
type Granularity string

const (
	// PerPoint checks after every recorded frame
	PerPoint Granularity = "point"

	// PerRow checks after each row, before the secondary axis advances
	PerRow Granularity = "row"
)

var (
	errNotPositive = errors.New("must be > 0")
	errNegative    = errors.New("must be >= 0")
	errNotFinite   = errors.New("must be finite")
)

// ConfigFault is generated when the scan configuration, output destination
// or reference data is missing or invalid.  It is fatal before a scan starts.
type ConfigFault struct {
	// Field names the offending setting
	Field string

	Err error
}

func (e *ConfigFault) Error() string {
	return fmt.Sprintf("config fault: %s: %v", e.Field, e.Err)
}

// Unwrap returns the underlying error
func (e *ConfigFault) Unwrap() error {
	return e.Err
}

// Grid is the geometry of a scan.  Lengths are µm, velocities µm/s.
type Grid struct {
	// X0, Y0 are the absolute primary and secondary positions of the origin
	X0, Y0 float64

	// Rows is the number of rows (secondary axis steps)
	Rows int

	// Columns is the number of points per row (primary axis steps)
	Columns int

	// StepSize is the primary axis step
	StepSize float64

	// SecondaryStep is the secondary axis advance between rows.  0 uses StepSize.
	SecondaryStep float64

	// InitialSign is the direction of the first row, +1 or -1.  0 means +1.
	InitialSign int

	// Velocity is the velocity of scan moves
	Velocity float64

	// PositioningVelocity is the velocity of the move to the origin.
	// 0 uses Velocity.
	PositioningVelocity float64
}

// Square returns an n x n grid at origin (x0, y0)
func Square(n int, x0, y0, step, vel float64) Grid {
	return Grid{X0: x0, Y0: y0, Rows: n, Columns: n, StepSize: step, InitialSign: 1, Velocity: vel}
}

// Points is the total number of grid points
func (g Grid) Points() int {
	return g.Rows * g.Columns
}

// Sign returns the direction of the primary axis on row r
func (g Grid) Sign(r int) float64 {
	s := 1.
	if g.InitialSign < 0 {
		s = -1
	}
	if r%2 == 1 {
		s = -s
	}
	return s
}

func (g Grid) secondaryStep() float64 {
	if g.SecondaryStep == 0 {
		return g.StepSize
	}
	return g.SecondaryStep
}

func (g Grid) positioningVelocity() float64 {
	if g.PositioningVelocity == 0 {
		return g.Velocity
	}
	return g.PositioningVelocity
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Validate returns a *ConfigFault describing the first problem with g
func (g Grid) Validate() error {
	switch {
	case g.Rows < 1:
		return &ConfigFault{"grid.rows", errNotPositive}
	case g.Columns < 1:
		return &ConfigFault{"grid.columns", errNotPositive}
	case !finite(g.X0):
		return &ConfigFault{"grid.x0", errNotFinite}
	case !finite(g.Y0):
		return &ConfigFault{"grid.y0", errNotFinite}
	case !finite(g.StepSize) || g.StepSize == 0:
		return &ConfigFault{"grid.stepsize", errors.New("must be finite and non-zero")}
	case !finite(g.SecondaryStep):
		return &ConfigFault{"grid.secondarystep", errNotFinite}
	case g.InitialSign < -1 || g.InitialSign > 1:
		return &ConfigFault{"grid.initialsign", errors.New("must be -1, 0 or 1")}
	case !finite(g.Velocity) || g.Velocity <= 0:
		return &ConfigFault{"grid.velocity", errNotPositive}
	case !finite(g.PositioningVelocity) || g.PositioningVelocity < 0:
		return &ConfigFault{"grid.positioningvelocity", errNegative}
	}
	return nil
}

// Config is the complete configuration of an orchestrated scan
type Config struct {
	Grid Grid

	// SettleInterval is the wait between disabling illumination and
	// capturing the dark reference
	SettleInterval time.Duration

	// LaserWarmup is the wait between arming illumination and the first move
	LaserWarmup time.Duration

	// IntegrationTimeMs is the exposure of each frame
	IntegrationTimeMs int

	// LaserPowerMW is the illumination power while scanning
	LaserPowerMW float64

	// CorrectDark enables dark reference capture and subtraction
	CorrectDark bool

	// Despike enables despiking of the dark reference
	Despike bool

	// DespikeWindow is the median filter window, odd
	DespikeWindow int

	// DespikeThreshold is the deviation from the median above which a
	// sample is a spike, counts
	DespikeThreshold float64

	// CancelGranularity is PerPoint or PerRow
	CancelGranularity Granularity

	// MoveTimeout bounds each move.  0 disables the timeout.
	MoveTimeout time.Duration
}

// DefaultConfig returns the configuration used for routine scans: a 10 x 10
// grid of 100 µm steps at 300 µm/s, 5 s integration at 450 mW
func DefaultConfig() Config {
	return Config{
		Grid:              Square(10, 0, 0, 100, 300),
		SettleInterval:    5 * time.Second,
		IntegrationTimeMs: 5000,
		LaserPowerMW:      450,
		CorrectDark:       true,
		DespikeWindow:     5,
		DespikeThreshold:  200,
		CancelGranularity: PerPoint,
		MoveTimeout:       2 * time.Minute,
	}
}

// Validate returns a *ConfigFault describing the first problem with c
func (c Config) Validate() error {
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	switch {
	case c.SettleInterval < 0:
		return &ConfigFault{"settle", errNegative}
	case c.LaserWarmup < 0:
		return &ConfigFault{"warmup", errNegative}
	case c.IntegrationTimeMs < 1:
		return &ConfigFault{"integrationms", errNotPositive}
	case !finite(c.LaserPowerMW) || c.LaserPowerMW < 0:
		return &ConfigFault{"laserpowermw", errNegative}
	case c.MoveTimeout < 0:
		return &ConfigFault{"movetimeout", errNegative}
	}
	if c.Despike {
		if c.DespikeWindow < 1 || c.DespikeWindow%2 == 0 {
			return &ConfigFault{"despike.window", errors.New("must be a positive odd number")}
		}
		if !finite(c.DespikeThreshold) || c.DespikeThreshold <= 0 {
			return &ConfigFault{"despike.threshold", errNotPositive}
		}
	}
	switch c.CancelGranularity {
	case PerPoint, PerRow, "":
	default:
		return &ConfigFault{"cancel", fmt.Errorf("unknown granularity %q, use %q or %q", c.CancelGranularity, PerPoint, PerRow)}
	}
	return nil
}
