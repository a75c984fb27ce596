// Package motion contains an abstract interface for a single linear stage
// and the blocking position command used to drive it.
package motion

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrTimeout is wrapped by a Fault when a move does not complete in time
	ErrTimeout = errors.New("move did not complete before the timeout")

	// ErrInvalidCommand is wrapped by a Fault when a command has a non-finite
	// displacement or a non-positive velocity
	ErrInvalidCommand = errors.New("invalid motion command")

	// ErrSoftLimit is wrapped by a Fault when a move would leave the axis limits
	ErrSoftLimit = errors.New("requested position violates software limits, aborted")
)

// Stage describes one motorized linear axis.  Lengths are in micrometres
// and velocities in micrometres per second.  Home, MoveAbs and MoveRel
// block until the motion profile completes.
type Stage interface {
	// Home homes the axis
	Home() error

	// IsHomed returns true if the axis has a valid reference position
	IsHomed() (bool, error)

	// GetPos gets the current position of the axis
	GetPos() (float64, error)

	// MoveAbs moves the axis to an absolute position at velocity vel
	MoveAbs(pos, vel float64) error

	// MoveRel moves the axis a relative amount at velocity vel
	MoveRel(delta, vel float64) error
}

// Stopper is a Stage that can be stopped mid-move
type Stopper interface {
	Stop() error
}

// AsStopper returns s, or the stage inside a Limited, as a Stopper
func AsStopper(s Stage) (Stopper, bool) {
	if l, ok := s.(Limited); ok {
		s = l.Stage
	}
	st, ok := s.(Stopper)
	return st, ok
}

// Fault is a motion fault.  It is fatal to a scan, since the position of
// the axis cannot be assumed after it.
type Fault struct {
	// Axis is the name of the axis, if known
	Axis string

	// Op is the operation that failed, e.g. "move rel"
	Op string

	// Err is the underlying error
	Err error
}

func (f *Fault) Error() string {
	if f.Axis == "" {
		return fmt.Sprintf("motion fault: %s: %v", f.Op, f.Err)
	}
	return fmt.Sprintf("motion fault: %s axis: %s: %v", f.Axis, f.Op, f.Err)
}

// Unwrap returns the underlying error
func (f *Fault) Unwrap() error {
	return f.Err
}

// AsFault wraps err in a *Fault unless it already is one
func AsFault(axis, op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	return &Fault{Axis: axis, Op: op, Err: err}
}

// Command is a single absolute or relative move
type Command struct {
	// Relative selects a relative move when true
	Relative bool

	// Displacement is the target position (absolute) or delta (relative), µm
	Displacement float64

	// Velocity is the motion profile velocity, µm/s
	Velocity float64
}

func (c Command) op() string {
	if c.Relative {
		return "move rel"
	}
	return "move abs"
}

// Validate checks the displacement is finite and the velocity is positive
func (c Command) Validate() error {
	if math.IsNaN(c.Displacement) || math.IsInf(c.Displacement, 0) {
		return fmt.Errorf("%w: displacement %v is not finite", ErrInvalidCommand, c.Displacement)
	}
	if !(c.Velocity > 0) || math.IsInf(c.Velocity, 0) {
		return fmt.Errorf("%w: velocity %v must be > 0", ErrInvalidCommand, c.Velocity)
	}
	return nil
}

// Move issues cmd to the stage and blocks until the move completes.
// If timeout is > 0 and the stage has not reported completion by then, Move
// stops the stage if it is a Stopper and returns a Fault wrapping ErrTimeout;
// the stage call is abandoned and the axis must be considered lost.  All
// errors are *Fault.
func Move(axis string, s Stage, cmd Command, timeout time.Duration) error {
	if err := cmd.Validate(); err != nil {
		return &Fault{Axis: axis, Op: cmd.op(), Err: err}
	}
	do := func() error {
		if cmd.Relative {
			return s.MoveRel(cmd.Displacement, cmd.Velocity)
		}
		return s.MoveAbs(cmd.Displacement, cmd.Velocity)
	}
	if timeout <= 0 {
		return AsFault(axis, cmd.op(), do())
	}

	done := make(chan error, 1)
	go func() { done <- do() }()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return AsFault(axis, cmd.op(), err)
	case <-t.C:
		err := fmt.Errorf("%w (%v)", ErrTimeout, timeout)
		if st, ok := AsStopper(s); ok {
			if serr := st.Stop(); serr != nil {
				err = errors.Join(err, fmt.Errorf("stop: %w", serr))
			}
		}
		return &Fault{Axis: axis, Op: cmd.op(), Err: err}
	}
}

// HomeIfNeeded homes the stage unless it already reports a reference position
func HomeIfNeeded(axis string, s Stage) error {
	homed, err := s.IsHomed()
	if err != nil {
		return AsFault(axis, "is homed", err)
	}
	if homed {
		return nil
	}
	return AsFault(axis, "home", s.Home())
}
