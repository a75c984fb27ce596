package zaber

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/crest-lab/zwscan/motion"
)

// ErrNotHomed is returned by the mock when an unhomed axis is commanded to move
var ErrNotHomed = errors.New("WR - NO REFERENCE POSITION")

// MockStage is an in-memory stage satisfying motion.Stage.  It records every
// move it is asked to make.
type MockStage struct {
	sync.Mutex

	// TimeScale multiplies the simulated travel time (distance / velocity).
	// 0 makes moves instantaneous.
	TimeScale float64

	// BeforeMove, if not nil, is called with the command before each move
	// is executed.  A non-nil return fails the move.
	BeforeMove func(motion.Command) error

	pos   float64
	homed bool
	homes int
	stops int
	moves []motion.Command
}

// NewMockStage returns a new mock stage at position zero
func NewMockStage() *MockStage {
	return &MockStage{}
}

func (m *MockStage) travel(dist, vel float64) {
	if m.TimeScale <= 0 || vel <= 0 {
		return
	}
	secs := math.Abs(dist) / vel * m.TimeScale
	time.Sleep(time.Duration(secs * float64(time.Second)))
}

// Home homes the stage, moving it to zero
func (m *MockStage) Home() error {
	m.Lock()
	defer m.Unlock()
	m.pos = 0
	m.homed = true
	m.homes++
	return nil
}

// IsHomed returns true after Home has been called
func (m *MockStage) IsHomed() (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.homed, nil
}

// SetHomed marks the stage homed without moving it
func (m *MockStage) SetHomed(b bool) {
	m.Lock()
	defer m.Unlock()
	m.homed = b
}

// GetPos returns the current position
func (m *MockStage) GetPos() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.pos, nil
}

func (m *MockStage) move(cmd motion.Command) error {
	m.Lock()
	defer m.Unlock()
	if !m.homed {
		return ErrNotHomed
	}
	if m.BeforeMove != nil {
		if err := m.BeforeMove(cmd); err != nil {
			return err
		}
	}
	m.moves = append(m.moves, cmd)
	target := cmd.Displacement
	if cmd.Relative {
		target += m.pos
	}
	m.travel(target-m.pos, cmd.Velocity)
	m.pos = target
	return nil
}

// MoveAbs moves to pos
func (m *MockStage) MoveAbs(pos, vel float64) error {
	return m.move(motion.Command{Displacement: pos, Velocity: vel})
}

// MoveRel moves by delta
func (m *MockStage) MoveRel(delta, vel float64) error {
	return m.move(motion.Command{Relative: true, Displacement: delta, Velocity: vel})
}

// Moves returns a copy of the moves executed so far
func (m *MockStage) Moves() []motion.Command {
	m.Lock()
	defer m.Unlock()
	out := make([]motion.Command, len(m.moves))
	copy(out, m.moves)
	return out
}

// Homes returns the number of times the stage was homed
func (m *MockStage) Homes() int {
	m.Lock()
	defer m.Unlock()
	return m.homes
}

// Stop counts the request; mock moves are never in progress when it arrives
func (m *MockStage) Stop() error {
	m.Lock()
	defer m.Unlock()
	m.stops++
	return nil
}

// Stops returns the number of times Stop was called
func (m *MockStage) Stops() int {
	m.Lock()
	defer m.Unlock()
	return m.stops
}
