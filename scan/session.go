package scan

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Frame is one spectrum captured at a grid point
type Frame struct {
	// Seq is the 0-based sequence index in traversal order
	Seq int

	// Row is the secondary axis index
	Row int

	// Column is the signed primary axis offset from the origin, in steps
	Column int

	// X, Y are the commanded primary and secondary positions, µm
	X, Y float64

	// Intensities holds one value per detector channel
	Intensities []float64

	// Time is when the frame was read
	Time time.Time
}

// Session is the state of one scan: its grid, dark reference and
// sequence counter
type Session struct {
	ID      uuid.UUID
	Grid    Grid
	Started time.Time

	dark    []float64
	next    int
	offOnce sync.Once
}

// NewSession returns a session over a copy of g
func NewSession(g Grid) *Session {
	return &Session{ID: uuid.New(), Grid: g, Started: time.Now()}
}

// Dark returns the dark reference, or nil if none has been captured.
// Callers must not modify it.
func (s *Session) Dark() []float64 {
	return s.dark
}

// SetDark replaces the dark reference
func (s *Session) SetDark(d []float64) {
	s.dark = d
}

// NextSeq returns the next sequence index and advances the counter
func (s *Session) NextSeq() int {
	n := s.next
	s.next++
	return n
}

// disableIllumination calls off at most once per session
func (s *Session) disableIllumination(off func() error) error {
	var err error
	s.offOnce.Do(func() {
		err = off()
	})
	return err
}
