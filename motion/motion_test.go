package motion

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/crest-lab/zwscan/util"
)

// fakeStage is a minimal Stage for exercising Move
type fakeStage struct {
	pos   float64
	homed bool
	homes int
	delay time.Duration
	err   error
	calls int
}

func (f *fakeStage) Home() error              { f.homes++; f.homed = true; return f.err }
func (f *fakeStage) IsHomed() (bool, error)   { return f.homed, nil }
func (f *fakeStage) GetPos() (float64, error) { return f.pos, nil }
func (f *fakeStage) MoveAbs(pos, vel float64) error {
	f.calls++
	time.Sleep(f.delay)
	if f.err != nil {
		return f.err
	}
	f.pos = pos
	return nil
}
func (f *fakeStage) MoveRel(delta, vel float64) error {
	f.calls++
	time.Sleep(f.delay)
	if f.err != nil {
		return f.err
	}
	f.pos += delta
	return nil
}

func TestValidate(t *testing.T) {
	bad := []Command{
		{Displacement: math.NaN(), Velocity: 1},
		{Displacement: math.Inf(1), Velocity: 1},
		{Displacement: 1, Velocity: 0},
		{Displacement: 1, Velocity: -3},
		{Displacement: 1, Velocity: math.Inf(1)},
		{Displacement: 1, Velocity: math.NaN()},
	}
	for _, c := range bad {
		if err := c.Validate(); !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("%+v: expected ErrInvalidCommand, got %v", c, err)
		}
	}
	if err := (Command{Relative: true, Displacement: -10, Velocity: 1}).Validate(); err != nil {
		t.Errorf("valid command rejected: %v", err)
	}
}

func TestMoveInvalidDoesNotTouchStage(t *testing.T) {
	s := &fakeStage{}
	err := Move("x", s, Command{Displacement: 1}, 0)
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if s.calls != 0 {
		t.Errorf("stage was commanded %d times", s.calls)
	}
}

func TestMoveRelativeAndAbsolute(t *testing.T) {
	s := &fakeStage{}
	if err := Move("x", s, Command{Relative: true, Displacement: 10, Velocity: 1}, 0); err != nil {
		t.Fatal(err)
	}
	if err := Move("x", s, Command{Relative: true, Displacement: 10, Velocity: 1}, time.Second); err != nil {
		t.Fatal(err)
	}
	if s.pos != 20 {
		t.Errorf("expected 20 after two relative moves, got %f", s.pos)
	}
	if err := Move("x", s, Command{Displacement: -5, Velocity: 1}, 0); err != nil {
		t.Fatal(err)
	}
	if s.pos != -5 {
		t.Errorf("expected -5 after absolute move, got %f", s.pos)
	}
}

func TestMoveWrapsStageError(t *testing.T) {
	cause := errors.New("stalled")
	s := &fakeStage{err: cause}
	err := Move("y", s, Command{Relative: true, Displacement: 1, Velocity: 1}, 0)
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if f.Axis != "y" || f.Op != "move rel" || !errors.Is(err, cause) {
		t.Errorf("unexpected fault %+v", f)
	}
}

func TestMoveTimeout(t *testing.T) {
	s := &fakeStage{delay: 200 * time.Millisecond}
	start := time.Now()
	err := Move("x", s, Command{Relative: true, Displacement: 1, Velocity: 1}, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("Move did not return at the timeout")
	}
}

// haltingStage moves until it is stopped
type haltingStage struct {
	fakeStage
	stopped chan struct{}
}

func (h *haltingStage) MoveRel(delta, vel float64) error { <-h.stopped; return nil }
func (h *haltingStage) Stop() error                     { close(h.stopped); return nil }

func TestMoveTimeoutStopsTheStage(t *testing.T) {
	h := &haltingStage{stopped: make(chan struct{})}
	err := Move("x", Limited{Stage: h, Axis: "x"}, Command{Relative: true, Displacement: 1, Velocity: 1}, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	select {
	case <-h.stopped:
	default:
		t.Error("timed out move did not stop the stage")
	}
}

func TestAsFaultDoesNotDoubleWrap(t *testing.T) {
	inner := &Fault{Axis: "x", Op: "home", Err: errors.New("boom")}
	if AsFault("y", "move", inner) != inner {
		t.Error("AsFault rewrapped an existing fault")
	}
	if AsFault("y", "move", nil) != nil {
		t.Error("AsFault(nil) should be nil")
	}
}

func TestHomeIfNeeded(t *testing.T) {
	s := &fakeStage{}
	if err := HomeIfNeeded("x", s); err != nil {
		t.Fatal(err)
	}
	if err := HomeIfNeeded("x", s); err != nil {
		t.Fatal(err)
	}
	if s.homes != 1 {
		t.Errorf("expected one home, got %d", s.homes)
	}
}

func TestLimited(t *testing.T) {
	s := &fakeStage{pos: 90}
	l := Limited{Stage: s, Axis: "x", Limits: util.Limiter{Min: 0, Max: 100}}
	if err := l.MoveRel(20, 1); !errors.Is(err, ErrSoftLimit) {
		t.Errorf("expected ErrSoftLimit for 110, got %v", err)
	}
	if err := l.MoveAbs(-1, 1); !errors.Is(err, ErrSoftLimit) {
		t.Errorf("expected ErrSoftLimit for -1, got %v", err)
	}
	if err := l.MoveRel(10, 1); err != nil {
		t.Errorf("move to 100 rejected: %v", err)
	}
	if s.calls != 1 {
		t.Errorf("expected the stage to be moved once, got %d", s.calls)
	}
}
