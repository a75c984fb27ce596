/*Package scan orchestrates a boustrophedon raster scan of two stages under a
spectrometer.

A scan moves through the states

	Idle -> Homing -> Positioning -> Referencing -> Arming -> Scanning -> Finalizing -> Done

with Aborting between Scanning and Finalizing when the scan is cancelled.  Every
path out of a session, including faults, passes through Finalizing, which
disables the illumination exactly once.

The primary axis steps Columns times per row, reversing direction each row.
The secondary axis advances by a fixed step between rows.  A frame is captured
after every primary move.
*/
package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/crest-lab/zwscan/motion"
	"github.com/crest-lab/zwscan/spectrometer"
	"github.com/google/uuid"
)

// ErrCancelled is returned by Run when the operator cancels the scan.  It is
// a normal termination, not a fault.
var ErrCancelled = errors.New("scan cancelled by operator")

const (
	// PrimaryAxis names the primary axis in faults and logs
	PrimaryAxis = "primary"

	// SecondaryAxis names the secondary axis in faults and logs
	SecondaryAxis = "secondary"
)

// State is the state of the orchestrator
type State int

const (
	Idle State = iota
	Homing
	Positioning
	Referencing
	Arming
	Scanning
	Aborting
	Finalizing
	Done
)

var stateNames = [...]string{"idle", "homing", "positioning", "referencing", "arming", "scanning", "aborting", "finalizing", "done"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state as its name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown scan state %q", b)
}

// Sink persists frames.  Record is called once per grid point in sequence
// order; Close is called once from Finalizing.
type Sink interface {
	Record(Frame) error
	Close() error
}

// Notifier is told when a session ends, by any path
type Notifier interface {
	Notify(Report)
}

// Report summarizes a finished session
type Report struct {
	Session   uuid.UUID
	Frames    int
	Total     int
	Cancelled bool
	Err       error
	Started   time.Time
	Finished  time.Time
}

// Status is a snapshot of a running scan
type Status struct {
	Session string    `json:"session"`
	State   State     `json:"state"`
	Frames  int       `json:"frames"`
	Total   int       `json:"total"`
	Row     int       `json:"row"`
	Column  int       `json:"column"`
	X       float64   `json:"x"`
	Y       float64   `json:"y"`
	Started time.Time `json:"started"`
	Err     string    `json:"error,omitempty"`
}

// Running returns true between Idle and Done
func (s Status) Running() bool {
	return s.State != Idle && s.State != Done
}

// Orchestrator runs scans.  Primary, Secondary, Spec and Sink are required.
type Orchestrator struct {
	Cfg Config

	Primary, Secondary motion.Stage
	Spec               spectrometer.Spectrometer
	Sink               Sink

	// Token is polled for cancellation.  nil never cancels.
	Token *Token

	Visualizer Visualizer
	Notifier   Notifier

	// Sleep waits for the settle and warm-up intervals; nil uses time.Sleep
	Sleep func(time.Duration)

	mu     sync.Mutex
	status Status
}

// Status returns a snapshot of the current scan
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// StatusJSON returns Status encoded as JSON
func (o *Orchestrator) StatusJSON() ([]byte, error) {
	return json.Marshal(o.Status())
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.status.State = s
	o.mu.Unlock()
	log.Println("scan:", s)
}

func (o *Orchestrator) cancelled() bool {
	return o.Token != nil && o.Token.Cancelled()
}

func (o *Orchestrator) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if o.Sleep != nil {
		o.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (o *Orchestrator) move(axis string, s motion.Stage, cmd motion.Command) error {
	return motion.Move(axis, s, cmd, o.Cfg.MoveTimeout)
}

// Run executes one scan session.  It returns ErrCancelled if the scan was
// cancelled, the first fault encountered otherwise, or nil when every grid
// point was recorded.  A configuration fault returns before any device is
// touched; once a session exists every return passes through Finalizing.
func (o *Orchestrator) Run() (rep Report, err error) {
	if err = o.Cfg.Validate(); err != nil {
		return Report{Err: err}, err
	}
	if o.Primary == nil || o.Secondary == nil || o.Spec == nil || o.Sink == nil {
		err = &ConfigFault{Field: "orchestrator", Err: errors.New("stages, spectrometer and sink are required")}
		return Report{Err: err}, err
	}
	if o.Status().Running() {
		err = &ConfigFault{Field: "orchestrator", Err: errors.New("a scan is already running")}
		return Report{Err: err}, err
	}

	sess := NewSession(o.Cfg.Grid)
	o.mu.Lock()
	o.status = Status{Session: sess.ID.String(), Total: sess.Grid.Points(), Started: sess.Started}
	o.mu.Unlock()
	log.Printf("scan %s: %d x %d points, step %g um\n", sess.ID, sess.Grid.Rows, sess.Grid.Columns, sess.Grid.StepSize)

	defer func() {
		rep, err = o.finalize(sess, err)
	}()
	if err = o.prepare(sess); err != nil {
		return
	}
	if o.cancelled() {
		err = ErrCancelled
		return
	}
	o.setState(Scanning)
	err = o.traverse(sess)
	return
}

// prepare homes and positions the stages, captures the dark reference and
// arms the illumination
func (o *Orchestrator) prepare(sess *Session) error {
	g := sess.Grid
	o.setState(Homing)
	if err := motion.HomeIfNeeded(PrimaryAxis, o.Primary); err != nil {
		return err
	}
	if err := motion.HomeIfNeeded(SecondaryAxis, o.Secondary); err != nil {
		return err
	}

	o.setState(Positioning)
	vel := g.positioningVelocity()
	if err := o.move(PrimaryAxis, o.Primary, motion.Command{Displacement: g.X0, Velocity: vel}); err != nil {
		return err
	}
	if err := o.move(SecondaryAxis, o.Secondary, motion.Command{Displacement: g.Y0, Velocity: vel}); err != nil {
		return err
	}
	o.updatePosition(0, 0, g.X0, g.Y0)

	o.setState(Referencing)
	if err := o.Spec.SetIntegrationTime(o.Cfg.IntegrationTimeMs); err != nil {
		return &spectrometer.AcquisitionFault{Op: "set integration time", Err: err}
	}
	if o.Cfg.CorrectDark {
		dc := DarkCollector{
			Spec:      o.Spec,
			Settle:    o.Cfg.SettleInterval,
			Window:    o.Cfg.DespikeWindow,
			Threshold: o.Cfg.DespikeThreshold,
			Sleep:     o.sleep}
		if _, err := dc.Collect(sess, o.Cfg.Despike); err != nil {
			return err
		}
		log.Println("dark reference collected")
	}
	if o.cancelled() {
		return ErrCancelled
	}

	o.setState(Arming)
	if err := o.Spec.SetIlluminationEnabled(true); err != nil {
		return &spectrometer.AcquisitionFault{Op: "enable illumination", Err: err}
	}
	if err := o.Spec.SetIlluminationPower(o.Cfg.LaserPowerMW); err != nil {
		return &spectrometer.AcquisitionFault{Op: "set illumination power", Err: err}
	}
	log.Printf("illumination armed at %g mW\n", o.Cfg.LaserPowerMW)
	o.sleep(o.Cfg.LaserWarmup)
	return nil
}

func (o *Orchestrator) updatePosition(row, col int, x, y float64) {
	o.mu.Lock()
	o.status.Row, o.status.Column, o.status.X, o.status.Y = row, col, x, y
	o.mu.Unlock()
}

// traverse walks the grid.  Moves are relative; the position is tracked from
// the commanded steps.
func (o *Orchestrator) traverse(sess *Session) error {
	g := sess.Grid
	acq := Acquirer{Spec: o.Spec, Session: sess, Visualizer: o.Visualizer}
	perRow := o.Cfg.CancelGranularity == PerRow
	x, y := g.X0, g.Y0
	col := 0
	for r := 0; r < g.Rows; r++ {
		sign := g.Sign(r)
		step := motion.Command{Relative: true, Displacement: sign * g.StepSize, Velocity: g.Velocity}
		for c := 0; c < g.Columns; c++ {
			if err := o.move(PrimaryAxis, o.Primary, step); err != nil {
				return err
			}
			x += step.Displacement
			col += int(sign)
			o.updatePosition(r, col, x, y)

			intens, err := acq.Acquire(o.Cfg.CorrectDark)
			if err != nil {
				return err
			}
			f := Frame{Seq: sess.NextSeq(), Row: r, Column: col, X: x, Y: y, Intensities: intens, Time: time.Now()}
			if err = o.Sink.Record(f); err != nil {
				return fmt.Errorf("recording frame %d: %w", f.Seq, err)
			}
			o.mu.Lock()
			o.status.Frames = f.Seq + 1
			o.mu.Unlock()

			last := r == g.Rows-1 && c == g.Columns-1
			if !perRow && !last && o.cancelled() {
				return ErrCancelled
			}
		}
		if r == g.Rows-1 {
			break
		}
		if perRow && o.cancelled() {
			return ErrCancelled
		}
		adv := motion.Command{Relative: true, Displacement: g.secondaryStep(), Velocity: g.Velocity}
		if err := o.move(SecondaryAxis, o.Secondary, adv); err != nil {
			return err
		}
		y += adv.Displacement
		o.updatePosition(r+1, col, x, y)
	}
	return nil
}

// finalize disables the illumination, closes the sink and notifies.  Errors
// from those steps are joined to runErr.
func (o *Orchestrator) finalize(sess *Session, runErr error) (Report, error) {
	if errors.Is(runErr, ErrCancelled) {
		o.setState(Aborting)
	}
	o.setState(Finalizing)
	var extra []error
	err := sess.disableIllumination(func() error {
		return o.Spec.SetIlluminationEnabled(false)
	})
	if err != nil {
		log.Println("FAILED TO DISABLE ILLUMINATION:", err)
		extra = append(extra, &spectrometer.AcquisitionFault{Op: "disable illumination", Err: err})
	} else {
		log.Println("illumination disabled")
	}
	if err := o.Sink.Close(); err != nil {
		extra = append(extra, fmt.Errorf("closing output: %w", err))
	}

	if len(extra) > 0 {
		runErr = errors.Join(append([]error{runErr}, extra...)...)
	}
	rep := Report{
		Session:   sess.ID,
		Frames:    o.Status().Frames,
		Total:     sess.Grid.Points(),
		Cancelled: errors.Is(runErr, ErrCancelled),
		Err:       runErr,
		Started:   sess.Started,
		Finished:  time.Now(),
	}
	o.mu.Lock()
	if runErr != nil {
		o.status.Err = runErr.Error()
	}
	o.mu.Unlock()
	o.setState(Done)
	if o.Notifier != nil {
		o.Notifier.Notify(rep)
	}
	return rep, runErr
}
