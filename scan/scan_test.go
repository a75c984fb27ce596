package scan

import (
	"errors"
	"testing"
	"time"

	"github.com/crest-lab/zwscan/motion"
	"github.com/crest-lab/zwscan/spectrometer"
	"github.com/crest-lab/zwscan/spectrum"
	"github.com/crest-lab/zwscan/wasatch"
	"github.com/crest-lab/zwscan/zaber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pixels = 32

// memSink keeps frames in memory.  onRecord runs after each frame is kept.
type memSink struct {
	frames   []Frame
	closed   int
	onRecord func(Frame)
}

func (m *memSink) Record(f Frame) error {
	m.frames = append(m.frames, f)
	if m.onRecord != nil {
		m.onRecord(f)
	}
	return nil
}

func (m *memSink) Close() error {
	m.closed++
	return nil
}

// finalSpy counts illumination-off calls made while Finalizing
type finalSpy struct {
	*wasatch.Mock
	o          *Orchestrator
	offInFinal int
}

func (s *finalSpy) SetIlluminationEnabled(b bool) error {
	if !b && s.o.Status().State == Finalizing {
		s.offInFinal++
	}
	return s.Mock.SetIlluminationEnabled(b)
}

type rig struct {
	o         *Orchestrator
	primary   *zaber.MockStage
	secondary *zaber.MockStage
	spec      *finalSpy
	sink      *memSink
	slept     []time.Duration
}

func newRig(n int, step float64) *rig {
	r := &rig{
		primary:   zaber.NewMockStage(),
		secondary: zaber.NewMockStage(),
		sink:      &memSink{},
	}
	cfg := DefaultConfig()
	cfg.Grid = Square(n, 0, 0, step, 1000)
	r.o = &Orchestrator{
		Cfg:       cfg,
		Primary:   r.primary,
		Secondary: r.secondary,
		Sink:      r.sink,
		Token:     NewToken(),
		Sleep:     func(d time.Duration) { r.slept = append(r.slept, d) },
	}
	r.spec = &finalSpy{Mock: wasatch.NewMock(pixels), o: r.o}
	r.o.Spec = r.spec
	return r
}

func relMoves(cmds []motion.Command) []float64 {
	var out []float64
	for _, c := range cmds {
		if c.Relative {
			out = append(out, c.Displacement)
		}
	}
	return out
}

// assertIlluminationSafe checks the illumination was disabled exactly once
// in Finalizing and is off at the end
func assertIlluminationSafe(t *testing.T, r *rig) {
	t.Helper()
	assert.Equal(t, 1, r.spec.offInFinal, "illumination-off calls in Finalizing")
	calls := r.spec.IlluminationCalls()
	require.NotEmpty(t, calls)
	assert.False(t, calls[len(calls)-1], "last illumination call must disable")
	on, _ := r.spec.IlluminationEnabled()
	assert.False(t, on)
	assert.Equal(t, 1, r.sink.closed, "sink closes")
	assert.Equal(t, Done, r.o.Status().State)
}

func TestCompletedScanRecordsEveryPoint(t *testing.T) {
	for n := 1; n <= 4; n++ {
		r := newRig(n, 10)
		rep, err := r.o.Run()
		require.NoError(t, err, "n=%d", n)
		require.Len(t, r.sink.frames, n*n)
		for i, f := range r.sink.frames {
			assert.Equal(t, i, f.Seq)
			assert.Len(t, f.Intensities, pixels)
		}
		assert.Equal(t, n*n, rep.Frames)
		assert.Equal(t, n*n, rep.Total)
		assert.False(t, rep.Cancelled)
		assertIlluminationSafe(t, r)
	}
}

func TestTwoByTwoExample(t *testing.T) {
	r := newRig(2, 10)
	_, err := r.o.Run()
	require.NoError(t, err)

	assert.Equal(t, []float64{10, 10, -10, -10}, relMoves(r.primary.Moves()))
	assert.Equal(t, []float64{10}, relMoves(r.secondary.Moves()))

	type coord struct{ row, col int }
	var got []coord
	for _, f := range r.sink.frames {
		got = append(got, coord{f.Row, f.Column})
	}
	assert.Equal(t, []coord{{0, 1}, {0, 2}, {1, 1}, {1, 0}}, got)
	last := r.sink.frames[3]
	assert.Equal(t, 0., last.X)
	assert.Equal(t, 10., last.Y)
}

func TestPrimarySignAlternatesEachRow(t *testing.T) {
	r := newRig(5, 7)
	r.o.Cfg.Grid.InitialSign = -1
	_, err := r.o.Run()
	require.NoError(t, err)
	moves := relMoves(r.primary.Moves())
	require.Len(t, moves, 25)
	for i, d := range moves {
		row := i / 5
		want := -7.
		if row%2 == 1 {
			want = 7
		}
		assert.Equal(t, want, d, "move %d row %d", i, row)
	}
	for _, d := range relMoves(r.secondary.Moves()) {
		assert.Equal(t, 7., d, "secondary advances with a fixed sign")
	}
}

func TestOriginAndVelocities(t *testing.T) {
	r := newRig(2, 10)
	r.o.Cfg.Grid.X0, r.o.Cfg.Grid.Y0 = 1500, -250
	r.o.Cfg.Grid.PositioningVelocity = 5000
	_, err := r.o.Run()
	require.NoError(t, err)
	pm := r.primary.Moves()
	assert.Equal(t, motion.Command{Displacement: 1500, Velocity: 5000}, pm[0])
	assert.Equal(t, motion.Command{Relative: true, Displacement: 10, Velocity: 1000}, pm[1])
	assert.Equal(t, motion.Command{Displacement: -250, Velocity: 5000}, r.secondary.Moves()[0])
	assert.Equal(t, 1, r.primary.Homes())
	assert.Equal(t, 1500., r.sink.frames[3].X)
}

func TestAlreadyHomedStagesAreNotHomed(t *testing.T) {
	r := newRig(1, 10)
	r.primary.SetHomed(true)
	r.secondary.SetHomed(true)
	_, err := r.o.Run()
	require.NoError(t, err)
	assert.Zero(t, r.primary.Homes())
	assert.Zero(t, r.secondary.Homes())
}

func TestCancelAfterPointK(t *testing.T) {
	const n = 4
	for k := 1; k < n*n; k++ {
		r := newRig(n, 10)
		var pAt, sAt int
		r.sink.onRecord = func(f Frame) {
			if f.Seq+1 == k {
				r.o.Token.Cancel()
				pAt, sAt = len(r.primary.Moves()), len(r.secondary.Moves())
			}
		}
		rep, err := r.o.Run()
		require.ErrorIs(t, err, ErrCancelled, "k=%d", k)
		assert.Len(t, r.sink.frames, k)
		assert.Equal(t, k, rep.Frames)
		assert.True(t, rep.Cancelled)
		assert.Equal(t, pAt, len(r.primary.Moves()), "primary moves after cancellation, k=%d", k)
		assert.Equal(t, sAt, len(r.secondary.Moves()), "secondary moves after cancellation, k=%d", k)
		assertIlluminationSafe(t, r)
	}
}

func TestCancelAtLastPointCompletes(t *testing.T) {
	r := newRig(2, 10)
	r.sink.onRecord = func(f Frame) {
		if f.Seq == 3 {
			r.o.Token.Cancel()
		}
	}
	rep, err := r.o.Run()
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Frames)
}

func TestRowGranularityFinishesTheRow(t *testing.T) {
	r := newRig(3, 10)
	r.o.Cfg.CancelGranularity = PerRow
	r.sink.onRecord = func(f Frame) {
		if f.Seq == 0 {
			r.o.Token.Cancel()
		}
	}
	_, err := r.o.Run()
	require.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, r.sink.frames, 3)
	assert.Empty(t, relMoves(r.secondary.Moves()), "secondary must not advance after cancellation")
	assertIlluminationSafe(t, r)
}

func TestCancelDuringDarkSettle(t *testing.T) {
	r := newRig(2, 10)
	r.o.Sleep = func(time.Duration) { r.o.Token.Cancel() }
	rep, err := r.o.Run()
	require.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, rep.Frames)
	assert.NotContains(t, r.spec.IlluminationCalls(), true, "illumination must not be armed")
	assertIlluminationSafe(t, r)
}

func TestMotionFaultRoutesThroughFinalizing(t *testing.T) {
	r := newRig(3, 10)
	cause := errors.New("FS - STALLED AND STOPPED")
	n := 0
	r.primary.BeforeMove = func(c motion.Command) error {
		n++
		if n == 4 { // positioning move + 3 steps
			return cause
		}
		return nil
	}
	rep, err := r.o.Run()
	var f *motion.Fault
	require.ErrorAs(t, err, &f)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, PrimaryAxis, f.Axis)
	assert.Len(t, r.sink.frames, 2)
	assert.Equal(t, err, rep.Err)
	assert.NotEmpty(t, r.o.Status().Err)
	assertIlluminationSafe(t, r)
}

func TestMoveTimeoutIsMotionFault(t *testing.T) {
	r := newRig(2, 10)
	r.primary.TimeScale = 100 // 10 um at 1000 um/s takes 1 s
	r.o.Cfg.MoveTimeout = 20 * time.Millisecond
	_, err := r.o.Run()
	require.ErrorIs(t, err, motion.ErrTimeout)
	assertIlluminationSafe(t, r)
}

func TestAcquisitionFaultRoutesThroughFinalizing(t *testing.T) {
	r := newRig(3, 10)
	r.spec.FailAfter = 3 // dark + two frames
	_, err := r.o.Run()
	var af *spectrometer.AcquisitionFault
	require.ErrorAs(t, err, &af)
	assert.ErrorIs(t, err, wasatch.ErrMockReadFailure)
	assert.Len(t, r.sink.frames, 2)
	assertIlluminationSafe(t, r)
}

func TestHomingFaultStillDisablesIllumination(t *testing.T) {
	r := newRig(2, 10)
	r.o.Primary = homeFails{r.primary}
	_, err := r.o.Run()
	var f *motion.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "home", f.Op)
	assert.Empty(t, r.sink.frames)
	assert.Equal(t, []bool{false}, r.spec.IlluminationCalls())
	assertIlluminationSafe(t, r)
}

type homeFails struct{ *zaber.MockStage }

func (homeFails) Home() error { return errors.New("limit switch not found") }

func TestInvalidConfigTouchesNothing(t *testing.T) {
	r := newRig(2, 10)
	r.o.Cfg.Grid.Velocity = 0
	_, err := r.o.Run()
	var cf *ConfigFault
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, "grid.velocity", cf.Field)
	assert.Empty(t, r.primary.Moves())
	assert.Empty(t, r.spec.IlluminationCalls())
	assert.Zero(t, r.sink.closed)
}

func TestDarkCorrectionIsApplied(t *testing.T) {
	r := newRig(1, 10)
	r.o.Cfg.LaserPowerMW = 0 // illuminated frames equal the dark baseline
	_, err := r.o.Run()
	require.NoError(t, err)
	for _, v := range r.sink.frames[0].Intensities {
		assert.Equal(t, 0., v)
	}
}

func TestSettleAndWarmupAreWaited(t *testing.T) {
	r := newRig(1, 10)
	r.o.Cfg.SettleInterval = 5 * time.Second
	r.o.Cfg.LaserWarmup = 2 * time.Second
	_, err := r.o.Run()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, r.slept)
}

func TestNotifierSeesReport(t *testing.T) {
	r := newRig(2, 10)
	var got []Report
	r.o.Notifier = notifyFunc(func(rep Report) { got = append(got, rep) })
	rep, err := r.o.Run()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rep.Session, got[0].Session)
	assert.Equal(t, 4, got[0].Frames)
	assert.False(t, got[0].Finished.Before(got[0].Started))
}

type notifyFunc func(Report)

func (f notifyFunc) Notify(r Report) { f(r) }

func TestDarkCollectorWaitsEvenWhenAlreadyDark(t *testing.T) {
	m := wasatch.NewMock(pixels)
	var slept []time.Duration
	dc := DarkCollector{Spec: m, Settle: 5 * time.Second, Sleep: func(d time.Duration) { slept = append(slept, d) }}
	sess := NewSession(Square(1, 0, 0, 1, 1))
	dark, err := dc.Collect(sess, false)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, slept)
	assert.Equal(t, []bool{false}, m.IlluminationCalls())
	assert.Equal(t, dark, sess.Dark())
}

func TestDarkCollectorDespikes(t *testing.T) {
	m := wasatch.NewMock(pixels)
	m.Spikes = map[int]float64{10: 9000}
	dc := DarkCollector{Spec: m, Window: 5, Threshold: 100, Sleep: func(time.Duration) {}}
	sess := NewSession(Square(1, 0, 0, 1, 1))
	dark, err := dc.Collect(sess, true)
	require.NoError(t, err)
	assert.Less(t, dark[10], 1000.)
}

type readFails struct{ *wasatch.Mock }

func (readFails) ReadFrame() ([]float64, error) { return nil, errors.New("usb timeout") }

func TestDarkCollectorFailureLeavesSessionUnchanged(t *testing.T) {
	m := readFails{wasatch.NewMock(pixels)}
	m.SetIlluminationEnabled(true)
	dc := DarkCollector{Spec: m, Sleep: func(time.Duration) {}}
	sess := NewSession(Square(1, 0, 0, 1, 1))
	_, err := dc.Collect(sess, false)
	var af *spectrometer.AcquisitionFault
	require.ErrorAs(t, err, &af)
	assert.Nil(t, sess.Dark())
	on, _ := m.IlluminationEnabled()
	assert.False(t, on)
}

func TestAcquireWithoutDarkReturnsRaw(t *testing.T) {
	m := wasatch.NewMock(pixels)
	sess := NewSession(Square(1, 0, 0, 1, 1))
	raw, _ := m.ReadFrame()
	got, err := Acquirer{Spec: m, Session: sess}.Acquire(true)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestAcquireDarkLengthMismatch(t *testing.T) {
	m := wasatch.NewMock(pixels)
	sess := NewSession(Square(1, 0, 0, 1, 1))
	dark := make([]float64, pixels-1)
	sess.SetDark(dark)
	_, err := Acquirer{Spec: m, Session: sess}.Acquire(true)
	var cf *ConfigFault
	require.ErrorAs(t, err, &cf)
	var lm spectrum.LengthMismatch
	assert.ErrorAs(t, err, &lm)
	assert.Len(t, sess.Dark(), pixels-1, "dark reference must not change")
}

func TestAcquireVisualizerErrorsAreNotFatal(t *testing.T) {
	m := wasatch.NewMock(pixels)
	sess := NewSession(Square(1, 0, 0, 1, 1))
	_, err := Acquirer{Spec: m, Session: sess, Visualizer: badViz{}}.Acquire(false)
	assert.NoError(t, err)
}

type badViz struct{}

func (badViz) Update([]float64) error { return errors.New("no display") }

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		field string
		mod   func(*Config)
	}{
		{"grid.rows", func(c *Config) { c.Grid.Rows = 0 }},
		{"grid.columns", func(c *Config) { c.Grid.Columns = -1 }},
		{"grid.stepsize", func(c *Config) { c.Grid.StepSize = 0 }},
		{"grid.initialsign", func(c *Config) { c.Grid.InitialSign = 2 }},
		{"grid.positioningvelocity", func(c *Config) { c.Grid.PositioningVelocity = -1 }},
		{"settle", func(c *Config) { c.SettleInterval = -time.Second }},
		{"integrationms", func(c *Config) { c.IntegrationTimeMs = 0 }},
		{"laserpowermw", func(c *Config) { c.LaserPowerMW = -1 }},
		{"despike.window", func(c *Config) { c.Despike = true; c.DespikeWindow = 4 }},
		{"despike.threshold", func(c *Config) { c.Despike = true; c.DespikeThreshold = 0 }},
		{"cancel", func(c *Config) { c.CancelGranularity = "sometimes" }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		c := DefaultConfig()
		tt.mod(&c)
		var cf *ConfigFault
		if assert.ErrorAs(t, c.Validate(), &cf, tt.field) {
			assert.Equal(t, tt.field, cf.Field)
		}
	}
}

func TestGridSign(t *testing.T) {
	g := Square(3, 0, 0, 1, 1)
	assert.Equal(t, []float64{1, -1, 1}, []float64{g.Sign(0), g.Sign(1), g.Sign(2)})
	g.InitialSign = -1
	assert.Equal(t, []float64{-1, 1, -1}, []float64{g.Sign(0), g.Sign(1), g.Sign(2)})
}

func TestTokenIsIdempotent(t *testing.T) {
	tok := NewToken()
	assert.False(t, tok.Cancelled())
	tok.Cancel()
	tok.Cancel()
	assert.True(t, tok.Cancelled())
	select {
	case <-tok.Done():
	default:
		t.Error("Done not closed after Cancel")
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "scanning", Scanning.String())
	b, err := Aborting.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "aborting", string(b))
}
