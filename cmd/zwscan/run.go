package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crest-lab/zwscan/generichttp"
	"github.com/crest-lab/zwscan/motion"
	"github.com/crest-lab/zwscan/preview"
	"github.com/crest-lab/zwscan/record"
	"github.com/crest-lab/zwscan/scan"
	"github.com/crest-lab/zwscan/scansrv"
	"github.com/crest-lab/zwscan/spectrometer"
	"github.com/crest-lab/zwscan/wasatch"
	"github.com/crest-lab/zwscan/zaber"
	"github.com/theckman/yacspin"
)

const (
	exitCompleted = 0
	exitFault     = 1
	exitCancelled = 2

	zaberRemedy = "check the serial cable and power to both stages, and close Zaber Console"
)

// hardware is what a scan runs on
type hardware struct {
	primary, secondary motion.Stage
	spec               spectrometer.Spectrometer
	close              func()
}

// connectHardware opens the Zaber chain and the Wasatch spectrometer
func connectHardware(c Config) (hardware, error) {
	conn := zaber.NewConnection(c.Zaber.Addr, c.Zaber.Serial, c.Zaber.PollHz)
	if t := c.ScanConfig().MoveTimeout; t > 0 {
		// the driver stops the axis and lets go of the link before Move gives up
		conn.MaxMoveTime = t - t/10
	}
	devs, err := conn.Detect()
	if err != nil {
		return hardware{}, &spectrometer.ConnectionFault{Device: "zaber", Err: err, Remedy: zaberRemedy}
	}
	if len(devs) < 2 {
		conn.Close()
		err = fmt.Errorf("found %d device(s) on %s, need 2", len(devs), c.Zaber.Addr)
		return hardware{}, &spectrometer.ConnectionFault{Device: "zaber", Err: err, Remedy: zaberRemedy}
	}
	pd, sd := c.Zaber.Primary, c.Zaber.Secondary
	if pd == 0 {
		pd = devs[0]
	}
	if sd == 0 {
		sd = devs[1]
	}
	log.Printf("zaber devices %v, primary %d, secondary %d\n", devs, pd, sd)

	spec, err := wasatch.Open()
	if err != nil {
		conn.Close()
		return hardware{}, err
	}
	spec.MaxPowerMW = c.Wasatch.MaxPowerMW
	return hardware{
		primary: motion.Limited{
			Stage:  zaber.NewAxis(conn, pd, 1, c.Zaber.MicrostepUm),
			Axis:   scan.PrimaryAxis,
			Limits: c.Zaber.PrimaryLimits},
		secondary: motion.Limited{
			Stage:  zaber.NewAxis(conn, sd, 1, c.Zaber.MicrostepUm),
			Axis:   scan.SecondaryAxis,
			Limits: c.Zaber.SecondaryLimits},
		spec: spec,
		close: func() {
			spec.Close()
			conn.Close()
		},
	}, nil
}

// mockHardware builds simulated stages and spectrometer
func mockHardware(c Config) hardware {
	p, s := zaber.NewMockStage(), zaber.NewMockStage()
	p.TimeScale, s.TimeScale = c.Mock.TimeScale, c.Mock.TimeScale
	spec := wasatch.NewMock(c.Mock.Pixels)
	spec.Simulate = c.Mock.Integrate
	return hardware{
		primary:   motion.Limited{Stage: p, Axis: scan.PrimaryAxis, Limits: c.Zaber.PrimaryLimits},
		secondary: motion.Limited{Stage: s, Axis: scan.SecondaryAxis, Limits: c.Zaber.SecondaryLimits},
		spec:      spec,
		close:     func() {},
	}
}

// confirmOverwrite asks before clobbering the output of an earlier scan
func confirmOverwrite(modes []record.Mode, base string, in *bufio.Reader, out io.Writer) (bool, error) {
	var existing []string
	for _, m := range modes {
		e, err := record.Existing(m, base)
		if err != nil {
			return false, err
		}
		existing = append(existing, e...)
	}
	if len(existing) == 0 {
		return true, nil
	}
	fmt.Fprintf(out, "%s already exist(s).  Overwrite? [y/N] ", strings.Join(existing, ", "))
	line, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes", nil
}

// listenForCancel cancels tok when the operator types q or presses Enter,
// or on SIGINT/SIGTERM
func listenForCancel(tok *scan.Token, in *bufio.Reader) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("%v received, cancelling scan\n", s)
		tok.Cancel()
	}()
	go func() {
		for {
			line, err := in.ReadString('\n')
			if err != nil {
				return
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "", "q":
				log.Println("cancel requested from the keyboard")
				tok.Cancel()
				return
			}
		}
	}()
}

// spinnerSleep waits d while drawing a countdown.  The wait ends early if
// tok is cancelled; the orchestrator checks the token afterwards.
func spinnerSleep(tok *scan.Token) func(time.Duration) {
	return func(d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		spinner, err := yacspin.New(yacspin.Config{
			Frequency:       100 * time.Millisecond,
			CharSet:         yacspin.CharSets[14],
			Suffix:          " waiting",
			SuffixAutoColon: true,
			StopCharacter:   "✓",
			StopColors:      []string{"fgGreen"},
		})
		if err != nil || spinner.Start() != nil {
			select {
			case <-t.C:
			case <-tok.Done():
			}
			return
		}
		defer spinner.Stop()
		end := time.Now().Add(d)
		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()
		for {
			spinner.Message(fmt.Sprintf("%.1f s remaining", time.Until(end).Seconds()))
			select {
			case <-t.C:
				return
			case <-tok.Done():
				spinner.StopMessage("cancelled")
				return
			case <-tick.C:
			}
		}
	}
}

// bell logs the end of a session with the wall-clock time and rings the
// terminal bell
type bell struct{ out io.Writer }

func (b bell) Notify(r scan.Report) {
	switch {
	case r.Err == nil:
		log.Printf("laser off, scan complete: %d frames saved at %s\n", r.Frames, r.Finished.Format(time.Kitchen))
	case r.Err == scan.ErrCancelled:
		log.Printf("laser off, scan cancelled: %d of %d frames saved at %s\n", r.Frames, r.Total, r.Finished.Format(time.Kitchen))
	default:
		log.Printf("scan stopped by a fault after %d of %d frames at %s\n", r.Frames, r.Total, r.Finished.Format(time.Kitchen))
	}
	fmt.Fprint(b.out, "\a")
}

// remedy returns advice for the operator for err
func remedy(err error) string {
	var (
		cf  *spectrometer.ConnectionFault
		mf  *motion.Fault
		af  *spectrometer.AcquisitionFault
		cfg *scan.ConfigFault
	)
	switch {
	case errors.As(err, &cfg):
		return fmt.Sprintf("fix %s in %s; zwscan conf prints the effective configuration", cfg.Field, ConfigFileName)
	case errors.As(err, &cf):
		return cf.Remedy
	case errors.As(err, &mf):
		return "the stage position is unknown: check the cables and clear any fault in Zaber Console, then re-home before the next scan"
	case errors.As(err, &af):
		return "check the spectrometer USB connection and confirm the laser is off before approaching the sample"
	}
	return ""
}

// exitCode maps the result of a scan to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitCompleted
	case err == scan.ErrCancelled:
		return exitCancelled
	}
	return exitFault
}

// setupFault makes sure the laser is off before reporting a fault that ends
// the run after the spectrometer was opened
func setupFault(spec spectrometer.Spectrometer, err error) int {
	if derr := spec.SetIlluminationEnabled(false); derr != nil {
		err = errors.Join(err, &spectrometer.AcquisitionFault{Op: "disable illumination", Err: derr})
	}
	return fail(err)
}

func fail(err error) int {
	log.Println(err)
	if r := remedy(err); r != "" {
		log.Println("remedy:", r)
	}
	return exitCode(err)
}

// run performs one scan and returns the exit status
func run(c Config, mock, yes bool) int {
	cfg := c.ScanConfig()
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	modes, err := c.OutputModes()
	if err != nil {
		return fail(err)
	}
	stdin := bufio.NewReader(os.Stdin)
	if !yes {
		ok, err := confirmOverwrite(modes, c.Output.Base, stdin, os.Stdout)
		if err != nil {
			return fail(err)
		}
		if !ok {
			log.Println("not overwriting, exiting")
			return exitCancelled
		}
	}

	var hw hardware
	if mock {
		hw = mockHardware(c)
	} else {
		hw, err = connectHardware(c)
		if err != nil {
			return fail(err)
		}
	}
	defer hw.close()
	id, err := spectrometer.CheckIdentity("spectrometer", hw.spec, wasatch.Remedy)
	if err != nil {
		return setupFault(hw.spec, err)
	}
	log.Println("spectrometer:", id)

	meta := record.Meta{
		Grid:          cfg.Grid,
		Instrument:    id,
		IntegrationMs: cfg.IntegrationTimeMs,
		LaserPowerMW:  cfg.LaserPowerMW,
		Created:       time.Now()}
	var sink record.Multi
	for _, m := range modes {
		s, err := record.New(m, c.Output.Base, cfg.Grid.Points(), meta)
		if err != nil {
			sink.Close()
			return setupFault(hw.spec, err)
		}
		sink = append(sink, s)
	}

	tok := scan.NewToken()
	prev := preview.New(c.Output.Preview, c.Output.PreviewHz)
	prev.Title = id.Model + " " + id.Serial
	o := &scan.Orchestrator{
		Cfg:        cfg,
		Primary:    hw.primary,
		Secondary:  hw.secondary,
		Spec:       hw.spec,
		Sink:       sink,
		Token:      tok,
		Visualizer: prev,
		Notifier:   bell{out: os.Stdout},
		Sleep:      spinnerSleep(tok),
	}

	if c.Addr != "" {
		vel := cfg.Grid.PositioningVelocity
		if vel == 0 {
			vel = cfg.Grid.Velocity
		}
		srv := scansrv.New(o, prev, map[string]generichttp.HTTPer{
			"stage": motion.NewHTTPStages(map[string]motion.Stage{
				scan.PrimaryAxis:   hw.primary,
				scan.SecondaryAxis: hw.secondary}, vel, cfg.MoveTimeout),
			"spectrometer": spectrometer.NewHTTPSpectrometer(hw.spec),
		})
		srv.Lock.Lock()
		defer srv.Lock.Unlock()
		go func() {
			log.Println("now listening for requests at ", c.Addr)
			if err := http.ListenAndServe(c.Addr, srv.BuildMux()); err != nil {
				log.Println("http server stopped:", err)
			}
		}()
	}

	listenForCancel(tok, stdin)
	log.Println("scanning; press q or Enter to cancel")
	_, err = o.Run()
	if err != nil {
		return fail(err)
	}
	return exitCompleted
}
