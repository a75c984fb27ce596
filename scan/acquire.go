package scan

import (
	"log"
	"time"

	"github.com/crest-lab/zwscan/spectrometer"
	"github.com/crest-lab/zwscan/spectrum"
)

// Visualizer shows a frame as it is acquired.  Errors are logged, never fatal.
type Visualizer interface {
	Update(intensities []float64) error
}

// DarkCollector captures the dark reference of a session
type DarkCollector struct {
	Spec spectrometer.Spectrometer

	// Settle is the wait between disabling illumination and the capture
	Settle time.Duration

	// Window and Threshold configure despiking
	Window    int
	Threshold float64

	// Sleep waits; nil uses time.Sleep
	Sleep func(time.Duration)
}

// Collect disables illumination, waits the full settle interval, reads one
// frame and optionally despikes it.  The result is stored in sess.  On failure
// illumination is left disabled and sess is unchanged.
func (d DarkCollector) Collect(sess *Session, despike bool) ([]float64, error) {
	if err := d.Spec.SetIlluminationEnabled(false); err != nil {
		return nil, &spectrometer.AcquisitionFault{Op: "disable illumination", Err: err}
	}
	sleep := d.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(d.Settle)
	dark, err := spectrometer.ReadFrame(d.Spec)
	if err != nil {
		return nil, err
	}
	if despike {
		var replaced []int
		dark, replaced, err = spectrum.Despike(dark, d.Window, d.Threshold)
		if err != nil {
			return nil, &ConfigFault{Field: "despike.window", Err: err}
		}
		if len(replaced) > 0 {
			log.Printf("despiked %d samples of the dark reference\n", len(replaced))
		}
	}
	sess.SetDark(dark)
	return dark, nil
}

// Acquirer reads frames and applies the session's dark reference
type Acquirer struct {
	Spec    spectrometer.Spectrometer
	Session *Session

	// Visualizer, if not nil, is updated with every frame
	Visualizer Visualizer
}

// Acquire reads one raw frame.  If correctDark is true and the session holds
// a dark reference, the dark-subtracted frame is returned instead.  A length
// mismatch between frame and dark reference is a *ConfigFault.
func (a Acquirer) Acquire(correctDark bool) ([]float64, error) {
	raw, err := spectrometer.ReadFrame(a.Spec)
	if err != nil {
		return nil, err
	}
	out := raw
	if dark := a.Session.Dark(); correctDark && dark != nil {
		out, err = spectrum.Subtract(raw, dark)
		if err != nil {
			return nil, &ConfigFault{Field: "dark reference", Err: err}
		}
	}
	if a.Visualizer != nil {
		if err := a.Visualizer.Update(out); err != nil {
			log.Println("preview update failed:", err)
		}
	}
	return out, nil
}
