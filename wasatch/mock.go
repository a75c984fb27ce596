package wasatch

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/crest-lab/zwscan/spectrometer"
)

// ErrMockReadFailure is returned by Mock.ReadFrame once FailAfter frames have been read
var ErrMockReadFailure = errors.New("mock: bulk read failed")

// Mock is an in-memory spectrometer.  Dark frames are a sloped baseline;
// illuminated frames add a few Raman-like peaks scaled by the power.  It
// records every illumination call for inspection.
type Mock struct {
	sync.Mutex

	// ID is returned by Identity
	ID spectrometer.Identity

	// FailAfter, if > 0, makes every read after the first FailAfter fail
	FailAfter int

	// Simulate, if true, sleeps the integration time on each read
	Simulate bool

	// Spikes are added to every frame at the given pixel
	Spikes map[int]float64

	illum      bool
	power      float64
	integMs    int
	reads      int
	illumCalls []bool
}

// NewMock returns a mock with P pixels and a linear wavelength calibration
func NewMock(pixels int) *Mock {
	wvl := make([]float64, pixels)
	for i := range wvl {
		wvl[i] = 785 + 0.1*float64(i)
	}
	return &Mock{
		ID:      spectrometer.Identity{Model: "WP-785-MOCK", Serial: "MOCK0001", Pixels: pixels, Wavelengths: wvl},
		integMs: 100,
	}
}

// Identity returns m.ID
func (m *Mock) Identity() (spectrometer.Identity, error) {
	m.Lock()
	defer m.Unlock()
	return m.ID, nil
}

// SetIntegrationTime records the integration time
func (m *Mock) SetIntegrationTime(ms int) error {
	m.Lock()
	defer m.Unlock()
	m.integMs = ms
	return nil
}

// SetIlluminationEnabled records the call and sets the state
func (m *Mock) SetIlluminationEnabled(b bool) error {
	m.Lock()
	defer m.Unlock()
	m.illumCalls = append(m.illumCalls, b)
	m.illum = b
	return nil
}

// IlluminationEnabled returns the illumination state
func (m *Mock) IlluminationEnabled() (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.illum, nil
}

// SetIlluminationPower records the power
func (m *Mock) SetIlluminationPower(mW float64) error {
	m.Lock()
	defer m.Unlock()
	if mW < 0 {
		return errors.New("mock: negative laser power")
	}
	m.power = mW
	return nil
}

// ReadFrame synthesizes one frame
func (m *Mock) ReadFrame() ([]float64, error) {
	m.Lock()
	defer m.Unlock()
	if m.FailAfter > 0 && m.reads >= m.FailAfter {
		return nil, &spectrometer.AcquisitionFault{Op: "bulk read", Err: ErrMockReadFailure}
	}
	m.reads++
	if m.Simulate {
		time.Sleep(time.Duration(m.integMs) * time.Millisecond)
	}
	p := m.ID.Pixels
	out := make([]float64, p)
	for i := range out {
		out[i] = 500 + 0.05*float64(i)
	}
	if m.illum {
		for _, peak := range []struct{ center, width, height float64 }{
			{0.2, 0.01, 2000}, {0.45, 0.02, 5000}, {0.7, 0.015, 3000},
		} {
			c := peak.center * float64(p)
			w := peak.width * float64(p)
			h := peak.height * m.power / 450
			for i := range out {
				d := (float64(i) - c) / w
				out[i] += h * math.Exp(-d*d/2)
			}
		}
	}
	for i, v := range m.Spikes {
		if i >= 0 && i < p {
			out[i] += v
		}
	}
	return out, nil
}

// IlluminationCalls returns a copy of the arguments of every
// SetIlluminationEnabled call, in order
func (m *Mock) IlluminationCalls() []bool {
	m.Lock()
	defer m.Unlock()
	out := make([]bool, len(m.illumCalls))
	copy(out, m.illumCalls)
	return out
}

// Reads returns the number of frames read successfully
func (m *Mock) Reads() int {
	m.Lock()
	defer m.Unlock()
	return m.reads
}

// Power returns the last power set, mW
func (m *Mock) Power() float64 {
	m.Lock()
	defer m.Unlock()
	return m.power
}

// IntegrationTime returns the last integration time set, ms
func (m *Mock) IntegrationTime() int {
	m.Lock()
	defer m.Unlock()
	return m.integMs
}
