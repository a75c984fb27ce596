// Package spectrometer contains an abstract interface for a spectrometer with
// an integrated illumination source and the faults it can raise.
package spectrometer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBlankIdentity is wrapped by a ConnectionFault when a device answers but
// reports no model
var ErrBlankIdentity = errors.New("device reported a blank identity")

// Identity describes a connected spectrometer
type Identity struct {
	Model  string `json:"model"`
	Serial string `json:"serial"`

	// Pixels is the number of detector channels, P
	Pixels int `json:"pixels"`

	// Wavelengths is the calibrated wavelength of each pixel, nm.  It may be
	// empty if the device carries no calibration.
	Wavelengths []float64 `json:"wavelengths,omitempty"`
}

func (i Identity) String() string {
	s := fmt.Sprintf("%s s/n %s, %d pixels", i.Model, i.Serial, i.Pixels)
	if n := len(i.Wavelengths); n > 0 {
		s += fmt.Sprintf(", %.2f-%.2f nm", i.Wavelengths[0], i.Wavelengths[n-1])
	}
	return s
}

// Spectrometer captures frames of P intensity samples and controls its
// illumination source (the excitation laser on a Raman system).
type Spectrometer interface {
	// Identity returns the identity read from the device at connection
	Identity() (Identity, error)

	// SetIntegrationTime sets the exposure of each frame, milliseconds
	SetIntegrationTime(ms int) error

	// SetIlluminationEnabled turns the illumination on or off.  Disabling
	// an already disabled source is not an error.
	SetIlluminationEnabled(bool) error

	// IlluminationEnabled returns true if the illumination is on
	IlluminationEnabled() (bool, error)

	// SetIlluminationPower sets the illumination output power, mW
	SetIlluminationPower(mW float64) error

	// ReadFrame captures one frame
	ReadFrame() ([]float64, error)
}

// AcquisitionFault is generated when a frame cannot be read
type AcquisitionFault struct {
	// Op is the operation that failed
	Op string

	Err error
}

func (e *AcquisitionFault) Error() string {
	return fmt.Sprintf("acquisition fault: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *AcquisitionFault) Unwrap() error {
	return e.Err
}

// ConnectionFault is generated when a device is absent or does not identify
// itself.  Remedy is a suggestion for the operator.
type ConnectionFault struct {
	Device string
	Err    error
	Remedy string
}

func (e *ConnectionFault) Error() string {
	return fmt.Sprintf("connection fault: %s: %v", e.Device, e.Err)
}

// Unwrap returns the underlying error
func (e *ConnectionFault) Unwrap() error {
	return e.Err
}

// CheckIdentity reads the identity of s and returns a ConnectionFault if the
// model is blank or the pixel count is zero
func CheckIdentity(device string, s Spectrometer, remedy string) (Identity, error) {
	id, err := s.Identity()
	if err != nil {
		return id, &ConnectionFault{Device: device, Err: err, Remedy: remedy}
	}
	if strings.TrimSpace(id.Model) == "" || id.Pixels <= 0 {
		return id, &ConnectionFault{Device: device, Err: ErrBlankIdentity, Remedy: remedy}
	}
	return id, nil
}

// ReadFrame reads a frame from s and wraps any error as an AcquisitionFault
func ReadFrame(s Spectrometer) ([]float64, error) {
	f, err := s.ReadFrame()
	if err != nil {
		var af *AcquisitionFault
		if errors.As(err, &af) {
			return nil, err
		}
		return nil, &AcquisitionFault{Op: "read frame", Err: err}
	}
	return f, nil
}
