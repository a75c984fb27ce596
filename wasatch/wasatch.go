/*Package wasatch enables working with Wasatch Photonics spectrometers over USB.

The devices are controlled with vendor control transfers on endpoint 0 and
deliver spectra on bulk endpoint 0x82 as little-endian uint16 samples.  The
identity and calibration of the device live in an EEPROM read in 64 byte pages.

Only one program may claim the device at a time; if the vendor desktop
application (ENLIGHTEN) is running, the EEPROM reads come back blank.
*/
package wasatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/crest-lab/zwscan/spectrometer"
	"github.com/crest-lab/zwscan/util"
	"github.com/google/gousb"
)

const (
	// VendorID is the USB vendor ID of Wasatch Photonics
	VendorID = 0x24aa

	// Remedy is the suggested fix for a blank identity
	Remedy = "close ENLIGHTEN (or any other program using the spectrometer) before connecting"

	reqHostToDevice = 0x40 // vendor | out
	reqDeviceToHost = 0xC0 // vendor | in

	opAcquire           = 0xAD
	opSetModEnable      = 0xBD
	opSetLaserEnable    = 0xBE
	opSetIntegration    = 0xB2
	opSetModPeriod      = 0xC7
	opSetModWidth       = 0xDB
	opGetLaserEnable    = 0xE2
	opSecondTier        = 0xFF
	secondTierEEPROM    = 0x01
	eepromPageSize      = 64
	bulkEndpoint        = 2 // 0x82
	modPeriodMicrosec   = 100
	defaultPixels       = 1024
	maxIntegrationMilli = 1<<24 - 1
)

var (
	// ErrNotFound is generated when no Wasatch device is on the bus
	ErrNotFound = errors.New("no Wasatch spectrometer found on the USB bus")

	// ErrShortRead is generated when a bulk read returns fewer bytes than a frame
	ErrShortRead = errors.New("short read from the spectrometer")

	// ErrNoPowerCalibration is generated when laser power is set in mW
	// without a known maximum power
	ErrNoPowerCalibration = errors.New("laser maximum power unknown, cannot convert mW to a modulation duty cycle")
)

// usbDevice is the subset of a USB device the driver needs
type usbDevice interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	ReadBulk(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// gousbDevice adapts gousb to usbDevice
type gousbDevice struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	in     *gousb.InEndpoint
	closer func()
}

func (g *gousbDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return g.dev.Control(rType, request, val, idx, data)
}

func (g *gousbDevice) ReadBulk(ctx context.Context, buf []byte) (int, error) {
	return g.in.ReadContext(ctx, buf)
}

func (g *gousbDevice) Close() error {
	if g.closer != nil {
		g.closer()
	}
	var err error
	if g.dev != nil {
		err = g.dev.Close()
	}
	if g.ctx != nil {
		g.ctx.Close()
	}
	return err
}

// openFirst opens the first Wasatch device on the bus
func openFirst() (*gousbDevice, error) {
	out := &gousbDevice{ctx: gousb.NewContext()}
	devs, err := out.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(VendorID)
	})
	// OpenDevices may return devices and an error together
	for i := 1; i < len(devs); i++ {
		devs[i].Close()
	}
	if len(devs) == 0 {
		out.ctx.Close()
		if err == nil {
			err = ErrNotFound
		}
		return nil, err
	}
	out.dev = devs[0]
	if err = out.dev.SetAutoDetach(true); err != nil {
		out.Close()
		return nil, err
	}
	iface, closer, err := out.dev.DefaultInterface()
	if err != nil {
		out.Close()
		return nil, err
	}
	out.closer = closer
	out.in, err = iface.InEndpoint(bulkEndpoint)
	if err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

// Spectrometer is a Wasatch spectrometer.  It satisfies spectrometer.Spectrometer.
type Spectrometer struct {
	sync.Mutex

	// MaxPowerMW is the laser output at 100% duty cycle.  If zero, the
	// value from the EEPROM is used.
	MaxPowerMW float64

	dev        usbDevice
	id         spectrometer.Identity
	eepromMaxP float64
	integ      int
}

// Open connects to the first Wasatch spectrometer on the bus and reads its
// EEPROM.  Failures are returned as *spectrometer.ConnectionFault.
func Open() (*Spectrometer, error) {
	dev, err := openFirst()
	if err != nil {
		return nil, &spectrometer.ConnectionFault{Device: "wasatch", Err: err, Remedy: Remedy}
	}
	s, err := newSpectrometer(dev)
	if err != nil {
		dev.Close()
		return nil, &spectrometer.ConnectionFault{Device: "wasatch", Err: err, Remedy: Remedy}
	}
	if _, err = spectrometer.CheckIdentity("wasatch", s, Remedy); err != nil {
		dev.Close()
		return nil, err
	}
	return s, nil
}

func newSpectrometer(dev usbDevice) (*Spectrometer, error) {
	s := &Spectrometer{dev: dev}
	if err := s.readEEPROM(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the device
func (s *Spectrometer) Close() error {
	s.Lock()
	defer s.Unlock()
	return s.dev.Close()
}

func (s *Spectrometer) send(op uint8, val, idx uint16, data []byte) error {
	if data == nil {
		data = []byte{0}
	}
	_, err := s.dev.Control(reqHostToDevice, op, val, idx, data)
	if err != nil {
		return fmt.Errorf("wasatch: opcode 0x%02X: %w", op, err)
	}
	return nil
}

func (s *Spectrometer) get(op uint8, val, idx uint16, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := s.dev.Control(reqDeviceToHost, op, val, idx, buf)
	if err != nil {
		return nil, fmt.Errorf("wasatch: opcode 0x%02X: %w", op, err)
	}
	return buf[:got], nil
}

func cstring(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func readFloat32(b []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
}

// readEEPROM reads the identity, pixel count, wavelength calibration and
// maximum laser power
func (s *Spectrometer) readEEPROM() error {
	pages := make([][]byte, 4)
	for i := range pages {
		p, err := s.get(opSecondTier, secondTierEEPROM, uint16(i), eepromPageSize)
		if err != nil {
			return err
		}
		if len(p) < eepromPageSize {
			return fmt.Errorf("wasatch: EEPROM page %d: %w", i, ErrShortRead)
		}
		pages[i] = p
	}
	id := spectrometer.Identity{
		Model:  cstring(pages[0][0:16]),
		Serial: cstring(pages[0][16:32]),
		Pixels: int(binary.LittleEndian.Uint16(pages[2][16:18])),
	}
	if id.Pixels == 0 || id.Pixels == 0xffff {
		id.Pixels = defaultPixels
	}
	var c [4]float64
	for i := range c {
		c[i] = readFloat32(pages[1][i*4:])
	}
	if c[1] != 0 && !math.IsNaN(c[1]) {
		id.Wavelengths = make([]float64, id.Pixels)
		for i := range id.Wavelengths {
			x := float64(i)
			id.Wavelengths[i] = c[0] + x*(c[1]+x*(c[2]+x*c[3]))
		}
	}
	if p := readFloat32(pages[3][28:]); p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0) {
		s.eepromMaxP = p
	}
	s.id = id
	return nil
}

// Identity returns the identity read from the EEPROM at connection
func (s *Spectrometer) Identity() (spectrometer.Identity, error) {
	s.Lock()
	defer s.Unlock()
	return s.id, nil
}

// SetIntegrationTime sets the integration time in milliseconds
func (s *Spectrometer) SetIntegrationTime(ms int) error {
	if ms < 1 || ms > maxIntegrationMilli {
		return fmt.Errorf("wasatch: integration time %d ms outside [1, %d]", ms, maxIntegrationMilli)
	}
	s.Lock()
	defer s.Unlock()
	err := s.send(opSetIntegration, uint16(ms&0xffff), uint16(ms>>16), nil)
	if err == nil {
		s.integ = ms
	}
	return err
}

// SetIlluminationEnabled turns the laser on or off
func (s *Spectrometer) SetIlluminationEnabled(b bool) error {
	var v uint16
	if b {
		v = 1
	}
	s.Lock()
	defer s.Unlock()
	return s.send(opSetLaserEnable, v, 0, nil)
}

// IlluminationEnabled returns true if the laser is enabled
func (s *Spectrometer) IlluminationEnabled() (bool, error) {
	s.Lock()
	defer s.Unlock()
	b, err := s.get(opGetLaserEnable, 0, 0, 1)
	if err != nil {
		return false, err
	}
	return len(b) > 0 && b[0] != 0, nil
}

// dutyCycle converts an output power to a modulation duty cycle, percent
func dutyCycle(mW, maxMW float64) (float64, error) {
	if !(maxMW > 0) {
		return 0, ErrNoPowerCalibration
	}
	return util.Clamp(mW/maxMW*100, 0, 100), nil
}

// SetIlluminationPower sets the laser output power by pulse width modulation
// of the laser against its full-power output
func (s *Spectrometer) SetIlluminationPower(mW float64) error {
	s.Lock()
	defer s.Unlock()
	maxP := s.MaxPowerMW
	if maxP == 0 {
		maxP = s.eepromMaxP
	}
	pct, err := dutyCycle(mW, maxP)
	if err != nil {
		return err
	}
	if pct >= 100 {
		return s.send(opSetModEnable, 0, 0, nil)
	}
	if err = s.send(opSetModPeriod, modPeriodMicrosec, 0, make([]byte, 1)); err != nil {
		return err
	}
	width := uint16(math.Round(pct))
	if err = s.send(opSetModWidth, width, 0, make([]byte, 1)); err != nil {
		return err
	}
	return s.send(opSetModEnable, 1, 0, nil)
}

// decodeFrame converts little-endian uint16 samples to float64
func decodeFrame(buf []byte) []float64 {
	out := make([]float64, len(buf)/2)
	for i := range out {
		out[i] = float64(binary.LittleEndian.Uint16(buf[2*i:]))
	}
	return out
}

// ReadFrame triggers an acquisition and reads one spectrum
func (s *Spectrometer) ReadFrame() ([]float64, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.send(opAcquire, 0, 0, make([]byte, 8)); err != nil {
		return nil, &spectrometer.AcquisitionFault{Op: "acquire", Err: err}
	}
	timeout := time.Duration(s.integ)*time.Millisecond + 2*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf := make([]byte, s.id.Pixels*2)
	n, err := s.dev.ReadBulk(ctx, buf)
	if err != nil {
		return nil, &spectrometer.AcquisitionFault{Op: "bulk read", Err: err}
	}
	if n != len(buf) {
		return nil, &spectrometer.AcquisitionFault{
			Op:  "bulk read",
			Err: fmt.Errorf("%w: %d of %d bytes", ErrShortRead, n, len(buf))}
	}
	return decodeFrame(buf), nil
}
