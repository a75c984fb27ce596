// Package zaber enables working with Zaber linear stages over the Zaber
// ASCII protocol.
package zaber

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/crest-lab/zwscan/comm"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

const (
	// DefaultMicrostepSize is the microstep size of X-LSM and X-LRQ stages, µm
	DefaultMicrostepSize = 0.047625

	// velocityScale converts microsteps/s to the native velocity unit
	velocityScale = 1.6384

	// broadcast is the device address every device answers to
	broadcast = 0
)

var (
	// ErrNoReply is generated when the device does not answer before the
	// serial read timeout
	ErrNoReply = errors.New("no reply from zaber device")

	// ErrMoveTimeout is generated when an axis is still busy after MaxMoveTime
	ErrMoveTimeout = errors.New("axis still busy after the maximum move time")
)

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 500 * time.Millisecond}
}

// Connection is a serial (or TCP) link shared by a daisy chain of devices
type Connection struct {
	*comm.RemoteDevice

	// MaxMoveTime bounds how long a move is polled before the axis is
	// stopped and ErrMoveTimeout returned.  0 polls forever.
	MaxMoveTime time.Duration

	poll *rate.Limiter
}

// NewConnection returns a new connection.  pollHz is the rate at which
// busy axes are polled for completion.
func NewConnection(addr string, isSerial bool, pollHz float64) *Connection {
	terms := comm.Terminators{Rx: '\n', Tx: '\n'}
	rd := comm.NewRemoteDevice(addr, isSerial, &terms, makeSerConf(addr))
	if pollHz <= 0 {
		pollHz = 20
	}
	return &Connection{
		RemoteDevice: &rd,
		poll:         rate.NewLimiter(rate.Limit(pollHz), 1)}
}

// recvReply reads lines until a reply from device/axis arrives.
// A broadcast request accepts a reply from any device.
func (c *Connection) recvReply(device, axis int) (Reply, error) {
	for {
		line, err := c.Recv()
		if err != nil {
			if comm.IsTimeout(err) {
				return Reply{}, ErrNoReply
			}
			return Reply{}, err
		}
		s := string(line)
		if !isReply(s) {
			continue
		}
		r, err := parseReply(s)
		if err != nil {
			return Reply{}, err
		}
		if device != broadcast && (r.Device != device || r.Axis != axis) {
			continue
		}
		return r, nil
	}
}

// command sends one command and returns its reply.  The caller must hold the lock.
func (c *Connection) command(device, axis int, cmd string) (Reply, error) {
	if err := c.Open(); err != nil {
		return Reply{}, err
	}
	err := c.Send([]byte(formatCommand(device, axis, cmd)))
	if err != nil {
		return Reply{}, err
	}
	r, err := c.recvReply(device, axis)
	if err != nil {
		return r, err
	}
	if !r.OK {
		return r, RejectedError{Cmd: cmd, Reason: r.Data}
	}
	if r.Faulted() {
		return r, FaultError{Device: r.Device, Axis: r.Axis, Flag: r.Warning}
	}
	return r, nil
}

// Command sends a command to one axis of one device and returns the reply
func (c *Connection) Command(device, axis int, cmd string) (Reply, error) {
	c.Lock()
	defer c.Unlock()
	return c.command(device, axis, cmd)
}

// waitIdle polls the axis until it reports IDLE.  The lock is taken for each
// poll only, so other commands (stop, get pos) interleave with a long move.
// If the axis is still busy after MaxMoveTime it is sent a stop.
func (c *Connection) waitIdle(device, axis int) error {
	ctx := context.Background()
	if c.MaxMoveTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.MaxMoveTime)
		defer cancel()
	}
	for {
		if err := c.poll.Wait(ctx); err != nil {
			if _, serr := c.Command(device, axis, "stop"); serr != nil {
				log.Printf("zaber device %d axis %d: stop after timeout failed: %v\n", device, axis, serr)
			}
			return fmt.Errorf("%w (%v)", ErrMoveTimeout, c.MaxMoveTime)
		}
		r, err := c.Command(device, axis, "")
		if err != nil {
			return err
		}
		if !r.Busy {
			return nil
		}
	}
}

// Detect asks every device on the chain for its serial number and returns
// the sorted device addresses that answered
func (c *Connection) Detect() ([]int, error) {
	c.Lock()
	defer c.Unlock()
	if err := c.Open(); err != nil {
		return nil, err
	}
	err := c.Send([]byte(formatCommand(broadcast, 0, "get system.serial")))
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	for {
		r, err := c.recvReply(broadcast, 0)
		if err == ErrNoReply {
			break
		}
		if err != nil {
			return nil, err
		}
		seen[r.Device] = true
	}
	devs := make([]int, 0, len(seen))
	for d := range seen {
		devs = append(devs, d)
	}
	sort.Ints(devs)
	return devs, nil
}

// Axis is one axis of one device on a connection.  It satisfies motion.Stage.
type Axis struct {
	conn *Connection

	// Device is the device address on the chain, 1-based
	Device int

	// Number is the axis number on the device, 1-based
	Number int

	// MicrostepSize is the travel of one microstep, µm
	MicrostepSize float64

	lastSpeed int64
}

// NewAxis returns an axis on the connection
func NewAxis(c *Connection, device, number int, microstepSize float64) *Axis {
	if microstepSize <= 0 {
		microstepSize = DefaultMicrostepSize
	}
	return &Axis{conn: c, Device: device, Number: number, MicrostepSize: microstepSize, lastSpeed: -1}
}

func (a *Axis) String() string {
	return fmt.Sprintf("zaber device %d axis %d", a.Device, a.Number)
}

func (a *Axis) toMicrosteps(um float64) int64 {
	return int64(math.Round(um / a.MicrostepSize))
}

func (a *Axis) toNativeSpeed(umPerSec float64) int64 {
	s := int64(math.Round(umPerSec / a.MicrostepSize * velocityScale))
	if s < 1 {
		s = 1
	}
	return s
}

// moveAndWait issues a motion command and polls until the axis is idle.
func (a *Axis) moveAndWait(cmd string, vel float64) error {
	if err := a.issue(cmd, vel); err != nil {
		return err
	}
	return a.conn.waitIdle(a.Device, a.Number)
}

// issue sets the speed if it changed and sends cmd, holding the lock for both
func (a *Axis) issue(cmd string, vel float64) error {
	a.conn.Lock()
	defer a.conn.Unlock()
	if vel > 0 {
		speed := a.toNativeSpeed(vel)
		if speed != a.lastSpeed {
			_, err := a.conn.command(a.Device, a.Number, "set maxspeed "+strconv.FormatInt(speed, 10))
			if err != nil {
				return err
			}
			a.lastSpeed = speed
		}
	}
	_, err := a.conn.command(a.Device, a.Number, cmd)
	return err
}

// Home homes the axis and blocks until homing completes
func (a *Axis) Home() error {
	return a.moveAndWait("home", 0)
}

// IsHomed returns true if the home sensor has been triggered since power up
func (a *Axis) IsHomed() (bool, error) {
	r, err := a.conn.Command(a.Device, a.Number, "get limit.home.triggered")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(r.Data) == "1", nil
}

// GetPos returns the current position of the axis, µm
func (a *Axis) GetPos() (float64, error) {
	r, err := a.conn.Command(a.Device, a.Number, "get pos")
	if err != nil {
		return 0, err
	}
	steps, err := strconv.ParseInt(strings.TrimSpace(r.Data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: position %q", ErrMalformedReply, r.Data)
	}
	return float64(steps) * a.MicrostepSize, nil
}

// MoveAbs moves the axis to pos (µm) at vel (µm/s) and blocks until it arrives
func (a *Axis) MoveAbs(pos, vel float64) error {
	return a.moveAndWait("move abs "+strconv.FormatInt(a.toMicrosteps(pos), 10), vel)
}

// MoveRel moves the axis by delta (µm) at vel (µm/s) and blocks until it arrives
func (a *Axis) MoveRel(delta, vel float64) error {
	return a.moveAndWait("move rel "+strconv.FormatInt(a.toMicrosteps(delta), 10), vel)
}

// Stop decelerates the axis to a stop
func (a *Axis) Stop() error {
	_, err := a.conn.Command(a.Device, a.Number, "stop")
	return err
}
