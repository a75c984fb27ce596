/*Package comm provides an embeddable type for line-oriented communication with
lab hardware over RS232 or TCP.

Most usages of this package boil down to:
	1.  embed *RemoteDevice in a type that represents your hardware.
	2.  construct it with the terminators and serial configuration the
		hardware expects.
	3.  write methods that Lock, Open, SendRecv and Unlock.

A minimal example for a stage controller that replies to "/1 1" with its
status line:

	type Stage struct {
		*comm.RemoteDevice
	}

	func (s *Stage) Status() (string, error) {
		s.Lock()
		defer s.Unlock()
		if err := s.Open(); err != nil {
			return "", err
		}
		resp, err := s.SendRecv([]byte("/1 1"))
		return string(resp), err
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/crest-lab/zwscan/util"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when a serial device has no serial.Config
	ErrNoSerialConf = errors.New("device is serial but no serial configuration was provided")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmit and receive termination bytes
type Terminators struct {
	Rx byte
	Tx byte
}

// DefaultTerminators are carriage returns in both directions
var DefaultTerminators = Terminators{Rx: '\r', Tx: '\r'}

// Opener opens a connection to a remote.  Swapping it out allows tests to
// substitute an in-memory pipe for a serial port.
type Opener func() (io.ReadWriteCloser, error)

/*RemoteDevice has an address and a connection, and sends and receives
terminated lines over it.

RemoteDevice embeds a mutex.  It does not lock in Send, Recv or SendRecv, so
that a caller may hold the lock across a command and its reply(s).
*/
type RemoteDevice struct {
	sync.Mutex

	// Addr is a TCP address (host:port) or a serial port path
	Addr string

	// IsSerial is true when Addr is a serial port
	IsSerial bool

	// Timeout is used for TCP dial, read and write deadlines
	Timeout time.Duration

	// Conn is the open connection, or nil
	Conn io.ReadWriteCloser

	terms   Terminators
	serConf *serial.Config
	opener  Opener
	reader  *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  If terms is nil,
// DefaultTerminators are used.
func NewRemoteDevice(addr string, isSerial bool, terms *Terminators, serConf *serial.Config) RemoteDevice {
	if terms == nil {
		terms = &DefaultTerminators
	}
	return RemoteDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Timeout:  3 * time.Second,
		terms:    *terms,
		serConf:  serConf}
}

// SetOpener replaces the function used to make new connections
func (rd *RemoteDevice) SetOpener(o Opener) {
	rd.opener = o
}

// Open the connection if it is not already open.
// Opening retries with exponential backoff for a few seconds unless the
// remote actively refuses the connection.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if err == ErrNoSerialConf || strings.Contains(errS, "refused") || strings.Contains(errS, "no such file") {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	switch {
	case rd.opener != nil:
		conn, err = rd.opener()
	case rd.IsSerial:
		if rd.serConf == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serConf)
	default:
		conn, err = util.TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.reader = nil
	return err
}

// Send writes data to the remote after appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	if nc, ok := rd.Conn.(net.Conn); ok && rd.Timeout > 0 {
		nc.SetDeadline(time.Now().Add(rd.Timeout))
	}
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, rd.terms.Tx)
	_, err := rd.Conn.Write(msg)
	return err
}

// Recv receives one line from the remote and strips the Rx terminator and
// any carriage return preceding it
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	term := rd.terms.Rx
	buf, err := rd.reader.ReadBytes(term)
	if err != nil {
		if len(buf) > 0 && errors.Is(err, io.EOF) {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{term})
	if term != '\r' {
		buf = bytes.TrimSuffix(buf, []byte{'\r'})
	}
	return buf, nil
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return nil, err
	}
	return rd.Recv()
}

// IsTimeout returns true if err is a read timeout.  Serial ports report a
// timeout as io.EOF, network connections as a net.Error with Timeout() true.
func IsTimeout(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
