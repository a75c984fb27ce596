// Package util contains misc internal utilities.
package util

import (
	"math"
	"net"
	"time"
)

// Limiter is a soft limit on an axis.  Min and Max are inclusive.
type Limiter struct {
	Min float64 `koanf:"min" yaml:"min" json:"min"`
	Max float64 `koanf:"max" yaml:"max" json:"max"`
}

// Check returns true if x is within the limits.  A zero Limiter permits anything.
func (l Limiter) Check(x float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return x >= l.Min && x <= l.Max
}

// Clamp limits x to the range [low, high]
func Clamp(x, low, high float64) float64 {
	return math.Max(low, math.Min(x, high))
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
