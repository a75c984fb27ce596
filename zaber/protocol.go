package zaber

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// replies are formatted as
// @[device] [axis] [OK|RJ] [IDLE|BUSY] [warning flag] [data...]
// e.g.
// @01 1 OK IDLE -- 0
// info (#) and alert (!) messages share the address prefix and are skipped.

const (
	replyMarker = '@'
	infoMarker  = '#'
	alertMarker = '!'

	flagOK       = "OK"
	flagRejected = "RJ"
	statusIdle   = "IDLE"
	statusBusy   = "BUSY"
	noWarning    = "--"
)

// ErrMalformedReply is generated when a reply line cannot be parsed
var ErrMalformedReply = errors.New("malformed reply from zaber device")

// Reply is a parsed reply message
type Reply struct {
	Device  int
	Axis    int
	OK      bool
	Busy    bool
	Warning string
	Data    string
}

// Faulted returns true if the warning flag is a fault (F*) flag
func (r Reply) Faulted() bool {
	return strings.HasPrefix(r.Warning, "F")
}

// RejectedError is generated when a device rejects a command
type RejectedError struct {
	Cmd    string
	Reason string
}

func (e RejectedError) Error() string {
	return fmt.Sprintf("command %q rejected: %s", e.Cmd, e.Reason)
}

// FaultError is generated when a device reports a fault warning flag
type FaultError struct {
	Device, Axis int
	Flag         string
}

func (e FaultError) Error() string {
	desc, ok := warningFlags[e.Flag]
	if !ok {
		desc = "UNKNOWN FAULT"
	}
	return fmt.Sprintf("device %d axis %d reports %s - %s", e.Device, e.Axis, e.Flag, desc)
}

var warningFlags = map[string]string{
	"FD": "DRIVER DISABLED",
	"FQ": "ENCODER ERROR",
	"FS": "STALLED AND STOPPED",
	"FT": "EXCESSIVE TWIST",
	"FB": "STREAM BOUNDS ERROR",
	"FP": "INTERPOLATED PATH DEVIATION",
	"FE": "LIMIT ERROR",
	"FM": "MODEM ERROR",
	"WH": "DEVICE NOT HOMED",
	"WL": "UNEXPECTED LIMIT TRIGGER",
	"WR": "NO REFERENCE POSITION",
	"WV": "VOLTAGE OUT OF RANGE",
	"WT": "CONTROLLER TEMPERATURE HIGH",
	"WS": "DISPLACED WHEN STATIONARY",
	"NC": "MANUAL CONTROL",
	"NI": "COMMAND INTERRUPTED",
	"NJ": "JOYSTICK CALIBRATING",
}

// formatCommand builds the text of a command, without terminator
func formatCommand(device, axis int, cmd string) string {
	if cmd == "" {
		return fmt.Sprintf("/%d %d", device, axis)
	}
	return fmt.Sprintf("/%d %d %s", device, axis, cmd)
}

// isReply returns true if the line is a reply (as opposed to info or alert)
func isReply(line string) bool {
	return len(line) > 0 && line[0] == replyMarker
}

// parseReply parses a reply line
func parseReply(line string) (Reply, error) {
	line = strings.TrimSpace(line)
	if !isReply(line) {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	fields := strings.Fields(line[1:])
	if len(fields) < 5 {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	dev, err := strconv.Atoi(fields[0])
	if err != nil {
		return Reply{}, fmt.Errorf("%w: device %q", ErrMalformedReply, fields[0])
	}
	axis, err := strconv.Atoi(fields[1])
	if err != nil {
		return Reply{}, fmt.Errorf("%w: axis %q", ErrMalformedReply, fields[1])
	}
	r := Reply{Device: dev, Axis: axis, Warning: fields[4]}
	switch fields[2] {
	case flagOK:
		r.OK = true
	case flagRejected:
	default:
		return Reply{}, fmt.Errorf("%w: reply flag %q", ErrMalformedReply, fields[2])
	}
	switch fields[3] {
	case statusIdle:
	case statusBusy:
		r.Busy = true
	default:
		return Reply{}, fmt.Errorf("%w: status %q", ErrMalformedReply, fields[3])
	}
	if r.Warning == noWarning {
		r.Warning = ""
	}
	if len(fields) > 5 {
		r.Data = strings.Join(fields[5:], " ")
	}
	return r, nil
}
