package serialport

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultDataBits  = 8
	DefaultStopBits  = 2
	DefaultTimeout   = 200 * time.Millisecond
	DefaultChunkSize = 1024
)

// FlowControl selects the line's flow control discipline.
type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowSoftware
	FlowHardware
)

func (f FlowControl) String() string {
	switch f {
	case FlowSoftware:
		return "software"
	case FlowHardware:
		return "hardware"
	default:
		return "none"
	}
}

func (f FlowControl) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText never fails: unknown names become FlowNone.
func (f *FlowControl) UnmarshalText(b []byte) error {
	*f = ParseFlowControl(string(b))
	return nil
}

// ParseFlowControl accepts case-insensitive names and common aliases.
// Anything unrecognized is FlowNone.
func ParseFlowControl(s string) FlowControl {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "software", "xonxoff", "xon/xoff", "sw":
		return FlowSoftware
	case "hardware", "rtscts", "rts/cts", "hw":
		return FlowHardware
	default:
		return FlowNone
	}
}

// Parity is the line parity setting.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

func (p Parity) String() string {
	switch p {
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	default:
		return "none"
	}
}

func (p Parity) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText never fails: unknown names become ParityNone.
func (p *Parity) UnmarshalText(b []byte) error {
	*p = ParseParity(string(b))
	return nil
}

// ParseParity accepts "odd"/"O" and "even"/"E" in any case. Anything else is
// ParityNone.
func ParseParity(s string) Parity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "O", "ODD":
		return ParityOdd
	case "E", "EVEN":
		return ParityEven
	default:
		return ParityNone
	}
}

// PortOptions describes the line parameters used when opening a port. Only
// BaudRate is required; Normalize fills in everything else.
type PortOptions struct {
	BaudRate    int           `json:"baud_rate"`
	DataBits    int           `json:"data_bits"`
	FlowControl FlowControl   `json:"flow_control"`
	Parity      Parity        `json:"parity"`
	StopBits    int           `json:"stop_bits"`
	Timeout     time.Duration `json:"timeout"`
}

// Normalize applies defaults. Unrecognized optional values fall back to their
// default rather than failing; a non-positive baud rate is the only error.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		return opts, fmt.Errorf("invalid baud rate %d: must be positive", opts.BaudRate)
	}

	switch opts.DataBits {
	case 5, 6, 7, 8:
	default:
		opts.DataBits = DefaultDataBits
	}

	if opts.StopBits != 1 {
		opts.StopBits = DefaultStopBits
	}

	switch opts.FlowControl {
	case FlowNone, FlowSoftware, FlowHardware:
	default:
		opts.FlowControl = FlowNone
	}

	switch opts.Parity {
	case ParityNone, ParityOdd, ParityEven:
	default:
		opts.Parity = ParityNone
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	return opts, nil
}

// Equal reports whether two PortOptions describe the same line configuration
// once defaults are applied.
func (o PortOptions) Equal(other PortOptions) bool {
	a, errA := o.Normalize()
	b, errB := other.Normalize()
	if errA != nil || errB != nil {
		return false
	}
	return a == b
}

// Mode converts the options into the serial.Mode go.bug.st/serial expects.
// Flow control has no equivalent there and is applied by the termios driver
// only.
func (o PortOptions) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.TwoStopBits,
	}
	if opts.StopBits == 1 {
		mode.StopBits = serial.OneStopBit
	}

	switch opts.Parity {
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	return mode, nil
}
