// Package serialport owns the open serial port sessions: a registry keyed by
// port identifier, the background read loops that forward received bytes to a
// sink, and the commands that open, write, read and close ports.
package serialport

import (
	"fmt"
	"io"
	"time"
)

// Handle is an open serial connection.
type Handle interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds how long Read waits for data. A Read that times
	// out returns 0, nil.
	SetReadTimeout(time.Duration) error

	// Clone returns an independent handle to the same device. Closing either
	// handle leaves the other usable.
	Clone() (Handle, error)
}

// appliedOptions is implemented by handles whose driver could not apply every
// requested option. The session records the options reported here.
type appliedOptions interface {
	AppliedOptions() PortOptions
}

// Opener opens the device at path with the given options. opts has already
// been normalized.
type Opener func(path string, opts PortOptions) (Handle, error)

// Driver names a built-in Opener.
type Driver string

const (
	DriverBugst   Driver = "bugst"
	DriverTermios Driver = "termios"
)

// OpenerFor returns the Opener for a driver name. The empty name selects
// bugst.
func OpenerFor(d Driver) (Opener, error) {
	switch d {
	case "", DriverBugst:
		return OpenBugst, nil
	case DriverTermios:
		return OpenTermios, nil
	default:
		return nil, fmt.Errorf("unknown serial driver %q", d)
	}
}
