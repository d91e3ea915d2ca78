//go:build !linux

package serialport

import "errors"

// OpenTermios is only available on Linux.
func OpenTermios(path string, opts PortOptions) (Handle, error) {
	return nil, errors.New("termios driver is only supported on linux")
}
