package serialport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/serialbridge/internal/monitoring"
)

// openBugst is swapped out by tests.
var openBugst = serial.Open

var errHandleClosed = errors.New("handle closed")

// sharedPort is one go.bug.st/serial port referenced by every clone of a
// handle. The port is closed when the last reference is released.
type sharedPort struct {
	mu   sync.Mutex
	port serial.Port
	refs int
}

func (s *sharedPort) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return errHandleClosed
	}
	s.refs++
	return nil
}

func (s *sharedPort) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	return s.port.Close()
}

// bugstHandle is a Handle backed by go.bug.st/serial. The library keeps one
// read timeout per port, so each Read applies this handle's timeout first.
type bugstHandle struct {
	shared  *sharedPort
	applied PortOptions
	timeout atomic.Int64
	closed  atomic.Bool
}

// OpenBugst opens path with go.bug.st/serial. That library has no flow
// control setting, so a requested discipline is logged and dropped and the
// handle reports FlowNone through AppliedOptions. Use the termios driver when
// flow control matters.
func OpenBugst(path string, opts PortOptions) (Handle, error) {
	norm, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := norm.Mode()
	if err != nil {
		return nil, err
	}
	if norm.FlowControl != FlowNone {
		log := monitoring.Logger()
		log.Warn().
			Str("port", path).
			Str("flow_control", norm.FlowControl.String()).
			Msg("bugst driver cannot apply flow control; opening without it")
		norm.FlowControl = FlowNone
	}

	port, err := openBugst(path, mode)
	if err != nil {
		return nil, err
	}
	h := &bugstHandle{shared: &sharedPort{port: port, refs: 1}, applied: norm}
	if err := h.SetReadTimeout(norm.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return h, nil
}

func (h *bugstHandle) Read(p []byte) (int, error) {
	if h.closed.Load() {
		return 0, errHandleClosed
	}
	port := h.shared.port
	if err := port.SetReadTimeout(time.Duration(h.timeout.Load())); err != nil {
		return 0, err
	}
	return port.Read(p)
}

func (h *bugstHandle) Write(p []byte) (int, error) {
	if h.closed.Load() {
		return 0, errHandleClosed
	}
	return h.shared.port.Write(p)
}

func (h *bugstHandle) SetReadTimeout(d time.Duration) error {
	if h.closed.Load() {
		return errHandleClosed
	}
	h.timeout.Store(int64(d))
	return h.shared.port.SetReadTimeout(d)
}

func (h *bugstHandle) Clone() (Handle, error) {
	if h.closed.Load() {
		return nil, errHandleClosed
	}
	if err := h.shared.acquire(); err != nil {
		return nil, err
	}
	c := &bugstHandle{shared: h.shared, applied: h.applied}
	c.timeout.Store(h.timeout.Load())
	return c, nil
}

// AppliedOptions returns the line settings actually in effect.
func (h *bugstHandle) AppliedOptions() PortOptions {
	return h.applied
}

// Close releases this handle's reference. Closing twice is a no-op.
func (h *bugstHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.shared.release()
}
