//go:build linux

package serialport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

var termiosBauds = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

var termiosDataBits = map[int]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

// termiosHandle talks to the tty directly. The descriptor stays non-blocking;
// Read waits in poll(2) on the device and a self-pipe so Close can wake it.
type termiosHandle struct {
	path string

	// Read and Write hold mu for reading; Close takes it exclusively before
	// releasing the descriptors.
	mu           sync.RWMutex
	fd           int
	pipeR, pipeW int

	timeout   atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
}

// OpenTermios opens path in raw mode with the line settings from opts.
func OpenTermios(path string, opts PortOptions) (Handle, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	speed, ok := termiosBauds[opts.BaudRate]
	if !ok {
		return nil, fmt.Errorf("unsupported baud rate %d", opts.BaudRate)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := configureTermios(fd, speed, opts); err != nil {
		unix.Close(fd)
		return nil, err
	}

	h, err := newTermiosHandle(path, fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	h.timeout.Store(int64(opts.Timeout))
	return h, nil
}

func configureTermios(fd int, speed uint32, opts PortOptions) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CLOCAL | unix.CREAD | termiosDataBits[opts.DataBits] | speed
	t.Ispeed = speed
	t.Ospeed = speed

	switch opts.Parity {
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		t.Cflag |= unix.PARENB
	}
	if opts.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}
	switch opts.FlowControl {
	case FlowHardware:
		t.Cflag |= unix.CRTSCTS
	case FlowSoftware:
		t.Iflag |= unix.IXON | unix.IXOFF
	}

	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func newTermiosHandle(path string, fd int) (*termiosHandle, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	return &termiosHandle{path: path, fd: fd, pipeR: p[0], pipeW: p[1]}, nil
}

func pollMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}

func (h *termiosHandle) Read(p []byte) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed.Load() {
		return 0, errHandleClosed
	}

	fds := []unix.PollFd{
		{Fd: int32(h.fd), Events: unix.POLLIN},
		{Fd: int32(h.pipeR), Events: unix.POLLIN},
	}
	n, err := unix.Poll(fds, pollMillis(time.Duration(h.timeout.Load())))
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("poll %s: %w", h.path, err)
	}
	if n == 0 {
		return 0, nil
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		return 0, errHandleClosed
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		n, err := unix.Read(h.fd, p)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("read %s: %w", h.path, err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
	if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return 0, fmt.Errorf("read %s: device hung up", h.path)
	}
	return 0, nil
}

// Write blocks until all of p is written, waiting up to the read timeout each
// time the output queue is full.
func (h *termiosHandle) Write(p []byte) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed.Load() {
		return 0, errHandleClosed
	}

	written := 0
	for written < len(p) {
		n, err := unix.Write(h.fd, p[written:])
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLOUT}}
			ready, err := unix.Poll(fds, pollMillis(time.Duration(h.timeout.Load())))
			if err != nil && !errors.Is(err, unix.EINTR) {
				return written, fmt.Errorf("poll %s: %w", h.path, err)
			}
			if ready == 0 && err == nil {
				return written, fmt.Errorf("write %s: timed out", h.path)
			}
			continue
		case err != nil:
			return written, fmt.Errorf("write %s: %w", h.path, err)
		}
		written += n
	}
	return written, nil
}

func (h *termiosHandle) SetReadTimeout(d time.Duration) error {
	if h.closed.Load() {
		return errHandleClosed
	}
	h.timeout.Store(int64(d))
	return nil
}

// Clone duplicates the descriptor. The clone has its own timeout and its own
// wake-up pipe.
func (h *termiosHandle) Clone() (Handle, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed.Load() {
		return nil, errHandleClosed
	}

	fd, err := unix.FcntlInt(uintptr(h.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", h.path, err)
	}
	c, err := newTermiosHandle(h.path, fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	c.timeout.Store(h.timeout.Load())
	return c, nil
}

// Close wakes any pending Read and releases the descriptors. Safe to call
// more than once.
func (h *termiosHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		unix.Write(h.pipeW, []byte{1})

		h.mu.Lock()
		defer h.mu.Unlock()
		err = unix.Close(h.fd)
		unix.Close(h.pipeR)
		unix.Close(h.pipeW)
	})
	return err
}
