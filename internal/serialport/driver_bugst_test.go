package serialport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakeBugstPort implements the serial.Port methods the driver uses.
type fakeBugstPort struct {
	serial.Port

	mu       sync.Mutex
	data     bytes.Buffer
	written  bytes.Buffer
	timeouts []time.Duration
	closes   int
}

func (p *fakeBugstPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data.Len() == 0 {
		return 0, nil
	}
	return p.data.Read(b)
}

func (p *fakeBugstPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakeBugstPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, d)
	return nil
}

func (p *fakeBugstPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakeBugstPort) lastTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeouts[len(p.timeouts)-1]
}

func withFakeBugst(t *testing.T, port *fakeBugstPort, openErr error) *[]*serial.Mode {
	t.Helper()
	var modes []*serial.Mode
	orig := openBugst
	openBugst = func(name string, mode *serial.Mode) (serial.Port, error) {
		modes = append(modes, mode)
		if openErr != nil {
			return nil, openErr
		}
		return port, nil
	}
	t.Cleanup(func() { openBugst = orig })
	return &modes
}

func TestOpenBugst_AppliesModeAndTimeout(t *testing.T) {
	port := &fakeBugstPort{}
	modes := withFakeBugst(t, port, nil)

	h, err := OpenBugst("/dev/ttyUSB0", PortOptions{BaudRate: 9600, Parity: ParityEven, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer h.Close()

	require.Len(t, *modes, 1)
	assert.Equal(t, 9600, (*modes)[0].BaudRate)
	assert.Equal(t, serial.EvenParity, (*modes)[0].Parity)
	assert.Equal(t, 50*time.Millisecond, port.lastTimeout())
}

func TestOpenBugst_Error(t *testing.T) {
	boom := errors.New("no such device")
	withFakeBugst(t, nil, boom)

	_, err := OpenBugst("/dev/ttyUSB9", PortOptions{BaudRate: 9600})
	assert.ErrorIs(t, err, boom)

	_, err = OpenBugst("/dev/ttyUSB9", PortOptions{})
	assert.Error(t, err)
}

func TestBugstHandle_ClonesShareThePort(t *testing.T) {
	port := &fakeBugstPort{}
	withFakeBugst(t, port, nil)

	h, err := OpenBugst("COM1", PortOptions{BaudRate: 9600})
	require.NoError(t, err)

	clone, err := h.Clone()
	require.NoError(t, err)
	require.NoError(t, clone.SetReadTimeout(10*time.Millisecond))

	port.mu.Lock()
	port.data.WriteString("hello")
	port.mu.Unlock()

	buf := make([]byte, 16)
	n, err := clone.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, 10*time.Millisecond, port.lastTimeout())

	// Reads on the original reapply its own timeout.
	_, err = h.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, port.lastTimeout())

	n, err = h.Write([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Closing the original leaves the clone usable.
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 0, port.closes)

	_, err = h.Write([]byte("x"))
	assert.Error(t, err)
	_, err = h.Clone()
	assert.Error(t, err)

	_, err = clone.Write([]byte("still here"))
	require.NoError(t, err)

	require.NoError(t, clone.Close())
	assert.Equal(t, 1, port.closes)
}

func TestOpenBugst_FlowControlIsReportedAsDropped(t *testing.T) {
	port := &fakeBugstPort{}
	modes := withFakeBugst(t, port, nil)
	logs := captureLogs(t)

	h, err := OpenBugst("/dev/ttyUSB0", PortOptions{BaudRate: 9600, FlowControl: FlowHardware})
	require.NoError(t, err)
	defer h.Close()

	require.Len(t, *modes, 1)
	assert.Equal(t, 9600, (*modes)[0].BaudRate)

	applied, ok := h.(appliedOptions)
	require.True(t, ok, "bugst handles report their applied options")
	assert.Equal(t, FlowNone, applied.AppliedOptions().FlowControl)
	assert.Equal(t, 9600, applied.AppliedOptions().BaudRate)
	assert.Equal(t, DefaultTimeout, applied.AppliedOptions().Timeout)
	assert.Contains(t, logs.String(), "cannot apply flow control")
	assert.Contains(t, logs.String(), `"flow_control":"hardware"`)

	clone, err := h.Clone()
	require.NoError(t, err)
	defer clone.Close()
	assert.Equal(t, FlowNone, clone.(appliedOptions).AppliedOptions().FlowControl)
}

func TestOpenBugst_NoWarningWithoutFlowControl(t *testing.T) {
	withFakeBugst(t, &fakeBugstPort{}, nil)
	logs := captureLogs(t)

	h, err := OpenBugst("COM1", PortOptions{BaudRate: 9600})
	require.NoError(t, err)
	defer h.Close()
	assert.NotContains(t, logs.String(), "flow control")
}

func TestManager_SessionShowsFlowControlInEffect(t *testing.T) {
	withFakeBugst(t, &fakeBugstPort{}, nil)
	m := NewManager(context.Background(), Config{Opener: OpenBugst, Lister: fakeLister{}})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	require.NoError(t, m.Open("COM1", PortOptions{BaudRate: 9600, FlowControl: FlowSoftware}))
	info := sessionFor(t, m, "COM1")
	assert.Equal(t, FlowNone.String(), info.FlowControl)
	assert.Equal(t, 9600, info.BaudRate)
}

func TestOpenerFor(t *testing.T) {
	for _, d := range []Driver{"", DriverBugst, DriverTermios} {
		op, err := OpenerFor(d)
		require.NoError(t, err, d)
		assert.NotNil(t, op)
	}
	_, err := OpenerFor("carrier-pigeon")
	assert.Error(t, err)
}
