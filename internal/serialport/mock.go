package serialport

import (
	"bytes"
	"sync"
	"time"
)

// mockDevice is the state shared by a TestableHandle and its clones.
type mockDevice struct {
	mu   sync.Mutex
	cond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	readErr    error
	writeErr   error
	cloneErr   error
	readPanic  any
	blockReads bool

	readCalls  int
	writeCalls int
	open       int
}

// TestableHandle implements Handle in memory for tests. Clones share the
// same read and write buffers, like descriptors on one device, but are
// closed independently.
type TestableHandle struct {
	dev     *mockDevice
	closed  bool
	timeout time.Duration
}

// NewTestableHandle returns an open handle on a fresh in-memory device.
func NewTestableHandle() *TestableHandle {
	dev := &mockDevice{open: 1}
	dev.cond = sync.NewCond(&dev.mu)
	return &TestableHandle{dev: dev}
}

// Read returns buffered data. With no data it returns 0, nil like a timed
// out read, unless blocking reads are enabled.
func (h *TestableHandle) Read(p []byte) (int, error) {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if h.closed {
		return 0, errHandleClosed
	}
	d.readCalls++
	d.cond.Broadcast()

	if d.readPanic != nil {
		v := d.readPanic
		d.readPanic = nil
		panic(v)
	}
	if d.readErr != nil {
		err := d.readErr
		d.readErr = nil
		return 0, err
	}
	for d.blockReads && d.readBuf.Len() == 0 && !h.closed {
		d.cond.Wait()
	}
	if h.closed {
		return 0, errHandleClosed
	}
	if d.readBuf.Len() == 0 {
		return 0, nil
	}
	return d.readBuf.Read(p)
}

func (h *TestableHandle) Write(p []byte) (int, error) {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if h.closed {
		return 0, errHandleClosed
	}
	d.writeCalls++
	if d.writeErr != nil {
		err := d.writeErr
		d.writeErr = nil
		return 0, err
	}
	return d.writeBuf.Write(p)
}

func (h *TestableHandle) SetReadTimeout(t time.Duration) error {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.timeout = t
	return nil
}

// ReadTimeout returns the last timeout set on this handle.
func (h *TestableHandle) ReadTimeout() time.Duration {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return h.timeout
}

func (h *TestableHandle) Clone() (Handle, error) {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if h.closed {
		return nil, errHandleClosed
	}
	if d.cloneErr != nil {
		return nil, d.cloneErr
	}
	d.open++
	return &TestableHandle{dev: d, timeout: h.timeout}, nil
}

// Close is idempotent and wakes any Read blocked on this handle.
func (h *TestableHandle) Close() error {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	d.open--
	d.cond.Broadcast()
	return nil
}

// Closed reports whether Close was called on this handle.
func (h *TestableHandle) Closed() bool {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return h.closed
}

// OpenHandles reports how many handles on the device are still open.
func (h *TestableHandle) OpenHandles() int {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return h.dev.open
}

// AddReadData queues data for subsequent reads.
func (h *TestableHandle) AddReadData(data []byte) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.readBuf.Write(data)
	h.dev.cond.Broadcast()
}

// WrittenData returns a copy of everything written to the device.
func (h *TestableHandle) WrittenData() []byte {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return bytes.Clone(h.dev.writeBuf.Bytes())
}

// ReadCalls reports how many reads reached the device.
func (h *TestableHandle) ReadCalls() int {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return h.dev.readCalls
}

// WaitForReads blocks until at least n reads have reached the device or the
// timeout passes, and reports whether the count was reached.
func (h *TestableHandle) WaitForReads(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if h.ReadCalls() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// SetReadError makes the next read fail with err.
func (h *TestableHandle) SetReadError(err error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.readErr = err
}

// SetReadPanic makes the next read panic with v.
func (h *TestableHandle) SetReadPanic(v any) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.readPanic = v
}

// SetWriteError makes the next write fail with err.
func (h *TestableHandle) SetWriteError(err error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.writeErr = err
}

// SetCloneError makes every Clone fail with err until cleared.
func (h *TestableHandle) SetCloneError(err error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.cloneErr = err
}

// SetBlockReads makes reads wait for data instead of returning 0, nil.
func (h *TestableHandle) SetBlockReads(block bool) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.blockReads = block
	h.dev.cond.Broadcast()
}

// MockOpener hands out TestableHandles and records every call.
type MockOpener struct {
	mu sync.Mutex

	// Error is returned by Open if set
	Error error

	Calls   []MockOpenCall
	handles map[string]*TestableHandle
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

func NewMockOpener() *MockOpener {
	return &MockOpener{handles: make(map[string]*TestableHandle)}
}

// Open satisfies Opener.
func (f *MockOpener) Open(path string, opts PortOptions) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	h := NewTestableHandle()
	f.handles[path] = h
	return h, nil
}

// Handle returns the handle most recently opened for path, or nil.
func (f *MockOpener) Handle(path string) *TestableHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[path]
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockOpener) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Calls) == 0 {
		return nil
	}
	return &f.Calls[len(f.Calls)-1]
}
