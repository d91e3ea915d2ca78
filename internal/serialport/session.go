package serialport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errLoopExited = errors.New("read loop has already exited")

// session pairs an open handle with at most one active reader. reader is
// non-nil exactly while a read loop is running for the port.
type session struct {
	port     string
	handle   Handle
	opts     PortOptions
	openedAt time.Time

	// pending marks an entry reserved by Open while the device is being
	// opened. Pending entries are invisible to every other command.
	pending bool

	reader *reader
	stats  *readStats
}

// reader is the command side of one read loop. cancel is the cancellation
// sender: a one-slot channel that is closed to signal disconnection. done is
// closed by the loop when it exits.
type reader struct {
	runID     string
	cancel    chan struct{}
	done      chan struct{}
	clone     Handle
	timeout   time.Duration
	chunkSize int
	dropOnce  sync.Once
}

func newReader(runID string, clone Handle, timeout time.Duration, chunkSize int) *reader {
	return &reader{
		runID:     runID,
		cancel:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		clone:     clone,
		timeout:   timeout,
		chunkSize: chunkSize,
	}
}

func (r *reader) alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// signal delivers a cancellation. It fails only when the loop is no longer
// there to receive it. A signal already waiting in the slot counts as
// delivered.
func (r *reader) signal() error {
	if !r.alive() {
		return errLoopExited
	}
	select {
	case r.cancel <- struct{}{}:
	default:
	}
	return nil
}

// drop disconnects the sender. The loop treats a closed channel the same as
// a signal.
func (r *reader) drop() {
	r.dropOnce.Do(func() { close(r.cancel) })
}

// readStats is written by the read loop and read by Sessions.
type readStats struct {
	chunks atomic.Int64
	bytes  atomic.Int64
	errors atomic.Int64

	mu      sync.Mutex
	lastErr string
}

func (s *readStats) recordChunk(n int) {
	s.chunks.Add(1)
	s.bytes.Add(int64(n))
}

func (s *readStats) recordError(err error) {
	s.errors.Add(1)
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *readStats) lastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SessionInfo is a point-in-time view of one open port.
type SessionInfo struct {
	Port        string    `json:"port"`
	BaudRate    int       `json:"baud_rate"`
	DataBits    int       `json:"data_bits"`
	FlowControl string    `json:"flow_control"`
	Parity      string    `json:"parity"`
	StopBits    int       `json:"stop_bits"`
	TimeoutMS   int64     `json:"timeout_ms"`
	OpenedAt    time.Time `json:"opened_at"`
	Reading     bool      `json:"reading"`
	RunID       string    `json:"run_id,omitempty"`
	ChunksRead  int64     `json:"chunks_read"`
	BytesRead   int64     `json:"bytes_read"`
	ReadErrors  int64     `json:"read_errors"`
	LastError   string    `json:"last_error,omitempty"`
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		Port:        s.port,
		BaudRate:    s.opts.BaudRate,
		DataBits:    s.opts.DataBits,
		FlowControl: s.opts.FlowControl.String(),
		Parity:      s.opts.Parity.String(),
		StopBits:    s.opts.StopBits,
		TimeoutMS:   s.opts.Timeout.Milliseconds(),
		OpenedAt:    s.openedAt,
		ChunksRead:  s.stats.chunks.Load(),
		BytesRead:   s.stats.bytes.Load(),
		ReadErrors:  s.stats.errors.Load(),
		LastError:   s.stats.lastError(),
	}
	if s.reader != nil {
		info.Reading = true
		info.RunID = s.reader.runID
	}
	return info
}
