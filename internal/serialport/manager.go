package serialport

import (
	"context"
	"time"

	"github.com/google/uuid"
	"vawter.tech/stopper"

	"github.com/banshee-data/serialbridge/internal/enumerate"
	"github.com/banshee-data/serialbridge/internal/events"
	"github.com/banshee-data/serialbridge/internal/monitoring"
	"github.com/banshee-data/serialbridge/internal/timeutil"
)

// DefaultShutdownGrace bounds how long Shutdown lets read loops finish.
const DefaultShutdownGrace = time.Second

// PortLister enumerates the serial ports present on the system.
type PortLister interface {
	List(ctx context.Context) ([]enumerate.PortInfo, error)
}

// Config wires a Manager to its collaborators. Zero values select defaults.
type Config struct {
	Opener Opener         // OpenBugst
	Lister PortLister     // enumerate.NewLister()
	Sink   events.Sink    // events.Discard
	Clock  timeutil.Clock // timeutil.RealClock

	// DefaultTimeout applies when Open is given no timeout.
	DefaultTimeout time.Duration
	// DefaultChunkSize applies when Read is given no chunk size.
	DefaultChunkSize int
	ShutdownGrace    time.Duration
}

// ReadOptions overrides the session's read settings for one read loop.
type ReadOptions struct {
	Timeout   time.Duration
	ChunkSize int
}

// Manager is the command surface over the session registry. It is safe for
// concurrent use.
type Manager struct {
	reg            *registry
	opener         Opener
	lister         PortLister
	sink           events.Sink
	clock          timeutil.Clock
	defaultTimeout time.Duration
	chunkSize      int
	grace          time.Duration

	stop *stopper.Context
}

// NewManager creates a Manager whose read loops stop when ctx is cancelled or
// Shutdown is called.
func NewManager(ctx context.Context, cfg Config) *Manager {
	m := &Manager{
		reg:            newRegistry(),
		opener:         cfg.Opener,
		lister:         cfg.Lister,
		sink:           cfg.Sink,
		clock:          cfg.Clock,
		defaultTimeout: cfg.DefaultTimeout,
		chunkSize:      cfg.DefaultChunkSize,
		grace:          cfg.ShutdownGrace,
		stop:           stopper.WithContext(ctx),
	}
	if m.opener == nil {
		m.opener = OpenBugst
	}
	if m.lister == nil {
		m.lister = enumerate.NewLister()
	}
	if m.sink == nil {
		m.sink = events.Discard
	}
	if m.clock == nil {
		m.clock = timeutil.RealClock{}
	}
	if m.chunkSize <= 0 {
		m.chunkSize = DefaultChunkSize
	}
	if m.grace <= 0 {
		m.grace = DefaultShutdownGrace
	}
	return m
}

// Open opens the device and registers it under port. The device is opened
// outside the registry lock; a reservation keeps concurrent Opens of the
// same port out meanwhile.
func (m *Manager) Open(port string, opts PortOptions) error {
	if opts.Timeout <= 0 && m.defaultTimeout > 0 {
		opts.Timeout = m.defaultTimeout
	}
	norm, err := opts.Normalize()
	if err != nil {
		return opError(OpOpen, port, ErrOpenFailed, err)
	}

	err = m.reg.locked(OpOpen, port, func() error {
		if _, ok := m.reg.sessions[port]; ok {
			return opError(OpOpen, port, ErrAlreadyOpen, nil)
		}
		m.reg.sessions[port] = &session{port: port, pending: true}
		return nil
	})
	if err != nil {
		return err
	}

	h, openErr := m.opener(port, norm)
	if a, ok := h.(appliedOptions); ok && openErr == nil {
		norm = a.AppliedOptions()
	}

	err = m.reg.locked(OpOpen, port, func() error {
		if openErr != nil {
			delete(m.reg.sessions, port)
			return opError(OpOpen, port, ErrOpenFailed, openErr)
		}
		s := m.reg.sessions[port]
		s.handle = h
		s.opts = norm
		s.openedAt = m.clock.Now()
		s.stats = &readStats{}
		s.pending = false
		return nil
	})
	if err != nil {
		if openErr == nil {
			h.Close()
		}
		return err
	}

	log := monitoring.Logger()
	log.Info().Str("port", port).Int("baud_rate", norm.BaudRate).Msg("port opened")
	return nil
}

// Read starts a background read loop delivering chunks to the sink. Calling
// Read while a loop is running is a no-op.
func (m *Manager) Read(port string, ro ReadOptions) error {
	var (
		started *reader
		stats   *readStats
	)
	err := m.reg.locked(OpRead, port, func() error {
		s, err := m.reg.lookup(OpRead, port)
		if err != nil {
			return err
		}
		if s.reader != nil {
			if s.reader.alive() {
				return nil
			}
			s.reader.drop()
			s.reader = nil
		}

		timeout := ro.Timeout
		if timeout <= 0 {
			timeout = s.opts.Timeout
		}
		chunkSize := ro.ChunkSize
		if chunkSize <= 0 {
			chunkSize = m.chunkSize
		}

		clone, err := s.handle.Clone()
		if err != nil {
			return opError(OpRead, port, ErrReadFailed, err)
		}
		s.reader = newReader(uuid.NewString(), clone, timeout, chunkSize)
		started, stats = s.reader, s.stats
		return nil
	})
	if err != nil || started == nil {
		return err
	}

	accepted := m.stop.Go(func(sctx *stopper.Context) error {
		return m.readLoop(sctx, port, started, stats)
	})
	if !accepted {
		started.clone.Close()
		close(started.done)
		err := m.reg.locked(OpRead, port, func() error {
			if s, ok := m.reg.sessions[port]; ok && s.reader == started {
				s.reader = nil
			}
			return nil
		})
		if err != nil {
			log := monitoring.Logger()
			log.Warn().Str("port", port).Str("run_id", started.runID).Err(err).Msg("failed to clear rejected reader")
		}
		return opError(OpRead, port, ErrReadFailed, context.Canceled)
	}
	return nil
}

// CancelRead stops the read loop for port, if any. The sender is cleared even
// when the signal could not be delivered.
func (m *Manager) CancelRead(port string) error {
	_, err := withSession(m.reg, OpCancelRead, port, func(s *session) (struct{}, error) {
		r := s.reader
		if r == nil {
			return struct{}{}, nil
		}
		s.reader = nil
		sigErr := r.signal()
		r.drop()
		if sigErr != nil {
			return struct{}{}, opError(OpCancelRead, port, ErrCancelFailed, sigErr)
		}
		return struct{}{}, nil
	})
	return err
}

// Write sends text to port and returns the number of bytes written.
func (m *Manager) Write(port string, text string) (int, error) {
	return m.WriteBinary(port, []byte(text))
}

// WriteBinary sends data to port and returns the number of bytes written.
// The write happens outside the registry lock.
func (m *Manager) WriteBinary(port string, data []byte) (int, error) {
	h, err := withSession(m.reg, OpWrite, port, func(s *session) (Handle, error) {
		return s.handle, nil
	})
	if err != nil {
		return 0, err
	}
	n, err := h.Write(data)
	if err != nil {
		return n, opError(OpWrite, port, ErrWriteFailed, err)
	}
	return n, nil
}

// detach stops the reader (if any) and removes the session. Caller holds the
// registry lock.
func (m *Manager) detach(op Op, s *session) *reader {
	r := s.reader
	if r != nil {
		if err := r.signal(); err != nil {
			log := monitoring.Logger()
			log.Warn().Str("port", s.port).Str("op", string(op)).Err(err).Msg("cancel signal not delivered")
		}
		r.drop()
		s.reader = nil
	}
	delete(m.reg.sessions, s.port)
	return r
}

// Close stops any read loop, removes the session and releases the handle. It
// then waits, up to ctx, for the loop to exit.
func (m *Manager) Close(ctx context.Context, port string) error {
	type detached struct {
		handle Handle
		reader *reader
	}
	d, err := withSession(m.reg, OpClose, port, func(s *session) (detached, error) {
		return detached{handle: s.handle, reader: m.detach(OpClose, s)}, nil
	})
	if err != nil {
		return err
	}

	log := monitoring.Logger()
	if err := d.handle.Close(); err != nil {
		log.Warn().Str("port", port).Err(err).Msg("error closing port")
	}
	if d.reader != nil {
		select {
		case <-d.reader.done:
		case <-ctx.Done():
			log.Warn().Str("port", port).Str("run_id", d.reader.runID).Msg("read loop still running after close")
		}
	}
	log.Info().Str("port", port).Msg("port closed")
	return nil
}

// ForceClose removes the session and tears down both the handle and the read
// loop's clone immediately, without waiting for the loop.
func (m *Manager) ForceClose(port string) error {
	type detached struct {
		handle Handle
		reader *reader
	}
	d, err := withSession(m.reg, OpForceClose, port, func(s *session) (detached, error) {
		return detached{handle: s.handle, reader: m.detach(OpForceClose, s)}, nil
	})
	if err != nil {
		return err
	}

	log := monitoring.Logger()
	if d.reader != nil {
		if err := d.reader.clone.Close(); err != nil {
			log.Warn().Str("port", port).Err(err).Msg("error closing read handle")
		}
	}
	if err := d.handle.Close(); err != nil {
		log.Warn().Str("port", port).Err(err).Msg("error closing port")
	}
	log.Info().Str("port", port).Msg("port force closed")
	return nil
}

// CloseAll stops every read loop and closes every port. If any active loop
// cannot be signalled, nothing is changed and ErrCancelFailed is returned.
func (m *Manager) CloseAll() error {
	var handles []Handle
	err := m.reg.locked(OpCloseAll, "", func() error {
		sessions := m.reg.committed()
		for _, s := range sessions {
			if s.reader != nil && !s.reader.alive() {
				return opError(OpCloseAll, s.port, ErrCancelFailed, errLoopExited)
			}
		}
		for _, s := range sessions {
			handles = append(handles, s.handle)
			m.detach(OpCloseAll, s)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log := monitoring.Logger()
	for _, h := range handles {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing port")
		}
	}
	log.Info().Int("ports", len(handles)).Msg("all ports closed")
	return nil
}

// AvailablePorts lists the serial ports present on the system.
func (m *Manager) AvailablePorts(ctx context.Context) ([]enumerate.PortInfo, error) {
	ports, err := m.lister.List(ctx)
	if err != nil {
		return nil, opError(OpListPorts, "", ErrReadFailed, err)
	}
	return ports, nil
}

// Sessions returns a snapshot of the open ports ordered by identifier.
func (m *Manager) Sessions() ([]SessionInfo, error) {
	var out []SessionInfo
	err := m.reg.locked(OpListSession, "", func() error {
		sessions := m.reg.committed()
		out = make([]SessionInfo, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, s.info())
		}
		return nil
	})
	return out, err
}

// Shutdown closes every port, tears down every read loop and waits for the
// loops up to ctx. The Manager rejects every command afterwards with
// ErrLockFailure.
func (m *Manager) Shutdown(ctx context.Context) error {
	var closers []Handle
	m.reg.mu.Lock()
	m.reg.closed = true
	for port, s := range m.reg.sessions {
		if r := s.reader; r != nil {
			r.signal()
			r.drop()
			closers = append(closers, r.clone)
			s.reader = nil
		}
		if s.handle != nil {
			closers = append(closers, s.handle)
		}
		delete(m.reg.sessions, port)
	}
	m.reg.mu.Unlock()

	log := monitoring.Logger()
	for _, h := range closers {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing port during shutdown")
		}
	}
	log.Info().Int("handles", len(closers)).Msg("serial sessions shut down")

	m.stop.Stop(m.grace)
	done := make(chan error, 1)
	go func() { done <- m.stop.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
