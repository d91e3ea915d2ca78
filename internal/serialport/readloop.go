package serialport

import (
	"vawter.tech/stopper"

	"github.com/banshee-data/serialbridge/internal/events"
	"github.com/banshee-data/serialbridge/internal/monitoring"
)

// cancelled reports whether the loop has been told to stop, either by a
// signal or because the sender was dropped.
func (r *reader) cancelled() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

// readLoop polls the clone until cancelled. Read errors are recorded and the
// loop carries on; only cancellation or manager shutdown ends it. The loop
// owns r.clone and closes it on exit.
func (m *Manager) readLoop(sctx *stopper.Context, port string, r *reader, stats *readStats) error {
	log := monitoring.Logger().With().Str("port", port).Str("run_id", r.runID).Logger()

	defer close(r.done)
	defer r.clone.Close()
	defer func() {
		if v := recover(); v != nil {
			err := opError(OpRead, port, ErrReadFailed, panicError(v))
			stats.recordError(err)
			log.Error().Err(err).Msg("read loop panicked")
		}
	}()

	if err := r.clone.SetReadTimeout(r.timeout); err != nil {
		log.Warn().Err(err).Dur("timeout", r.timeout).Msg("failed to set read timeout")
	}

	log.Debug().Int("chunk_size", r.chunkSize).Dur("timeout", r.timeout).Msg("read loop started")
	defer log.Debug().Msg("read loop stopped")

	buf := make([]byte, r.chunkSize)
	for {
		if r.cancelled() || sctx.IsStopping() || sctx.Err() != nil {
			return nil
		}

		n, err := r.clone.Read(buf)
		if n > 0 {
			if r.cancelled() {
				return nil
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			stats.recordChunk(n)

			ev := events.Event{
				Name:  events.ReadEventName(port),
				Port:  port,
				RunID: r.runID,
				At:    m.clock.Now(),
				Chunk: events.Chunk{Data: data, Size: n},
			}
			if err := m.sink.Emit(ev); err != nil {
				log.Warn().Err(err).Int("size", n).Msg("failed to deliver chunk")
			}
		}
		if err != nil {
			rerr := opError(OpRead, port, ErrReadFailed, err)
			stats.recordError(rerr)
			log.Warn().Err(rerr).Msg("read failed")
		}

		select {
		case <-m.clock.After(r.timeout):
		case <-r.cancel:
			return nil
		case <-sctx.Stopping():
			return nil
		case <-sctx.Done():
			return nil
		}
	}
}
