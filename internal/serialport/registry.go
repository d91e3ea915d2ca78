package serialport

import (
	"errors"
	"sort"
	"sync"
)

var (
	errRegistryPoisoned = errors.New("registry poisoned by an earlier panic")
	errRegistryClosed   = errors.New("registry shut down")
)

// registry maps port identifiers to sessions. Every access goes through
// locked, which holds mu for the duration of f only.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	poisoned bool
	closed   bool
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

// locked runs f with the registry lock held. A panic in f poisons the
// registry and is reported as ErrLockFailure, as is any call after poisoning
// or shutdown.
func (r *registry) locked(op Op, port string, f func() error) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.poisoned:
		return opError(op, port, ErrLockFailure, errRegistryPoisoned)
	case r.closed:
		return opError(op, port, ErrLockFailure, errRegistryClosed)
	}

	defer func() {
		if v := recover(); v != nil {
			r.poisoned = true
			err = opError(op, port, ErrLockFailure, panicError(v))
		}
	}()
	return f()
}

// lookup returns the committed session for port. Caller holds mu.
func (r *registry) lookup(op Op, port string) (*session, error) {
	s, ok := r.sessions[port]
	if !ok || s.pending {
		return nil, opError(op, port, ErrNotFound, nil)
	}
	return s, nil
}

// withSession runs f on the session for port under the registry lock.
func withSession[T any](r *registry, op Op, port string, f func(*session) (T, error)) (T, error) {
	var out T
	err := r.locked(op, port, func() error {
		s, err := r.lookup(op, port)
		if err != nil {
			return err
		}
		out, err = f(s)
		return err
	})
	return out, err
}

// committed returns every non-pending session ordered by port. Caller holds
// mu.
func (r *registry) committed() []*session {
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.pending {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].port < out[j].port })
	return out
}
