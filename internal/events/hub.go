package events

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/serialbridge/internal/monitoring"
)

// ErrHubClosed is returned by Emit after Close.
var ErrHubClosed = errors.New("event hub closed")

// DefaultSubscriberBuffer is the channel capacity given to each subscriber.
const DefaultSubscriberBuffer = 64

// Hub is an in-process Sink that fans events out to subscribers of a channel
// name. A subscriber that falls behind misses events instead of stalling the
// read loop.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	buffer      int
	closed      bool
}

type subscriber struct {
	name string
	ch   chan Event
}

// NewHub creates a Hub whose subscribers buffer up to buffer events. A
// non-positive buffer uses DefaultSubscriberBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{subscribers: make(map[string]*subscriber), buffer: buffer}
}

// Subscribe returns an ID and a channel receiving events named name. An empty
// name receives every event. The channel is closed by Unsubscribe or Close.
func (h *Hub) Subscribe(name string) (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = &subscriber{name: name, ch: ch}
	return id, ch
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subscribers[id]; ok {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}

// Emit delivers ev to every matching subscriber without blocking.
func (h *Hub) Emit(ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for id, sub := range h.subscribers {
		if sub.name != "" && sub.name != ev.Name {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log := monitoring.Logger()
			log.Warn().Str("subscriber", id).Str("event", ev.Name).Msg("subscriber full, dropping chunk")
		}
	}
	return nil
}

// Subscribers reports how many subscribers are attached.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel. Later Emits fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}
