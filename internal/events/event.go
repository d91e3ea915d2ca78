// Package events carries chunks read from serial ports to their consumers.
package events

import (
	"errors"
	"time"
)

// ReadEventPrefix is prepended to the port identifier to name its channel.
const ReadEventPrefix = "serialport-read-"

// ReadEventName returns the channel name for chunks read from port.
func ReadEventName(port string) string {
	return ReadEventPrefix + port
}

// Chunk is the bytes returned by one successful read. Data is base64 in JSON.
type Chunk struct {
	Data []byte `json:"data"`
	Size int    `json:"size"`
}

// Event is one chunk addressed to a named channel.
type Event struct {
	Name  string    `json:"name"`
	Port  string    `json:"port"`
	RunID string    `json:"run_id"`
	At    time.Time `json:"at"`
	Chunk Chunk     `json:"chunk"`
}

// Sink receives events. Emit must not block for long: read loops call it
// between reads.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Emit(ev Event) error { return f(ev) }

// Fanout emits every event to each sink in order and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ev Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Emit(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })
