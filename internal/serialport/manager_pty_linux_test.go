//go:build linux

package serialport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/serialbridge/internal/events"
)

func TestManager_TermiosRoundTrip(t *testing.T) {
	master, slave := openPTY(t)
	port := slave.Name()

	hub := events.NewHub(16)
	_, ch := hub.Subscribe(events.ReadEventName(port))

	m := NewManager(context.Background(), Config{Opener: OpenTermios, Sink: hub, Lister: fakeLister{}})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	require.NoError(t, m.Open(port, PortOptions{BaudRate: 115200, Timeout: 10 * time.Millisecond}))
	require.NoError(t, m.Read(port, ReadOptions{}))

	_, err := master.Write([]byte("sensor:42"))
	require.NoError(t, err)

	var got []byte
	deadline := time.After(2 * time.Second)
	for len(got) < len("sensor:42") {
		select {
		case ev := <-ch:
			assert.Equal(t, len(ev.Chunk.Data), ev.Chunk.Size)
			got = append(got, ev.Chunk.Data...)
		case <-deadline:
			t.Fatalf("received %q before timing out", got)
		}
	}
	assert.Equal(t, "sensor:42", string(got))

	n, err := m.Write(port, "ack")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	buf := make([]byte, 8)
	n, err = master.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(buf[:n]))

	require.NoError(t, m.ForceClose(port))
	assert.ErrorIs(t, m.Read(port, ReadOptions{}), ErrNotFound)
}
