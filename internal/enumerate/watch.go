package enumerate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/serialbridge/internal/monitoring"
)

// DefaultDebounce coalesces the burst of events a single hotplug produces.
const DefaultDebounce = 250 * time.Millisecond

var devicePrefixes = []string{"tty", "rfcomm", "cu."}

// Watcher reports the port list whenever a serial device appears in or
// disappears from Dir.
type Watcher struct {
	Lister   *Lister
	Dir      string
	Debounce time.Duration
}

// NewWatcher watches dir (normally /dev) using lister for snapshots.
func NewWatcher(lister *Lister, dir string) *Watcher {
	return &Watcher{Lister: lister, Dir: dir, Debounce: DefaultDebounce}
}

func isSerialDevice(path string) bool {
	name := filepath.Base(path)
	for _, p := range devicePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Watch sends the current port list, then a fresh list after every debounced
// hotplug. The channel is closed when ctx is done.
func (w *Watcher) Watch(ctx context.Context) (<-chan []PortInfo, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(w.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", w.Dir, err)
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ch := make(chan []PortInfo, 1)
	kick := make(chan struct{}, 1)
	log := monitoring.Logger().With().Str("dir", w.Dir).Logger()

	go func() {
		defer close(ch)
		defer fw.Close()

		var debouncer *time.Timer
		defer func() {
			if debouncer != nil {
				debouncer.Stop()
			}
		}()

		send := func() bool {
			ports, err := w.Lister.List(ctx)
			if err != nil {
				return ctx.Err() == nil
			}
			select {
			case ch <- ports:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return

			case <-kick:
				if !send() {
					return
				}

			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if !isSerialDevice(event.Name) || event.Op&(fsnotify.Create|fsnotify.Remove) == 0 {
					continue
				}
				log.Debug().Str("device", event.Name).Str("op", event.Op.String()).Msg("serial device changed")

				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(debounce, func() {
					select {
					case kick <- struct{}{}:
					default:
					}
				})

			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("device watcher error")
			}
		}
	}()

	return ch, nil
}
