// Package api exposes the serial port command surface over HTTP as JSON
// endpoints, with server-sent event streams for read chunks and hotplug.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/banshee-data/serialbridge/internal/capture"
	"github.com/banshee-data/serialbridge/internal/enumerate"
	"github.com/banshee-data/serialbridge/internal/events"
	"github.com/banshee-data/serialbridge/internal/httputil"
	"github.com/banshee-data/serialbridge/internal/monitoring"
	"github.com/banshee-data/serialbridge/internal/serialport"
	"github.com/banshee-data/serialbridge/internal/version"
)

// DefaultCloseWait bounds how long a close request waits for the read loop.
const DefaultCloseWait = time.Second

// Commands is the port command surface. *serialport.Manager implements it.
type Commands interface {
	Open(port string, opts serialport.PortOptions) error
	Read(port string, ro serialport.ReadOptions) error
	CancelRead(port string) error
	Write(port string, text string) (int, error)
	WriteBinary(port string, data []byte) (int, error)
	Close(ctx context.Context, port string) error
	ForceClose(port string) error
	CloseAll() error
	AvailablePorts(ctx context.Context) ([]enumerate.PortInfo, error)
	Sessions() ([]serialport.SessionInfo, error)
}

// Subscriber is the subscription side of *events.Hub.
type Subscriber interface {
	Subscribe(name string) (string, <-chan events.Event)
	Unsubscribe(id string)
}

// CaptureReader serves recorded chunks. *capture.Store implements it.
type CaptureReader interface {
	Recent(ctx context.Context, port string, limit int) ([]capture.Record, error)
}

// PortWatcher streams port list snapshots. *enumerate.Watcher implements it.
type PortWatcher interface {
	Watch(ctx context.Context) (<-chan []enumerate.PortInfo, error)
}

// Options wires a Server. Only Commands is required.
type Options struct {
	Commands  Commands
	Hub       Subscriber
	Capture   CaptureReader
	Watcher   PortWatcher
	CloseWait time.Duration
}

type Server struct {
	cmds      Commands
	hub       Subscriber
	capture   CaptureReader
	watcher   PortWatcher
	closeWait time.Duration
}

func NewServer(opts Options) *Server {
	s := &Server{
		cmds:      opts.Commands,
		hub:       opts.Hub,
		capture:   opts.Capture,
		watcher:   opts.Watcher,
		closeWait: opts.CloseWait,
	}
	if s.closeWait <= 0 {
		s.closeWait = DefaultCloseWait
	}
	return s
}

// LoggingMiddleware logs method, path, status and duration of each request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := httputil.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)

		log := monitoring.Logger()
		ev := log.Info()
		if rec.Status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.RequestURI).
			Int("status", rec.Status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/ports/available", s.availablePorts)
	mux.HandleFunc("/api/ports/watch", s.watchPorts)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/ports/open", s.openPort)
	mux.HandleFunc("/api/ports/read", s.readPort)
	mux.HandleFunc("/api/ports/cancel-read", s.cancelRead)
	mux.HandleFunc("/api/ports/write", s.writePort)
	mux.HandleFunc("/api/ports/write-binary", s.writeBinary)
	mux.HandleFunc("/api/ports/close", s.closePort)
	mux.HandleFunc("/api/ports/close-all", s.closeAll)
	mux.HandleFunc("/api/ports/force-close", s.forceClose)
	mux.HandleFunc("/api/events", s.streamEvents)
	mux.HandleFunc("/api/capture", s.listCapture)
	return mux
}

// Handler is ServeMux wrapped in LoggingMiddleware.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.ServeMux())
}

// statusFor maps a command error kind onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, serialport.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, serialport.ErrAlreadyOpen), errors.Is(err, serialport.ErrCancelFailed):
		return http.StatusConflict
	case errors.Is(err, serialport.ErrOpenFailed):
		return http.StatusBadGateway
	case errors.Is(err, serialport.ErrLockFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeCommandError(w http.ResponseWriter, err error) {
	kind := serialport.KindName(err)
	if kind == "" {
		kind = "Internal"
	}
	httputil.WriteKindError(w, statusFor(err), kind, err.Error())
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
