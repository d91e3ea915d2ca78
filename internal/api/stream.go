package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/serialbridge/internal/events"
	"github.com/banshee-data/serialbridge/internal/httputil"
	"github.com/banshee-data/serialbridge/internal/monitoring"
)

// startStream prepares w for server-sent events. It writes the error
// response itself when streaming is not possible.
func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// The comment tells clients the subscription is live.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, f http.Flusher, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	f.Flush()
	return nil
}

// streamEvents relays read chunks as SSE. With ?port= only that port's
// chunks are sent; without it every port's are.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.hub == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "event streaming disabled")
		return
	}

	name := ""
	port := r.URL.Query().Get("port")
	if port != "" {
		name = events.ReadEventName(port)
	}
	id, ch := s.hub.Subscribe(name)
	defer s.hub.Unsubscribe(id)

	flusher, ok := startStream(w)
	if !ok {
		return
	}
	log := monitoring.Logger().With().Str("subscriber", id).Str("port", port).Logger()
	log.Debug().Msg("event stream opened")
	defer log.Debug().Msg("event stream closed")

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, ev.Name, ev); err != nil {
				log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}

// watchPorts streams the available port list on every hotplug.
func (s *Server) watchPorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.watcher == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "port watching disabled")
		return
	}
	ch, err := s.watcher.Watch(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to watch ports: %v", err))
		return
	}
	flusher, ok := startStream(w)
	if !ok {
		return
	}
	for ports := range ch {
		if err := writeSSE(w, flusher, "ports", ports); err != nil {
			return
		}
	}
}

func (s *Server) listCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.capture == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "capture disabled")
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}

	recs, err := s.capture.Recent(r.Context(), r.URL.Query().Get("port"), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read capture: %v", err))
		return
	}
	httputil.WriteJSONOK(w, recs)
}
