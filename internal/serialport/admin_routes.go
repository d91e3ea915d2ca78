package serialport

import (
	"encoding/json"
	"net/http"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes adds the session inspector to the /debug/ page.
func (m *Manager) AttachAdminRoutes(debug *tsweb.DebugHandler) {
	debug.Handle("serial-sessions", "Open serial port sessions and read loop counters", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions, err := m.Sessions()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(sessions)
	}))
}
