package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/serialbridge/internal/httputil"
	"github.com/banshee-data/serialbridge/internal/serialport"
)

const maxRequestBody = 1 << 20

// PortRequest is the body accepted by every POST /api/ports/* endpoint.
// Fields that do not apply to an endpoint are ignored. Timeout is in
// milliseconds.
type PortRequest struct {
	Path        string          `json:"path"`
	BaudRate    int             `json:"baud_rate"`
	DataBits    int             `json:"data_bits"`
	FlowControl string          `json:"flow_control"`
	Parity      string          `json:"parity"`
	StopBits    int             `json:"stop_bits"`
	Timeout     int             `json:"timeout"`
	Size        int             `json:"size"`
	Value       json.RawMessage `json:"value"`
}

func (p PortRequest) portOptions() serialport.PortOptions {
	return serialport.PortOptions{
		BaudRate:    p.BaudRate,
		DataBits:    p.DataBits,
		FlowControl: serialport.ParseFlowControl(p.FlowControl),
		Parity:      serialport.ParseParity(p.Parity),
		StopBits:    p.StopBits,
		Timeout:     time.Duration(p.Timeout) * time.Millisecond,
	}
}

// text returns Value as a string.
func (p PortRequest) text() (string, error) {
	var s string
	if err := json.Unmarshal(p.Value, &s); err != nil {
		return "", fmt.Errorf("value must be a string")
	}
	return s, nil
}

// binary accepts Value as a base64 string or an array of byte values.
func (p PortRequest) binary() ([]byte, error) {
	v := bytes.TrimSpace(p.Value)
	if len(v) == 0 {
		return nil, fmt.Errorf("value is required")
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, fmt.Errorf("value: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("value is not valid base64: %w", err)
		}
		return b, nil
	case '[':
		var nums []int
		if err := json.Unmarshal(v, &nums); err != nil {
			return nil, fmt.Errorf("value must be an array of integers")
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("value[%d] = %d is out of byte range", i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value must be a base64 string or an array of bytes")
	}
}

// decodePortRequest enforces POST, decodes the body and requires a path.
// It writes the error response itself and reports whether to continue.
func decodePortRequest(w http.ResponseWriter, r *http.Request) (PortRequest, bool) {
	var req PortRequest
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return req, false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return req, false
	}
	if req.Path == "" {
		httputil.BadRequest(w, "path is required")
		return req, false
	}
	return req, true
}

type statusResponse struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

type writeResponse struct {
	Path    string `json:"path"`
	Written int    `json:"written"`
}

func (s *Server) availablePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ports, err := s.cmds.AvailablePorts(r.Context())
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, ports)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	sessions, err := s.cmds.Sessions()
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) openPort(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePortRequest(w, r)
	if !ok {
		return
	}
	if err := s.cmds.Open(req.Path, req.portOptions()); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, statusResponse{Path: req.Path, Status: "open"})
}

func (s *Server) readPort(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePortRequest(w, r)
	if !ok {
		return
	}
	ro := serialport.ReadOptions{
		Timeout:   time.Duration(req.Timeout) * time.Millisecond,
		ChunkSize: req.Size,
	}
	if err := s.cmds.Read(req.Path, ro); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, statusResponse{Path: req.Path, Status: "reading"})
}

func (s *Server) cancelRead(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePortRequest(w, r)
	if !ok {
		return
	}
	if err := s.cmds.CancelRead(req.Path); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, statusResponse{Path: req.Path, Status: "cancelled"})
}

func (s *Server) writePort(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePortRequest(w, r)
	if !ok {
		return
	}
	text, err := req.text()
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	n, err := s.cmds.Write(req.Path, text)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, writeResponse{Path: req.Path, Written: n})
}

func (s *Server) writeBinary(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePortRequest(w, r)
	if !ok {
		return
	}
	data, err := req.binary()
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	n, err := s.cmds.WriteBinary(req.Path, data)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, writeResponse{Path: req.Path, Written: n})
}

func (s *Server) closePort(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePortRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.closeWait)
	defer cancel()
	if err := s.cmds.Close(ctx, req.Path); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, statusResponse{Path: req.Path, Status: "closed"})
}

func (s *Server) forceClose(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePortRequest(w, r)
	if !ok {
		return
	}
	if err := s.cmds.ForceClose(req.Path); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, statusResponse{Path: req.Path, Status: "closed"})
}

func (s *Server) closeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.cmds.CloseAll(); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "closed"})
}
