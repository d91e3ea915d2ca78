package serialport

import (
	"errors"
	"fmt"
)

// Error kinds returned by Manager operations. Match them with errors.Is.
var (
	ErrNotFound     = errors.New("port not found")
	ErrAlreadyOpen  = errors.New("port already open")
	ErrOpenFailed   = errors.New("failed to open port")
	ErrReadFailed   = errors.New("failed to read from port")
	ErrWriteFailed  = errors.New("failed to write to port")
	ErrCancelFailed = errors.New("failed to cancel read")
	ErrLockFailure  = errors.New("session registry unavailable")
)

var kindNames = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrAlreadyOpen, "AlreadyOpen"},
	{ErrOpenFailed, "OpenFailed"},
	{ErrReadFailed, "ReadFailed"},
	{ErrWriteFailed, "WriteFailed"},
	{ErrCancelFailed, "CancelFailed"},
	{ErrLockFailure, "LockFailure"},
}

// Op names the Manager operation that failed.
type Op string

const (
	OpOpen        Op = "open"
	OpRead        Op = "read"
	OpCancelRead  Op = "cancel_read"
	OpWrite       Op = "write"
	OpClose       Op = "close"
	OpForceClose  Op = "force_close"
	OpCloseAll    Op = "close_all"
	OpListPorts   Op = "available_ports"
	OpListSession Op = "sessions"
)

// OpError records a failed operation on a port. Kind is one of the Err*
// sentinels; Err is the underlying reason, if any.
type OpError struct {
	Op   Op
	Port string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	msg := string(e.Op)
	if e.Port != "" {
		msg += " " + e.Port
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op Op, port string, kind, err error) error {
	return &OpError{Op: op, Port: port, Kind: kind, Err: err}
}

// KindName returns the short name of err's kind ("NotFound", "WriteFailed",
// ...) or "" when err carries none.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
