package serialport

import (
	"errors"
	"io"
	"testing"
)

func TestOpError_Message(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{opError(OpOpen, "COM1", ErrAlreadyOpen, nil), "open COM1: port already open"},
		{opError(OpWrite, "/dev/ttyUSB0", ErrWriteFailed, io.ErrShortWrite), "write /dev/ttyUSB0: failed to write to port: short write"},
		{opError(OpCloseAll, "", ErrLockFailure, errRegistryClosed), "close_all: session registry unavailable: registry shut down"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestOpError_Unwrap(t *testing.T) {
	err := opError(OpWrite, "COM1", ErrWriteFailed, io.ErrClosedPipe)
	if !errors.Is(err, ErrWriteFailed) {
		t.Error("expected errors.Is(err, ErrWriteFailed)")
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Error("expected the underlying reason to be reachable")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("unexpected kind match")
	}

	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Port != "COM1" || opErr.Op != OpWrite {
		t.Errorf("errors.As gave %+v", opErr)
	}
}

func TestKindName(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("plain"), ""},
		{opError(OpOpen, "x", ErrOpenFailed, nil), "OpenFailed"},
		{opError(OpRead, "x", ErrReadFailed, nil), "ReadFailed"},
		{opError(OpCancelRead, "x", ErrCancelFailed, nil), "CancelFailed"},
		{ErrLockFailure, "LockFailure"},
	}
	for _, tt := range tests {
		if got := KindName(tt.err); got != tt.want {
			t.Errorf("KindName(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestPanicError(t *testing.T) {
	inner := errors.New("nil map")
	if err := panicError(inner); !errors.Is(err, inner) {
		t.Errorf("panicError(error) = %v, should wrap", err)
	}
	if got := panicError(42).Error(); got != "panic: 42" {
		t.Errorf("panicError(42) = %q", got)
	}
}
