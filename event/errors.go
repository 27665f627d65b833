package event

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Code tags a terminal error frame with one of the fixed failure classes.
// Codes travel on the wire in the error_code field, so they are stable
// strings, not iota constants.
type Code string

const (
	CodeAuthRequired  Code = "auth_required"
	CodeAuthInvalid   Code = "auth_invalid"
	CodeValidation    Code = "validation_error"
	CodeStreamTimeout Code = "stream_timeout"
	CodeStreamClosed  Code = "stream_closed_by_server"
	CodeStreamError   Code = "stream_error"
	CodeLocalCancel   Code = "local_cancellation"
)

// Remediation hints attached to classified failures. Kept here so the
// relay and the consumer render identical messaging.
const (
	HintTimeout      = "the job exceeded the maximum stream duration; try a shorter input or retry"
	HintServerClosed = "the stream ended without a terminal frame; verify upstream generation credentials are configured"
	HintReauth       = "credential rejected upstream; please re-authenticate"
)

// Classify maps a low-level transport error onto the failure taxonomy.
// This is the single classification point: callers branch on the returned
// code instead of inspecting error strings or wrapped causes themselves.
func Classify(err error) Code {
	if err == nil {
		return CodeStreamClosed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeStreamTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return CodeStreamClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeStreamTimeout
	}
	return CodeStreamError
}

// HintFor returns the remediation hint for a classified code, or "" when
// the raw message is all there is to say.
func HintFor(code Code) string {
	switch code {
	case CodeStreamTimeout:
		return HintTimeout
	case CodeStreamClosed:
		return HintServerClosed
	case CodeAuthInvalid:
		return HintReauth
	}
	return ""
}
