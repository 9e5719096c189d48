package faults

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// classifyPatterns maps lowercase substrings of lower-level error text to
// kinds, checked in order. Typed checks (net.Error, context, syscall) run
// first; this table only catches errors that reach us as bare strings, e.g.
// device exception text decoded off the wire.
var classifyPatterns = []struct {
	substr string
	kind   Kind
}{
	{"connection refused", KindConnectionFailed},
	{"connection reset", KindConnectionFailed},
	{"broken pipe", KindConnectionFailed},
	{"no route to host", KindConnectionFailed},
	{"network is unreachable", KindConnectionFailed},
	{"i/o timeout", KindTimeout},
	{"deadline exceeded", KindTimeout},
	{"illegal data address", KindInvalidRegister},
	{"unknown object", KindInvalidRegister},
	{"unknown-object", KindInvalidRegister},
	{"illegal function", KindProtocolError},
	{"illegal data value", KindProtocolError},
	{"malformed", KindProtocolError},
	{"protocol", KindProtocolError},
	{"device busy", KindDeviceBusy},
	{"server busy", KindDeviceBusy},
	{"device-busy", KindDeviceBusy},
	{"pool exhausted", KindPoolExhausted},
	{"database is locked", KindLocalStoreFailure},
}

// Classify categorizes a lower-level error into the taxonomy. It is a pure
// function of the error: typed sentinels first, then the substring table.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return KindConnectionFailed
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectionFailed
	}

	msg := strings.ToLower(err.Error())
	for _, p := range classifyPatterns {
		if strings.Contains(msg, p.substr) {
			return p.kind
		}
	}
	return KindUnknown
}
