// Package faults implements the shared error policy: a stable error
// taxonomy, exponential-backoff retries, per-device circuit breakers, and
// bounded error statistics.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the stable category tag carried by classified errors. New code
// dispatches on Kind, never on error strings.
type Kind string

const (
	KindConnectionFailed  Kind = "connection_failed"
	KindTimeout           Kind = "timeout"
	KindProtocolError     Kind = "protocol_error"
	KindInvalidRegister   Kind = "invalid_register"
	KindDeviceBusy        Kind = "device_busy"
	KindPoolExhausted     Kind = "pool_exhausted"
	KindCircuitOpen       Kind = "circuit_open"
	KindCancelled         Kind = "cancelled"
	KindConfigInvalid     Kind = "config_invalid"
	KindRemoteUnavailable Kind = "remote_unavailable"
	KindLocalStoreFailure Kind = "local_store_failure"
	KindUnknown           Kind = "unknown"
)

// Retryable reports whether operations failing with this kind may be retried.
// ProtocolError and InvalidRegister are deterministic: the same request would
// fail the same way. CircuitOpen and Cancelled are surfaced immediately.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnectionFailed, KindTimeout, KindDeviceBusy, KindUnknown,
		KindRemoteUnavailable, KindLocalStoreFailure:
		return true
	default:
		return false
	}
}

// Error wraps an underlying error with its Kind and the device/operation it
// occurred against.
type Error struct {
	Kind      Kind
	DeviceID  string
	Operation string
	Attempts  int
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: kind=%s", e.Operation, e.Kind)
	if e.DeviceID != "" {
		msg += " device_id=" + e.DeviceID
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" attempts=%d", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with an explicit kind.
func New(kind Kind, deviceID, operation string, err error) *Error {
	return &Error{Kind: kind, DeviceID: deviceID, Operation: operation, Err: err}
}

// KindOf extracts the Kind of err, classifying raw errors on the fly.
// Returns KindUnknown for nil-safe fallthrough on unrecognized errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err)
}
