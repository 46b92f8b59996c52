// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package emerr defines the closed set of error kinds that every emeter
// operation reports through, plus a retryable marker for transient
// network failures in the PDU and Labee drivers.
package emerr

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of error categories. It never grows at
// runtime; callers switch on it to decide how to react to a failure.
type Kind string

const (
	KindNotInitialized       Kind = "not_initialized"
	KindAlreadyInitialized   Kind = "already_initialized"
	KindLibraryUnavailable   Kind = "library_unavailable"
	KindSymbolUnavailable    Kind = "symbol_unavailable"
	KindInvalidParameter     Kind = "invalid_parameter"
	KindOutOfMemory          Kind = "out_of_memory"
	KindUnsupportedHardware  Kind = "unsupported_hardware"
	KindNoPermission         Kind = "no_permission"
	KindNotImplemented       Kind = "not_implemented"
	KindParseError           Kind = "parse_error"
	KindUnsupported          Kind = "unsupported"
	KindNotStarted           Kind = "not_started"
	KindAlreadyStarted       Kind = "already_started"
	KindStackFull            Kind = "measurement_stack_full"
	KindBadConfig            Kind = "bad_config"
	KindNetworkError         Kind = "network_error"
	KindSensorMeasurement    Kind = "sensor_measurement_error"
	KindUnknown              Kind = "unknown"
)

// message holds the human-readable text for each Kind, mirroring the
// original library's emlErrorMessage table in meaning, not wording.
var message = map[Kind]string{
	KindNotInitialized:      "library not initialized",
	KindAlreadyInitialized:  "library already initialized",
	KindLibraryUnavailable:  "required vendor library unavailable",
	KindSymbolUnavailable:   "required vendor symbol unavailable",
	KindInvalidParameter:    "invalid parameter",
	KindOutOfMemory:         "allocation failed",
	KindUnsupportedHardware: "hardware unsupported on this host",
	KindNoPermission:        "insufficient permission",
	KindNotImplemented:      "operation not implemented",
	KindParseError:          "failed to parse input",
	KindUnsupported:         "operation unsupported by this driver",
	KindNotStarted:          "no measurement interval is open",
	KindAlreadyStarted:      "measurement interval already open",
	KindStackFull:           "nested measurement stack is full",
	KindBadConfig:           "invalid configuration",
	KindNetworkError:        "network I/O failed",
	KindSensorMeasurement:   "sensor measurement failed",
	KindUnknown:             "unknown error",
}

func (k Kind) String() string {
	if s, ok := message[k]; ok {
		return s
	}
	return string(k)
}

// Error wraps a Kind with a contextual message and optional cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, emerr.New(emerr.KindNotStarted, "", "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error for the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error for the given kind, wrapping cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Of extracts the Kind from err, returning KindUnknown if err is not (or
// does not wrap) an *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// retryable marks an error as safe to retry under backoff.
type retryable struct {
	err error
}

func (r *retryable) Error() string { return r.err.Error() }
func (r *retryable) Unwrap() error { return r.err }

// MarkRetryable wraps err so that IsRetryable(err) reports true. Used by the
// sbpdu and labee drivers to mark transient network failures for
// backoff-driven reconnection, mirroring the teacher's RetryableError
// idiom.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryable{err: err}
}

// IsRetryable reports whether err (or a wrapped cause) was marked via
// MarkRetryable.
func IsRetryable(err error) bool {
	var r *retryable
	return errors.As(err, &r)
}
