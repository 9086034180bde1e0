package gsusb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/gousb"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrEndpointNotFound    = errors.New("endpoint not found")
	ErrDeviceCommandFailed = errors.New("device command failed")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrTransferTimeout     = errors.New("transfer timeout")
	ErrFrameTooShort       = errors.New("frame too short")
	ErrFrameTruncated      = errors.New("frame truncated")
	ErrFrameMalformed      = errors.New("frame malformed")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrIndexOutOfRange     = errors.New("session index out of range")
	ErrOffsetUnknown       = errors.New("payload offset unknown")
	ErrOffsetAmbiguous     = errors.New("payload offset ambiguous")

	ErrSessionClosed    = errors.New("session closed")
	ErrReceiveRunning   = errors.New("receive already running")
	ErrAlreadyConnected = errors.New("registry already connected")
	ErrNotConnected     = errors.New("no open sessions")
	ErrInvalidPeriod    = errors.New("period must be a positive number of milliseconds")
	ErrInvalidBitrate   = errors.New("invalid bitrate")
	ErrFirmwareTooOld   = errors.New("firmware too old")
	ErrStopTimeout      = errors.New("background worker did not stop in time")
)

// TimeoutError is returned when a bounded wait elapses. It matches
// ErrTransferTimeout with errors.Is.
type TimeoutError struct {
	Op      string
	Timeout int64 // milliseconds
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout (%dms)", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTransferTimeout
}

// IsTimeout reports whether err is the idle condition of a bounded USB
// transfer rather than a real I/O failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransferTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gousb.ErrorTimeout) ||
		errors.Is(err, gousb.TransferTimedOut)
}

// SessionError tags an error raised by a background worker of a registry
// session with the session's index.
type SessionError struct {
	Index int
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %d: %v", e.Index, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// DeviceFailure describes one device ConnectAll could not bring up.
type DeviceFailure struct {
	Device DeviceInfo
	Err    error
}

// ConnectError aggregates the per-device failures of ConnectAll.
type ConnectError struct {
	Failures []DeviceFailure
}

func (e *ConnectError) Error() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("%d device(s) failed to open", len(e.Failures)))
	for _, f := range e.Failures {
		out.WriteString("; ")
		out.WriteString(f.Device.String())
		out.WriteString(": ")
		out.WriteString(f.Err.Error())
	}
	return out.String()
}

func (e *ConnectError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
