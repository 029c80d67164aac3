/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Error kinds shared across the wire codec, the TX/RX engines, the
 * controller and the reattach supervisor.
 */

package main

import (
	"errors"
	"fmt"
	"io"
)

// Kind is a stable error classification, independent of any single
// component's internal error type. Components that need to decide
// whether a failure is retryable (the reattach supervisor) or how to
// report it over the control socket (ctrlsock.go) switch on Kind
// rather than on error identity.
type Kind int

const (
	// KindNone is the zero value, never attached to a real error
	KindNone Kind = iota

	KindABI              // input struct version/size mismatch, never retryable
	KindProtocol         // malformed PDU, bad command, busid mismatch, bad iso layout
	KindVersion          // OP_REP_IMPORT version mismatch
	KindNetwork          // socket-level errors, other than cancel/forced-close
	KindForcedClose      // peer or local shutdown while a send was in flight
	KindCanceled         // OS cancel, or local cancellation during shutdown
	KindBufferTooSmall   // supplied chain smaller than reported URB length
	KindInvalidBufferLen // received length exceeds declared capacity
	KindInvalidParameter // semantic validation failure
	KindDeviceRemoved    // submission after unplugged
	KindPortFull         // no free port at claim time
	KindBusy             // attach attempted for an already-attached location
	KindTimeout          // operation exceeded its deadline
	KindNotFound         // lookup miss
)

// String names the Kind, used in log lines and in ctrlsock JSON errors
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindABI:
		return "abi"
	case KindProtocol:
		return "protocol"
	case KindVersion:
		return "version"
	case KindNetwork:
		return "network"
	case KindForcedClose:
		return "forced-close"
	case KindCanceled:
		return "canceled"
	case KindBufferTooSmall:
		return "buffer-too-small"
	case KindInvalidBufferLen:
		return "invalid-buffer-size"
	case KindInvalidParameter:
		return "invalid-parameter"
	case KindDeviceRemoved:
		return "device-removed"
	case KindPortFull:
		return "port-full"
	case KindBusy:
		return "busy"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not-found"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status is the error currency between components. It wraps an
// optional underlying cause (a network error, a decode failure) with
// a stable Kind so callers can classify without string matching.
type Status struct {
	Kind    Kind
	Message string
	Cause   error
}

// NewStatus builds a Status with a formatted message
func NewStatus(kind Kind, format string, args ...interface{}) *Status {
	return &Status{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapStatus builds a Status that carries an underlying error
func WrapStatus(kind Kind, cause error, format string, args ...interface{}) *Status {
	return &Status{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface
func (s *Status) Error() string {
	if s == nil {
		return "<nil>"
	}
	if s.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", s.Kind, s.Message, s.Cause)
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}

// Unwrap lets errors.Is/errors.As see through to the cause
func (s *Status) Unwrap() error {
	if s == nil {
		return nil
	}
	return s.Cause
}

// StatusKind extracts the Kind from err, KindNone if err is not a *Status
func StatusKind(err error) Kind {
	if s, ok := err.(*Status); ok {
		return s.Kind
	}
	return KindNone
}

// Retryable reports whether the reattach supervisor should schedule
// another attempt after this failure (spec.md §4.9 "Retryable
// statuses"/"Non-retryable statuses").
func Retryable(err error) bool {
	switch StatusKind(err) {
	case KindNetwork, KindForcedClose, KindDeviceRemoved, KindTimeout:
		return true
	case KindCanceled:
		// Canceled during shutdown is terminal; canceled for any
		// other reason is treated the same way here because the
		// supervisor only ever cancels its own attempts on shutdown.
		return false
	default:
		return false
	}
}

// ErrIsEOF tells if err is io.EOF, possibly wrapped
func ErrIsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// Common sentinel-flavoured constructors, mirroring the teacher's
// package-level Err* variables but carrying a Kind
var (
	ErrShutdown   = NewStatus(KindCanceled, "shutdown requested")
	ErrNoDaemon   = NewStatus(KindNotFound, "usbipvhci daemon not running")
	ErrAccess     = NewStatus(KindNotFound, "access denied")
	ErrLockIsBusy = NewStatus(KindBusy, "lock is busy")
)
