package readback

import (
	"errors"
	"fmt"

	"github.com/gogpu/readback/backend"
	"github.com/gogpu/readback/internal/slot"
	"github.com/gogpu/readback/internal/staging"
)

// Status is the outcome of a coordinator operation.
//
// The numeric values are part of the native plugin ABI. New values are only
// ever appended.
type Status int32

const (
	// Succeeded means the operation completed.
	Succeeded Status = iota

	// NotReady means the requested data is not staged yet. It is the
	// expected polling outcome, not an error.
	NotReady

	// UnsupportedAPI means the backend cannot service the call at all,
	// or the coordinator has been closed.
	UnsupportedAPI

	// UnknownError is a backend failure with no finer classification.
	// Every call after a device loss reports it.
	UnknownError

	// UnsupportedFormat means the texture format cannot be staged.
	UnsupportedFormat

	// WrongBufferSize means the destination is smaller than the staged data.
	WrongBufferSize

	// NoRequest means there is no readback in flight for the resource.
	NoRequest

	// InvalidArguments means a nil or destroyed resource, a stale handle,
	// or a nil destination.
	InvalidArguments

	// TooManyRequests means every request slot is in use.
	TooManyRequests

	// CopyInProgress means the resource already has a readback in flight.
	CopyInProgress
)

// NoStagingBuffer is the older name of NoRequest.
const NoStagingBuffer = NoRequest

var statusNames = [...]string{
	Succeeded:         "Succeeded",
	NotReady:          "NotReady",
	UnsupportedAPI:    "UnsupportedAPI",
	UnknownError:      "UnknownError",
	UnsupportedFormat: "UnsupportedFormat",
	WrongBufferSize:   "WrongBufferSize",
	NoRequest:         "NoRequest",
	InvalidArguments:  "InvalidArguments",
	TooManyRequests:   "TooManyRequests",
	CopyInProgress:    "CopyInProgress",
}

// String returns the status name.
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Failed reports whether s is an error. Succeeded and NotReady are not.
func (s Status) Failed() bool {
	return s != Succeeded && s != NotReady
}

// Err returns s as an error, or nil for Succeeded. NotReady yields a
// non-nil error; use Failed to tell polling from failure.
func (s Status) Err() error {
	if s == Succeeded {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError carries a Status through error-returning code paths.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "readback: " + e.Status.String()
}

// Is reports whether target is a *StatusError with the same status.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Status == e.Status
}

// statusFromError classifies an error from the backend or an internal
// package.
func statusFromError(err error) Status {
	switch {
	case err == nil:
		return Succeeded
	case errors.Is(err, backend.ErrDeviceLost):
		return UnknownError
	case errors.Is(err, backend.ErrUnsupportedFormat):
		return UnsupportedFormat
	case errors.Is(err, backend.ErrUnsupportedKind),
		errors.Is(err, backend.ErrBackendNotAvailable):
		return UnsupportedAPI
	case errors.Is(err, backend.ErrInvalidHandle):
		return InvalidArguments
	case errors.Is(err, backend.ErrSizeMismatch):
		return WrongBufferSize
	case errors.Is(err, slot.ErrTooManyRequests),
		errors.Is(err, staging.ErrBudgetExceeded):
		return TooManyRequests
	case errors.Is(err, slot.ErrCopyInProgress):
		return CopyInProgress
	case errors.Is(err, staging.ErrPoolClosed):
		return UnsupportedAPI
	default:
		return UnknownError
	}
}
