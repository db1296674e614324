package capture

import (
	"context"
	"errors"
	"os"
)

var (
	ErrPermissionDenied  = errors.New("permission to capture video denied")
	ErrDeviceUnavailable = errors.New("video capture device unavailable")
)

// Failure to acquire the local capture. `Kind` is one of `ErrPermissionDenied` or
// `ErrDeviceUnavailable`, so callers can match on it with `errors.Is`.
type CaptureError struct {
	Kind error
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}

	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *CaptureError) Is(target error) bool {
	return target == e.Kind
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

func permissionDenied(err error) error {
	return &CaptureError{Kind: ErrPermissionDenied, Err: err}
}

func deviceUnavailable(err error) error {
	return &CaptureError{Kind: ErrDeviceUnavailable, Err: err}
}

// Maps an arbitrary failure of a source onto one of the capture error kinds.
// Context cancellation is passed through untouched since it's not a device problem.
func classify(err error) error {
	var captureErr *CaptureError
	switch {
	case errors.As(err, &captureErr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, os.ErrPermission):
		return permissionDenied(err)
	default:
		return deviceUnavailable(err)
	}
}
