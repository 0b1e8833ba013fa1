package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// ErrorKind classifies why a capture start failed.
type ErrorKind int

const (
	// KindUnknown covers failures that fit no other kind.
	KindUnknown ErrorKind = iota
	// KindPermissionDenied means access to the device was refused.
	KindPermissionDenied
	// KindDeviceNotFound means no capture device is present.
	KindDeviceNotFound
	// KindDeviceBusy means another consumer holds the device.
	KindDeviceBusy
	// KindUnsupportedEnvironment means capture is unavailable on this host.
	KindUnsupportedEnvironment
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindDeviceBusy:
		return "device_busy"
	case KindUnsupportedEnvironment:
		return "unsupported_environment"
	default:
		return "unknown"
	}
}

// Message returns a user-facing description of the failure.
func (k ErrorKind) Message() string {
	switch k {
	case KindPermissionDenied:
		return "Camera access denied. Please allow camera access and try again."
	case KindDeviceNotFound:
		return "No camera found. Please connect a camera and try again."
	case KindDeviceBusy:
		return "Camera is already in use by another application."
	case KindUnsupportedEnvironment:
		return "Camera capture is not supported in this environment."
	default:
		return "Failed to access camera."
	}
}

// Suggestion returns a short hint on how to recover.
func (k ErrorKind) Suggestion() string {
	switch k {
	case KindPermissionDenied:
		return "Check that the user can read the video device (e.g. membership of the video group)."
	case KindDeviceNotFound:
		return "Connect a camera or select another device."
	case KindDeviceBusy:
		return "Close other applications using the camera, then retry."
	case KindUnsupportedEnvironment:
		return "Run on a host with a video capture backend available to OpenCV."
	default:
		return "Retry, or select another device or resolution."
	}
}

// CaptureError is the terminal outcome of a failed capture start.
type CaptureError struct {
	Kind     ErrorKind
	DeviceID string
	Err      error
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrPermissionDenied       = &CaptureError{Kind: KindPermissionDenied}
	ErrDeviceNotFound         = &CaptureError{Kind: KindDeviceNotFound}
	ErrDeviceBusy             = &CaptureError{Kind: KindDeviceBusy}
	ErrUnsupportedEnvironment = &CaptureError{Kind: KindUnsupportedEnvironment}
	ErrUnknown                = &CaptureError{Kind: KindUnknown}
)

func (e *CaptureError) Error() string {
	msg := "capture: " + e.Kind.String()
	if e.DeviceID != "" {
		msg += fmt.Sprintf(" (device %s)", e.DeviceID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Is matches another CaptureError of the same kind, so the package sentinels
// can be used with errors.Is.
func (e *CaptureError) Is(target error) bool {
	t, ok := target.(*CaptureError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Classify maps a raw acquisition error to a *CaptureError. Context errors
// and ErrSuperseded pass through unchanged since they are not device
// failures.
func Classify(err error, deviceID string) error {
	if err == nil {
		return nil
	}

	var ce *CaptureError
	if errors.As(err, &ce) {
		if ce.DeviceID == "" && deviceID != "" {
			return &CaptureError{Kind: ce.Kind, DeviceID: deviceID, Err: ce.Err}
		}
		return ce
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrSuperseded) {
		return err
	}

	kind := KindUnknown
	switch {
	case errors.Is(err, fs.ErrPermission):
		kind = KindPermissionDenied
	case errors.Is(err, syscall.EBUSY):
		kind = KindDeviceBusy
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV):
		kind = KindDeviceNotFound
	case errors.Is(err, errors.ErrUnsupported):
		kind = KindUnsupportedEnvironment
	}

	return &CaptureError{Kind: kind, DeviceID: deviceID, Err: err}
}

// KindOf returns the kind of a capture error, or KindUnknown if err is not
// one.
func KindOf(err error) ErrorKind {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}
