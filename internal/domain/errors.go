// Package domain holds the error taxonomy shared by the device session, the
// capture service, the settings store and the HTTP layer.
//
// Every failure carries a Kind (which decides the HTTP status), a stable
// machine-readable Code and a human message. Errors coming from the native
// capture library additionally carry the raw native status.
package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can tell "retry later" from
// "fix your request" from "the hardware is broken".
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindDeviceUnavailable
	KindDeviceBusy
	KindDeviceConfig
	KindCaptureFailed
	KindSettingsPersist
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindDeviceUnavailable:
		return "device_unavailable"
	case KindDeviceBusy:
		return "device_busy"
	case KindDeviceConfig:
		return "device_config"
	case KindCaptureFailed:
		return "capture_failed"
	case KindSettingsPersist:
		return "settings_persist"
	default:
		return "internal"
	}
}

// Stable error codes returned to API clients.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidExposure     = "INVALID_EXPOSURE"
	CodeExposureOutOfRange  = "EXPOSURE_OUT_OF_RANGE"
	CodeInvalidFormat       = "INVALID_FORMAT"
	CodeNoSettings          = "NO_SETTINGS"
	CodeInvalidSettings     = "INVALID_SETTINGS"
	CodeDeviceUnavailable   = "DEVICE_UNAVAILABLE"
	CodeDeviceBusy          = "DEVICE_BUSY"
	CodeDeviceFaulted       = "DEVICE_FAULTED"
	CodeDeviceConfigError   = "DEVICE_CONFIG_ERROR"
	CodeCaptureTimeout      = "CAPTURE_TIMEOUT"
	CodeCaptureFailed       = "CAPTURE_FAILED"
	CodeSettingsPersistFail = "SETTINGS_PERSIST_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is the structured error used across the service.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// NativeStatus is the nonzero status reported by the native library, or 0.
	NativeStatus int

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.NativeStatus != 0 {
		msg = fmt.Sprintf("%s (native status %d)", msg, e.NativeStatus)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same kind. A target with a
// Code only matches errors carrying that same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is checks against a whole kind.
var (
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
	ErrDeviceBusy        = &Error{Kind: KindDeviceBusy}
	ErrDeviceConfig      = &Error{Kind: KindDeviceConfig}
	ErrCaptureFailed     = &Error{Kind: KindCaptureFailed}
	ErrSettingsPersist   = &Error{Kind: KindSettingsPersist}
)

// InvalidRequest builds a client-input error.
func InvalidRequest(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidRequest, Code: code, Message: fmt.Sprintf(format, args...)}
}

// DeviceUnavailable builds an error for a device that is not open or failed to open.
func DeviceUnavailable(code string, status int, msg string) *Error {
	return &Error{Kind: KindDeviceUnavailable, Code: code, Message: msg, NativeStatus: status}
}

// DeviceBusy builds the error returned while a capture is in flight.
func DeviceBusy(msg string) *Error {
	return &Error{Kind: KindDeviceBusy, Code: CodeDeviceBusy, Message: msg}
}

// DeviceConfig builds an exposure-apply failure.
func DeviceConfig(status int, msg string) *Error {
	return &Error{Kind: KindDeviceConfig, Code: CodeDeviceConfigError, Message: msg, NativeStatus: status}
}

// CaptureFailed builds a capture, trigger or timeout failure.
func CaptureFailed(code string, status int, msg string) *Error {
	return &Error{Kind: KindCaptureFailed, Code: code, Message: msg, NativeStatus: status}
}

// SettingsPersist wraps a disk write failure.
func SettingsPersist(err error) *Error {
	return &Error{Kind: KindSettingsPersist, Code: CodeSettingsPersistFail, Message: "failed to persist settings", Err: err}
}

// As extracts the *Error from err. Unknown errors become KindInternal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}
