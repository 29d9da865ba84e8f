package camera

import (
	"fmt"
	"math"
)

// MaxExposureMs is the longest exposure whose microsecond value fits the
// native uint32 setting.
const MaxExposureMs = math.MaxUint32 / 1000

// Status is the integer result code returned by every native call.
// Zero means success; negative values are operation specific.
type Status int

// StatusOK is the only success value.
const StatusOK Status = 0

// Open statuses.
const (
	OpenNoDevice   Status = -1 // no sensor enumerated on the bus
	OpenFailed     Status = -2 // device found but could not be claimed
	OpenInitFailed Status = -3 // device claimed but sensor init failed
)

// Capture and frame retrieval statuses.
const (
	CaptureNotInitialized Status = -1
	CaptureConfigFailed   Status = -2
	CaptureTimeout        Status = -3
	CaptureStreamFailed   Status = -4
	CaptureTriggerFailed  Status = -5
)

// Handle is an opaque reference to an open native device connection.
// The zero Handle is never valid.
type Handle uint64

// Device is the low-level native capture contract. Implementations block for
// the duration of each call and are not safe for concurrent use on the same
// handle; callers serialize access.
type Device interface {
	// Open claims the sensor and returns a fresh handle.
	Open() (Handle, Status)
	// FrameDims reports the frame size fixed at open time.
	FrameDims(h Handle) (width, height int, st Status)
	// SetExposure applies an exposure time in microseconds.
	SetExposure(h Handle, exposureUs uint32) Status
	// Capture triggers one exposure and blocks until the frame is ready.
	Capture(h Handle) Status
	// GetFrame copies the last captured frame into buf (width*height samples).
	GetFrame(h Handle, buf []uint16) Status
	// Close releases the handle.
	Close(h Handle) Status
}

// Describe returns a readable label for a capture status.
func (s Status) Describe() string {
	switch s {
	case StatusOK:
		return "ok"
	case CaptureNotInitialized:
		return "device not initialized"
	case CaptureConfigFailed:
		return "configuration failed"
	case CaptureTimeout:
		return "capture timed out"
	case CaptureStreamFailed:
		return "stream start failed"
	case CaptureTriggerFailed:
		return "trigger failed"
	default:
		return fmt.Sprintf("native status %d", int(s))
	}
}

// DescribeOpen returns a readable label for an open status.
func DescribeOpen(s Status) string {
	switch s {
	case StatusOK:
		return "ok"
	case OpenNoDevice:
		return "no capture device found"
	case OpenFailed:
		return "failed to open capture device"
	case OpenInitFailed:
		return "failed to initialize sensor"
	default:
		return fmt.Sprintf("native status %d", int(s))
	}
}

// CheckFrame validates a frame reported by a native library against the
// expected sensor size and the destination buffer of bufLen samples. A short,
// oversized or resized frame is a configuration failure, never a padded success.
func CheckFrame(sizeBytes, width, height uint32, wantWidth, wantHeight, bufLen int) Status {
	if int64(width) != int64(wantWidth) || int64(height) != int64(wantHeight) {
		return CaptureConfigFailed
	}
	if int64(wantWidth)*int64(wantHeight) != int64(bufLen) {
		return CaptureConfigFailed
	}
	if int64(sizeBytes) != 2*int64(bufLen) {
		return CaptureConfigFailed
	}
	return StatusOK
}
