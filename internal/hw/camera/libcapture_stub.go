//go:build !cgo || !libcapture

package camera

import "errors"

// ErrNoLibCapture is returned when the binary was built without the native binding.
var ErrNoLibCapture = errors.New("camera: built without libcapture support (rebuild with CGO_ENABLED=1 -tags libcapture)")

// NewLibCapture always fails in builds without the libcapture tag.
func NewLibCapture(width, height int) (Device, error) {
	return nil, ErrNoLibCapture
}
