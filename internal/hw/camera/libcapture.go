//go:build cgo && libcapture

package camera

/*
#cgo LDFLAGS: -lcapture
#include <stdint.h>
#include <stdlib.h>

int init_device(void** ppdev);
int set_capture_settings(void* pdev, uint32_t exposure_us);
int capture_frame(void* pdev);
int get_frame_data(uint8_t** data, uint32_t* size, uint32_t* width, uint32_t* height);
void clear_frame_data(void);
int cleanup_capture_device(void* pdev);
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cjeanneret/BlotCam/internal/debug"
)

// LibCapture binds the vendor libcapture.so shared library. The library has
// no dimension query, so the sensor size comes from configuration and every
// delivered frame is checked against it.
type LibCapture struct {
	width  int
	height int

	mu      sync.Mutex
	next    Handle
	devices map[Handle]unsafe.Pointer
}

// NewLibCapture returns the native binding for a width x height sensor. The
// library is resolved by the dynamic linker at process start.
func NewLibCapture(width, height int) (Device, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("camera: invalid sensor size %dx%d", width, height)
	}
	return &LibCapture{
		width:   width,
		height:  height,
		devices: make(map[Handle]unsafe.Pointer),
	}, nil
}

func (l *LibCapture) dev(h Handle) (unsafe.Pointer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.devices[h]
	return p, ok
}

func (l *LibCapture) Open() (Handle, Status) {
	var dev unsafe.Pointer
	st := Status(C.init_device(&dev))
	debug.Verbose("libcapture: init_device -> %d", st)
	if st != StatusOK {
		return 0, st
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.devices[l.next] = dev
	return l.next, StatusOK
}

func (l *LibCapture) FrameDims(h Handle) (int, int, Status) {
	if _, ok := l.dev(h); !ok {
		return 0, 0, CaptureNotInitialized
	}
	return l.width, l.height, StatusOK
}

func (l *LibCapture) SetExposure(h Handle, exposureUs uint32) Status {
	dev, ok := l.dev(h)
	if !ok {
		return CaptureNotInitialized
	}
	return Status(C.set_capture_settings(dev, C.uint32_t(exposureUs)))
}

func (l *LibCapture) Capture(h Handle) Status {
	dev, ok := l.dev(h)
	if !ok {
		return CaptureNotInitialized
	}
	return Status(C.capture_frame(dev))
}

func (l *LibCapture) GetFrame(h Handle, buf []uint16) Status {
	if _, ok := l.dev(h); !ok {
		return CaptureNotInitialized
	}
	var data *C.uint8_t
	var size, w, hgt C.uint32_t
	st := Status(C.get_frame_data(&data, &size, &w, &hgt))
	if st != StatusOK {
		return st
	}
	// the library owns data until clear_frame_data
	defer C.clear_frame_data()

	if st := CheckFrame(uint32(size), uint32(w), uint32(hgt), l.width, l.height, len(buf)); st != StatusOK {
		debug.Warn("libcapture: frame %dx%d (%d bytes) does not match %dx%d buffer of %d samples",
			uint32(w), uint32(hgt), uint32(size), l.width, l.height, len(buf))
		return st
	}
	if data == nil {
		return CaptureConfigFailed
	}
	src := unsafe.Slice((*uint16)(unsafe.Pointer(data)), len(buf))
	copy(buf, src)
	return StatusOK
}

func (l *LibCapture) Close(h Handle) Status {
	l.mu.Lock()
	dev, ok := l.devices[h]
	delete(l.devices, h)
	l.mu.Unlock()
	if !ok {
		return CaptureNotInitialized
	}
	return Status(C.cleanup_capture_device(dev))
}
