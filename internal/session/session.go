package session

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/BlotCam/internal/debug"
	"github.com/cjeanneret/BlotCam/internal/domain"
	"github.com/cjeanneret/BlotCam/internal/hw/camera"
)

// State is the device lifecycle state.
type State int

const (
	Uninitialized State = iota
	Ready
	Capturing
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Capturing:
		return "capturing"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Indicator is notified of lifecycle changes. Failures are logged only.
type Indicator interface {
	SignalNotReady() error
	SignalReady() error
	SignalError() error
}

// FrameBuffer is one captured frame: Width*Height 16-bit samples.
// A fresh buffer is allocated for every capture.
type FrameBuffer struct {
	Width  int
	Height int
	Pixels []uint16
}

// Observer is called after every state transition, outside the session lock.
type Observer func(from, to State)

// Session owns the single native device handle.
//
// mu guards the state fields and is only held briefly; opMu serializes
// native calls, which block for the duration of the hardware operation.
type Session struct {
	dev       camera.Device
	indicator Indicator

	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	handle    camera.Handle
	width     int
	height    int
	observers []Observer
}

// New creates a session in the Uninitialized state. indicator may be nil.
func New(dev camera.Device, indicator Indicator) *Session {
	return &Session{dev: dev, indicator: indicator}
}

// OnTransition registers an observer for state changes.
func (s *Session) OnTransition(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether a handle is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != 0 && s.state != Uninitialized
}

// Dimensions returns the cached frame size, zero when never opened.
func (s *Session) Dimensions() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Handle returns the open handle, or the error a capture would hit right now.
func (s *Session) Handle() (camera.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Ready:
		return s.handle, nil
	case Capturing:
		return 0, domain.DeviceBusy("capture in progress")
	case Error:
		return 0, errFaulted()
	default:
		return 0, errNotOpen()
	}
}

func errFaulted() *domain.Error {
	return domain.DeviceUnavailable(domain.CodeDeviceFaulted, 0, "device in error state, re-initialize with POST /init")
}

func errNotOpen() *domain.Error {
	return domain.DeviceUnavailable(domain.CodeDeviceUnavailable, 0, "camera not initialized")
}

// setState must be called with mu held; it returns the notifications to
// deliver once mu is released.
func (s *Session) setState(to State) func() {
	from := s.state
	s.state = to
	if from == to {
		return func() {}
	}
	obs := append([]Observer(nil), s.observers...)
	return func() {
		debug.Verbose("session: %s -> %s", from, to)
		for _, o := range obs {
			o(from, to)
		}
	}
}

func (s *Session) signal(name string, fn func(Indicator) error) {
	if s.indicator == nil {
		return
	}
	if err := fn(s.indicator); err != nil {
		debug.Warn("status indicator %s failed: %v", name, err)
	}
}

// Open opens the device and caches its frame dimensions. Calling Open on a
// Ready session returns the existing handle. A session in Error state closes
// its stale handle and reopens.
func (s *Session) Open() (camera.Handle, error) {
	s.mu.Lock()
	if s.state == Capturing {
		s.mu.Unlock()
		return 0, domain.DeviceBusy("capture in progress")
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case Ready:
		h := s.handle
		s.mu.Unlock()
		return h, nil
	case Capturing:
		s.mu.Unlock()
		return 0, domain.DeviceBusy("capture in progress")
	}
	stale := s.handle
	s.mu.Unlock()

	s.signal("not-ready", Indicator.SignalNotReady)

	if stale != 0 {
		if st := s.dev.Close(stale); st != camera.StatusOK {
			debug.Warn("closing stale handle %d: status %d", stale, st)
		}
	}

	debug.Info("Opening capture device")
	h, st := s.dev.Open()
	if st != camera.StatusOK {
		s.reset()
		debug.Warn("device open failed: %s (status %d)", camera.DescribeOpen(st), st)
		return 0, domain.DeviceUnavailable(domain.CodeDeviceUnavailable, int(st), camera.DescribeOpen(st))
	}

	w, hgt, st := s.dev.FrameDims(h)
	if st != camera.StatusOK || w <= 0 || hgt <= 0 {
		s.dev.Close(h)
		s.reset()
		debug.Warn("frame dimension query failed: status %d (%dx%d)", st, w, hgt)
		return 0, domain.DeviceUnavailable(domain.CodeDeviceUnavailable, int(st), "failed to query frame dimensions")
	}

	s.mu.Lock()
	s.handle = h
	s.width, s.height = w, hgt
	notify := s.setState(Ready)
	s.mu.Unlock()
	notify()

	debug.Info("Capture device ready (%dx%d)", w, hgt)
	s.signal("ready", Indicator.SignalReady)
	return h, nil
}

func (s *Session) reset() {
	s.mu.Lock()
	s.handle = 0
	notify := s.setState(Uninitialized)
	s.mu.Unlock()
	notify()
}

// checkHandle must be called with mu held.
func (s *Session) checkHandle(h camera.Handle) error {
	if h == 0 || h != s.handle {
		return errNotOpen()
	}
	switch s.state {
	case Ready:
		return nil
	case Capturing:
		return domain.DeviceBusy("capture in progress")
	case Error:
		return errFaulted()
	default:
		return errNotOpen()
	}
}

// ConfigureExposure applies exposureMs (converted to microseconds). A native
// failure leaves the session Ready.
func (s *Session) ConfigureExposure(h camera.Handle, exposureMs int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	err := s.checkHandle(h)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if exposureMs <= 0 || exposureMs > camera.MaxExposureMs {
		return domain.InvalidRequest(domain.CodeExposureOutOfRange,
			"exposure must be between 1 and %d ms, got %d", camera.MaxExposureMs, exposureMs)
	}

	us := uint32(exposureMs) * 1000
	debug.Verbose("set_capture_settings(%d us)", us)
	if st := s.dev.SetExposure(h, us); st != camera.StatusOK {
		return domain.DeviceConfig(int(st), fmt.Sprintf("failed to apply exposure of %d ms", exposureMs))
	}
	return nil
}

// CaptureFrame runs one blocking capture and returns a freshly allocated
// frame. On native failure or a driver panic the session moves to Error and
// stays there until the next successful Open.
func (s *Session) CaptureFrame(h camera.Handle) (FrameBuffer, error) {
	s.mu.Lock()
	if err := s.checkHandle(h); err != nil {
		s.mu.Unlock()
		return FrameBuffer{}, err
	}
	w, hgt := s.width, s.height
	notify := s.setState(Capturing)
	s.mu.Unlock()
	notify()

	pixels, err := s.capture(h, w, hgt)

	s.mu.Lock()
	if err != nil {
		notify = s.setState(Error)
	} else {
		notify = s.setState(Ready)
	}
	s.mu.Unlock()
	notify()

	if err != nil {
		debug.Error(err, "capture failed")
		s.signal("error", Indicator.SignalError)
		return FrameBuffer{}, err
	}
	return FrameBuffer{Width: w, Height: hgt, Pixels: pixels}, nil
}

// capture runs the native calls. A driver panic is reported as a capture
// failure so the session never stays Capturing.
func (s *Session) capture(h camera.Handle, w, hgt int) (pixels []uint16, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer func() {
		if v := recover(); v != nil {
			pixels = nil
			err = domain.CaptureFailed(domain.CodeCaptureFailed, 0, fmt.Sprintf("capture driver panic: %v", v))
		}
	}()

	debug.Verbose("capture_frame()")
	if st := s.dev.Capture(h); st != camera.StatusOK {
		return nil, captureError(st)
	}
	pixels = make([]uint16, w*hgt)
	debug.Verbose("get_frame_data(%d samples)", len(pixels))
	if st := s.dev.GetFrame(h, pixels); st != camera.StatusOK {
		return nil, captureError(st)
	}
	return pixels, nil
}

func captureError(st camera.Status) *domain.Error {
	code := domain.CodeCaptureFailed
	if st == camera.CaptureTimeout {
		code = domain.CodeCaptureTimeout
	}
	return domain.CaptureFailed(code, int(st), st.Describe())
}

// Close releases the handle. The session always ends Uninitialized, even if
// the native close reports an error; that error is returned for logging.
func (s *Session) Close(h camera.Handle) error {
	s.mu.Lock()
	if s.state == Capturing {
		s.mu.Unlock()
		return domain.DeviceBusy("capture in progress")
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state == Capturing {
		s.mu.Unlock()
		return domain.DeviceBusy("capture in progress")
	}
	current := s.handle
	s.handle = 0
	notify := s.setState(Uninitialized)
	s.mu.Unlock()
	notify()

	defer s.signal("not-ready", Indicator.SignalNotReady)

	if current == 0 {
		return nil
	}
	if h != current {
		debug.Warn("close called with stale handle %d, closing current %d", h, current)
	}
	debug.Info("Closing capture device")
	if st := s.dev.Close(current); st != camera.StatusOK {
		return fmt.Errorf("native close returned status %d", st)
	}
	return nil
}

// Shutdown closes whatever handle is open.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	return s.Close(h)
}
