package camera

import (
	"sync"
	"time"

	"github.com/cjeanneret/BlotCam/internal/debug"
)

// referenceExposureUs is the exposure at which the test pattern reaches full scale.
const referenceExposureUs = 1_000_000

// Simulated is a software device producing a 16-bit test pattern. It honours
// the same status contract as the native library so the rest of the
// application cannot tell the difference.
type Simulated struct {
	Width  int
	Height int
	// SleepExposure makes Capture block for the applied exposure time.
	SleepExposure bool

	// Injected failures, returned instead of StatusOK when nonzero.
	FailOpen     Status
	FailExposure Status
	FailCapture  Status
	FailFrame    Status

	mu         sync.Mutex
	next       Handle
	open       map[Handle]*simState
	sleep      func(time.Duration)
	openCalls  int
	closeCalls int
}

type simState struct {
	exposureUs uint32
	captured   bool
	frameCount int
}

// NewSimulated returns a simulated device with the given frame size.
func NewSimulated(width, height int, sleepExposure bool) *Simulated {
	return &Simulated{
		Width:         width,
		Height:        height,
		SleepExposure: sleepExposure,
	}
}

func (s *Simulated) init() {
	if s.open == nil {
		s.open = make(map[Handle]*simState)
	}
	if s.sleep == nil {
		s.sleep = time.Sleep
	}
}

func (s *Simulated) Open() (Handle, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.openCalls++

	if s.FailOpen != StatusOK {
		debug.Verbose("sim: open -> %d", s.FailOpen)
		return 0, s.FailOpen
	}
	s.next++
	s.open[s.next] = &simState{}
	debug.Verbose("sim: opened handle %d (%dx%d)", s.next, s.Width, s.Height)
	return s.next, StatusOK
}

func (s *Simulated) state(h Handle) *simState {
	s.init()
	return s.open[h]
}

func (s *Simulated) FrameDims(h Handle) (int, int, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state(h) == nil {
		return 0, 0, CaptureNotInitialized
	}
	return s.Width, s.Height, StatusOK
}

func (s *Simulated) SetExposure(h Handle, exposureUs uint32) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(h)
	if st == nil {
		return CaptureNotInitialized
	}
	if s.FailExposure != StatusOK {
		return s.FailExposure
	}
	st.exposureUs = exposureUs
	debug.Verbose("sim: exposure set to %d us", exposureUs)
	return StatusOK
}

func (s *Simulated) Capture(h Handle) Status {
	s.mu.Lock()
	st := s.state(h)
	if st == nil {
		s.mu.Unlock()
		return CaptureNotInitialized
	}
	if s.FailCapture != StatusOK {
		st.captured = false
		s.mu.Unlock()
		return s.FailCapture
	}
	exposure := time.Duration(st.exposureUs) * time.Microsecond
	sleep, doSleep := s.sleep, s.SleepExposure
	s.mu.Unlock()

	if doSleep {
		sleep(exposure)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.captured = true
	st.frameCount++
	return StatusOK
}

func (s *Simulated) GetFrame(h Handle, buf []uint16) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(h)
	if st == nil {
		return CaptureNotInitialized
	}
	if s.FailFrame != StatusOK {
		return s.FailFrame
	}
	if !st.captured {
		return CaptureTriggerFailed
	}
	if len(buf) < s.Width*s.Height {
		return CaptureConfigFailed
	}
	FillTestPattern(buf, s.Width, s.Height, st.exposureUs)
	st.captured = false
	return StatusOK
}

func (s *Simulated) Close(h Handle) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.state(h) == nil {
		return CaptureNotInitialized
	}
	delete(s.open, h)
	debug.Verbose("sim: closed handle %d", h)
	return StatusOK
}

// OpenCalls reports how many times Open was invoked.
func (s *Simulated) OpenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCalls
}

// FillTestPattern writes vertical gradient bars every 100 px with a grid
// overlay, scaled by the exposure relative to one second.
func FillTestPattern(buf []uint16, width, height int, exposureUs uint32) {
	scale := float64(exposureUs) / referenceExposureUs
	if scale > 1 {
		scale = 1
	}
	for y := 0; y < height; y++ {
		row := buf[y*width : (y+1)*width]
		for x := 0; x < width; x++ {
			var base float64
			if x%100 == 0 || y%100 == 0 {
				base = 65535
			} else {
				// each 100px bar ramps from dark to bright
				base = float64(x%100) / 99 * 65535
			}
			row[x] = uint16(base * scale)
		}
	}
}
