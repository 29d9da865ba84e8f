package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cjeanneret/BlotCam/internal/debug"
	"github.com/cjeanneret/BlotCam/internal/domain"
	"github.com/cjeanneret/BlotCam/internal/hw/camera"
	"github.com/cjeanneret/BlotCam/internal/metrics"
	"github.com/cjeanneret/BlotCam/internal/session"
	"github.com/cjeanneret/BlotCam/internal/settings"
	"github.com/google/uuid"
)

// Format is the encoding of the returned frame.
type Format string

const (
	FormatTIFF Format = "tif"
	FormatRaw  Format = "raw"
)

// SupportedFormats lists accepted format names in display order.
var SupportedFormats = []Format{FormatTIFF, FormatRaw}

// ParseFormat resolves a request format. Empty selects TIFF.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tif", "tiff":
		return FormatTIFF, nil
	case "raw":
		return FormatRaw, nil
	}
	return "", domain.InvalidRequest(domain.CodeInvalidFormat, "format must be one of: tif, raw (got %q)", s)
}

// Request describes one capture. A nil exposure uses the persisted default.
type Request struct {
	ExposureTimeMs *int
	Format         Format
}

// Metadata describes the exact bytes of a Result.
type Metadata struct {
	ID          string
	Timestamp   time.Time
	ExposureMs  int
	Width       int
	Height      int
	ByteSize    int
	Format      Format
	ContentType string
}

// Resolution renders "WxH".
func (m Metadata) Resolution() string {
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// Result is one encoded frame and its metadata.
type Result struct {
	Data []byte
	Metadata
}

// Device is the part of the session used by a capture transaction.
type Device interface {
	Handle() (camera.Handle, error)
	Open() (camera.Handle, error)
	State() session.State
	ConfigureExposure(h camera.Handle, exposureMs int) error
	CaptureFrame(h camera.Handle) (session.FrameBuffer, error)
}

// SettingsSource provides the default exposure.
type SettingsSource interface {
	Get() settings.Settings
}

// Options tunes a Service.
type Options struct {
	Bounds settings.Bounds
	// ReopenOnError makes a capture on a faulted session open the device
	// again before proceeding.
	ReopenOnError bool
}

// Service runs capture transactions: validate, apply exposure, capture,
// encode. It never retries.
type Service struct {
	device   Device
	settings SettingsSource
	opts     Options

	now   func() time.Time
	newID func() string
}

// NewService wires a capture service.
func NewService(device Device, src SettingsSource, opts Options) *Service {
	return &Service{
		device:   device,
		settings: src,
		opts:     opts,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Bounds returns the accepted exposure range.
func (s *Service) Bounds() settings.Bounds { return s.opts.Bounds }

// Validate checks a request without touching the device.
func (s *Service) Validate(req Request) error {
	if req.ExposureTimeMs != nil && !s.opts.Bounds.Contains(*req.ExposureTimeMs) {
		return domain.InvalidRequest(domain.CodeExposureOutOfRange,
			"exposure time must be between %d and %d ms, got %d",
			s.opts.Bounds.MinMs, s.opts.Bounds.MaxMs, *req.ExposureTimeMs)
	}
	if _, err := ParseFormat(string(req.Format)); err != nil {
		return err
	}
	return nil
}

// Capture runs one capture transaction.
func (s *Service) Capture(ctx context.Context, req Request) (*Result, error) {
	if err := s.Validate(req); err != nil {
		metrics.Captures.WithLabelValues(metrics.ResultInvalid).Inc()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, _ := ParseFormat(string(req.Format))

	exposure := s.settings.Get().ExposureTimeMs
	if req.ExposureTimeMs != nil {
		exposure = *req.ExposureTimeMs
	}
	debug.Live("Capture requested: exposure=%d ms, format=%s", exposure, format)

	res, err := s.run(exposure, format)
	if err != nil {
		metrics.Captures.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	metrics.Captures.WithLabelValues(metrics.ResultSuccess).Inc()
	debug.Shot(res.ID, res.ExposureMs, res.Width, res.Height, res.ByteSize)
	return res, nil
}

func (s *Service) run(exposure int, format Format) (*Result, error) {
	h, err := s.handle()
	if err != nil {
		return nil, err
	}

	debug.Step(1, "apply exposure")
	if err := s.device.ConfigureExposure(h, exposure); err != nil {
		return nil, err
	}

	debug.Step(2, "capture frame")
	start := s.now()
	frame, err := s.device.CaptureFrame(h)
	if err != nil {
		return nil, err
	}
	metrics.CaptureDuration.Observe(s.now().Sub(start).Seconds())

	debug.Step(3, "encode frame")
	data, contentType, err := Encode(frame, format)
	if err != nil {
		return nil, err
	}

	return &Result{
		Data: data,
		Metadata: Metadata{
			ID:          s.newID(),
			Timestamp:   s.now(),
			ExposureMs:  exposure,
			Width:       frame.Width,
			Height:      frame.Height,
			ByteSize:    len(data),
			Format:      format,
			ContentType: contentType,
		},
	}, nil
}

func (s *Service) handle() (camera.Handle, error) {
	h, err := s.device.Handle()
	if err == nil {
		return h, nil
	}
	if s.opts.ReopenOnError && s.device.State() == session.Error {
		debug.Info("Device faulted, reopening before capture")
		return s.device.Open()
	}
	return 0, err
}
