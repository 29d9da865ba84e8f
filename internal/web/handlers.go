package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/BlotCam/internal/debug"
	"github.com/cjeanneret/BlotCam/internal/domain"
	"github.com/cjeanneret/BlotCam/internal/hw/camera"
	"github.com/cjeanneret/BlotCam/internal/logic/capture"
	"github.com/cjeanneret/BlotCam/internal/session"
	"github.com/cjeanneret/BlotCam/internal/settings"
)

// APIVersion is reported by GET /status and GET /.
const APIVersion = "1.0.0"

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// exposureKeys are accepted for the exposure field, in priority order.
var exposureKeys = []string{settings.KeyExposureTimeMs, "exposure_time", "exposure_ms"}

// Capturer runs capture transactions.
type Capturer interface {
	Capture(ctx context.Context, req capture.Request) (*capture.Result, error)
	Bounds() settings.Bounds
}

// SettingsStore reads and updates persisted camera settings.
type SettingsStore interface {
	Get() settings.Settings
	Update(changes map[string]json.RawMessage) (settings.Settings, error)
}

// Device is the lifecycle surface of the device session.
type Device interface {
	Open() (camera.Handle, error)
	Shutdown() error
	State() session.State
	Connected() bool
	Dimensions() (width, height int)
}

// Info holds static device descriptions for /status and /info.
type Info struct {
	Model      string
	SensorType string
	Interface  string
	MaxWidth   int
	MaxHeight  int
	Started    time.Time
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	capture     Capturer
	settings    SettingsStore
	device      Device
	info        Info

	// deviceMu is held for the whole of a capture, init or shutdown;
	// a second device request is rejected rather than queued.
	deviceMu sync.Mutex
	now      func() time.Time
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, c Capturer, s SettingsStore, d Device, info Info) *Handlers {
	if info.Started.IsZero() {
		info.Started = time.Now()
	}
	return &Handlers{
		Broadcaster: broadcaster,
		capture:     c,
		settings:    s,
		device:      d,
		info:        info,
		now:         time.Now,
	}
}

// errorBody is the JSON body of every failed request.
type errorBody struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	ErrorCode    string `json:"error_code"`
	NativeStatus *int   `json:"native_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// httpStatus maps an error kind to its HTTP status.
func httpStatus(k domain.Kind) int {
	switch k {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindDeviceUnavailable, domain.KindDeviceBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	de := domain.As(err)
	body := errorBody{Status: "error", Message: de.Error(), ErrorCode: de.Code}
	if de.Kind == domain.KindInternal {
		body.Message = "Internal server error"
		debug.Error(err, "internal error")
	}
	if de.NativeStatus != 0 {
		ns := de.NativeStatus
		body.NativeStatus = &ns
	}
	writeJSON(w, httpStatus(de.Kind), body)
}

// decodeObject reads a JSON object body. An empty body is an empty object.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, domain.InvalidRequest(domain.CodeInvalidRequest, "request body exceeds %d bytes", maxBodyBytes)
		}
		return nil, domain.InvalidRequest(domain.CodeInvalidRequest, "failed to read request body")
	}
	m := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, domain.InvalidRequest(domain.CodeInvalidRequest, "request body must be a JSON object")
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// parseCaptureRequest maps the JSON body onto a capture request.
func (h *Handlers) parseCaptureRequest(body map[string]json.RawMessage) (capture.Request, error) {
	var req capture.Request
	for _, key := range exposureKeys {
		raw, ok := body[key]
		if !ok || isNull(raw) {
			continue
		}
		ms, derr := settings.ParseExposure(raw, h.capture.Bounds())
		if derr != nil {
			return req, derr
		}
		req.ExposureTimeMs = &ms
		break
	}
	if raw, ok := body["format"]; ok && !isNull(raw) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return req, domain.InvalidRequest(domain.CodeInvalidFormat, "format must be a string")
		}
		f, err := capture.ParseFormat(s)
		if err != nil {
			return req, err
		}
		req.Format = f
	}
	return req, nil
}

// HandleCapture handles POST /capture and streams the frame bytes.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := h.parseCaptureRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}

	if !h.deviceMu.TryLock() {
		writeError(w, domain.DeviceBusy("capture already in progress"))
		return
	}
	res, err := func() (*capture.Result, error) {
		defer h.deviceMu.Unlock()
		return h.capture.Capture(r.Context(), req)
	}()
	if err != nil {
		h.Broadcaster.Broadcast("error", "Capture failed: "+err.Error())
		writeError(w, err)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", res.ContentType)
	hdr.Set("Content-Length", strconv.Itoa(res.ByteSize))
	hdr.Set("X-Camera-Timestamp", res.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	hdr.Set("X-Camera-Exposure", strconv.Itoa(res.ExposureMs))
	hdr.Set("X-Camera-Resolution", res.Resolution())
	hdr.Set("X-Image-Size-Bytes", strconv.Itoa(res.ByteSize))
	hdr.Set("X-Capture-Id", res.ID)
	hdr.Set("X-Capture-Format", string(res.Format))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Data); err != nil {
		debug.Warn("client went away while sending frame %s: %v", res.ID, err)
	}

	h.Broadcaster.Publish(StatusEvent{
		Type: EventCapture,
		Msg:  "Image captured",
		Data: map[string]interface{}{
			"id":          res.ID,
			"exposure_ms": res.ExposureMs,
			"resolution":  res.Resolution(),
			"size_bytes":  res.ByteSize,
			"format":      res.Format,
		},
	})
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"camera_connected": h.device.Connected(),
		"camera_model":     h.info.Model,
		"api_version":      APIVersion,
		"uptime_seconds":   int(h.now().Sub(h.info.Started).Seconds()),
		"device_state":     h.device.State().String(),
	})
}

// HandleGetSettings handles GET /settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Get())
}

// HandleUpdateSettings handles POST /settings.
func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.settings.Update(body)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Broadcaster.Broadcast("info", "Settings updated")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"settings": updated,
	})
}

// HandleInfo handles GET /info.
func (h *Handlers) HandleInfo(w http.ResponseWriter, r *http.Request) {
	width, height := h.device.Dimensions()
	if width == 0 || height == 0 {
		width, height = h.info.MaxWidth, h.info.MaxHeight
	}
	formats := make([]string, 0, len(capture.SupportedFormats))
	for _, f := range capture.SupportedFormats {
		formats = append(formats, string(f))
	}
	b := h.capture.Bounds()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": map[string]interface{}{
			"max_resolution":    []int{width, height},
			"supported_formats": formats,
			"exposure_range":    []int{b.MinMs, b.MaxMs},
		},
		"specifications": map[string]string{
			"sensor_type": h.info.SensorType,
			"interface":   h.info.Interface,
		},
	})
}

// HandleRoot handles GET / with the endpoint list.
func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "Camera REST API",
		"version": APIVersion,
		"endpoints": map[string]string{
			"POST /capture":      "Capture image from camera",
			"GET /status":        "Get camera and API status",
			"GET /settings":      "Get current camera settings",
			"POST /settings":     "Update camera settings",
			"GET /info":          "Get camera capabilities and specifications",
			"POST /init":         "Open the capture device",
			"GET /health":        "Device readiness check",
			"POST /shutdown":     "Close the capture device",
			"GET /status/stream": "Server-sent status events",
			"GET /metrics":       "Prometheus metrics",
		},
	})
}

// HandleInit handles POST /init: opens the device (a faulted device is reopened).
func (h *Handlers) HandleInit(w http.ResponseWriter, r *http.Request) {
	if !h.deviceMu.TryLock() {
		writeError(w, domain.DeviceBusy("capture in progress"))
		return
	}
	defer h.deviceMu.Unlock()
	if _, err := h.device.Open(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "device": "connected"})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.device.State()
	switch st {
	case session.Ready, session.Capturing:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "device": "connected"})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "device": st.String()})
	}
}

// HandleShutdown handles POST /shutdown: closes the device.
func (h *Handlers) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	if !h.deviceMu.TryLock() {
		writeError(w, domain.DeviceBusy("capture in progress"))
		return
	}
	defer h.deviceMu.Unlock()
	if err := h.device.Shutdown(); err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			writeError(w, err)
			return
		}
		// the session is closed regardless; the native error is only logged
		debug.Warn("device shutdown: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Device shutdown complete"})
}

// HandleNotFound answers unknown routes with a JSON 404.
func (h *Handlers) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Status: "error", Message: "Endpoint not found", ErrorCode: domain.CodeNotFound})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	// the server WriteTimeout is sized for captures, not for a stream that stays open
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		debug.Verbose("status stream: clearing write deadline: %v", err)
	}

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
