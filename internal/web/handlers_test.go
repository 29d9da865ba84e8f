package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/BlotCam/internal/domain"
	"github.com/cjeanneret/BlotCam/internal/hw/camera"
	"github.com/cjeanneret/BlotCam/internal/logic/capture"
	"github.com/cjeanneret/BlotCam/internal/session"
	"github.com/cjeanneret/BlotCam/internal/settings"
)

var testBounds = settings.Bounds{MinMs: 10, MaxMs: 10000}

// countingDevice wraps the simulated device and records exposure and
// capture calls.
type countingDevice struct {
	*camera.Simulated

	mu        sync.Mutex
	exposures []uint32
	captures  int
}

func (d *countingDevice) SetExposure(h camera.Handle, us uint32) camera.Status {
	d.mu.Lock()
	d.exposures = append(d.exposures, us)
	d.mu.Unlock()
	return d.Simulated.SetExposure(h, us)
}

func (d *countingDevice) Capture(h camera.Handle) camera.Status {
	d.mu.Lock()
	d.captures++
	d.mu.Unlock()
	return d.Simulated.Capture(h)
}

func (d *countingDevice) calls() ([]uint32, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.exposures...), d.captures
}

type testEnv struct {
	h            *Handlers
	mux          http.Handler
	dev          *countingDevice
	sess         *session.Session
	settingsPath string
}

// newTestEnv wires the real session, settings store and capture service on
// top of a 4x3 simulated device. failOpen makes the startup open fail.
func newTestEnv(t *testing.T, failOpen camera.Status) *testEnv {
	t.Helper()
	sim := camera.NewSimulated(4, 3, false)
	sim.FailOpen = failOpen
	dev := &countingDevice{Simulated: sim}

	sess := session.New(dev, nil)
	sess.Open()

	path := filepath.Join(t.TempDir(), "camera_settings.json")
	store := settings.NewStore(path, testBounds, settings.Settings{ExposureTimeMs: 100})
	store.Load()

	svc := capture.NewService(sess, store, capture.Options{Bounds: testBounds})
	h := NewHandlers(NewStatusBroadcaster(), svc, store, sess, Info{
		Model:      "SL-1510",
		SensorType: "CMOS",
		Interface:  "USB 2.0",
		MaxWidth:   1920,
		MaxHeight:  1080,
	})
	return &testEnv{
		h:            h,
		mux:          NewServer(":0", h, Timeouts{}).Mux(),
		dev:          dev,
		sess:         sess,
		settingsPath: path,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return m
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) map[string]interface{} {
	t.Helper()
	if w.Code != status {
		t.Errorf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	m := decodeBody(t, w)
	if m["status"] != "error" {
		t.Errorf("status field = %v, want \"error\"", m["status"])
	}
	if m["error_code"] != code {
		t.Errorf("error_code = %v, want %q", m["error_code"], code)
	}
	if msg, _ := m["message"].(string); msg == "" {
		t.Error("message should not be empty")
	}
	return m
}

// ---------- Settings ----------

func TestSettings_RoundTrip(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)

	w := e.do(http.MethodPost, "/settings", `{"exposure_time_ms": 250}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /settings status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["status"] != "success" {
		t.Errorf("status = %v", resp["status"])
	}
	if got := resp["settings"].(map[string]interface{})["exposure_time_ms"]; got != float64(250) {
		t.Errorf("settings.exposure_time_ms = %v, want 250", got)
	}

	w = e.do(http.MethodGet, "/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /settings status = %d", w.Code)
	}
	if got := decodeBody(t, w)["exposure_time_ms"]; got != float64(250) {
		t.Errorf("GET exposure_time_ms = %v, want 250", got)
	}

	data, err := os.ReadFile(e.settingsPath)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk settings.Settings
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("settings file: %v", err)
	}
	if onDisk.ExposureTimeMs != 250 {
		t.Errorf("persisted exposure = %d, want 250", onDisk.ExposureTimeMs)
	}
}

func TestSettings_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		code string
	}{
		{"empty object", `{}`, domain.CodeNoSettings},
		{"empty body", ``, domain.CodeNoSettings},
		{"out of range", `{"exposure_time_ms": 99999}`, domain.CodeInvalidSettings},
		{"not a number", `{"exposure_time_ms": "fast"}`, domain.CodeInvalidSettings},
		{"not an object", `[250]`, domain.CodeInvalidRequest},
		{"malformed", `{"exposure_time_ms":`, domain.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, camera.StatusOK)
			assertError(t, e.do(http.MethodPost, "/settings", tc.body), http.StatusBadRequest, tc.code)

			if got := decodeBody(t, e.do(http.MethodGet, "/settings", ""))["exposure_time_ms"]; got != float64(100) {
				t.Errorf("settings changed after rejected update: %v", got)
			}
		})
	}
}

// ---------- Capture ----------

func TestCapture_UsesPersistedDefault(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)

	w := e.do(http.MethodPost, "/capture", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	exposures, captures := e.dev.calls()
	if len(exposures) != 1 || exposures[0] != 100000 {
		t.Errorf("native exposures = %v, want [100000]", exposures)
	}
	if captures != 1 {
		t.Errorf("native captures = %d, want 1", captures)
	}

	hdr := w.Header()
	if got := hdr.Get("X-Camera-Exposure"); got != "100" {
		t.Errorf("X-Camera-Exposure = %q, want \"100\"", got)
	}
	if got := hdr.Get("X-Camera-Resolution"); got != "4x3" {
		t.Errorf("X-Camera-Resolution = %q, want \"4x3\"", got)
	}
	if got := hdr.Get("Content-Type"); got != capture.ContentTypeTIFF {
		t.Errorf("Content-Type = %q", got)
	}
	if got := hdr.Get("X-Capture-Format"); got != "tif" {
		t.Errorf("X-Capture-Format = %q", got)
	}
	if hdr.Get("X-Capture-Id") == "" {
		t.Error("X-Capture-Id missing")
	}
	size, err := strconv.Atoi(hdr.Get("X-Image-Size-Bytes"))
	if err != nil || size != w.Body.Len() {
		t.Errorf("X-Image-Size-Bytes = %q, body is %d bytes", hdr.Get("X-Image-Size-Bytes"), w.Body.Len())
	}
	if hdr.Get("Content-Length") != strconv.Itoa(w.Body.Len()) {
		t.Errorf("Content-Length = %q, body is %d bytes", hdr.Get("Content-Length"), w.Body.Len())
	}
	if _, err := time.Parse(time.RFC3339, hdr.Get("X-Camera-Timestamp")); err != nil {
		t.Errorf("X-Camera-Timestamp %q: %v", hdr.Get("X-Camera-Timestamp"), err)
	}
	if e.sess.State() != session.Ready {
		t.Errorf("state after capture = %s, want ready", e.sess.State())
	}
}

func TestCapture_RawFormat(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)

	w := e.do(http.MethodPost, "/capture", `{"exposure_time_ms": 50, "format": "raw"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != capture.ContentTypeRaw {
		t.Errorf("Content-Type = %q", got)
	}
	if w.Body.Len() != 4*3*2 {
		t.Errorf("raw body = %d bytes, want %d", w.Body.Len(), 4*3*2)
	}
	if exposures, _ := e.dev.calls(); len(exposures) != 1 || exposures[0] != 50000 {
		t.Errorf("native exposures = %v, want [50000]", exposures)
	}
}

func TestCapture_ExposureAliases(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"canonical", `{"exposure_time_ms": 200}`, "200"},
		{"legacy key", `{"exposure_time": 300}`, "300"},
		{"short key", `{"exposure_ms": 400}`, "400"},
		{"integral float", `{"exposure_time_ms": 500.0}`, "500"},
		{"null means default", `{"exposure_time_ms": null}`, "100"},
		{"no body", ``, "100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, camera.StatusOK)
			w := e.do(http.MethodPost, "/capture", tc.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
			if got := w.Header().Get("X-Camera-Exposure"); got != tc.want {
				t.Errorf("X-Camera-Exposure = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCapture_InvalidRequestsNeverReachDevice(t *testing.T) {
	cases := []struct {
		name string
		body string
		code string
	}{
		{"below minimum", `{"exposure_time_ms": 5}`, domain.CodeExposureOutOfRange},
		{"above maximum", `{"exposure_time_ms": 10001}`, domain.CodeExposureOutOfRange},
		{"fractional", `{"exposure_time_ms": 12.5}`, domain.CodeInvalidExposure},
		{"string", `{"exposure_time_ms": "100"}`, domain.CodeInvalidExposure},
		{"bool", `{"exposure_ms": true}`, domain.CodeInvalidExposure},
		{"unknown format", `{"format": "png"}`, domain.CodeInvalidFormat},
		{"format not a string", `{"format": 16}`, domain.CodeInvalidFormat},
		{"not json", `not json`, domain.CodeInvalidRequest},
		{"array body", `[1, 2]`, domain.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, camera.StatusOK)
			assertError(t, e.do(http.MethodPost, "/capture", tc.body), http.StatusBadRequest, tc.code)

			exposures, captures := e.dev.calls()
			if len(exposures) != 0 || captures != 0 {
				t.Errorf("device touched: exposures %v, captures %d", exposures, captures)
			}
		})
	}
}

func TestCapture_OversizedBody(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)
	big := `{"pad": "` + strings.Repeat("x", maxBodyBytes) + `"}`
	assertError(t, e.do(http.MethodPost, "/capture", big), http.StatusBadRequest, domain.CodeInvalidRequest)
}

func TestCapture_DeviceUnavailable(t *testing.T) {
	e := newTestEnv(t, camera.OpenNoDevice)

	status := decodeBody(t, e.do(http.MethodGet, "/status", ""))
	if status["camera_connected"] != false {
		t.Errorf("camera_connected = %v, want false", status["camera_connected"])
	}
	if status["device_state"] != "uninitialized" {
		t.Errorf("device_state = %v", status["device_state"])
	}

	assertError(t, e.do(http.MethodPost, "/capture", `{}`), http.StatusServiceUnavailable, domain.CodeDeviceUnavailable)

	w := e.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", w.Code)
	}
	if m := decodeBody(t, w); m["status"] != "not_ready" {
		t.Errorf("health body = %v", m)
	}
}

func TestCapture_Busy(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)
	e.h.deviceMu.Lock()
	defer e.h.deviceMu.Unlock()

	for _, path := range []string{"/capture", "/init", "/shutdown"} {
		t.Run(path, func(t *testing.T) {
			assertError(t, e.do(http.MethodPost, path, `{}`), http.StatusServiceUnavailable, domain.CodeDeviceBusy)
		})
	}
	if _, captures := e.dev.calls(); captures != 0 {
		t.Errorf("native captures = %d, want 0", captures)
	}
}

// panicOnce panics on the first capture or open, then delegates.
type panicOnce struct {
	Capturer
	Device

	mu       sync.Mutex
	panicked bool
}

func (p *panicOnce) trip() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.panicked {
		p.panicked = true
		panic("driver fault")
	}
}

func (p *panicOnce) Capture(ctx context.Context, req capture.Request) (*capture.Result, error) {
	p.trip()
	return p.Capturer.Capture(ctx, req)
}

func (p *panicOnce) Open() (camera.Handle, error) {
	p.trip()
	return p.Device.Open()
}

func TestDeviceLockReleasedAfterPanic(t *testing.T) {
	for _, path := range []string{"/capture", "/init"} {
		t.Run(path, func(t *testing.T) {
			e := newTestEnv(t, camera.StatusOK)
			p := &panicOnce{Capturer: e.h.capture, Device: e.h.device}
			h := NewHandlers(NewStatusBroadcaster(), p, e.h.settings, p, e.h.info)
			mux := NewServer(":0", h, Timeouts{}).Mux()

			post := func() *httptest.ResponseRecorder {
				w := httptest.NewRecorder()
				mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`)))
				return w
			}
			assertError(t, post(), http.StatusInternalServerError, domain.CodeInternal)
			if w := post(); w.Code != http.StatusOK {
				t.Errorf("request after panic status = %d, body %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCapture_FailureFaultsDeviceUntilInit(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)
	e.dev.FailCapture = camera.CaptureTimeout

	m := assertError(t, e.do(http.MethodPost, "/capture", `{}`), http.StatusInternalServerError, domain.CodeCaptureTimeout)
	if m["native_status"] != float64(camera.CaptureTimeout) {
		t.Errorf("native_status = %v, want %d", m["native_status"], camera.CaptureTimeout)
	}
	if _, captures := e.dev.calls(); captures != 1 {
		t.Errorf("native captures = %d, want exactly 1 (no retry)", captures)
	}
	if got := decodeBody(t, e.do(http.MethodGet, "/status", ""))["device_state"]; got != "error" {
		t.Errorf("device_state = %v, want error", got)
	}

	assertError(t, e.do(http.MethodPost, "/capture", `{}`), http.StatusServiceUnavailable, domain.CodeDeviceFaulted)

	e.dev.FailCapture = camera.StatusOK
	w := e.do(http.MethodPost, "/init", "")
	if w.Code != http.StatusOK {
		t.Fatalf("init status = %d, body %s", w.Code, w.Body.String())
	}
	if m := decodeBody(t, w); m["status"] != "ready" || m["device"] != "connected" {
		t.Errorf("init body = %v", m)
	}
	if w := e.do(http.MethodPost, "/capture", `{}`); w.Code != http.StatusOK {
		t.Errorf("capture after init status = %d", w.Code)
	}
}

func TestInit_OpenFailureReportsNativeStatus(t *testing.T) {
	e := newTestEnv(t, camera.OpenFailed)

	m := assertError(t, e.do(http.MethodPost, "/init", ""), http.StatusServiceUnavailable, domain.CodeDeviceUnavailable)
	if m["native_status"] != float64(camera.OpenFailed) {
		t.Errorf("native_status = %v, want %d", m["native_status"], camera.OpenFailed)
	}

	e.dev.FailOpen = camera.StatusOK
	if w := e.do(http.MethodPost, "/init", ""); w.Code != http.StatusOK {
		t.Fatalf("init status = %d", w.Code)
	}
	if w := e.do(http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestShutdown(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)

	w := e.do(http.MethodPost, "/shutdown", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if m := decodeBody(t, w); m["status"] != "success" || m["message"] != "Device shutdown complete" {
		t.Errorf("body = %v", m)
	}
	if e.sess.Connected() {
		t.Error("session still connected after shutdown")
	}
	assertError(t, e.do(http.MethodPost, "/capture", `{}`), http.StatusServiceUnavailable, domain.CodeDeviceUnavailable)

	// a second shutdown is harmless
	if w := e.do(http.MethodPost, "/shutdown", ""); w.Code != http.StatusOK {
		t.Errorf("second shutdown status = %d", w.Code)
	}
}

// ---------- Status / info ----------

func TestStatus(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)
	e.h.now = func() time.Time { return e.h.info.Started.Add(90 * time.Second) }

	m := decodeBody(t, e.do(http.MethodGet, "/status", ""))
	want := map[string]interface{}{
		"camera_connected": true,
		"camera_model":     "SL-1510",
		"api_version":      APIVersion,
		"uptime_seconds":   float64(90),
		"device_state":     "ready",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %v, want %v", k, m[k], v)
		}
	}
}

func TestInfo(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)

	var resp struct {
		Capabilities struct {
			MaxResolution    []int    `json:"max_resolution"`
			SupportedFormats []string `json:"supported_formats"`
			ExposureRange    []int    `json:"exposure_range"`
		} `json:"capabilities"`
		Specifications map[string]string `json:"specifications"`
	}
	w := e.do(http.MethodGet, "/info", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	c := resp.Capabilities
	if len(c.MaxResolution) != 2 || c.MaxResolution[0] != 4 || c.MaxResolution[1] != 3 {
		t.Errorf("max_resolution = %v, want [4 3]", c.MaxResolution)
	}
	if len(c.ExposureRange) != 2 || c.ExposureRange[0] != 10 || c.ExposureRange[1] != 10000 {
		t.Errorf("exposure_range = %v", c.ExposureRange)
	}
	if strings.Join(c.SupportedFormats, ",") != "tif,raw" {
		t.Errorf("supported_formats = %v", c.SupportedFormats)
	}
	if resp.Specifications["sensor_type"] != "CMOS" || resp.Specifications["interface"] != "USB 2.0" {
		t.Errorf("specifications = %v", resp.Specifications)
	}
}

func TestInfo_ConfiguredResolutionWhenClosed(t *testing.T) {
	e := newTestEnv(t, camera.OpenNoDevice)

	var resp struct {
		Capabilities struct {
			MaxResolution []int `json:"max_resolution"`
		} `json:"capabilities"`
	}
	json.Unmarshal(e.do(http.MethodGet, "/info", "").Body.Bytes(), &resp)
	if got := resp.Capabilities.MaxResolution; len(got) != 2 || got[0] != 1920 || got[1] != 1080 {
		t.Errorf("max_resolution = %v, want [1920 1080]", got)
	}
}

func TestRoot(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)
	w := e.do(http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	m := decodeBody(t, w)
	if m["name"] != "Camera REST API" || m["version"] != APIVersion {
		t.Errorf("body = %v", m)
	}
	endpoints, _ := m["endpoints"].(map[string]interface{})
	if _, ok := endpoints["POST /capture"]; !ok {
		t.Errorf("endpoints missing POST /capture: %v", endpoints)
	}
}

func TestNotFound(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)
	m := assertError(t, e.do(http.MethodGet, "/nope", ""), http.StatusNotFound, domain.CodeNotFound)
	if m["message"] != "Endpoint not found" {
		t.Errorf("message = %v", m["message"])
	}
}

func TestMetrics(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)
	e.do(http.MethodPost, "/capture", `{}`)

	w := e.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	for _, name := range []string{"blotcam_captures_total", "blotcam_device_state"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// ---------- Middleware ----------

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assertError(t, w, http.StatusInternalServerError, domain.CodeInternal)
}

func TestWriteError_InternalHidesDetail(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, os.ErrPermission)
	m := assertError(t, w, http.StatusInternalServerError, domain.CodeInternal)
	if m["message"] != "Internal server error" {
		t.Errorf("message = %v", m["message"])
	}
	if _, ok := m["native_status"]; ok {
		t.Error("native_status should be omitted")
	}
}

// ---------- Status stream ----------

// subscribeStream opens /status/stream on srv and returns a function that
// waits for the next line with the given prefix.
func subscribeStream(t *testing.T, srv *httptest.Server) func(prefix string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	return func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed while waiting for %q", prefix)
				}
				if strings.HasPrefix(l, prefix) {
					return l
				}
			case <-timeout:
				t.Fatalf("timeout waiting for %q", prefix)
			}
		}
	}
}

func decodeEvent(t *testing.T, line string) StatusEvent {
	t.Helper()
	var evt StatusEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
		t.Fatal(err)
	}
	return evt
}

func TestStatusStream(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)
	srv := httptest.NewServer(e.mux)
	defer srv.Close()

	next := subscribeStream(t, srv)
	next(": connected")
	e.h.Broadcaster.Broadcast("info", "stream test")

	if evt := decodeEvent(t, next("data: ")); evt.Type != EventLog || evt.Msg != "stream test" {
		t.Errorf("event = %+v", evt)
	}
}

func TestStatusStream_OutlivesWriteTimeout(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)
	srv := httptest.NewUnstartedServer(e.mux)
	srv.Config.WriteTimeout = 300 * time.Millisecond
	srv.Start()
	defer srv.Close()

	next := subscribeStream(t, srv)
	next(": connected")

	time.Sleep(500 * time.Millisecond)
	e.h.Broadcaster.Broadcast("info", "after write timeout")

	if evt := decodeEvent(t, next("data: ")); evt.Msg != "after write timeout" {
		t.Errorf("event = %+v", evt)
	}
}

func TestCapture_PublishesEvent(t *testing.T) {
	e := newTestEnv(t, camera.StatusOK)
	ch, unsub := e.h.Broadcaster.Subscribe()
	defer unsub()

	if w := e.do(http.MethodPost, "/capture", `{"exposure_time_ms": 20}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	select {
	case msg := <-ch:
		var evt struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatal(err)
		}
		if evt.Type != EventCapture || evt.Data["exposure_ms"] != float64(20) || evt.Data["resolution"] != "4x3" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no capture event")
	}
}
