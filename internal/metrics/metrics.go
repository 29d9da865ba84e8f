// Package metrics holds the Prometheus collectors exported on GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

var (
	Captures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "captures_total",
		Namespace: "blotcam",
		Help:      "number of capture requests by result",
	}, []string{"result"})
	CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:      "capture_duration_seconds",
		Namespace: "blotcam",
		Help:      "time spent in the device for successful captures",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 15},
	})
	SettingsWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "settings_writes_total",
		Namespace: "blotcam",
		Help:      "number of settings file writes by result",
	}, []string{"result"})
	DeviceState = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "device_state",
		Namespace: "blotcam",
		Help:      "device lifecycle state (0 uninitialized, 1 ready, 2 capturing, 3 error)",
	})
)
