package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// maxExposureMs is the longest exposure the native uint32 microsecond setting holds.
const maxExposureMs = math.MaxUint32 / 1000

// Camera drivers.
const (
	DriverSimulated  = "simulated"
	DriverLibCapture = "libcapture"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms" toml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms" toml:"write_timeout_ms"` // must exceed the longest exposure
}

// CameraConfig describes the capture device.
// Driver selects a concrete implementation ("simulated" or "libcapture").
type CameraConfig struct {
	Driver           string `yaml:"driver" toml:"driver"`
	Model            string `yaml:"model" toml:"model"`             // e.g., "SL-1510"
	SensorType       string `yaml:"sensor_type" toml:"sensor_type"` // e.g., "CMOS"
	Interface        string `yaml:"interface" toml:"interface"`     // e.g., "USB 2.0"
	WidthPx          int    `yaml:"width_px" toml:"width_px"`       // simulated frame size
	HeightPx         int    `yaml:"height_px" toml:"height_px"`
	SimulateExposure bool   `yaml:"simulate_exposure" toml:"simulate_exposure"` // simulated device sleeps for the exposure
	ReopenOnError    bool   `yaml:"reopen_on_error" toml:"reopen_on_error"`     // reopen a faulted device on the next capture
}

// ExposureConfig bounds the exposure time in milliseconds.
type ExposureConfig struct {
	MinMs     int `yaml:"min_ms" toml:"min_ms"`
	MaxMs     int `yaml:"max_ms" toml:"max_ms"`
	DefaultMs int `yaml:"default_ms" toml:"default_ms"` // used when no settings file exists
}

// SettingsConfig locates the persisted camera settings.
type SettingsConfig struct {
	Path  string `yaml:"path" toml:"path"`
	Watch bool   `yaml:"watch" toml:"watch"` // reload after external edits
}

// StatusLEDConfig describes the RGB status LED (BCM pins).
type StatusLEDConfig struct {
	Enabled         bool `yaml:"enabled" toml:"enabled"`
	RedPin          int  `yaml:"red_pin" toml:"red_pin"`
	GreenPin        int  `yaml:"green_pin" toml:"green_pin"`
	BluePin         int  `yaml:"blue_pin" toml:"blue_pin"`
	ActiveLow       bool `yaml:"active_low" toml:"active_low"` // common anode
	BlinkIntervalMs int  `yaml:"blink_interval_ms" toml:"blink_interval_ms"`
	ErrorBlinkMs    int  `yaml:"error_blink_ms" toml:"error_blink_ms"`
}

// ShutdownButtonConfig describes the hold-to-shutdown push button.
type ShutdownButtonConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Pin     int  `yaml:"pin" toml:"pin"` // GPIO3 also wakes a halted Pi
	HoldMs  int  `yaml:"hold_ms" toml:"hold_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level" toml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio" toml:"mock_gpio"`     // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" toml:"server"`
	Camera         CameraConfig         `yaml:"camera" toml:"camera"`
	Exposure       ExposureConfig       `yaml:"exposure" toml:"exposure"`
	Settings       SettingsConfig       `yaml:"settings" toml:"settings"`
	StatusLED      StatusLEDConfig      `yaml:"status_led" toml:"status_led"`
	ShutdownButton ShutdownButtonConfig `yaml:"shutdown_button" toml:"shutdown_button"`
	Defaults       DefaultsConfig       `yaml:"defaults" toml:"defaults"`
}

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// ValidateConfigPath accepts only .yaml or .toml files located directly in a
// directory named "configs", without parent traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	switch filepath.Ext(clean) {
	case ".yaml", ".toml":
	default:
		return fmt.Errorf("config path %q must end in .yaml or .toml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML (or, for *.toml, TOML) file, fills defaults and
// validates the result.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.ReadTimeoutMs <= 0 {
		c.Server.ReadTimeoutMs = 10_000
	}
	if c.Server.WriteTimeoutMs <= 0 {
		c.Server.WriteTimeoutMs = 30_000 // 10 s max exposure plus transfer
	}

	if c.Camera.Driver == "" {
		c.Camera.Driver = DriverSimulated
	}
	if c.Camera.Model == "" {
		c.Camera.Model = "SL-1510"
	}
	if c.Camera.SensorType == "" {
		c.Camera.SensorType = "CMOS"
	}
	if c.Camera.Interface == "" {
		c.Camera.Interface = "USB 2.0"
	}
	if c.Camera.WidthPx <= 0 {
		c.Camera.WidthPx = 1920
	}
	if c.Camera.HeightPx <= 0 {
		c.Camera.HeightPx = 1080
	}

	if c.Exposure.MinMs == 0 {
		c.Exposure.MinMs = 10
	}
	if c.Exposure.MaxMs == 0 {
		c.Exposure.MaxMs = 10_000
	}
	if c.Exposure.DefaultMs == 0 {
		c.Exposure.DefaultMs = 100
	}

	if c.Settings.Path == "" {
		c.Settings.Path = filepath.Join("config", "camera_settings.json")
	}

	if c.StatusLED.RedPin == 0 && c.StatusLED.GreenPin == 0 && c.StatusLED.BluePin == 0 {
		c.StatusLED.RedPin, c.StatusLED.GreenPin, c.StatusLED.BluePin = 17, 27, 22
		c.StatusLED.ActiveLow = true
	}
	if c.StatusLED.BlinkIntervalMs <= 0 {
		c.StatusLED.BlinkIntervalMs = 300
	}
	if c.StatusLED.ErrorBlinkMs <= 0 {
		c.StatusLED.ErrorBlinkMs = 2000
	}

	if c.ShutdownButton.Pin == 0 {
		c.ShutdownButton.Pin = 3
	}
	if c.ShutdownButton.HoldMs <= 0 {
		c.ShutdownButton.HoldMs = 3000
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Exposure.MinMs <= 0 {
		return fmt.Errorf("exposure.min_ms must be > 0, got %d", c.Exposure.MinMs)
	}
	if c.Exposure.MaxMs > maxExposureMs {
		return fmt.Errorf("exposure.max_ms must be <= %d (uint32 microseconds), got %d", maxExposureMs, c.Exposure.MaxMs)
	}
	if c.Exposure.MinMs > c.Exposure.MaxMs {
		return fmt.Errorf("exposure.min_ms (%d) must be <= exposure.max_ms (%d)", c.Exposure.MinMs, c.Exposure.MaxMs)
	}
	if c.Exposure.DefaultMs < c.Exposure.MinMs || c.Exposure.DefaultMs > c.Exposure.MaxMs {
		return fmt.Errorf("exposure.default_ms must be between %d and %d, got %d",
			c.Exposure.MinMs, c.Exposure.MaxMs, c.Exposure.DefaultMs)
	}
	switch c.Camera.Driver {
	case DriverSimulated, DriverLibCapture:
	default:
		return fmt.Errorf("camera.driver must be %q or %q, got %q", DriverSimulated, DriverLibCapture, c.Camera.Driver)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}

	used := map[int]string{}
	claim := func(name string, pin int) error {
		if pin < 0 || pin > 27 {
			return fmt.Errorf("%s: BCM pin %d out of range 0-27", name, pin)
		}
		if other, ok := used[pin]; ok {
			return fmt.Errorf("%s and %s both use GPIO%d", other, name, pin)
		}
		used[pin] = name
		return nil
	}
	if c.StatusLED.Enabled {
		for _, p := range []struct {
			name string
			pin  int
		}{
			{"status_led.red_pin", c.StatusLED.RedPin},
			{"status_led.green_pin", c.StatusLED.GreenPin},
			{"status_led.blue_pin", c.StatusLED.BluePin},
		} {
			if err := claim(p.name, p.pin); err != nil {
				return err
			}
		}
	}
	if c.ShutdownButton.Enabled {
		if err := claim("shutdown_button.pin", c.ShutdownButton.Pin); err != nil {
			return err
		}
	}
	return nil
}

// Addr returns the listen address host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ReadTimeout returns the HTTP read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutMs) * time.Millisecond
}

// WriteTimeout returns the HTTP write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutMs) * time.Millisecond
}

// BlinkInterval returns the LED blink half-period.
func (c *Config) BlinkInterval() time.Duration {
	return time.Duration(c.StatusLED.BlinkIntervalMs) * time.Millisecond
}

// ErrorBlink returns how long the error pattern is shown.
func (c *Config) ErrorBlink() time.Duration {
	return time.Duration(c.StatusLED.ErrorBlinkMs) * time.Millisecond
}

// ShutdownHold returns how long the button must be held.
func (c *Config) ShutdownHold() time.Duration {
	return time.Duration(c.ShutdownButton.HoldMs) * time.Millisecond
}
