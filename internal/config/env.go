package config

import (
	"fmt"
	"strconv"

	"github.com/cjeanneret/BlotCam/internal/debug"
)

// Environment variables.
const (
	EnvHost         = "BLOTCAM_HOST"
	EnvPort         = "BLOTCAM_PORT"
	EnvSettingsFile = "BLOTCAM_SETTINGS_FILE"
	EnvDriver       = "BLOTCAM_CAMERA_DRIVER"
	EnvMockGPIO     = "BLOTCAM_MOCK_GPIO"
	EnvLogLevel     = "LOG_LEVEL"
)

// Flag names that map onto environment overrides.
const (
	FlagHost       = "host"
	FlagPort       = "port"
	FlagSettings   = "settings"
	FlagDriver     = "driver"
	FlagMockGPIO   = "mock-gpio"
	FlagDebugLevel = "debug-level"
)

// ApplyEnv applies BLOTCAM_* and LOG_LEVEL overrides. Variables whose flag
// was set explicitly on the command line (changed) are skipped.
func ApplyEnv(cfg *Config, changed map[string]bool, getenv func(string) string) error {
	s := setter{changed: changed}

	s.setString(FlagHost, getenv(EnvHost), &cfg.Server.Host)
	s.setString(FlagSettings, getenv(EnvSettingsFile), &cfg.Settings.Path)
	s.setString(FlagDriver, getenv(EnvDriver), &cfg.Camera.Driver)

	if err := s.setInt(FlagPort, getenv(EnvPort), &cfg.Server.Port); err != nil {
		return err
	}
	if err := s.setBool(FlagMockGPIO, getenv(EnvMockGPIO), &cfg.Defaults.MockGPIO); err != nil {
		return err
	}
	if v := getenv(EnvLogLevel); v != "" && !changed[FlagDebugLevel] {
		lvl, err := debug.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLogLevel, err)
		}
		cfg.Defaults.DebugLevel = lvl
	}
	return cfg.Validate()
}

// setter writes a value unless empty or overridden by an explicit flag.
type setter struct {
	changed map[string]bool
}

func (s setter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s setter) setInt(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

func (s setter) setBool(flag, value string, dst *bool) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = b
	return nil
}
