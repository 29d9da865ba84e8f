package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cjeanneret/BlotCam/internal/debug"
	"github.com/cjeanneret/BlotCam/internal/domain"
	"github.com/cjeanneret/BlotCam/internal/metrics"
)

// Setting keys.
const (
	KeyExposureTimeMs = "exposure_time_ms"
	legacyExposureKey = "exposure_time"
)

// Settings is the persisted camera settings object.
type Settings struct {
	ExposureTimeMs int `json:"exposure_time_ms"`
}

// Bounds is the accepted exposure range in milliseconds, inclusive.
type Bounds struct {
	MinMs int
	MaxMs int
}

// Contains reports whether ms lies within the bounds.
func (b Bounds) Contains(ms int) bool {
	return ms >= b.MinMs && ms <= b.MaxMs
}

// ParseExposure decodes a JSON exposure value. Integral floats such as 100.0
// are accepted.
func ParseExposure(raw json.RawMessage, b Bounds) (int, *domain.Error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, domain.InvalidRequest(domain.CodeInvalidExposure, "exposure must be an integer number of milliseconds")
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, domain.InvalidRequest(domain.CodeInvalidExposure, "exposure must be an integer number of milliseconds")
	}
	f, err := num.Float64()
	if err != nil || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, domain.InvalidRequest(domain.CodeInvalidExposure, "exposure must be an integer number of milliseconds, got %s", num)
	}
	if f < float64(b.MinMs) || f > float64(b.MaxMs) {
		return 0, domain.InvalidRequest(domain.CodeExposureOutOfRange,
			"exposure time must be between %d and %d ms, got %s", b.MinMs, b.MaxMs, num)
	}
	return int(f), nil
}

// Encode renders settings exactly as they are written to disk.
func Encode(s Settings) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Store keeps the settings in memory and on disk. The file is only ever
// replaced by an atomic rename, so a reader never sees a partial write.
type Store struct {
	path     string
	bounds   Bounds
	defaults Settings

	mu      sync.Mutex
	current Settings

	// replaced in tests to simulate I/O failures
	write  func(f *os.File, data []byte) error
	rename func(oldpath, newpath string) error
}

// NewStore returns a store for path. Call Load before use.
func NewStore(path string, bounds Bounds, defaults Settings) *Store {
	return &Store{
		path:     path,
		bounds:   bounds,
		defaults: defaults,
		current:  defaults,
		write: func(f *os.File, data []byte) error {
			_, err := f.Write(data)
			return err
		},
		rename: os.Rename,
	}
}

// Path returns the settings file location.
func (s *Store) Path() string { return s.path }

// Load reads the settings file. A missing, unreadable, corrupt or out of
// range file is replaced by the defaults, which are written out immediately.
// Load never fails; a failed self-heal write is logged.
func (s *Store) Load() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		debug.Error(err, "failed to create settings directory")
	}

	st, err := s.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			debug.Info("No settings file at %s, writing defaults", s.path)
		} else {
			debug.Warn("settings file %s unusable (%v), restoring defaults", s.path, err)
		}
		st = s.defaults
		if werr := s.persist(st); werr != nil {
			debug.Error(werr, "failed to write default settings")
		}
	}
	s.current = st
	debug.Value("Settings", st)
	return st
}

// Get returns the current settings.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update applies recognized keys from changes and persists the result.
// Unknown keys are logged and dropped. Any invalid recognized value rejects
// the whole update. In-memory settings change only after a successful write.
func (s *Store) Update(changes map[string]json.RawMessage) (Settings, error) {
	if len(changes) == 0 {
		return Settings{}, domain.InvalidRequest(domain.CodeNoSettings, "no settings provided")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch k {
		case KeyExposureTimeMs:
			ms, derr := ParseExposure(changes[k], s.bounds)
			if derr != nil {
				return s.current, domain.InvalidRequest(domain.CodeInvalidSettings, "invalid %s: %s", k, derr.Message)
			}
			next.ExposureTimeMs = ms
		default:
			debug.Warn("ignoring unknown setting %q", k)
		}
	}

	if err := s.persist(next); err != nil {
		return s.current, domain.SettingsPersist(err)
	}
	s.current = next
	debug.Info("Settings updated: exposure_time_ms=%d", next.ExposureTimeMs)
	return next, nil
}

func (s *Store) read() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Settings{}, err
	}
	return s.decode(data)
}

func (s *Store) decode(data []byte) (Settings, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Settings{}, fmt.Errorf("corrupt settings: %w", err)
	}
	v, ok := raw[KeyExposureTimeMs]
	if !ok {
		v, ok = raw[legacyExposureKey]
	}
	if !ok {
		return Settings{}, fmt.Errorf("missing %s", KeyExposureTimeMs)
	}
	ms, derr := ParseExposure(v, s.bounds)
	if derr != nil {
		return Settings{}, derr
	}
	return Settings{ExposureTimeMs: ms}, nil
}

// persist must be called with mu held.
func (s *Store) persist(st Settings) (err error) {
	defer func() {
		if err != nil {
			metrics.SettingsWrites.WithLabelValues(metrics.ResultError).Inc()
		} else {
			metrics.SettingsWrites.WithLabelValues(metrics.ResultSuccess).Inc()
		}
	}()

	data, err := Encode(st)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := s.write(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := s.rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	debug.Verbose("settings written to %s", s.path)
	return nil
}
