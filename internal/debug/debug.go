package debug

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (startup, device open/close, settings changes)
	LevelLive    = 2 // Live info (each capture, each request)
	LevelVerbose = 3 // Verbose (native calls, state transitions)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	logger = zerolog.Nop()
)

// Init initializes the debug system with a level (0-4) writing to stdout.
// 0 = no output
// 1 = important info (startup, device open/close, settings changes)
// 2 = live info (captures, requests)
// 3 = verbose (native calls, state transitions)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	mu.Lock()
	level = debugLevel
	mu.Unlock()
	SetOutput(os.Stdout)
}

// SetOutput redirects log output, e.g. to fan it out to SSE clients.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if level <= LevelOff {
		logger = zerolog.Nop()
		return
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	logger = zerolog.New(out).Level(zerologLevel(level)).With().Timestamp().Str("app", "blotcam").Logger()
}

func zerologLevel(l int) zerolog.Level {
	if l >= LevelVerbose {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// ParseLevel accepts a level name or digit ("verbose", "3").
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none":
		return LevelOff, nil
	case "info", "warn", "warning", "error":
		return LevelInfo, nil
	case "live":
		return LevelLive, nil
	case "verbose", "debug":
		return LevelVerbose, nil
	case "trace":
		return LevelTrace, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < LevelOff || n > LevelTrace {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return n, nil
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

// Logger returns the underlying zerolog logger for structured events.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func enabled(minLevel int) (zerolog.Logger, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return logger, level >= minLevel
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if l, ok := enabled(LevelInfo); ok {
		l.Info().Msgf(format, args...)
	}
}

// Warn prints a warning (level 1+).
func Warn(format string, args ...interface{}) {
	if l, ok := enabled(LevelInfo); ok {
		l.Warn().Msgf(format, args...)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if l, ok := enabled(LevelInfo); ok {
		l.Info().Interface("value", value).Msg(name)
	}
}

// Summary prints an important banner (level 1).
func Summary(title string) {
	if l, ok := enabled(LevelInfo); ok {
		l.Info().Msg("═══════════════════════════════════════")
		l.Info().Msgf("  %s", title)
		l.Info().Msg("═══════════════════════════════════════")
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if l, ok := enabled(LevelLive); ok {
		l.Info().Msgf("[LIVE] "+format, args...)
	}
}

// Shot prints a completed capture (level 2).
func Shot(id string, exposureMs, width, height, size int) {
	if l, ok := enabled(LevelLive); ok {
		l.Info().
			Str("capture_id", id).
			Int("exposure_ms", exposureMs).
			Str("resolution", fmt.Sprintf("%dx%d", width, height)).
			Int("bytes", size).
			Msg("[LIVE] frame captured")
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if l, ok := enabled(LevelVerbose); ok {
		l.Debug().Msgf(format, args...)
	}
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if l, ok := enabled(LevelVerbose); ok {
		l.Debug().Msgf("%s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if l, ok := enabled(LevelVerbose); ok {
		l.Debug().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Debug().Msgf("  %s", name)
		l.Debug().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if l, ok := enabled(LevelVerbose); ok {
		l.Debug().Msgf("Step %d: %s", num, description)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	if l, ok := enabled(LevelTrace); ok {
		l.Debug().Msgf("[TRACE] "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if l, ok := enabled(LevelTrace); ok {
		l.Debug().Str("op", operation).Int("pin", pin).Interface("value", value).Msg("[GPIO]")
	}
}

// --- General functions ---

// Error prints an error with context (level 1+).
func Error(err error, msg string) {
	if l, ok := enabled(LevelInfo); ok {
		l.Error().Err(err).Msg(msg)
	}
}
