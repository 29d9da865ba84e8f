package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/BlotCam/internal/config"
	"github.com/cjeanneret/BlotCam/internal/debug"
	"github.com/cjeanneret/BlotCam/internal/hw/button"
	"github.com/cjeanneret/BlotCam/internal/hw/camera"
	"github.com/cjeanneret/BlotCam/internal/hw/gpio"
	"github.com/cjeanneret/BlotCam/internal/hw/led"
	"github.com/cjeanneret/BlotCam/internal/logic/capture"
	"github.com/cjeanneret/BlotCam/internal/metrics"
	"github.com/cjeanneret/BlotCam/internal/session"
	"github.com/cjeanneret/BlotCam/internal/settings"
	"github.com/cjeanneret/BlotCam/internal/web"
)

// errShutdownButton ends the run group when the shutdown button is held.
var errShutdownButton = errors.New("shutdown button held")

// cliOptions holds flag values; only flags that were set explicitly are applied.
type cliOptions struct {
	configPath string
	envFile    string
	host       string
	port       portFlag
	settings   string
	driver     string
	debugLevel int
	mockGPIO   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "blotcam",
		Short: "REST API for a scientific blot-imaging camera",
		Example: `  blotcam --config configs/default.yaml
  blotcam --driver simulated --mock-gpio --port 8080`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			cfg, err := loadConfig(opts, changed)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&opts.configPath, "config", filepath.Join("configs", "default.yaml"), "path to config file (.yaml or .toml)")
	f.StringVar(&opts.envFile, "env-file", "", "load environment variables from this file first")
	f.StringVar(&opts.host, config.FlagHost, "", "listen host")
	f.Var(&opts.port, config.FlagPort, "listen port (1-65535)")
	f.StringVar(&opts.settings, config.FlagSettings, "", "path to the camera settings JSON file")
	f.StringVar(&opts.driver, config.FlagDriver, "", "camera driver: simulated or libcapture")
	f.IntVar(&opts.debugLevel, config.FlagDebugLevel, 0, "debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)")
	f.BoolVar(&opts.mockGPIO, config.FlagMockGPIO, false, "use mock GPIO instead of the Raspberry Pi header")
	return root
}

// loadConfig resolves configuration: file, then environment, then explicit flags.
// A missing default config file falls back to built-in defaults.
func loadConfig(opts *cliOptions, changed map[string]bool) (*config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := config.Default()
	_, statErr := os.Stat(opts.configPath)
	if changed["config"] || !errors.Is(statErr, os.ErrNotExist) {
		if err := config.ValidateConfigPath(opts.configPath); err != nil {
			return nil, err
		}
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config failed: %w", err)
		}
		cfg = loaded
	}

	if err := config.ApplyEnv(cfg, changed, os.Getenv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	applyFlags(cfg, opts, changed)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags mutates cfg with flags that were set on the command line.
func applyFlags(cfg *config.Config, opts *cliOptions, changed map[string]bool) {
	if changed[config.FlagHost] {
		cfg.Server.Host = opts.host
	}
	if changed[config.FlagPort] {
		cfg.Server.Port = opts.port.val
	}
	if changed[config.FlagSettings] {
		cfg.Settings.Path = opts.settings
	}
	if changed[config.FlagDriver] {
		cfg.Camera.Driver = opts.driver
	}
	if changed[config.FlagDebugLevel] {
		cfg.Defaults.DebugLevel = opts.debugLevel
	}
	if changed[config.FlagMockGPIO] {
		cfg.Defaults.MockGPIO = opts.mockGPIO
	}
}

// statusIndicator is the LED as seen by main: a session indicator that can be released.
type statusIndicator interface {
	session.Indicator
	Close() error
}

func run(ctx context.Context, cfg *config.Config) error {
	debug.Init(cfg.Defaults.DebugLevel)
	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	debug.Section("Initialization")
	debug.Value("Listen address", cfg.Addr())
	debug.Value("Camera driver", cfg.Camera.Driver)
	debug.Value("Settings file", cfg.Settings.Path)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// GPIO is only needed for the LED and the button
	var gpioDriver gpio.Driver
	if cfg.StatusLED.Enabled || cfg.ShutdownButton.Enabled {
		debug.Step(1, "Initializing GPIO driver")
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		drv, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return fmt.Errorf("init GPIO failed: %w", err)
		}
		gpioDriver = drv
		defer func() {
			if err := gpioDriver.Close(); err != nil {
				debug.Warn("closing GPIO driver failed: %v", err)
			}
		}()
	}

	debug.Step(2, "Initializing status LED")
	indicator, err := newIndicator(gpioDriver, cfg)
	if err != nil {
		return err
	}
	defer indicator.Close()

	debug.Step(3, "Initializing capture device")
	dev, err := newDevice(cfg)
	if err != nil {
		return err
	}
	sess := session.New(dev, indicator)
	sess.OnTransition(func(from, to session.State) {
		metrics.DeviceState.Set(float64(to))
		broadcaster.PublishState(from.String(), to.String())
	})
	defer func() {
		if err := sess.Shutdown(); err != nil {
			debug.Warn("device shutdown: %v", err)
		}
	}()

	debug.Step(4, "Loading camera settings")
	bounds := settings.Bounds{MinMs: cfg.Exposure.MinMs, MaxMs: cfg.Exposure.MaxMs}
	store := settings.NewStore(cfg.Settings.Path, bounds, settings.Settings{ExposureTimeMs: cfg.Exposure.DefaultMs})
	store.Load()

	svc := capture.NewService(sess, store, capture.Options{
		Bounds:        bounds,
		ReopenOnError: cfg.Camera.ReopenOnError,
	})

	debug.Step(5, "Opening capture device")
	if _, err := sess.Open(); err != nil {
		// the API still starts; POST /init retries
		debug.Error(err, "camera not available at startup")
	}

	handlers := web.NewHandlers(broadcaster, svc, store, sess, web.Info{
		Model:      cfg.Camera.Model,
		SensorType: cfg.Camera.SensorType,
		Interface:  cfg.Camera.Interface,
		MaxWidth:   cfg.Camera.WidthPx,
		MaxHeight:  cfg.Camera.HeightPx,
		Started:    time.Now(),
	})
	srv := web.NewServer(cfg.Addr(), handlers, web.Timeouts{
		Read:  cfg.ReadTimeout(),
		Write: cfg.WriteTimeout(),
	})

	var btn *button.Hold
	if cfg.ShutdownButton.Enabled {
		if btn, err = button.NewHold(gpioDriver, cfg.ShutdownButton.Pin, cfg.ShutdownHold()); err != nil {
			return err
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.Settings.Watch {
		group.Go(func() error {
			return store.Watch(gctx)
		})
	}
	if btn != nil {
		group.Go(func() error {
			if err := btn.Wait(gctx); err != nil {
				return nil
			}
			return errShutdownButton
		})
	}

	debug.Section("Running")
	err = group.Wait()
	if errors.Is(err, errShutdownButton) {
		debug.Info("Shutting down on button request")
		return nil
	}
	return err
}

// newIndicator returns the RGB LED, or a no-op indicator when disabled.
func newIndicator(drv gpio.Driver, cfg *config.Config) (statusIndicator, error) {
	if !cfg.StatusLED.Enabled {
		return led.Nop{}, nil
	}
	debug.PrintStruct("Status LED config", cfg.StatusLED)
	l, err := led.NewRGB(drv, led.Pins{
		Red:   cfg.StatusLED.RedPin,
		Green: cfg.StatusLED.GreenPin,
		Blue:  cfg.StatusLED.BluePin,
	}, cfg.StatusLED.ActiveLow, cfg.BlinkInterval(), cfg.ErrorBlink())
	if err != nil {
		return nil, fmt.Errorf("init status LED failed: %w", err)
	}
	return l, nil
}

// newDevice selects a capture device implementation based on configuration.
func newDevice(cfg *config.Config) (camera.Device, error) {
	switch cfg.Camera.Driver {
	case config.DriverSimulated:
		return camera.NewSimulated(cfg.Camera.WidthPx, cfg.Camera.HeightPx, cfg.Camera.SimulateExposure), nil
	case config.DriverLibCapture:
		return camera.NewLibCapture(cfg.Camera.WidthPx, cfg.Camera.HeightPx)
	default:
		return nil, fmt.Errorf("unsupported camera driver: %s", cfg.Camera.Driver)
	}
}

// portFlag implements pflag.Value for --port and rejects values outside 1-65535.
type portFlag struct {
	val int
}

func (p *portFlag) String() string {
	return strconv.Itoa(p.val)
}

func (p *portFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	p.val = v
	return nil
}

func (p *portFlag) Type() string { return "port" }
