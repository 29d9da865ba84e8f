package button

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/BlotCam/internal/debug"
	"github.com/cjeanneret/BlotCam/internal/hw/gpio"
)

// DefaultPollInterval is how often the pin is sampled.
const DefaultPollInterval = 50 * time.Millisecond

// Hold watches a momentary push button wired between a pin and GND (the
// internal pull-up keeps it HIGH when released).
type Hold struct {
	drv  gpio.Driver
	pin  int
	hold time.Duration
	poll time.Duration
}

// NewHold configures pin as a pulled-up input.
func NewHold(drv gpio.Driver, pin int, hold time.Duration) (*Hold, error) {
	if err := drv.SetupPin(pin, gpio.InputPullUp); err != nil {
		return nil, fmt.Errorf("setup button pin %d: %w", pin, err)
	}
	return &Hold{drv: drv, pin: pin, hold: hold, poll: DefaultPollInterval}, nil
}

// Wait blocks until the button has been held down continuously for the hold
// duration (returns nil) or ctx is done (returns ctx.Err()).
func (b *Hold) Wait(ctx context.Context) error {
	debug.Info("Shutdown button armed on GPIO%d (hold %s)", b.pin, b.hold)

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	var pressedAt time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			lvl, err := b.drv.ReadPin(b.pin)
			if err != nil {
				debug.Warn("button read failed: %v", err)
				pressedAt = time.Time{}
				continue
			}
			if lvl == gpio.High {
				if !pressedAt.IsZero() {
					debug.Verbose("button released after %s", now.Sub(pressedAt))
				}
				pressedAt = time.Time{}
				continue
			}
			if pressedAt.IsZero() {
				pressedAt = now
				debug.Live("Shutdown button pressed")
				continue
			}
			if now.Sub(pressedAt) >= b.hold {
				debug.Info("Shutdown button held for %s", b.hold)
				return nil
			}
		}
	}
}
