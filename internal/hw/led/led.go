package led

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/BlotCam/internal/debug"
	"github.com/cjeanneret/BlotCam/internal/hw/gpio"
)

// Color selects which LED channels are lit.
type Color int

const (
	Off Color = iota
	Red
	Green
	Blue
)

func (c Color) String() string {
	switch c {
	case Off:
		return "off"
	case Red:
		return "red"
	case Green:
		return "green"
	case Blue:
		return "blue"
	default:
		return fmt.Sprintf("color(%d)", int(c))
	}
}

// Pattern is a steady or blinking color.
type Pattern struct {
	Color Color
	Blink bool
}

func (p Pattern) String() string {
	if p.Blink {
		return p.Color.String() + " blink"
	}
	return p.Color.String()
}

// Predefined status patterns.
var (
	PatternNotReady = Pattern{Color: Green, Blink: true}
	PatternReady    = Pattern{Color: Green}
	PatternError    = Pattern{Color: Red, Blink: true}
)

// Pins holds the BCM pin number of each channel.
type Pins struct {
	Red, Green, Blue int
}

// RGB drives a common-anode or common-cathode RGB LED through GPIO.
type RGB struct {
	drv       gpio.Driver
	pins      Pins
	activeLow bool
	interval  time.Duration
	errorFor  time.Duration

	mu     sync.Mutex
	steady Pattern
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewRGB configures the three pins as outputs and turns the LED off.
// activeLow is true for common-anode LEDs.
func NewRGB(drv gpio.Driver, pins Pins, activeLow bool, blinkInterval, errorDuration time.Duration) (*RGB, error) {
	debug.Verbose("Initializing RGB LED (R=%d G=%d B=%d, active low=%v)", pins.Red, pins.Green, pins.Blue, activeLow)

	for _, pin := range []int{pins.Red, pins.Green, pins.Blue} {
		if err := drv.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup LED pin %d: %w", pin, err)
		}
	}
	l := &RGB{
		drv:       drv,
		pins:      pins,
		activeLow: activeLow,
		interval:  blinkInterval,
		errorFor:  errorDuration,
	}
	if err := l.show(Off); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *RGB) level(on bool) gpio.Level {
	if l.activeLow {
		return gpio.Level(!on)
	}
	return gpio.Level(on)
}

// show lights exactly one channel (or none).
func (l *RGB) show(c Color) error {
	for _, ch := range []struct {
		pin   int
		color Color
	}{{l.pins.Red, Red}, {l.pins.Green, Green}, {l.pins.Blue, Blue}} {
		if err := l.drv.WritePin(ch.pin, l.level(c == ch.color)); err != nil {
			return fmt.Errorf("LED pin %d: %w", ch.pin, err)
		}
	}
	return nil
}

// phase is one step of an animation; a zero duration runs until stopped.
type phase struct {
	pattern Pattern
	dur     time.Duration
}

// run replaces the current animation. The first frame is written
// synchronously so write errors reach the caller.
func (l *RGB) run(phases ...phase) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		close(l.stop)
		l.wg.Wait()
		l.stop = nil
	}

	if err := l.show(phases[0].pattern.Color); err != nil {
		return err
	}
	if len(phases) == 1 && !phases[0].pattern.Blink {
		return nil
	}

	stop := make(chan struct{})
	l.stop = stop
	l.wg.Add(1)
	go l.animate(stop, phases)
	return nil
}

func (l *RGB) animate(stop chan struct{}, phases []phase) {
	defer l.wg.Done()

	for i, ph := range phases {
		if i > 0 {
			if err := l.show(ph.pattern.Color); err != nil {
				debug.Warn("LED: %v", err)
			}
		}
		// a steady final pattern stays on the pins without a goroutine
		if !ph.pattern.Blink && ph.dur == 0 {
			return
		}
		if !l.play(stop, ph) {
			return
		}
	}
}

// play blinks or holds one phase until its duration elapses. It reports
// false when the animation was stopped.
func (l *RGB) play(stop chan struct{}, ph phase) bool {
	var deadline <-chan time.Time
	if ph.dur > 0 {
		t := time.NewTimer(ph.dur)
		defer t.Stop()
		deadline = t.C
	}
	var tick <-chan time.Time
	if ph.pattern.Blink {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	lit := true
	for {
		select {
		case <-stop:
			return false
		case <-deadline:
			return true
		case <-tick:
			lit = !lit
			c := Off
			if lit {
				c = ph.pattern.Color
			}
			if err := l.show(c); err != nil {
				debug.Warn("LED: %v", err)
			}
		}
	}
}

// Set switches to a steady pattern, remembered for after error blinks.
func (l *RGB) Set(p Pattern) error {
	l.mu.Lock()
	l.steady = p
	l.mu.Unlock()
	debug.Verbose("LED: %s", p)
	return l.run(phase{pattern: p})
}

// SignalNotReady blinks green.
func (l *RGB) SignalNotReady() error { return l.Set(PatternNotReady) }

// SignalReady shows solid green.
func (l *RGB) SignalReady() error { return l.Set(PatternReady) }

// SignalError blinks red for the error duration, then restores the last
// steady pattern.
func (l *RGB) SignalError() error {
	l.mu.Lock()
	steady := l.steady
	l.mu.Unlock()
	debug.Verbose("LED: error blink, then %s", steady)
	return l.run(phase{pattern: PatternError, dur: l.errorFor}, phase{pattern: steady})
}

// Close stops any animation and turns the LED off.
func (l *RGB) Close() error {
	l.mu.Lock()
	l.steady = Pattern{}
	l.mu.Unlock()
	return l.run(phase{pattern: Pattern{Color: Off}})
}

// Nop is an indicator for setups without an LED.
type Nop struct{}

func (Nop) SignalNotReady() error { return nil }
func (Nop) SignalReady() error    { return nil }
func (Nop) SignalError() error    { return nil }
func (Nop) Close() error          { return nil }
