// Package hardware drives the stepper motor, reads the upper limit switch,
// and controls the status LED, either on real GPIO lines through the Linux
// character device or on an in-process simulator.
package hardware

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/warthog618/go-gpiocdev"

	"github.com/dokzlo13/shaded/internal/shade"
)

const consumer = "shaded"

// GPIOConfig selects the chip and line offsets of an A4988/DRV8825 style
// driver (STEP, DIR, active-low ENABLE), the limit switch, and the LED.
type GPIOConfig struct {
	Chip       string
	StepPin    int
	DirPin     int
	EnablePin  int // negative disables enable control
	SwitchPin  int
	LEDPin     int // negative disables the LED
	PulseWidth time.Duration
	Debounce   time.Duration
}

// Direction levels on the DIR line.
const (
	dirUp   = 0
	dirDown = 1
)

// GPIOMotor drives a step/dir stepper driver.
type GPIOMotor struct {
	step   *gpiocdev.Line
	dir    *gpiocdev.Line
	enable *gpiocdev.Line

	pulse   time.Duration
	enabled bool
	dirSet  int
}

// OpenMotor requests the step, direction and enable lines. The motor starts
// disabled.
func OpenMotor(cfg GPIOConfig) (*GPIOMotor, error) {
	m := &GPIOMotor{pulse: cfg.PulseWidth, dirSet: -1}
	if m.pulse <= 0 {
		m.pulse = time.Millisecond
	}

	var err error
	if m.step, err = gpiocdev.RequestLine(cfg.Chip, cfg.StepPin, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(consumer)); err != nil {
		return nil, fmt.Errorf("failed to request step line %d: %w", cfg.StepPin, err)
	}
	if m.dir, err = gpiocdev.RequestLine(cfg.Chip, cfg.DirPin, gpiocdev.AsOutput(dirUp), gpiocdev.WithConsumer(consumer)); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to request dir line %d: %w", cfg.DirPin, err)
	}
	if cfg.EnablePin >= 0 {
		// nEN high keeps the driver off.
		if m.enable, err = gpiocdev.RequestLine(cfg.Chip, cfg.EnablePin, gpiocdev.AsOutput(1), gpiocdev.WithConsumer(consumer)); err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to request enable line %d: %w", cfg.EnablePin, err)
		}
	}

	log.Info().
		Str("chip", cfg.Chip).
		Int("step", cfg.StepPin).
		Int("dir", cfg.DirPin).
		Int("enable", cfg.EnablePin).
		Dur("pulse", m.pulse).
		Msg("GPIO motor ready")
	return m, nil
}

// Drive emits one step pulse in the direction of the motion, or disables
// the driver when stopped. It blocks for the pulse width.
func (m *GPIOMotor) Drive(motion shade.Motion) error {
	if motion == shade.Stopped {
		return m.setEnabled(false)
	}

	level := dirDown
	if motion == shade.MovingUp || motion == shade.Calibrating {
		level = dirUp
	}
	if level != m.dirSet {
		if err := m.dir.SetValue(level); err != nil {
			return fmt.Errorf("failed to set direction: %w", err)
		}
		m.dirSet = level
	}
	if err := m.setEnabled(true); err != nil {
		return err
	}

	if err := m.step.SetValue(1); err != nil {
		return fmt.Errorf("failed to raise step: %w", err)
	}
	time.Sleep(m.pulse)
	if err := m.step.SetValue(0); err != nil {
		return fmt.Errorf("failed to lower step: %w", err)
	}
	return nil
}

func (m *GPIOMotor) setEnabled(on bool) error {
	if m.enable == nil || m.enabled == on {
		return nil
	}
	level := 1
	if on {
		level = 0
	}
	if err := m.enable.SetValue(level); err != nil {
		return fmt.Errorf("failed to set enable: %w", err)
	}
	m.enabled = on
	return nil
}

// Close disables the driver and releases the lines.
func (m *GPIOMotor) Close() error {
	var errs []error
	if m.enable != nil {
		errs = append(errs, m.enable.SetValue(1), m.enable.Close())
	}
	if m.dir != nil {
		errs = append(errs, m.dir.Close())
	}
	if m.step != nil {
		errs = append(errs, m.step.Close())
	}
	return errors.Join(errs...)
}

// GPIOSwitch is the upper limit switch wired to ground with the internal
// pull-up enabled, so a closed switch reads low.
type GPIOSwitch struct {
	line *gpiocdev.Line
}

// OpenSwitch requests the limit switch line with kernel debouncing.
func OpenSwitch(cfg GPIOConfig) (*GPIOSwitch, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.AsActiveLow,
		gpiocdev.WithConsumer(consumer),
	}
	if cfg.Debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(cfg.Debounce))
	}

	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.SwitchPin, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to request switch line %d: %w", cfg.SwitchPin, err)
	}
	return &GPIOSwitch{line: line}, nil
}

// Active reports whether the switch is closed.
func (s *GPIOSwitch) Active() (bool, error) {
	v, err := s.line.Value()
	if err != nil {
		return false, fmt.Errorf("failed to read switch: %w", err)
	}
	return v == 1, nil
}

// Close releases the line.
func (s *GPIOSwitch) Close() error {
	return s.line.Close()
}

// GPIOLED is an LED on an output line.
type GPIOLED struct {
	line *gpiocdev.Line
}

// OpenLED requests the LED line, initially off.
func OpenLED(cfg GPIOConfig) (*GPIOLED, error) {
	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.LEDPin, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to request LED line %d: %w", cfg.LEDPin, err)
	}
	return &GPIOLED{line: line}, nil
}

// Set turns the LED on or off.
func (l *GPIOLED) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return l.line.SetValue(v)
}

// Close turns the LED off and releases the line.
func (l *GPIOLED) Close() error {
	return errors.Join(l.line.SetValue(0), l.line.Close())
}
