package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/config"
	"github.com/dokzlo13/shaded/internal/hardware"
	"github.com/dokzlo13/shaded/internal/shade"
)

// Hardware is the motor, limit switch and status LED the controller drives.
type Hardware struct {
	Motor  shade.Motor
	Switch hardware.LimitSwitch
	LED    hardware.LED

	// Sim is set when the simulator driver is in use.
	Sim *hardware.Simulator

	closers []io.Closer
}

// OpenHardware opens the configured driver.
func OpenHardware(cfg config.MotorConfig) (*Hardware, error) {
	switch cfg.Driver {
	case config.DriverSim:
		sim := hardware.NewSimulator(cfg.SimStart, cfg.SimMaxPosition)
		log.Warn().
			Int("start", cfg.SimStart).
			Int("max_position", cfg.SimMaxPosition).
			Msg("Using simulated motor, no hardware will move")
		return &Hardware{Motor: sim, Switch: sim, LED: sim, Sim: sim}, nil

	case config.DriverGPIO:
		return openGPIO(cfg)

	default:
		return nil, fmt.Errorf("unknown motor driver %q", cfg.Driver)
	}
}

func openGPIO(cfg config.MotorConfig) (*Hardware, error) {
	gc := hardware.GPIOConfig{
		Chip:       cfg.Chip,
		StepPin:    cfg.StepPin,
		DirPin:     cfg.DirPin,
		EnablePin:  cfg.EnablePin,
		SwitchPin:  cfg.SwitchPin,
		LEDPin:     cfg.LEDPin,
		PulseWidth: cfg.PulseWidth.Duration(),
		Debounce:   cfg.Debounce.Duration(),
	}
	h := &Hardware{LED: hardware.NoopLED{}}

	motor, err := hardware.OpenMotor(gc)
	if err != nil {
		return nil, err
	}
	h.Motor = motor
	h.closers = append(h.closers, motor)

	sw, err := hardware.OpenSwitch(gc)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.Switch = sw
	h.closers = append(h.closers, sw)

	if cfg.LEDPin >= 0 {
		led, err := hardware.OpenLED(gc)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.LED = led
		h.closers = append(h.closers, led)
	}

	log.Info().
		Str("chip", cfg.Chip).
		Int("step", cfg.StepPin).
		Int("dir", cfg.DirPin).
		Int("enable", cfg.EnablePin).
		Int("switch", cfg.SwitchPin).
		Int("led", cfg.LEDPin).
		Msg("GPIO lines requested")
	return h, nil
}

// Close releases all requested lines.
func (h *Hardware) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}
