package hardware

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/shade"
)

// Simulator stands in for the motor and the limit switch. It tracks the
// physical shade position in steps from the top; the switch is closed at
// position 0 and the shade cannot travel past MaxPosition.
type Simulator struct {
	mu          sync.Mutex
	position    int
	maxPosition int
	steps       uint64
	led         bool
}

// NewSimulator creates a simulated shade resting at start steps below the
// top, with maxPosition steps of physical travel.
func NewSimulator(start, maxPosition int) *Simulator {
	if maxPosition <= 0 {
		maxPosition = 1000
	}
	if start < 0 {
		start = 0
	}
	if start > maxPosition {
		start = maxPosition
	}
	log.Info().Int("position", start).Int("max_position", maxPosition).Msg("Using simulated motor")
	return &Simulator{position: start, maxPosition: maxPosition}
}

// Drive moves the simulated shade one step.
func (s *Simulator) Drive(motion shade.Motion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch motion {
	case shade.MovingUp, shade.Calibrating:
		if s.position > 0 {
			s.position--
		}
		s.steps++
	case shade.MovingDown:
		if s.position < s.maxPosition {
			s.position++
		}
		s.steps++
	}
	return nil
}

// Active reports the switch closed at the top of travel.
func (s *Simulator) Active() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position <= 0, nil
}

// Position returns the physical position in steps from the top.
func (s *Simulator) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Steps returns the number of step pulses driven.
func (s *Simulator) Steps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Set records the simulated LED state.
func (s *Simulator) Set(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on != s.led {
		log.Debug().Bool("on", on).Msg("Simulated LED")
	}
	s.led = on
	return nil
}

// LED returns the simulated LED state.
func (s *Simulator) LED() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.led
}
