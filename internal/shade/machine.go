package shade

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/position"
)

// Motor performs exactly one step (or holds still) for the given motion.
type Motor interface {
	Drive(m Motion) error
}

// Machine is the shade state machine. It is not safe for concurrent use;
// the controller loop is its only owner.
type Machine struct {
	cfg              Config
	current          int
	motion           Motion
	calibrationSteps int

	// percentDirty is set when the percent changed and the step target must
	// be recomputed. A stop pins the target to the current position without
	// setting it, so rounding never moves the shade after a stop.
	percentDirty bool

	// settled is the edge trigger for arrival: false while travelling to a
	// new target, true once arrival has been reported.
	settled bool

	motor    Motor
	driveErr string
}

// New creates a machine from the persisted config. The shade is assumed to
// be resting at its persisted target.
func New(cfg Config, motor Motor) *Machine {
	if cfg.TravelLength <= 0 || cfg.Calibration == InProgress {
		// Calibration never survives a restart and needs a travel length.
		if cfg.Calibration != Uncalibrated {
			log.Warn().
				Str("calibration", cfg.Calibration.String()).
				Int("travel_length", cfg.TravelLength).
				Msg("Persisted calibration is unusable, shade is uncalibrated")
		}
		cfg.Calibration = Uncalibrated
	}
	if cfg.TravelLength < 0 {
		cfg.TravelLength = 0
	}
	cfg.ShadePercent = position.ClampPercent(cfg.ShadePercent)

	return &Machine{
		cfg:     cfg,
		current: cfg.TargetPosition,
		motion:  Stopped,
		settled: true,
		motor:   motor,
	}
}

// Status returns a copy of the machine state.
func (m *Machine) Status() Status {
	return Status{
		Config:           m.cfg,
		CurrentPosition:  m.current,
		Motion:           m.motion,
		CalibrationSteps: m.calibrationSteps,
	}
}

// Config returns the persisted part of the state.
func (m *Machine) Config() Config {
	return m.cfg
}

// Calibrated reports whether percent commands move the shade.
func (m *Machine) Calibrated() bool {
	return m.cfg.Calibration == Calibrated
}

// Open moves the shade fully open. Ignored unless calibrated.
func (m *Machine) Open() Outcome {
	if !m.Calibrated() {
		return Outcome{}
	}
	return m.SetPercent(0)
}

// Close moves the shade fully closed. Ignored unless calibrated.
func (m *Machine) Close() Outcome {
	if !m.Calibrated() {
		return Outcome{}
	}
	return m.SetPercent(position.MaxPercent)
}

// SetPercent sets the target percent. It is accepted in any calibration
// state but only moves the shade once calibrated.
func (m *Machine) SetPercent(p int) Outcome {
	m.cfg.ShadePercent = position.ClampPercent(p)
	m.percentDirty = true
	return Outcome{Notify: true, Reason: ReasonCommand}
}

// Calibrate starts driving up towards the limit switch, counting steps.
func (m *Machine) Calibrate() Outcome {
	m.motion = Calibrating
	m.cfg.Calibration = InProgress
	m.calibrationSteps = 0
	m.percentDirty = false
	return Outcome{Notify: true, Reason: ReasonCommand}
}

// Stop halts the motor. A running calibration is aborted; a calibrated
// shade adopts its current position as the new target.
func (m *Machine) Stop() Outcome {
	m.motion = Stopped

	switch m.cfg.Calibration {
	case InProgress:
		m.cfg.Calibration = Uncalibrated
		return Outcome{Persist: true, Notify: true, Reason: ReasonCalibrationAborted}

	case Calibrated:
		m.cfg.TargetPosition = m.current
		if p, ok := position.StepsToPercent(m.current, m.cfg.TravelLength); ok {
			m.cfg.ShadePercent = p
		}
		m.percentDirty = false
		m.settled = true
		return Outcome{Persist: true, Notify: true, Reason: ReasonStopped}
	}

	return Outcome{Notify: true, Reason: ReasonCommand}
}

// LimitSwitchTripped completes a calibration. Trips outside calibration are
// ignored.
func (m *Machine) LimitSwitchTripped() Outcome {
	if m.motion != Calibrating {
		return Outcome{}
	}

	m.cfg.TravelLength = m.calibrationSteps
	m.current = 0
	m.cfg.TargetPosition = 0
	m.cfg.ShadePercent = 0
	m.motion = Stopped
	m.percentDirty = false
	m.settled = true

	if m.cfg.Calibration != InProgress {
		return Outcome{Notify: true}
	}

	if m.cfg.TravelLength == 0 {
		// Switch was already closed when calibration started.
		m.cfg.Calibration = Uncalibrated
		return Outcome{Persist: true, Notify: true, Reason: ReasonCalibrationFailed}
	}

	m.cfg.Calibration = Calibrated
	return Outcome{Persist: true, Notify: true, Reason: ReasonCalibrated}
}

// Step runs one control-loop iteration: at most one motor step towards the
// target, or one counted step up while calibrating.
func (m *Machine) Step() Outcome {
	if m.motion == Calibrating {
		m.calibrationSteps++
		m.drive(Calibrating)
		return Outcome{}
	}

	if !m.Calibrated() {
		m.drive(Stopped)
		return Outcome{}
	}

	if m.percentDirty {
		m.cfg.TargetPosition = position.PercentToSteps(m.cfg.ShadePercent, m.cfg.TravelLength)
		m.percentDirty = false
		m.settled = false
	}

	moved := Stopped
	switch {
	case m.current < m.cfg.TargetPosition:
		moved = MovingDown
		m.current++
	case m.current > m.cfg.TargetPosition:
		moved = MovingUp
		m.current--
	}
	m.drive(moved)

	if m.current != m.cfg.TargetPosition {
		m.motion = moved
		return Outcome{}
	}

	m.motion = Stopped
	if m.settled {
		return Outcome{}
	}
	m.settled = true
	return Outcome{Persist: true, Notify: true, Reason: ReasonTargetReached}
}

func (m *Machine) drive(motion Motion) {
	if m.motor == nil {
		return
	}
	err := m.motor.Drive(motion)
	switch {
	case err != nil && err.Error() != m.driveErr:
		m.driveErr = err.Error()
		log.Error().Err(err).Str("motion", motion.String()).Msg("Motor drive failed")
	case err == nil && m.driveErr != "":
		m.driveErr = ""
		log.Info().Msg("Motor drive recovered")
	}
}
