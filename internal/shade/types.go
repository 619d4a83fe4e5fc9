// Package shade implements the shade position state machine: motion,
// calibration, and the mapping of percent commands onto motor steps.
package shade

import (
	"fmt"
	"strings"
)

// Calibration is the calibration status of the shade.
type Calibration int

const (
	Uncalibrated Calibration = iota
	InProgress
	Calibrated
)

// String returns a human-readable name for the status.
func (c Calibration) String() string {
	switch c {
	case Uncalibrated:
		return "uncalibrated"
	case InProgress:
		return "in_progress"
	case Calibrated:
		return "calibrated"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status with the labels web clients understand:
// "false", "progress" and "true".
func (c Calibration) MarshalText() ([]byte, error) {
	switch c {
	case Uncalibrated:
		return []byte("false"), nil
	case InProgress:
		return []byte("progress"), nil
	case Calibrated:
		return []byte("true"), nil
	default:
		return nil, fmt.Errorf("invalid calibration status %d", int(c))
	}
}

// UnmarshalText accepts both wire labels and String names.
func (c *Calibration) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "false", "", "uncalibrated":
		*c = Uncalibrated
	case "progress", "in_progress":
		*c = InProgress
	case "true", "calibrated":
		*c = Calibrated
	default:
		return fmt.Errorf("invalid calibration status %q", string(text))
	}
	return nil
}

// Motion is the current motor activity.
type Motion int

const (
	Stopped Motion = iota
	MovingUp
	MovingDown
	Calibrating
)

// String returns a human-readable name for the motion.
func (m Motion) String() string {
	switch m {
	case Stopped:
		return "stopped"
	case MovingUp:
		return "up"
	case MovingDown:
		return "down"
	case Calibrating:
		return "calibrating"
	default:
		return "unknown"
	}
}

// MarshalText encodes the motion by name.
func (m Motion) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Config is the persisted shade document.
type Config struct {
	TravelLength   int         `json:"shadeLenght"`
	TargetPosition int         `json:"targetPos"`
	ShadePercent   int         `json:"shade"`
	Calibration    Calibration `json:"calibrateStatus"`
}

// Reason explains why an operation asks for persistence or a broadcast.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonCommand
	ReasonTargetReached
	ReasonStopped
	ReasonCalibrated
	ReasonCalibrationAborted
	ReasonCalibrationFailed
)

// String returns a human-readable name for the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCommand:
		return "command"
	case ReasonTargetReached:
		return "target_reached"
	case ReasonStopped:
		return "stopped"
	case ReasonCalibrated:
		return "calibrated"
	case ReasonCalibrationAborted:
		return "calibration_aborted"
	case ReasonCalibrationFailed:
		return "calibration_failed"
	default:
		return "unknown"
	}
}

// Outcome tells the caller what to do after a state machine operation.
type Outcome struct {
	Persist bool // Config changed and must be written to storage
	Notify  bool // Clients must receive a new snapshot
	Reason  Reason
}

// Status is a read-only view of the machine for snapshots.
type Status struct {
	Config           Config
	CurrentPosition  int
	Motion           Motion
	CalibrationSteps int
}
