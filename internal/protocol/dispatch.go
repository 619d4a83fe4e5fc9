package protocol

import (
	"errors"
	"fmt"

	"github.com/dokzlo13/shaded/internal/schedule"
	"github.com/dokzlo13/shaded/internal/shade"
)

var (
	ErrNotCalibrated = errors.New("shade is not calibrated")
	ErrTimerNotFound = errors.New("timer not found")
)

// Result describes the side effects of an applied command. The caller
// persists and broadcasts accordingly.
type Result struct {
	Shade           shade.Outcome
	ScheduleChanged bool // schedule document must be persisted
	PublishConfig   bool
	PublishSchedule bool
	Note            string
}

// Apply executes cmd against the shade and the schedule. It returns an error
// when the command was rejected and nothing changed.
func Apply(cmd Command, m *shade.Machine, rules *schedule.Evaluator) (Result, error) {
	var res Result

	switch cmd.Kind {
	case CmdOpen, CmdClose:
		if !m.Calibrated() {
			res.Note = ErrNotCalibrated.Error()
			return res, nil
		}
		if cmd.Kind == CmdOpen {
			res.Shade = m.Open()
		} else {
			res.Shade = m.Close()
		}

	case CmdCalibrate:
		res.Shade = m.Calibrate()

	case CmdStop:
		res.Shade = m.Stop()

	case CmdSetShade:
		res.Shade = m.SetPercent(cmd.Shade)
		if !m.Calibrated() {
			res.Note = ErrNotCalibrated.Error()
		}

	case CmdAddTimer:
		if err := rules.AddFixedTimer(cmd.Timer); err != nil {
			return res, err
		}
		res.ScheduleChanged = true

	case CmdDeleteTimer:
		removed := cmd.TimerID != "" && rules.RemoveTimer(cmd.TimerID)
		kind, isSolar := schedule.ParseSolarKind(cmd.Time)
		if !isSolar {
			kind, isSolar = schedule.ParseSolarKind(cmd.TimerID)
		}
		if isSolar {
			rules.DisableSolarRule(kind)
			removed = true
		}
		if !removed {
			return res, fmt.Errorf("%w: %s", ErrTimerNotFound, cmd.TimerID)
		}
		res.ScheduleChanged = true

	case CmdGetTimers:
		res.PublishSchedule = true

	case CmdGetState:
		res.PublishConfig = true
		res.PublishSchedule = true

	case CmdAddSunrise, CmdAddSunset:
		kind := schedule.Sunrise
		if cmd.Kind == CmdAddSunset {
			kind = schedule.Sunset
		}
		if err := rules.SetSolarRule(kind, true, cmd.Percent); err != nil {
			return res, err
		}
		res.ScheduleChanged = true

	case CmdRemoveSunrise:
		rules.DisableSolarRule(schedule.Sunrise)
		res.ScheduleChanged = true

	case CmdRemoveSunset:
		rules.DisableSolarRule(schedule.Sunset)
		res.ScheduleChanged = true

	default:
		return res, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}

	if res.Shade.Notify {
		res.PublishConfig = true
	}
	if res.ScheduleChanged {
		res.PublishSchedule = true
	}
	return res, nil
}
