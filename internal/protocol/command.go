// Package protocol implements the client command vocabulary: parsing inbound
// JSON commands, applying them to the shade and schedule, and building the
// outbound snapshots and replies.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dokzlo13/shaded/internal/position"
	"github.com/dokzlo13/shaded/internal/schedule"
)

// Kind is the value of the "cmd" field.
type Kind string

const (
	CmdOpen          Kind = "open"
	CmdClose         Kind = "close"
	CmdCalibrate     Kind = "calibrate"
	CmdStop          Kind = "stop"
	CmdSetShade      Kind = "setShade"
	CmdAddTimer      Kind = "addTimer"
	CmdDeleteTimer   Kind = "deleteTimer"
	CmdGetTimers     Kind = "getTimers"
	CmdGetState      Kind = "getState"
	CmdAddSunrise    Kind = "addSunrise"
	CmdAddSunset     Kind = "addSunset"
	CmdRemoveSunrise Kind = "removeSunrise"
	CmdRemoveSunset  Kind = "removeSunset"
)

var (
	ErrMalformed      = errors.New("malformed command")
	ErrUnknownCommand = errors.New("unknown command")
)

// Command is a parsed inbound command. Only the fields of its Kind are set.
type Command struct {
	Kind      Kind
	RequestID string // optional client correlation id, echoed in the reply

	Shade   int                 // setShade
	Timer   schedule.FixedTimer // addTimer
	TimerID string              // deleteTimer
	Time    string              // deleteTimer: "sunrise"/"sunset" also disables that rule
	Percent int                 // addSunrise, addSunset
}

// Parse decodes one command message. Numeric fields accept JSON numbers and
// numeric strings. On error the returned Command still carries Kind when it
// could be read, so the caller can address the reply.
func Parse(data []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rawCmd, ok := fields["cmd"]
	if !ok {
		return Command{}, fmt.Errorf("%w: missing cmd", ErrMalformed)
	}
	name, err := schedule.DecodeString(rawCmd)
	if err != nil {
		return Command{}, fmt.Errorf("%w: cmd: %v", ErrMalformed, err)
	}

	cmd := Command{Kind: Kind(name)}
	if raw, ok := fields["requestId"]; ok {
		cmd.RequestID, _ = schedule.DecodeString(raw)
	}

	switch cmd.Kind {
	case CmdOpen, CmdClose, CmdCalibrate, CmdStop, CmdGetTimers, CmdGetState,
		CmdRemoveSunrise, CmdRemoveSunset:
		return cmd, nil

	case CmdSetShade:
		cmd.Shade, err = percentField(fields, "shade")

	case CmdAddSunrise:
		cmd.Percent, err = percentField(fields, "shadeSunrise")

	case CmdAddSunset:
		cmd.Percent, err = percentField(fields, "shadeSunset")

	case CmdAddTimer:
		raw, ok := fields["timer"]
		if !ok {
			return cmd, fmt.Errorf("%w: missing timer", ErrMalformed)
		}
		if err := json.Unmarshal(raw, &cmd.Timer); err != nil {
			return cmd, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := cmd.Timer.Validate(); err != nil {
			return cmd, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

	case CmdDeleteTimer:
		if raw, ok := fields["id"]; ok {
			cmd.TimerID, _ = schedule.DecodeString(raw)
		}
		if raw, ok := fields["time"]; ok {
			cmd.Time, _ = schedule.DecodeString(raw)
		}
		if cmd.TimerID == "" && cmd.Time == "" {
			return cmd, fmt.Errorf("%w: deleteTimer needs id or time", ErrMalformed)
		}

	default:
		return cmd, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	if err != nil {
		return cmd, err
	}
	return cmd, nil
}

func percentField(fields map[string]json.RawMessage, name string) (int, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	v, err := schedule.DecodeInt(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	if !position.ValidPercent(v) {
		return 0, fmt.Errorf("%w: %s out of range: %d", ErrMalformed, name, v)
	}
	return v, nil
}
