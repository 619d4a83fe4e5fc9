// Package schedule holds the shade's time-of-day rules and decides, once per
// clock second, whether any of them fires.
package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dokzlo13/shaded/internal/position"
)

// MaxTimers is the maximum number of fixed timers.
const MaxTimers = 10

var (
	ErrTooManyTimers  = errors.New("timer limit reached")
	ErrDuplicateTimer = errors.New("timer id already exists")
	ErrInvalidTimer   = errors.New("invalid timer")
	ErrInvalidPercent = errors.New("percent out of range")
)

// FixedTimer fires every day at Hour:Minute:00.
// On the wire it is the array [id, hour, minute, percent].
type FixedTimer struct {
	ID      string
	Hour    int
	Minute  int
	Percent int
}

// Validate checks field ranges.
func (t FixedTimer) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: empty id", ErrInvalidTimer)
	case t.Hour < 0 || t.Hour > 23:
		return fmt.Errorf("%w: hour %d", ErrInvalidTimer, t.Hour)
	case t.Minute < 0 || t.Minute > 59:
		return fmt.Errorf("%w: minute %d", ErrInvalidTimer, t.Minute)
	case !position.ValidPercent(t.Percent):
		return fmt.Errorf("%w: %d", ErrInvalidPercent, t.Percent)
	}
	return nil
}

// MarshalJSON encodes the timer as [id, hour, minute, percent].
func (t FixedTimer) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{t.ID, t.Hour, t.Minute, t.Percent})
}

// UnmarshalJSON decodes [id, hour, minute, percent]. Every element may be a
// JSON number or a string; web clients send form values as strings and
// numeric ids from timestamps.
func (t *FixedTimer) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: expected [id, hour, minute, percent]", ErrInvalidTimer)
	}
	if len(raw) != 4 {
		return fmt.Errorf("%w: expected 4 elements, got %d", ErrInvalidTimer, len(raw))
	}

	id, err := DecodeString(raw[0])
	if err != nil {
		return fmt.Errorf("%w: id: %v", ErrInvalidTimer, err)
	}
	var out FixedTimer
	out.ID = id
	for i, dst := range []*int{&out.Hour, &out.Minute, &out.Percent} {
		v, err := DecodeInt(raw[i+1])
		if err != nil {
			return fmt.Errorf("%w: element %d: %v", ErrInvalidTimer, i+1, err)
		}
		*dst = v
	}
	*t = out
	return nil
}

// DecodeInt reads a JSON number or a numeric string as an int.
func DecodeInt(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing value")
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	} else {
		s = string(raw)
	}

	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, fmt.Errorf("not an integer: %s", s)
	}
	return int(f), nil
}

// DecodeString reads a JSON string, or a JSON number as its decimal text.
func DecodeString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing value")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("not a string or number: %s", raw)
	}
	return n.String(), nil
}

// SolarKind selects the sunrise or sunset rule.
type SolarKind int

const (
	Sunrise SolarKind = iota
	Sunset
)

func (k SolarKind) String() string {
	if k == Sunset {
		return "sunset"
	}
	return "sunrise"
}

// ParseSolarKind accepts "sunrise" and "sunset" in any case.
func ParseSolarKind(s string) (SolarKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunrise":
		return Sunrise, true
	case "sunset":
		return Sunset, true
	}
	return 0, false
}

// SolarRule moves the shade at sunrise or sunset when enabled.
type SolarRule struct {
	Enabled bool
	Percent int
}

// Document is the persisted schedule and also the schedule snapshot sent to
// clients.
type Document struct {
	Timers       []FixedTimer `json:"timers"`
	OnSunrise    bool         `json:"onSunrise"`
	OnSunset     bool         `json:"onSunset"`
	ShadeSunrise int          `json:"shadeSunrise"`
	ShadeSunset  int          `json:"shadeSunset"`
}
