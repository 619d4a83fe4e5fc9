package schedule

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/clock"
	"github.com/dokzlo13/shaded/internal/position"
	"github.com/dokzlo13/shaded/internal/solar"
)

// RuleKind identifies what kind of rule fired.
type RuleKind string

const (
	KindTimer   RuleKind = "timer"
	KindSunrise RuleKind = "sunrise"
	KindSunset  RuleKind = "sunset"
)

// Fire is one rule firing.
type Fire struct {
	Kind    RuleKind
	RuleID  string // timer id, or the solar kind
	Percent int
	At      clock.TimeOfDay
}

// firedAt marks the clock second a rule last fired.
type firedAt struct {
	day    uint64
	second int
}

// Evaluator holds the fixed timers and the two solar rules. It is not safe
// for concurrent use; the controller loop is its only owner.
type Evaluator struct {
	timers []FixedTimer
	solar  [2]SolarRule
	fired  map[string]firedAt
}

// New builds an evaluator from a persisted document. Invalid or surplus
// timers are dropped with a warning.
func New(doc Document) *Evaluator {
	e := &Evaluator{fired: make(map[string]firedAt)}

	for _, t := range doc.Timers {
		if err := e.AddFixedTimer(t); err != nil {
			log.Warn().Err(err).Str("timer_id", t.ID).Msg("Dropping persisted timer")
		}
	}

	e.solar[Sunrise] = SolarRule{Enabled: doc.OnSunrise, Percent: position.ClampPercent(doc.ShadeSunrise)}
	e.solar[Sunset] = SolarRule{Enabled: doc.OnSunset, Percent: position.ClampPercent(doc.ShadeSunset)}
	return e
}

// AddFixedTimer appends a timer. At MaxTimers the call is a no-op returning
// ErrTooManyTimers.
func (e *Evaluator) AddFixedTimer(t FixedTimer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if len(e.timers) >= MaxTimers {
		return fmt.Errorf("%w: max %d", ErrTooManyTimers, MaxTimers)
	}
	for _, existing := range e.timers {
		if existing.ID == t.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateTimer, t.ID)
		}
	}
	e.timers = append(e.timers, t)
	return nil
}

// RemoveTimer deletes a timer by id and reports whether it existed.
func (e *Evaluator) RemoveTimer(id string) bool {
	for i, t := range e.timers {
		if t.ID == id {
			e.timers = append(e.timers[:i], e.timers[i+1:]...)
			delete(e.fired, timerKey(id))
			return true
		}
	}
	return false
}

// SetSolarRule replaces the sunrise or sunset rule.
func (e *Evaluator) SetSolarRule(kind SolarKind, enabled bool, percent int) error {
	if !position.ValidPercent(percent) {
		return fmt.Errorf("%w: %d", ErrInvalidPercent, percent)
	}
	e.solar[kind] = SolarRule{Enabled: enabled, Percent: percent}
	return nil
}

// DisableSolarRule turns a solar rule off, keeping its percent.
func (e *Evaluator) DisableSolarRule(kind SolarKind) {
	e.solar[kind].Enabled = false
}

// SolarRule returns the sunrise or sunset rule.
func (e *Evaluator) SolarRule(kind SolarKind) SolarRule {
	return e.solar[kind]
}

// Timers returns a copy of the fixed timers in evaluation order.
func (e *Evaluator) Timers() []FixedTimer {
	out := make([]FixedTimer, len(e.timers))
	copy(out, e.timers)
	return out
}

// List returns the whole rule set as a document.
func (e *Evaluator) List() Document {
	return Document{
		Timers:       e.Timers(),
		OnSunrise:    e.solar[Sunrise].Enabled,
		OnSunset:     e.solar[Sunset].Enabled,
		ShadeSunrise: e.solar[Sunrise].Percent,
		ShadeSunset:  e.solar[Sunset].Percent,
	}
}

// Evaluate returns every rule firing at now, in evaluation order: fixed
// timers in list order, then sunrise, then sunset. The caller applies the
// last one. day must change at every midnight; a rule fires at most once
// per (day, second) however often Evaluate is called.
func (e *Evaluator) Evaluate(now clock.TimeOfDay, day uint64, sun solar.Times) []Fire {
	var fires []Fire
	mark := firedAt{day: day, second: now.Seconds()}

	for _, t := range e.timers {
		if now.Hour != t.Hour || now.Minute != t.Minute || now.Second != 0 {
			continue
		}
		if e.once(timerKey(t.ID), mark) {
			fires = append(fires, Fire{Kind: KindTimer, RuleID: t.ID, Percent: t.Percent, At: now})
		}
	}

	if sun.Ready {
		if r := e.solar[Sunrise]; r.Enabled && now == sun.Sunrise && e.once(string(KindSunrise), mark) {
			fires = append(fires, Fire{Kind: KindSunrise, RuleID: Sunrise.String(), Percent: r.Percent, At: now})
		}
		if r := e.solar[Sunset]; r.Enabled && now == sun.Sunset && e.once(string(KindSunset), mark) {
			fires = append(fires, Fire{Kind: KindSunset, RuleID: Sunset.String(), Percent: r.Percent, At: now})
		}
	}

	return fires
}

func (e *Evaluator) once(key string, mark firedAt) bool {
	if last, ok := e.fired[key]; ok && last == mark {
		return false
	}
	e.fired[key] = mark
	return true
}

func timerKey(id string) string {
	return "timer:" + id
}
