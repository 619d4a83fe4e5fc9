// Package clock provides the software wall clock that drives schedule
// evaluation. The clock is advanced one second at a time by tick events and
// is resynchronized from an external time source once per day.
package clock

import (
	"fmt"
	"time"
)

// TimeOfDay is a local wall-clock time with second resolution.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// FromTime extracts the time of day from t in its own location.
func FromTime(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

// FromSeconds builds a TimeOfDay from seconds since midnight, wrapping
// around the day boundary.
func FromSeconds(s int) TimeOfDay {
	s %= secondsPerDay
	if s < 0 {
		s += secondsPerDay
	}
	return TimeOfDay{Hour: s / 3600, Minute: s / 60 % 60, Second: s % 60}
}

// Seconds returns seconds since midnight.
func (t TimeOfDay) Seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Valid reports whether all fields are in range.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 &&
		t.Minute >= 0 && t.Minute < 60 &&
		t.Second >= 0 && t.Second < 60
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

const secondsPerDay = 24 * 3600

// Clock is a software wall clock. It is not safe for concurrent use; the
// controller loop is its only owner.
type Clock struct {
	now TimeOfDay
	day uint64
}

// New creates a clock starting at the given time of day.
func New(start TimeOfDay) *Clock {
	return &Clock{now: start}
}

// Tick advances the clock by one second. It returns true when the clock
// rolled over past 23:59:59, which means a resync is due.
func (c *Clock) Tick() (resyncDue bool) {
	c.now.Second++
	if c.now.Second == 60 {
		c.now.Second = 0
		c.now.Minute++
	}
	if c.now.Minute == 60 {
		c.now.Minute = 0
		c.now.Hour++
	}
	if c.now.Hour == 24 {
		c.now.Hour = 0
		c.day++
		return true
	}
	return false
}

// Snapshot returns the current time of day.
func (c *Clock) Snapshot() TimeOfDay {
	return c.now
}

// Day returns the number of midnight rollovers since the clock was created.
func (c *Clock) Day() uint64 {
	return c.day
}

// Set overwrites the time of day, e.g. after a successful time sync.
// Out-of-range values are normalized into the day.
func (c *Clock) Set(hour, minute, second int) {
	c.now = FromSeconds(hour*3600 + minute*60 + second)
}
