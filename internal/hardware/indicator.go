package hardware

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// LED is a single on/off status light.
type LED interface {
	Set(on bool) error
}

// NoopLED is used when no LED is configured.
type NoopLED struct{}

func (NoopLED) Set(bool) error { return nil }

// Blink timings for the uninitialized pattern: two short flashes, then a
// pause.
const (
	flashDuration = 70 * time.Millisecond
	pauseDuration = 500 * time.Millisecond
)

// Indicator shows connectivity on an LED: a double blink while the device
// is not initialized, solid on once it is.
type Indicator struct {
	led   LED
	ready func() bool
}

// NewIndicator creates an indicator polling ready.
func NewIndicator(led LED, ready func() bool) *Indicator {
	if led == nil {
		led = NoopLED{}
	}
	return &Indicator{led: led, ready: ready}
}

// Run drives the LED until ctx is cancelled, then switches it off.
func (i *Indicator) Run(ctx context.Context) {
	defer i.set(false)

	pattern := []struct {
		on  bool
		dur time.Duration
	}{
		{true, flashDuration},
		{false, flashDuration},
		{true, flashDuration},
		{false, pauseDuration},
	}

	for {
		if i.ready() {
			i.set(true)
			if !sleep(ctx, pauseDuration) {
				return
			}
			continue
		}
		for _, p := range pattern {
			i.set(p.on)
			if !sleep(ctx, p.dur) {
				return
			}
		}
	}
}

func (i *Indicator) set(on bool) {
	if err := i.led.Set(on); err != nil {
		log.Debug().Err(err).Msg("Failed to set LED")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
