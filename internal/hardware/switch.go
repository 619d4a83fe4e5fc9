package hardware

// LimitSwitch is the upper end-of-travel switch.
type LimitSwitch interface {
	Active() (bool, error)
}

// Debouncer turns raw switch samples into a single trip event. A trip is
// reported once the switch has read active for the configured number of
// consecutive samples; it re-arms after the same number of inactive ones.
type Debouncer struct {
	samples int
	active  int
	idle    int
	tripped bool
}

// NewDebouncer creates a debouncer requiring n consecutive samples.
func NewDebouncer(n int) *Debouncer {
	if n < 1 {
		n = 1
	}
	return &Debouncer{samples: n, idle: n}
}

// Push feeds one sample and reports whether this sample completes a trip.
func (d *Debouncer) Push(active bool) bool {
	if !active {
		d.active = 0
		d.idle++
		if d.idle >= d.samples {
			d.tripped = false
		}
		return false
	}

	d.idle = 0
	d.active++
	if d.tripped || d.active < d.samples {
		return false
	}
	d.tripped = true
	return true
}

// Reset forgets the history, e.g. when a calibration starts with the switch
// already closed.
func (d *Debouncer) Reset() {
	d.active = 0
	d.idle = d.samples
	d.tripped = false
}
