// Package position maps between raw motor step counts and the logical
// 0-100 shade percent.
package position

import "math"

// MaxPercent is a fully closed shade; 0 is fully open.
const MaxPercent = 100

// StepsToPercent converts a step position into a shade percent.
// ok is false when the travel length is unknown (zero), in which case
// the conversion is undefined.
func StepsToPercent(steps, travelLength int) (percent int, ok bool) {
	if travelLength <= 0 {
		return 0, false
	}
	p := int(math.Round(100 * float64(steps) / float64(travelLength)))
	return ClampPercent(p), true
}

// PercentToSteps converts a shade percent into a step position, rounded to
// the nearest step.
func PercentToSteps(percent, travelLength int) int {
	if travelLength <= 0 {
		return 0
	}
	percent = ClampPercent(percent)
	return int(math.Round(float64(travelLength) * float64(percent) / 100))
}

// ClampPercent limits p to [0, MaxPercent].
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPercent {
		return MaxPercent
	}
	return p
}

// ValidPercent reports whether p is a valid shade percent.
func ValidPercent(p int) bool {
	return p >= 0 && p <= MaxPercent
}
