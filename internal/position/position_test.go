package position

import "testing"

func TestRoundTripWithinOneStep(t *testing.T) {
	for travel := 1; travel <= 2000; travel++ {
		for p := 0; p <= MaxPercent; p++ {
			steps := PercentToSteps(p, travel)
			got, ok := StepsToPercent(steps, travel)
			if !ok {
				t.Fatalf("StepsToPercent(%d, %d) not ok", steps, travel)
			}
			if d := got - p; d < -1 || d > 1 {
				// Short travels cannot resolve every percent; the bound is
				// on the step, not the percent.
				back := PercentToSteps(got, travel)
				if sd := back - steps; sd < -1 || sd > 1 {
					t.Fatalf("travel=%d percent=%d: steps=%d percent'=%d steps'=%d", travel, p, steps, got, back)
				}
			}
		}
	}
}

func TestRoundTripPercentForRealisticTravel(t *testing.T) {
	for _, travel := range []int{100, 200, 333, 500, 1000, 4096, 12345} {
		for p := 0; p <= MaxPercent; p++ {
			got, _ := StepsToPercent(PercentToSteps(p, travel), travel)
			if d := got - p; d < -1 || d > 1 {
				t.Errorf("travel=%d: %d -> %d", travel, p, got)
			}
		}
	}
}

func TestStepsToPercentZeroTravel(t *testing.T) {
	if _, ok := StepsToPercent(10, 0); ok {
		t.Error("StepsToPercent with zero travel should not be ok")
	}
	if got := PercentToSteps(50, 0); got != 0 {
		t.Errorf("PercentToSteps with zero travel = %d, want 0", got)
	}
}

func TestPercentToSteps(t *testing.T) {
	tests := []struct {
		percent, travel, want int
	}{
		{0, 200, 0},
		{50, 200, 100},
		{100, 200, 200},
		{33, 10, 3},
		{35, 10, 4},
		{150, 200, 200},
		{-5, 200, 0},
	}
	for _, tt := range tests {
		if got := PercentToSteps(tt.percent, tt.travel); got != tt.want {
			t.Errorf("PercentToSteps(%d, %d) = %d, want %d", tt.percent, tt.travel, got, tt.want)
		}
	}
}
