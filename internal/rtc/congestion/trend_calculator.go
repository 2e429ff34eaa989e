package congestion

import "time"

// defaultDecreaseFactor is the fraction of the highest seen value that
// decays away per second while inputs stay below it.
const defaultDecreaseFactor = 0.05

// TrendCalculator smooths a bitrate series: increases are taken
// instantly, decreases only bleed in gradually. It keeps a noisy
// caller (e.g. rapid layer-switch decisions) from whipsawing the
// estimator.
type TrendCalculator struct {
	decreaseFactor float64

	value        uint32
	highestValue uint32
	highestAt    time.Time
}

// NewTrendCalculator returns a calculator with the given per-second
// decrease factor; pass 0 for the default.
func NewTrendCalculator(decreaseFactor float64) *TrendCalculator {
	if decreaseFactor <= 0 {
		decreaseFactor = defaultDecreaseFactor
	}
	return &TrendCalculator{decreaseFactor: decreaseFactor}
}

// Value returns the current smoothed value.
func (t *TrendCalculator) Value() uint32 {
	return t.value
}

// Update feeds a new sample.
func (t *TrendCalculator) Update(value uint32, now time.Time) {
	if t.value == 0 || value >= t.value {
		t.value = value
		t.highestValue = value
		t.highestAt = now
		return
	}

	elapsed := now.Sub(t.highestAt).Seconds()
	decay := uint32(float64(t.highestValue) * t.decreaseFactor * elapsed)

	decayed := uint32(0)
	if decay < t.highestValue {
		decayed = t.highestValue - decay
	}
	if value > decayed {
		decayed = value
	}
	t.value = decayed
}

// ForceUpdate overrides the trend immediately.
func (t *TrendCalculator) ForceUpdate(value uint32, now time.Time) {
	t.value = value
	t.highestValue = value
	t.highestAt = now
}
