package writer

import "github.com/moonfire-go/nvrcore/internal/moontime"

// amortizationWindow is the media-time span over which a clock skew
// observed at recording handoff is spread out, rather than applied all at
// once.
const amortizationWindow = moontime.Duration(60 * moontime.TicksPerSecond)

// ClockAdjuster corrects per-frame sample durations so that a recording's
// media_duration_90k is nudged back toward wall_duration_90k without ever
// exceeding the 500ppm cap (recording.MaxClockCorrectionPPM), and without
// ever mapping a positive duration to zero or negative.
//
// It is seeded once, at recording handoff, with the signed delta between
// local (wall) time and camera media time observed at that moment; the
// correction rate derived from that delta is then held fixed for the
// lifetime of the recording it was constructed for.
type ClockAdjuster struct {
	// numerator/denominator is the target total correction (in ticks) to
	// apply over denominator ticks of media duration, already clamped to
	// the 500ppm cap. leftover accumulates the fractional remainder so
	// that repeated small calls round instead of truncate, keeping the
	// cumulative correction exact over the long run.
	numerator   int64
	denominator int64
	leftover    int64
}

// NewClockAdjuster builds an adjuster targeting correction of delta over
// the next amortizationWindow of media duration, clamped to
// recording.MaxClockCorrectionPPM.
func NewClockAdjuster(delta moontime.Duration) *ClockAdjuster {
	maxDelta := moontime.Duration(int64(amortizationWindow) * 500 / 1_000_000)
	if delta > maxDelta {
		delta = maxDelta
	} else if delta < -maxDelta {
		delta = -maxDelta
	}
	return &ClockAdjuster{
		numerator:   int64(delta),
		denominator: int64(amortizationWindow),
	}
}

// Adjust returns durationTicks corrected by this recording's clock rate.
// The result is never <= 0 when durationTicks > 0: a zero or negative
// duration would break pts monotonicity, so the
// correction is clamped at -(durationTicks-1) ticks in the pathological
// case of a very short sample.
func (a *ClockAdjuster) Adjust(durationTicks int32) int32 {
	if a == nil || a.denominator == 0 || durationTicks <= 0 {
		return durationTicks
	}
	a.leftover += int64(durationTicks) * a.numerator
	delta := a.leftover / a.denominator
	a.leftover -= delta * a.denominator

	adjusted := int64(durationTicks) + delta
	if adjusted <= 0 {
		adjusted = 1
	}
	return int32(adjusted)
}
