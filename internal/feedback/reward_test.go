package feedback

import (
	"math"
	"testing"
)

func intPtr(n int) *int { return &n }

// Literal arithmetic check: resolution, rating 4, one barge-in, 120 s call.
func TestRewardResolvedShortCall(t *testing.T) {
	sig := Signals{
		Resolution:   true,
		UserRating:   intPtr(4),
		BargeInCount: 1,
		Repeats:      0,
		Handover:     false,
		DurationSec:  120,
	}
	got := Reward(sig, DefaultCoefficients())
	want := 0.6 + 0.2*0.5 - 0.1*(1.0/3.0) + 0.2
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("reward = %f, want %f", got, want)
	}
	if math.Abs(got-0.8667) > 1e-3 {
		t.Fatalf("reward = %f, want ~0.867", got)
	}
}

func TestRewardNeutralDefaults(t *testing.T) {
	// All-zero signals: no resolution, no rating, duration defaults to the
	// pivot, so only the duration term could contribute and it is zero.
	got := Reward(Signals{}, DefaultCoefficients())
	if got != 0 {
		t.Fatalf("neutral signals should score 0, got %f", got)
	}
}

func TestRewardClipsToUnitInterval(t *testing.T) {
	c := DefaultCoefficients()
	c.Resolution = 2.0
	got := Reward(Signals{Resolution: true, DurationSec: 1}, c)
	if got != 1 {
		t.Fatalf("reward must clip to +1, got %f", got)
	}

	c = DefaultCoefficients()
	c.Handover = 3.0
	got = Reward(Signals{Handover: true, DurationSec: 180}, c)
	if got != -1 {
		t.Fatalf("reward must clip to -1, got %f", got)
	}
}

func TestRewardCountsSaturate(t *testing.T) {
	c := DefaultCoefficients()
	three := Reward(Signals{BargeInCount: 3, DurationSec: 180}, c)
	ten := Reward(Signals{BargeInCount: 10, DurationSec: 180}, c)
	if three != ten {
		t.Fatalf("barge-in penalty must saturate at 3: %f vs %f", three, ten)
	}
	if three != -0.1 {
		t.Fatalf("saturated barge-in penalty should be -0.1, got %f", three)
	}
}

func TestRewardDurationBonusClipped(t *testing.T) {
	c := DefaultCoefficients()
	// Very long call: (180-600)/180 = -2.33, clipped to -0.2.
	b := RewardBreakdown(Signals{DurationSec: 600}, c)
	if b.Duration != -0.2 {
		t.Fatalf("duration term should clip to -0.2, got %f", b.Duration)
	}
	// Instant call: (180-1)/180 = 0.994, clipped to +0.2.
	b = RewardBreakdown(Signals{DurationSec: 1}, c)
	if b.Duration != 0.2 {
		t.Fatalf("duration term should clip to +0.2, got %f", b.Duration)
	}
}

func TestRewardReferentiallyTransparent(t *testing.T) {
	sig := Signals{Resolution: true, UserRating: intPtr(2), BargeInCount: 2, Repeats: 1, Handover: true, DurationSec: 300}
	c := DefaultCoefficients()
	first := Reward(sig, c)
	for i := 0; i < 100; i++ {
		if got := Reward(sig, c); got != first {
			t.Fatalf("reward is not deterministic: %f vs %f", got, first)
		}
	}
}

func TestBreakdownSumsToTotal(t *testing.T) {
	sig := Signals{Resolution: true, UserRating: intPtr(5), BargeInCount: 1, Repeats: 2, Handover: false, DurationSec: 90}
	b := RewardBreakdown(sig, DefaultCoefficients())
	sum := b.Resolution + b.Rating + b.BargeIn + b.Repeats + b.Handover + b.Duration
	if math.Abs(sum-b.Total) > 1e-9 {
		t.Fatalf("breakdown sum %f != total %f (unclipped case)", sum, b.Total)
	}
}
