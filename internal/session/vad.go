package session

import (
	"time"

	"tom/core/internal/audio"
)

// VAD thresholds at sensitivity 1.0. A variant's barge_in_sensitivity
// scales the energy threshold down (higher sensitivity fires earlier).
const (
	vadBaseThresholdRMS = 1200.0
	vadStartWindow      = 120 * time.Millisecond
	vadEndWindow        = 400 * time.Millisecond
)

// vadDecision is what the detector reports for one frame.
type vadDecision int

const (
	vadNone vadDecision = iota
	vadStart
	vadEnd
)

// vad is an energy detector over the 20 ms frame cadence: speech starts
// after the RMS stays above threshold for the start window, ends after
// the end window of silence. Frame timestamps, not wall clock, drive the
// windows so decisions are reproducible from a recorded frame stream.
type vad struct {
	threshold float64
	speaking  bool

	aboveSince time.Time
	belowSince time.Time
}

func newVAD(sensitivity float64) *vad {
	if sensitivity <= 0 {
		sensitivity = 1.0
	}
	return &vad{threshold: vadBaseThresholdRMS / sensitivity}
}

func (v *vad) observe(f *audio.Frame) vadDecision {
	loud := f.RMS() >= v.threshold

	if !v.speaking {
		if !loud {
			v.aboveSince = time.Time{}
			return vadNone
		}
		if v.aboveSince.IsZero() {
			v.aboveSince = f.TS
			return vadNone
		}
		// The start window closes when frames have stayed loud from
		// aboveSince through this frame's end.
		if f.TS.Add(audio.FrameDuration).Sub(v.aboveSince) >= vadStartWindow {
			v.speaking = true
			v.belowSince = time.Time{}
			return vadStart
		}
		return vadNone
	}

	if loud {
		v.belowSince = time.Time{}
		return vadNone
	}
	if v.belowSince.IsZero() {
		v.belowSince = f.TS
		return vadNone
	}
	if f.TS.Add(audio.FrameDuration).Sub(v.belowSince) >= vadEndWindow {
		v.speaking = false
		v.aboveSince = time.Time{}
		return vadEnd
	}
	return vadNone
}

func (v *vad) reset() {
	v.speaking = false
	v.aboveSince = time.Time{}
	v.belowSince = time.Time{}
}
