package audio

import (
	"math"
	"time"
)

const (
	// SampleRate is the only PCM format the core speaks: 16-bit signed
	// little-endian linear PCM, mono, 16 kHz.
	SampleRate = 16000
	// FrameDuration is the nominal cadence of one frame.
	FrameDuration = 20 * time.Millisecond
	// FrameSamples is samples per 20 ms frame.
	FrameSamples = SampleRate / 50
	// FrameBytes is bytes per frame (2 bytes per sample).
	FrameBytes = FrameSamples * 2
)

// Frame is one 20 ms chunk of PCM16 audio. Immutable once enqueued: the
// bus and sessions never modify PCM after Enqueue.
type Frame struct {
	Seq uint32
	TS  time.Time
	PCM []byte
}

// RMS computes the root-mean-square energy of the frame's samples.
func (f *Frame) RMS() float64 {
	if len(f.PCM) < 2 {
		return 0
	}
	var sum float64
	n := len(f.PCM) / 2
	for i := 0; i < n; i++ {
		// Little-endian int16
		s := int16(uint16(f.PCM[i*2]) | uint16(f.PCM[i*2+1])<<8)
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns a zeroed frame with the given sequence number.
func Silence(seq uint32, ts time.Time) *Frame {
	return &Frame{Seq: seq, TS: ts, PCM: make([]byte, FrameBytes)}
}
