package session

import (
	"testing"
	"time"
)

func TestLatencyWindowP95(t *testing.T) {
	w := newLatencyWindow(60 * time.Second)
	now := time.Now()
	for i := 1; i <= 100; i++ {
		w.add(float64(i*10), 10000, now.Add(time.Duration(i)*time.Second))
	}
	// 60 s window keeps the samples from 410 ms up; the 95th of those
	// lands at 970.
	p := w.p95()
	if p != 970 {
		t.Fatalf("p95 = %f, want 970", p)
	}
}

func TestLatencyWindowPrunesOldSamples(t *testing.T) {
	w := newLatencyWindow(60 * time.Second)
	t0 := time.Now()
	w.add(5000, 800, t0)
	// Two minutes later the slow sample has aged out.
	w.add(100, 800, t0.Add(2*time.Minute))
	if p := w.p95(); p != 100 {
		t.Fatalf("p95 = %f after prune, want 100", p)
	}
}

// The latency trigger needs the p95 breach to hold continuously for the
// sustain duration; a single recovery resets the clock.
func TestLatencySustainedBreach(t *testing.T) {
	w := newLatencyWindow(60 * time.Second)
	t0 := time.Now()
	sustain := 2 * time.Minute

	for i := 0; i < 4; i++ {
		at := t0.Add(time.Duration(i) * 45 * time.Second)
		w.add(1500, 800, at)
		if i < 3 && w.sustained(sustain, at) {
			t.Fatalf("tripped after only %v", time.Duration(i)*45*time.Second)
		}
	}
	if !w.sustained(sustain, t0.Add(3*45*time.Second)) {
		t.Fatalf("expected sustained breach after 135s of continuous p95 > trigger")
	}

	// A healthy sample flushes the breach clock.
	w2 := newLatencyWindow(60 * time.Second)
	w2.add(1500, 800, t0)
	w2.add(100, 800, t0.Add(30*time.Second))
	w2.add(100, 800, t0.Add(40*time.Second))
	if w2.sustained(sustain, t0.Add(3*time.Minute)) {
		t.Fatalf("breach clock must reset when p95 recovers")
	}
}

func TestErrorWindowCounts(t *testing.T) {
	w := newErrorWindow(60 * time.Second)
	now := time.Now()
	w.add(now)
	w.add(now.Add(10 * time.Second))
	w.add(now.Add(20 * time.Second))
	if got := w.count(now.Add(21 * time.Second)); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
	// The first two fall out of the window.
	if got := w.count(now.Add(75 * time.Second)); got != 1 {
		t.Fatalf("count after expiry = %d, want 1", got)
	}
}
