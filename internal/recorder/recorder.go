// Package recorder captures per-call PCM for QA, under a hard size cap
// and a retention window enforced by a janitor.
package recorder

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tom/core/internal/config"
)

// MaxBytesPerCall caps one call's capture at 50 MiB, shared by the
// inbound and outbound files. At 32 kB/s per direction that is about
// 13.6 minutes of two-way audio.
const MaxBytesPerCall = 50 << 20

// Recorder owns the capture directory and the retention janitor.
type Recorder struct {
	dir       string
	retention time.Duration
}

// New validates the operator gates and returns a recorder, or nil when
// recording is disabled. Recording alongside external backend egress
// requires the explicit opt-in; config validation enforces the same
// rule at startup, this check keeps the invariant local too.
func New(cfg config.Config) (*Recorder, error) {
	if !cfg.Recorder.Enabled {
		return nil, nil
	}
	if cfg.Backend.AllowExternal && !cfg.Recorder.ExternalOptIn {
		return nil, fmt.Errorf("recording with external backend egress requires explicit opt-in")
	}
	if err := os.MkdirAll(cfg.Recorder.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder dir: %w", err)
	}
	return &Recorder{
		dir:       cfg.Recorder.Dir,
		retention: time.Duration(cfg.Recorder.RetentionHours) * time.Hour,
	}, nil
}

// Capture is one call's open recording: inbound and outbound PCM in
// separate files, both counted against the shared cap.
type Capture struct {
	mu      sync.Mutex
	in, out *os.File
	written int64
	capped  bool
	done    bool
}

// Begin opens the capture files for a call. Failures disable capture
// for the call but never fail the call itself.
func (r *Recorder) Begin(callID string) *Capture {
	safe := sanitize(callID)
	stamp := time.Now().UTC().Format("20060102T150405")
	in, err := os.Create(filepath.Join(r.dir, fmt.Sprintf("%s-%s-in.pcm", stamp, safe)))
	if err != nil {
		log.Printf("[recorder] open failed call=%s: %v", callID, err)
		return nil
	}
	out, err := os.Create(filepath.Join(r.dir, fmt.Sprintf("%s-%s-out.pcm", stamp, safe)))
	if err != nil {
		in.Close()
		log.Printf("[recorder] open failed call=%s: %v", callID, err)
		return nil
	}
	return &Capture{in: in, out: out}
}

func (c *Capture) WriteInbound(pcm []byte)  { c.write(c.in, pcm) }
func (c *Capture) WriteOutbound(pcm []byte) { c.write(c.out, pcm) }

func (c *Capture) write(f *os.File, pcm []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || c.capped {
		return
	}
	if c.written+int64(len(pcm)) > MaxBytesPerCall {
		c.capped = true
		log.Printf("[recorder] size cap reached, capture truncated")
		return
	}
	if _, err := f.Write(pcm); err != nil {
		log.Printf("[recorder] write failed: %v", err)
		c.done = true
		return
	}
	c.written += int64(len(pcm))
}

// Finalize flushes and closes the capture. Idempotent.
func (c *Capture) Finalize() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	_ = c.in.Sync()
	_ = c.out.Sync()
	_ = c.in.Close()
	_ = c.out.Close()
}

// RunJanitor deletes captures older than the retention window, once per
// hour until ctx is cancelled.
func (r *Recorder) RunJanitor(ctx context.Context) {
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	r.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			r.sweep()
		}
	}
}

func (r *Recorder) sweep() {
	cutoff := time.Now().Add(-r.retention)
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		log.Printf("[recorder] janitor read dir: %v", err)
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pcm") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(r.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Printf("[recorder] janitor removed %d expired captures", removed)
	}
}

// sanitize keeps call ids filesystem-safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
