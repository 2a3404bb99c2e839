package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// writeStateFile atomically overwrites path: marshal, write a temp file
// in the same directory, fsync, rename over the target.
func writeStateFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state marshal: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("state temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("state write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("state rename: %w", err)
	}
	return nil
}

// persister serializes state writes on a dedicated goroutine so the call
// hot path never blocks on disk. Latest-wins: a pending snapshot is
// replaced, not queued behind, by a newer one.
type Persister struct {
	ch chan func() error
}

func NewPersister(ctx context.Context) *Persister {
	p := &Persister{ch: make(chan func() error, 1)}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case write := <-p.ch:
				if err := write(); err != nil {
					metricPersistErrors.Inc()
					log.Printf("[policy] state write failed: %v", err)
				}
			}
		}
	}()
	return p
}

// submit hands a write closure to the writer goroutine, displacing any
// not-yet-started pending write.
func (p *Persister) submit(write func() error) {
	for {
		select {
		case p.ch <- write:
			return
		default:
			select {
			case <-p.ch: // drop the stale pending snapshot
			default:
			}
		}
	}
}
