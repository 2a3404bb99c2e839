package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
)

// Parameters is the prompt-shaping bundle a variant carries. The session
// layer consumes Greeting and BargeInSensitivity; the rest shape the LLM
// prompt.
type Parameters struct {
	Greeting           string  `json:"greeting"`
	Tone               string  `json:"tone"`
	Length             string  `json:"length"`
	InquiryMode        string  `json:"inquiry_mode"`
	BargeInSensitivity float64 `json:"barge_in_sensitivity"`
}

// Variant is one deployable policy. Exactly one catalog variant is the
// base: the always-eligible fallback that can never be blacklisted.
type Variant struct {
	ID         string     `json:"id"`
	Parameters Parameters `json:"parameters"`
	IsBase     bool       `json:"is_base,omitempty"`
}

// Catalog is the variant document read at startup. The file is a JSON
// object: {"variants": [{id, parameters, is_base}, ...]}.
type Catalog struct {
	Variants []Variant `json:"variants"`
}

// LoadCatalog reads and validates the catalog document.
func LoadCatalog(path string) (Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog read: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(b, &c); err != nil {
		return Catalog{}, fmt.Errorf("catalog parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	// Stable order regardless of document order.
	sort.Slice(c.Variants, func(i, j int) bool { return c.Variants[i].ID < c.Variants[j].ID })
	return c, nil
}

func (c Catalog) Validate() error {
	if len(c.Variants) == 0 {
		return fmt.Errorf("catalog has no variants")
	}
	seen := map[string]bool{}
	base := 0
	for _, v := range c.Variants {
		if v.ID == "" {
			return fmt.Errorf("catalog variant with empty id")
		}
		if seen[v.ID] {
			return fmt.Errorf("catalog has duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true
		if v.IsBase {
			base++
		}
	}
	if base != 1 {
		return fmt.Errorf("catalog must have exactly one base variant, found %d", base)
	}
	return nil
}

// Base returns the base variant.
func (c Catalog) Base() Variant {
	for _, v := range c.Variants {
		if v.IsBase {
			return v
		}
	}
	return Variant{}
}

// Get looks a variant up by id.
func (c Catalog) Get(id string) (Variant, bool) {
	for _, v := range c.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Watch re-reads the catalog when the file changes and invokes fn with
// the fresh document. Invalid documents are logged and skipped; the last
// good catalog stays in effect. Editors that write via rename are
// handled because the watch is on the parent directory, not the file.
func Watch(ctx context.Context, path string, fn func(Catalog)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("catalog watch %s: %w", path, err)
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				c, err := LoadCatalog(path)
				if err != nil {
					log.Printf("[policy] catalog reload skipped: %v", err)
					continue
				}
				log.Printf("[policy] catalog reloaded: %d variants", len(c.Variants))
				fn(c)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("[policy] catalog watch error: %v", err)
			}
		}
	}()
	return nil
}
