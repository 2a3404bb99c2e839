package policy

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
)

const deployStateVersion = 1

// TrafficSplit reserves selection probability for exploration.
type TrafficSplit struct {
	New       float64 `json:"new"`
	Uncertain float64 `json:"uncertain"`
}

// DeployState is the persisted membership view. All sets are ordered so
// selection is deterministic under a seeded RNG.
type DeployState struct {
	Version           int          `json:"version"`
	Active            []string     `json:"active"`
	Blacklist         []string     `json:"blacklist"`
	NewVariants       []string     `json:"new_variants"`
	UncertainVariants []string     `json:"uncertain_variants"`
	TrafficSplit      TrafficSplit `json:"traffic_split"`
	BaseVariantID     string       `json:"base_variant_id"`
}

// Gate wraps the Bandit with a traffic split and safe-deployment rules:
// exploration quotas for new and uncertain variants, a blacklist fed by
// the bandit's candidates after every update, and the base variant as
// the unconditional fallback. Active and Blacklist are disjoint; the
// base variant is always active and never blacklisted.
type Gate struct {
	mu     sync.Mutex
	bandit *Bandit
	rng    *rand.Rand
	split  TrafficSplit

	active    []string
	blacklist []string
	newV      []string
	uncertain []string
	base      string

	statePath string
	bandPath  string
	persist   *Persister
}

// NewGate builds a gate over an already-populated bandit. rng is an
// injected source, never the process global.
func NewGate(bandit *Bandit, rng *rand.Rand, split TrafficSplit) *Gate {
	return &Gate{bandit: bandit, rng: rng, split: split}
}

// WithPersistence attaches state paths and the off-hot-path writer.
func (g *Gate) WithPersistence(p *Persister, deployPath, banditPath string) *Gate {
	g.persist = p
	g.statePath = deployPath
	g.bandPath = banditPath
	return g
}

// SyncCatalog reconciles gate membership with the catalog document. New
// ids get fresh arms and join active and new_variants; known ids keep
// their learned state. Ids absent from the catalog are left untouched:
// removal never deletes evidence.
func (g *Gate) SyncCatalog(c Catalog) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.base = c.Base().ID
	for _, v := range c.Variants {
		created := g.bandit.EnsureArm(v.ID)
		if !contains(g.active, v.ID) && !contains(g.blacklist, v.ID) {
			g.active = append(g.active, v.ID)
		}
		if created && v.ID != g.base {
			if !contains(g.newV, v.ID) {
				g.newV = append(g.newV, v.ID)
			}
			if !contains(g.uncertain, v.ID) {
				g.uncertain = append(g.uncertain, v.ID)
			}
			log.Printf("[policy] registered new variant %s", v.ID)
		}
	}
	// Base is always active, never blacklisted, never an explore target.
	g.blacklist = remove(g.blacklist, g.base)
	if !contains(g.active, g.base) {
		g.active = append(g.active, g.base)
	}
	g.newV = remove(g.newV, g.base)
	g.uncertain = remove(g.uncertain, g.base)

	g.saveLocked()
}

// Select picks the policy variant for one call:
//  1. with probability split.New, uniformly among active new variants;
//  2. else with probability split.Uncertain, uniformly among active
//     uncertain variants;
//  3. else Thompson sampling among active non-blacklisted variants;
//  4. base variant when the bandit has nothing eligible.
func (g *Gate) Select() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pool := intersect(g.newV, g.active); len(pool) > 0 && g.rng.Float64() < g.split.New {
		id := pool[g.rng.Intn(len(pool))]
		metricSelections.WithLabelValues("new").Inc()
		return id
	}
	if pool := intersect(g.uncertain, g.active); len(pool) > 0 && g.rng.Float64() < g.split.Uncertain {
		id := pool[g.rng.Intn(len(pool))]
		metricSelections.WithLabelValues("uncertain").Inc()
		return id
	}
	if id, ok := g.bandit.Sample(g.eligibleLocked()); ok {
		metricSelections.WithLabelValues("bandit").Inc()
		return id
	}
	metricSelections.WithLabelValues("base").Inc()
	return g.base
}

// RecordOutcome feeds one call's reward into the bandit, refreshes the
// variant's exploration membership, runs the blacklist sweep and
// persists both state files off the hot path.
func (g *Gate) RecordOutcome(variantID string, reward float64) error {
	if err := g.bandit.Update(variantID, reward); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// One observation graduates a variant out of "new"; confidence
	// graduates it out of "uncertain".
	g.newV = remove(g.newV, variantID)
	if g.bandit.Uncertain(variantID) {
		if variantID != g.base && !contains(g.uncertain, variantID) {
			g.uncertain = append(g.uncertain, variantID)
		}
	} else {
		g.uncertain = remove(g.uncertain, variantID)
	}

	for _, id := range g.bandit.BlacklistCandidates() {
		if id == g.base || contains(g.blacklist, id) {
			continue
		}
		g.active = remove(g.active, id)
		g.newV = remove(g.newV, id)
		g.uncertain = remove(g.uncertain, id)
		g.blacklist = append(g.blacklist, id)
		metricBlacklisted.Inc()
		log.Printf("[policy] blacklisted variant %s mean_reward=%.3f", id, g.meanReward(id))
	}

	g.saveLocked()
	return nil
}

func (g *Gate) meanReward(id string) float64 {
	if a, ok := g.bandit.Arm(id); ok {
		return a.MeanReward()
	}
	return 0
}

// eligibleLocked is active minus blacklist, order preserved.
func (g *Gate) eligibleLocked() []string {
	out := make([]string, 0, len(g.active))
	for _, id := range g.active {
		if !contains(g.blacklist, id) {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns the current membership for persistence or inspection.
func (g *Gate) Snapshot() DeployState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Gate) snapshotLocked() DeployState {
	return DeployState{
		Version:           deployStateVersion,
		Active:            append([]string(nil), g.active...),
		Blacklist:         append([]string(nil), g.blacklist...),
		NewVariants:       append([]string(nil), g.newV...),
		UncertainVariants: append([]string(nil), g.uncertain...),
		TrafficSplit:      g.split,
		BaseVariantID:     g.base,
	}
}

func (g *Gate) saveLocked() {
	if g.persist == nil {
		return
	}
	deploySnap := g.snapshotLocked()
	deployPath, bandPath := g.statePath, g.bandPath
	bandit := g.bandit
	g.persist.submit(func() error {
		if err := writeStateFile(deployPath, deploySnap); err != nil {
			return err
		}
		return bandit.Save(bandPath)
	})
}

// SaveNow writes both state files synchronously. Used at shutdown.
func (g *Gate) SaveNow() error {
	g.mu.Lock()
	snap := g.snapshotLocked()
	g.mu.Unlock()
	if g.statePath == "" {
		return nil
	}
	if err := writeStateFile(g.statePath, snap); err != nil {
		return err
	}
	return g.bandit.Save(g.bandPath)
}

// LoadState restores membership from disk. A missing or corrupt file is
// not an error: SyncCatalog rebuilds membership from the document.
func (g *Gate) LoadState(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[policy] deploy state unreadable, starting fresh: %v", err)
		}
		return
	}
	var st DeployState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Printf("[policy] deploy state corrupt, starting fresh: %v", err)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = st.Active
	g.blacklist = st.Blacklist
	g.newV = st.NewVariants
	g.uncertain = st.UncertainVariants
	if st.BaseVariantID != "" {
		g.base = st.BaseVariantID
	}
	// Repair any persisted state that violates the invariants.
	for _, id := range g.blacklist {
		g.active = remove(g.active, id)
	}
	g.blacklist = remove(g.blacklist, g.base)
	if g.base != "" && !contains(g.active, g.base) {
		g.active = append(g.active, g.base)
	}
}

// CheckInvariants verifies the membership relations that selection
// depends on; used by tests and at boot.
func (g *Gate) CheckInvariants() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.active {
		if contains(g.blacklist, id) {
			return fmt.Errorf("variant %s both active and blacklisted", id)
		}
	}
	if g.base == "" {
		return fmt.Errorf("no base variant")
	}
	if !contains(g.active, g.base) {
		return fmt.Errorf("base variant %s not active", g.base)
	}
	if contains(g.blacklist, g.base) {
		return fmt.Errorf("base variant %s blacklisted", g.base)
	}
	return nil
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func remove(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range a {
		if contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}
