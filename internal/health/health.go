// Package health runs the readiness checks behind /readyz.
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tom/core/internal/config"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ns"`
	Error   string        `json:"error,omitempty"`
}

type Status struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// CheckAll runs every applicable check and combines the verdict.
func CheckAll(ctx context.Context, cfg config.Config) Status {
	checks := []CheckResult{
		checkCatalog(cfg),
		checkStateDir("bandit_state", cfg.Policy.BanditStatePath),
		checkStateDir("deploy_state", cfg.Policy.DeployStatePath),
		checkStateDir("feedback_store", cfg.Feedback.StorePath),
	}
	if cfg.Backend.AllowExternal && cfg.Backend.Mode != config.LocalOnly {
		checks = append(checks, checkProvider(ctx, cfg))
	}

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}
	return Status{OK: allOK, Checks: checks, CheckedAt: time.Now().UTC()}
}

func checkCatalog(cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "policy_catalog"}
	if cfg.Policy.CatalogPath == "" {
		result.Error = "POLICY_CATALOG_PATH not set"
		result.Latency = time.Since(start)
		return result
	}
	if _, err := os.Stat(cfg.Policy.CatalogPath); err != nil {
		result.Error = fmt.Sprintf("catalog unreadable: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	result.OK = true
	result.Latency = time.Since(start)
	return result
}

// checkStateDir verifies the parent directory of a state file is
// writable, since persistence goes through temp-and-rename there.
func checkStateDir(name, path string) CheckResult {
	start := time.Now()
	result := CheckResult{Name: name}
	if path == "" {
		result.Error = "path not configured"
		result.Latency = time.Since(start)
		return result
	}
	dir := filepath.Dir(path)
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		result.Error = fmt.Sprintf("dir not writable: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	probe.Close()
	os.Remove(probe.Name())
	result.OK = true
	result.Latency = time.Since(start)
	return result
}

func checkProvider(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "provider"}
	if cfg.Backend.ProviderURL == "" {
		result.Error = "PROVIDER_URL not set"
		result.Latency = time.Since(start)
		return result
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, httpProbeURL(cfg.Backend.ProviderURL), nil)
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("unreachable: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	resp.Body.Close()
	result.OK = true
	result.Latency = time.Since(start)
	return result
}

// httpProbeURL rewrites a websocket URL for a plain reachability probe.
func httpProbeURL(u string) string {
	if strings.HasPrefix(u, "wss://") {
		return "https://" + strings.TrimPrefix(u, "wss://")
	}
	if strings.HasPrefix(u, "ws://") {
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}
