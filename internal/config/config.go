package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendMode selects the failover policy between the provider and local
// session backends.
type BackendMode string

const (
	ProviderOnly      BackendMode = "provider_only"
	LocalOnly         BackendMode = "local_only"
	ProviderThenLocal BackendMode = "provider_then_local"
	LocalThenProvider BackendMode = "local_then_provider"
)

func (m BackendMode) Valid() bool {
	switch m {
	case ProviderOnly, LocalOnly, ProviderThenLocal, LocalThenProvider:
		return true
	}
	return false
}

type Config struct {
	Server struct {
		Port     int
		LogLevel string
	}
	Auth struct {
		TokenSecret    string
		TokenSkewSecs  int
		AllowedOrigins []string
	}
	Backend struct {
		Mode            BackendMode
		ProviderURL     string
		ProviderAPIKey  string
		AllowExternal   bool
		TriggerMS       int
		ErrorBurst      int
		ErrorWindowSecs int
		CooldownSecs    int
	}
	Policy struct {
		CatalogPath           string
		BanditStatePath       string
		DeployStatePath       string
		TrafficSplitNew       float64
		TrafficSplitUncertain float64
		BlacklistMinSamples   int
		BlacklistMinReward    float64
		MinPullsConfidence    int
	}
	Local struct {
		STTURL string
		LLMURL string
		TTSURL string
	}
	Feedback struct {
		StorePath       string
		DurationTargetS int
	}
	Gateway struct {
		RateLimitPerSec int
		MaxFrameBytes   int
	}
	Recorder struct {
		Enabled        bool
		Dir            string
		RetentionHours int
		ExternalOptIn  bool
	}
}

// recognized maps every env key we bind to its viper path. Anything in the
// environment with the TOM_ prefix that is not in this table gets a warning
// so typos are not silent.
var recognized = map[string]string{
	"PORT":                       "server.port",
	"LOG_LEVEL":                  "server.log_level",
	"AUTH_TOKEN_SECRET":          "auth.token_secret",
	"AUTH_TOKEN_SKEW_S":          "auth.token_skew_s",
	"ALLOWED_ORIGINS":            "auth.allowed_origins",
	"BACKEND_MODE":               "backend.mode",
	"PROVIDER_URL":               "backend.provider_url",
	"PROVIDER_API_KEY":           "backend.provider_api_key",
	"ALLOW_EXTERNAL_BACKEND":     "backend.allow_external",
	"FALLBACK_TRIGGER_MS":        "backend.trigger_ms",
	"FALLBACK_ERROR_BURST":       "backend.error_burst",
	"FALLBACK_ERROR_WINDOW_S":    "backend.error_window_s",
	"FAILOVER_COOLDOWN_S":        "backend.cooldown_s",
	"POLICY_CATALOG_PATH":        "policy.catalog_path",
	"BANDIT_STATE_PATH":          "policy.bandit_state_path",
	"DEPLOY_STATE_PATH":          "policy.deploy_state_path",
	"TRAFFIC_SPLIT_NEW":          "policy.traffic_split_new",
	"TRAFFIC_SPLIT_UNCERTAIN":    "policy.traffic_split_uncertain",
	"BLACKLIST_MIN_SAMPLES":      "policy.blacklist_min_samples",
	"BLACKLIST_MIN_REWARD":       "policy.blacklist_min_reward",
	"MIN_PULLS_FOR_CONFIDENCE":   "policy.min_pulls_confidence",
	"LOCAL_STT_URL":              "local.stt_url",
	"LOCAL_LLM_URL":              "local.llm_url",
	"LOCAL_TTS_URL":              "local.tts_url",
	"FEEDBACK_STORE_PATH":        "feedback.store_path",
	"REWARD_DURATION_TARGET_S":   "feedback.duration_target_s",
	"RATE_LIMIT_MSGS_PER_SEC":    "gateway.rate_limit_per_sec",
	"MAX_FRAME_BYTES":            "gateway.max_frame_bytes",
	"RECORD_AUDIO":               "recorder.enabled",
	"RECORD_DIR":                 "recorder.dir",
	"RECORD_RETENTION_HOURS":     "recorder.retention_hours",
	"RECORD_WITH_EXTERNAL_OPTIN": "recorder.external_opt_in",
}

// Load reads configuration from the environment with defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("auth.token_skew_s", 30)
	v.SetDefault("auth.allowed_origins", "")

	v.SetDefault("backend.mode", string(ProviderThenLocal))
	v.SetDefault("backend.allow_external", false)
	v.SetDefault("backend.trigger_ms", 800)
	v.SetDefault("backend.error_burst", 3)
	v.SetDefault("backend.error_window_s", 60)
	v.SetDefault("backend.cooldown_s", 600)

	v.SetDefault("policy.traffic_split_new", 0.10)
	v.SetDefault("policy.traffic_split_uncertain", 0.05)
	v.SetDefault("policy.blacklist_min_samples", 20)
	v.SetDefault("policy.blacklist_min_reward", -0.2)
	v.SetDefault("policy.min_pulls_confidence", 10)

	v.SetDefault("feedback.duration_target_s", 180)

	v.SetDefault("gateway.rate_limit_per_sec", 120)
	v.SetDefault("gateway.max_frame_bytes", 65536)

	v.SetDefault("recorder.enabled", false)
	v.SetDefault("recorder.dir", "./recordings")
	v.SetDefault("recorder.retention_hours", 24)
	v.SetDefault("recorder.external_opt_in", false)

	// Map envs; each key also works under the TOM_ namespace so
	// deployments can scope their variables.
	for env, path := range recognized {
		_ = v.BindEnv(path, env, "TOM_"+env)
	}

	var c Config
	c.Server.Port = v.GetInt("server.port")
	c.Server.LogLevel = v.GetString("server.log_level")

	c.Auth.TokenSecret = v.GetString("auth.token_secret")
	c.Auth.TokenSkewSecs = v.GetInt("auth.token_skew_s")
	c.Auth.AllowedOrigins = splitCSV(v.GetString("auth.allowed_origins"))

	c.Backend.Mode = BackendMode(v.GetString("backend.mode"))
	c.Backend.ProviderURL = v.GetString("backend.provider_url")
	c.Backend.ProviderAPIKey = v.GetString("backend.provider_api_key")
	c.Backend.AllowExternal = v.GetBool("backend.allow_external")
	c.Backend.TriggerMS = v.GetInt("backend.trigger_ms")
	c.Backend.ErrorBurst = v.GetInt("backend.error_burst")
	c.Backend.ErrorWindowSecs = v.GetInt("backend.error_window_s")
	c.Backend.CooldownSecs = v.GetInt("backend.cooldown_s")

	c.Policy.CatalogPath = v.GetString("policy.catalog_path")
	c.Policy.BanditStatePath = v.GetString("policy.bandit_state_path")
	c.Policy.DeployStatePath = v.GetString("policy.deploy_state_path")
	c.Policy.TrafficSplitNew = v.GetFloat64("policy.traffic_split_new")
	c.Policy.TrafficSplitUncertain = v.GetFloat64("policy.traffic_split_uncertain")
	c.Policy.BlacklistMinSamples = v.GetInt("policy.blacklist_min_samples")
	c.Policy.BlacklistMinReward = v.GetFloat64("policy.blacklist_min_reward")
	c.Policy.MinPullsConfidence = v.GetInt("policy.min_pulls_confidence")

	c.Local.STTURL = v.GetString("local.stt_url")
	c.Local.LLMURL = v.GetString("local.llm_url")
	c.Local.TTSURL = v.GetString("local.tts_url")

	c.Feedback.StorePath = v.GetString("feedback.store_path")
	c.Feedback.DurationTargetS = v.GetInt("feedback.duration_target_s")

	c.Gateway.RateLimitPerSec = v.GetInt("gateway.rate_limit_per_sec")
	c.Gateway.MaxFrameBytes = v.GetInt("gateway.max_frame_bytes")

	c.Recorder.Enabled = v.GetBool("recorder.enabled")
	c.Recorder.Dir = v.GetString("recorder.dir")
	c.Recorder.RetentionHours = v.GetInt("recorder.retention_hours")
	c.Recorder.ExternalOptIn = v.GetBool("recorder.external_opt_in")

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	log.Printf("[config] loaded: port=%d mode=%s external=%v record=%v",
		c.Server.Port, c.Backend.Mode, c.Backend.AllowExternal, c.Recorder.Enabled)
	return c, nil
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	if !c.Backend.Mode.Valid() {
		return fmt.Errorf("BACKEND_MODE %q is not one of provider_only|local_only|provider_then_local|local_then_provider", c.Backend.Mode)
	}
	if c.Policy.TrafficSplitNew < 0 || c.Policy.TrafficSplitNew > 1 {
		return fmt.Errorf("TRAFFIC_SPLIT_NEW %v out of range [0,1]", c.Policy.TrafficSplitNew)
	}
	if c.Policy.TrafficSplitUncertain < 0 || c.Policy.TrafficSplitUncertain > 1 {
		return fmt.Errorf("TRAFFIC_SPLIT_UNCERTAIN %v out of range [0,1]", c.Policy.TrafficSplitUncertain)
	}
	if c.Policy.TrafficSplitNew+c.Policy.TrafficSplitUncertain > 1 {
		return fmt.Errorf("traffic splits sum to %v, must be <= 1",
			c.Policy.TrafficSplitNew+c.Policy.TrafficSplitUncertain)
	}
	if c.Gateway.RateLimitPerSec <= 0 {
		return fmt.Errorf("RATE_LIMIT_MSGS_PER_SEC must be positive, got %d", c.Gateway.RateLimitPerSec)
	}
	if c.Gateway.MaxFrameBytes <= 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must be positive, got %d", c.Gateway.MaxFrameBytes)
	}
	if c.Backend.TriggerMS <= 0 {
		return fmt.Errorf("FALLBACK_TRIGGER_MS must be positive, got %d", c.Backend.TriggerMS)
	}
	if c.Backend.ErrorBurst <= 0 {
		return fmt.Errorf("FALLBACK_ERROR_BURST must be positive, got %d", c.Backend.ErrorBurst)
	}
	if c.Backend.Mode != LocalOnly && !c.Backend.AllowExternal {
		return fmt.Errorf("BACKEND_MODE %s requires ALLOW_EXTERNAL_BACKEND=true", c.Backend.Mode)
	}
	if c.Recorder.Enabled && c.Backend.AllowExternal && !c.Recorder.ExternalOptIn {
		return fmt.Errorf("RECORD_AUDIO with external backend egress requires RECORD_WITH_EXTERNAL_OPTIN=true")
	}
	if c.Recorder.RetentionHours <= 0 {
		return fmt.Errorf("RECORD_RETENTION_HOURS must be positive, got %d", c.Recorder.RetentionHours)
	}
	return nil
}

// WarnUnknown logs any TOM_-prefixed environment variable that does not map
// to a recognized key. Typos must not be silent.
func WarnUnknown(environ []string) {
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key := kv[:eq]
		if !strings.HasPrefix(key, "TOM_") {
			continue
		}
		if _, ok := recognized[strings.TrimPrefix(key, "TOM_")]; !ok {
			log.Printf("[config] unknown key %s ignored (check spelling)", key)
		}
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) CooldownDuration() time.Duration {
	return time.Duration(c.Backend.CooldownSecs) * time.Second
}

func (c Config) ErrorWindow() time.Duration {
	return time.Duration(c.Backend.ErrorWindowSecs) * time.Second
}
