// Package config loads the runtime configuration from config.yaml under the
// perch home directory, with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// RouteConfig binds a task type to a primary and optional secondary model.
type RouteConfig struct {
	TaskType          string `yaml:"task_type"`
	PrimaryProvider   string `yaml:"primary_provider"`
	PrimaryModel      string `yaml:"primary_model"`
	SecondaryProvider string `yaml:"secondary_provider"`
	SecondaryModel    string `yaml:"secondary_model"`
}

// LLMConfig holds provider selection and failover tuning.
type LLMConfig struct {
	// Provider names the default LLM provider: "google", "anthropic",
	// "openai" or "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	FallbackProvider string `yaml:"fallback_provider"`
	FallbackModel    string `yaml:"fallback_model"`

	// Routes override the default pair per task type.
	Routes []RouteConfig `yaml:"routes"`

	// FailoverThreshold is the consecutive-failure count that trips a
	// provider's circuit breaker. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open
	// before it resets. Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// PersonaEntry defines a persona to upsert on startup.
type PersonaEntry struct {
	PersonaID   string   `yaml:"persona_id"`
	DisplayName string   `yaml:"display_name"`
	Status      string   `yaml:"status"`
	Boards      []string `yaml:"boards"`
}

// ScheduleConfig holds the cron expressions for the periodic jobs.
type ScheduleConfig struct {
	Collect      string `yaml:"collect"`
	Dispatch     string `yaml:"dispatch"`
	ExpireReview string `yaml:"expire_review"`
}

// OTelConfig mirrors the telemetry provider settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath              string `yaml:"db_path"`
	ForumDBPath         string `yaml:"forum_db_path"`
	BindAddr            string `yaml:"bind_addr"`
	LogLevel            string `yaml:"log_level"`
	WorkerCount         int    `yaml:"worker_count"`
	TaskTimeoutSeconds  int    `yaml:"task_timeout_seconds"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
	MaxQueueDepth       int    `yaml:"max_queue_depth"`

	// PolicyTTLSeconds is the policy cache TTL. Default 30.
	PolicyTTLSeconds int `yaml:"policy_ttl_seconds"`
	// PolicyOverridePath is an optional YAML file watched for operator
	// policy overrides.
	PolicyOverridePath string `yaml:"policy_override_path"`

	// CollectOverlapSeconds is the intent checkpoint overlap window.
	CollectOverlapSeconds int `yaml:"collect_overlap_seconds"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Personas  []PersonaEntry            `yaml:"personas"`
	Schedules ScheduleConfig            `yaml:"schedules"`
	OTel      OTelConfig                `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:18890",
		LogLevel:              "info",
		WorkerCount:           2,
		TaskTimeoutSeconds:    int((2 * time.Minute).Seconds()),
		DrainTimeoutSeconds:   5,
		MaxQueueDepth:         500,
		PolicyTTLSeconds:      30,
		CollectOverlapSeconds: 60,
		Schedules: ScheduleConfig{
			Collect:      "* * * * *",
			Dispatch:     "* * * * *",
			ExpireReview: "*/5 * * * *",
		},
		LLM: LLMConfig{
			Provider:                "google",
			Model:                   "gemini-2.5-flash",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
	}
}

// HomeDir returns the perch home directory, honoring the PERCH_HOME override.
func HomeDir() string {
	if override := os.Getenv("PERCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".perch-agents")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the perch home, applies defaults and env
// overrides. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create perch home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "perch.db")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.PolicyTTLSeconds <= 0 {
		cfg.PolicyTTLSeconds = 30
	}
	if cfg.CollectOverlapSeconds <= 0 {
		cfg.CollectOverlapSeconds = 60
	}
	if cfg.Schedules.Collect == "" {
		cfg.Schedules.Collect = "* * * * *"
	}
	if cfg.Schedules.Dispatch == "" {
		cfg.Schedules.Dispatch = "* * * * *"
	}
	if cfg.Schedules.ExpireReview == "" {
		cfg.Schedules.ExpireReview = "*/5 * * * *"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = 5
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = 300
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PERCH_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("PERCH_FORUM_DB_PATH"); raw != "" {
		cfg.ForumDBPath = raw
	}
	if raw := os.Getenv("PERCH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PERCH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PERCH_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("PERCH_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("PERCH_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("PERCH_POLICY_OVERRIDE_PATH"); raw != "" {
		cfg.PolicyOverridePath = raw
	}
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":    "GEMINI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell configs apart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|bind=%s|log=%s|provider=%s|model=%s|depth=%d",
		c.WorkerCount, c.TaskTimeoutSeconds, c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, c.MaxQueueDepth)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
