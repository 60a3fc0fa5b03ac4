package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PERCH_HOME", dir)
	return dir
}

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	withTempHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 2 || cfg.BindAddr != "127.0.0.1:18890" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Schedules.Collect != "* * * * *" || cfg.Schedules.ExpireReview != "*/5 * * * *" {
		t.Fatalf("unexpected schedule defaults: %+v", cfg.Schedules)
	}
	if cfg.DBPath == "" {
		t.Fatalf("db path must default under home")
	}
}

func TestLoad_ReadsYAMLAndNormalizes(t *testing.T) {
	dir := withTempHome(t)
	yaml := `
worker_count: 8
log_level: debug
llm:
  provider: anthropic
  model: claude-sonnet-4-5
personas:
  - persona_id: birdy
    display_name: Birdy
    status: active
    boards: [general, help]
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 8 || cfg.LogLevel != "debug" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Model != "claude-sonnet-4-5" {
		t.Fatalf("llm config not applied: %+v", cfg.LLM)
	}
	if cfg.LLM.FailoverThreshold != 5 {
		t.Fatalf("unset fields must keep defaults, got %d", cfg.LLM.FailoverThreshold)
	}
	if len(cfg.Personas) != 1 || cfg.Personas[0].PersonaID != "birdy" {
		t.Fatalf("personas not parsed: %+v", cfg.Personas)
	}
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	dir := withTempHome(t)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("worker_count: 8\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PERCH_WORKER_COUNT", "3")
	t.Setenv("PERCH_BIND_ADDR", "0.0.0.0:9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 3 || cfg.BindAddr != "0.0.0.0:9999" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestProviderAPIKey_EnvBeatsFile(t *testing.T) {
	cfg := Config{Providers: map[string]ProviderConfig{
		"anthropic": {APIKey: "from-file"},
	}}
	if got := cfg.ProviderAPIKey("anthropic"); got != "from-file" {
		t.Fatalf("expected file key, got %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	if got := cfg.ProviderAPIKey("anthropic"); got != "from-env" {
		t.Fatalf("expected env key, got %q", got)
	}
	if got := cfg.ProviderAPIKey("unknown"); got != "" {
		t.Fatalf("unknown provider must yield empty key, got %q", got)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("identical configs must share a fingerprint")
	}
	b.WorkerCount = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("changed config must change the fingerprint")
	}
}
