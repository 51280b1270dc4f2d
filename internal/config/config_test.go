package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/drawproxy/internal/config"
	"github.com/basket/drawproxy/internal/task"
)

func TestLoad_FromDrawproxyHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	dph := filepath.Join(home, ".drawproxy")
	if err := os.MkdirAll(dph, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dph, "config.yaml"), []byte("worker_count: 3\ntask_timeout_seconds: 120\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerCount != 3 {
		t.Fatalf("expected worker_count=3 got %d", cfg.WorkerCount)
	}
	if cfg.TaskTimeoutSeconds != 120 {
		t.Fatalf("expected task_timeout_seconds=120 got %d", cfg.TaskTimeoutSeconds)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	dph := filepath.Join(home, ".drawproxy")
	if err := os.MkdirAll(dph, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dph, "config.yaml"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AccountChooseRule != task.ChooseBestWaitIdle {
		t.Fatalf("expected default account-choose-rule=BestWaitIdle, got %q", cfg.AccountChooseRule)
	}
	if cfg.BindAddr != "127.0.0.1:18789" {
		t.Fatalf("expected default bind_addr=127.0.0.1:18789, got %q", cfg.BindAddr)
	}
	if cfg.DomainCacheTTLMinutes != 30 {
		t.Fatalf("expected default domain_cache_ttl_minutes=30, got %d", cfg.DomainCacheTTLMinutes)
	}
	if cfg.Store.Path != "drawproxy.db" {
		t.Fatalf("expected default store path drawproxy.db, got %q", cfg.Store.Path)
	}
}

func TestLoad_TelemetrySection(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	dph := filepath.Join(home, ".drawproxy")
	if err := os.MkdirAll(dph, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yaml := "telemetry:\n  enabled: true\n  exporter: otlphttp\n  endpoint: localhost:4318\n  service_name: drawproxy\n  sample_rate: 0.5\n"
	if err := os.WriteFile(filepath.Join(dph, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Telemetry.Enabled {
		t.Fatalf("expected telemetry.enabled=true")
	}
	if cfg.Telemetry.Exporter != "otlphttp" {
		t.Fatalf("expected exporter=otlphttp, got %q", cfg.Telemetry.Exporter)
	}
	if cfg.Telemetry.Endpoint != "localhost:4318" {
		t.Fatalf("expected endpoint=localhost:4318, got %q", cfg.Telemetry.Endpoint)
	}
	if cfg.Telemetry.SampleRate != 0.5 {
		t.Fatalf("expected sample_rate=0.5, got %v", cfg.Telemetry.SampleRate)
	}
}

func TestLoad_TelemetryDefaultsDisabled(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	dph := filepath.Join(home, ".drawproxy")
	if err := os.MkdirAll(dph, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dph, "config.yaml"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Telemetry.Enabled {
		t.Fatalf("expected telemetry disabled by default")
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	dph := filepath.Join(home, ".drawproxy")
	if err := os.MkdirAll(dph, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dph, "config.yaml"), []byte("worker_count: 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("DRAWPROXY_WORKER_COUNT", "9")
	t.Setenv("DRAWPROXY_ACCOUNT_CHOOSE_RULE", "Random")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerCount != 9 {
		t.Fatalf("expected env override worker_count=9 got %d", cfg.WorkerCount)
	}
	if cfg.AccountChooseRule != task.ChooseRandom {
		t.Fatalf("expected env override account-choose-rule=Random got %q", cfg.AccountChooseRule)
	}
}

func TestLoad_FeatureFlagsFromYAML(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	dph := filepath.Join(home, ".drawproxy")
	if err := os.MkdirAll(dph, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yamlContent := "enableVerticalDomain: true\nenableUserCustomUploadBase64: true\nenableConvertNijiToMj: true\n"
	if err := os.WriteFile(filepath.Join(dph, "config.yaml"), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.EnableVerticalDomain || !cfg.EnableUserCustomUploadBase64 || !cfg.EnableConvertNijiToMj {
		t.Fatalf("expected feature flags to round-trip from yaml, got %+v", cfg)
	}
}

func TestLoad_IPRateLimitingPassedThroughUntouched(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	dph := filepath.Join(home, ".drawproxy")
	if err := os.MkdirAll(dph, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yamlContent := "ipRateLimiting:\n  requests_per_minute: 60\nipBlackRateLimiting:\n  ban_threshold: 5\n"
	if err := os.WriteFile(filepath.Join(dph, "config.yaml"), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IPRateLimiting["requests_per_minute"] != 60 {
		t.Fatalf("expected ipRateLimiting passed through untouched, got %+v", cfg.IPRateLimiting)
	}
	if cfg.IPBlackRateLimiting["ban_threshold"] != 5 {
		t.Fatalf("expected ipBlackRateLimiting passed through untouched, got %+v", cfg.IPBlackRateLimiting)
	}
}

func TestLoad_BackendCredentialsFromEnv(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("CHAT_BOT_TOKEN", "chat-token")
	t.Setenv("OFFICIAL_API_KEY", "official-key")
	t.Setenv("PARTNER_API_KEY", "partner-key")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backends.Chat.Token != "chat-token" {
		t.Fatalf("expected chat token from env, got %q", cfg.Backends.Chat.Token)
	}
	if cfg.Backends.Official.APIKey != "official-key" {
		t.Fatalf("expected official api key from env, got %q", cfg.Backends.Official.APIKey)
	}
	if cfg.Backends.Partner.APIKey != "partner-key" {
		t.Fatalf("expected partner api key from env, got %q", cfg.Backends.Partner.APIKey)
	}
}

func TestSetAccountChooseRule_WritesConfig(t *testing.T) {
	homeDir := t.TempDir()
	configPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(configPath, []byte("worker_count: 4\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	if err := config.SetAccountChooseRule(homeDir, task.ChooseWeight); err != nil {
		t.Fatalf("SetAccountChooseRule: %v", err)
	}

	t.Setenv("DRAWPROXY_HOME", homeDir)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.AccountChooseRule != task.ChooseWeight {
		t.Fatalf("expected account-choose-rule=Weight, got %q", cfg.AccountChooseRule)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("expected worker_count=4 preserved, got %d", cfg.WorkerCount)
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	a := config.Config{WorkerCount: 4, BindAddr: "127.0.0.1:1"}
	b := config.Config{WorkerCount: 8, BindAddr: "127.0.0.1:1"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected different fingerprints for different configs")
	}
}
