package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/drawproxy/internal/task"
)

// StoreConfig points at the durable task/account/keyword database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ChatBackendConfig configures the chat-platform bot backend.
type ChatBackendConfig struct {
	Token string `yaml:"token"`
}

// OfficialBackendConfig configures the official cloud API backend.
type OfficialBackendConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// PartnerBackendConfig configures the partner cloud API backend,
// including its optional local rehost sandbox.
type PartnerBackendConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	RehostSandboxEnabled bool   `yaml:"rehost_sandbox_enabled"`
	RehostSandboxImage   string `yaml:"rehost_sandbox_image"`
	RehostSandboxMemory  int64  `yaml:"rehost_sandbox_memory_mb"`
}

// BackendsConfig groups the three upstream backend family configs.
type BackendsConfig struct {
	Chat     ChatBackendConfig     `yaml:"chat"`
	Official OfficialBackendConfig `yaml:"official"`
	Partner  PartnerBackendConfig  `yaml:"partner"`
}

// TelemetryConfig configures the OpenTelemetry tracer/meter providers.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the daemon's full operational configuration. It is loaded
// from <home>/config.yaml, overridden by environment variables, and
// hot-reloaded by Watcher for the fields that support it (keyword sets
// and account-choose-rule).
type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount        int    `yaml:"worker_count"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	BindAddr           string `yaml:"bind_addr"`
	LogLevel           string `yaml:"log_level"`

	// AccountChooseRule selects C4's selection policy: BestWaitIdle,
	// Random, Weight or Polling.
	AccountChooseRule task.ChooseRule `yaml:"account-choose-rule"`
	// IdleBias tunes how strongly BestWaitIdle favors an idle account
	// over one with a shorter estimated wait. 1.0 is the selector's
	// own default weighting.
	IdleBias float64 `yaml:"idle_bias"`

	EnableVerticalDomain         bool `yaml:"enableVerticalDomain"`
	EnableUserCustomUploadBase64 bool `yaml:"enableUserCustomUploadBase64"`
	EnableSaveUserUploadLink     bool `yaml:"enableSaveUserUploadLink"`
	EnableYouChuanPromptLink     bool `yaml:"enableYouChuanPromptLink"`
	EnableConvertNijiToMj        bool `yaml:"enableConvertNijiToMj"`
	EnableVideo                  bool `yaml:"enableVideo"`

	// ForceRehostChatUploads mirrors the orchestrator flag that forces
	// re-hosting http(s) upload URLs even for chat-platform accounts.
	ForceRehostChatUploads bool `yaml:"force_rehost_chat_uploads"`

	// IPRateLimiting/IPBlackRateLimiting are not interpreted by the
	// core at all; they are carried through config load untouched for
	// the external HTTP gateway to consume (spec §1 Non-goals).
	IPRateLimiting      map[string]any `yaml:"ipRateLimiting"`
	IPBlackRateLimiting map[string]any `yaml:"ipBlackRateLimiting"`

	MaxQueueDepth       int `yaml:"max_queue_depth"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`
	RetentionAuditLogDays   int `yaml:"retention_audit_log_days"`
	RetentionMessagesDays   int `yaml:"retention_messages_days"`

	DomainCacheTTLMinutes     int `yaml:"domain_cache_ttl_minutes"`
	LeaseSweepIntervalSeconds int `yaml:"lease_sweep_interval_seconds"`

	Store     StoreConfig     `yaml:"store"`
	Backends  BackendsConfig  `yaml:"backends"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetAccountChooseRule updates account-choose-rule in config.yaml, preserving other settings.
func SetAccountChooseRule(homeDir string, rule task.ChooseRule) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["account-choose-rule"] = string(rule)
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config, useful for
// detecting whether a reload actually changed anything observable.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|bind=%s|log=%s|rule=%s|vdomain=%v|base64=%v",
		c.WorkerCount, c.TaskTimeoutSeconds, c.BindAddr, c.LogLevel,
		c.AccountChooseRule, c.EnableVerticalDomain, c.EnableUserCustomUploadBase64)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		WorkerCount:               16,
		TaskTimeoutSeconds:        int((10 * time.Minute).Seconds()),
		BindAddr:                  "127.0.0.1:18789",
		LogLevel:                  "info",
		AccountChooseRule:         task.ChooseBestWaitIdle,
		IdleBias:                  1.0,
		MaxQueueDepth:             100,
		DrainTimeoutSeconds:       5,
		RetentionTaskEventsDays:   90,
		RetentionAuditLogDays:     365,
		RetentionMessagesDays:     90,
		DomainCacheTTLMinutes:     30,
		LeaseSweepIntervalSeconds: 60,
		Store: StoreConfig{
			Path: "drawproxy.db",
		},
	}
}

// HomeDir returns the daemon's configuration directory, honoring the
// DRAWPROXY_HOME override before falling back to ~/.drawproxy.
func HomeDir() string {
	if override := os.Getenv("DRAWPROXY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".drawproxy")
}

// Load reads config.yaml from HomeDir, applies environment overrides,
// and fills in defaults for anything left unset.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create drawproxy home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18789"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	switch cfg.AccountChooseRule {
	case task.ChooseBestWaitIdle, task.ChooseRandom, task.ChooseWeight, task.ChoosePolling:
		// already a recognized rule
	default:
		cfg.AccountChooseRule = task.ChooseBestWaitIdle
	}
	if cfg.IdleBias <= 0 {
		cfg.IdleBias = 1.0
	}
	if cfg.DomainCacheTTLMinutes <= 0 {
		cfg.DomainCacheTTLMinutes = 30
	}
	if cfg.LeaseSweepIntervalSeconds <= 0 {
		cfg.LeaseSweepIntervalSeconds = 60
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "drawproxy.db"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DRAWPROXY_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("DRAWPROXY_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("DRAWPROXY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("DRAWPROXY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DRAWPROXY_ACCOUNT_CHOOSE_RULE"); raw != "" {
		cfg.AccountChooseRule = task.ChooseRule(raw)
	}
	if raw := os.Getenv("DRAWPROXY_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("DRAWPROXY_STORE_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("CHAT_BOT_TOKEN"); raw != "" {
		cfg.Backends.Chat.Token = raw
	}
	if raw := os.Getenv("OFFICIAL_API_KEY"); raw != "" {
		cfg.Backends.Official.APIKey = raw
	}
	if raw := os.Getenv("PARTNER_API_KEY"); raw != "" {
		cfg.Backends.Partner.APIKey = raw
	}
}
