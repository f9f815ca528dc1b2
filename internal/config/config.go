// Package config loads and validates the runtime's YAML configuration: the
// flags spec.md §6 names (default_deny, enable_caching, cache_ttl_secs,
// enable_audit, enforce_verification, allow_unverified_in_dev,
// verification_timeout_seconds, max_concurrent_agents, health_check_interval,
// fail_fast) plus the schedule/store connection settings the runtime needs to
// wire C1-C15 at startup.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root runtime configuration document.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Policy        PolicyConfig        `yaml:"policy"`
	Verification  VerificationConfig  `yaml:"verification"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Cron          CronConfig          `yaml:"cron"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the operational HTTP surface (metrics endpoint;
// the workflow/agent HTTP API itself is an out-of-scope collaborator per
// spec.md §1, consuming this only for its bind address).
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig points at the sqlite files backing persisted state
// (spec.md §6): the cron jobs/run-records tables and the pinned tool-schema
// key store.
type DatabaseConfig struct {
	CronDBPath   string `yaml:"cron_db_path"`
	KeyStorePath string `yaml:"key_store_path"`
}

// LLMConfig configures the inference providers C6 constructs at startup.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig is one provider entry under llm.providers.
type LLMProviderConfig struct {
	APIKey       string  `yaml:"api_key"`
	DefaultModel string  `yaml:"default_model"`
	BaseURL      string  `yaml:"base_url"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float32 `yaml:"temperature"`
}

// PolicyConfig maps onto internal/policyengine.Config.
type PolicyConfig struct {
	DefaultDeny   bool   `yaml:"default_deny"`
	EnableCaching bool   `yaml:"enable_caching"`
	CacheTTLSecs  int    `yaml:"cache_ttl_secs"`
	EnableAudit   bool   `yaml:"enable_audit"`
	AuditMode     string `yaml:"audit_mode"` // "strict" | "permissive"
	RulesPath     string `yaml:"rules_path"`
}

// VerificationConfig maps onto internal/schemaverify and internal/enforcer.
type VerificationConfig struct {
	EnforcementPolicy           string `yaml:"enforcement_policy"` // strict|permissive|development|disabled
	EnforceVerification         bool   `yaml:"enforce_verification"`
	AllowUnverifiedInDev        bool   `yaml:"allow_unverified_in_dev"`
	VerificationTimeoutSeconds  int    `yaml:"verification_timeout_seconds"`
	BlockFailed                 bool   `yaml:"block_failed"`
	BlockPending                bool   `yaml:"block_pending"`
	MaxWarningsBeforeEscalation int    `yaml:"max_warnings_before_escalation"`
}

// SchedulerConfig maps onto internal/scheduler.Config and its LoadBalancer capacity.
type SchedulerConfig struct {
	MaxConcurrentAgents int           `yaml:"max_concurrent_agents"`
	DispatchInterval    time.Duration `yaml:"dispatch_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	Capacity            ResourceCaps  `yaml:"capacity"`
}

// ResourceCaps bounds the scheduler's LoadBalancer. Zero means unbounded.
type ResourceCaps struct {
	MaxMemoryMB int `yaml:"max_memory_mb"`
	MaxCPUCores int `yaml:"max_cpu_cores"`
	DiskSpaceMB int `yaml:"disk_space_mb"`
	NetworkMbps int `yaml:"network_mbps"`
}

// CronConfig configures C12: whether the tick loop runs and the seed jobs it loads.
type CronConfig struct {
	Enabled      bool            `yaml:"enabled"`
	TickInterval time.Duration   `yaml:"tick_interval"`
	Jobs         []CronJobConfig `yaml:"jobs"`
}

// CronJobConfig is one seed job definition. AgentName references an agent
// definition the DSL parser (an out-of-scope collaborator) has already
// produced; the runtime resolves it through an injected agent lookup.
type CronJobConfig struct {
	ID        string             `yaml:"id"`
	Name      string             `yaml:"name"`
	AgentName string             `yaml:"agent"`
	Schedule  CronScheduleConfig `yaml:"schedule"`
	OneShot   bool               `yaml:"one_shot"`
	PolicyIDs []string           `yaml:"policy_ids"`
	Delivery  CronDeliveryConfig `yaml:"delivery"`
}

// CronScheduleConfig defines when a job runs: a six-field cron expression,
// an "every" interval, or a one-shot "at" instant, interpreted in Timezone.
type CronScheduleConfig struct {
	Cron     string        `yaml:"cron"`
	Every    time.Duration `yaml:"every"`
	At       string        `yaml:"at"`
	Timezone string        `yaml:"timezone"`
}

// CronDeliveryConfig is the YAML shape of a job's delivery configuration;
// internal/runtime translates it into internal/cron.DeliveryConfig.
type CronDeliveryConfig struct {
	FailFast bool                `yaml:"fail_fast"`
	Channels []CronChannelConfig `yaml:"channels"`
}

// CronChannelConfig is one delivery channel entry. Kind selects which of the
// other fields apply: "stdout", "log_file", "webhook", "slack", "email",
// "channel_adapter", or "custom".
type CronChannelConfig struct {
	Kind string `yaml:"kind"`

	Path string `yaml:"path"` // log_file

	URL        string            `yaml:"url"` // webhook, slack
	Method     string            `yaml:"method"`
	Headers    map[string]string `yaml:"headers"`
	RetryCount int               `yaml:"retry_count"`
	Timeout    time.Duration     `yaml:"timeout"`
	Channel    string            `yaml:"channel"` // slack channel override

	SMTPHost string `yaml:"smtp_host"` // email
	SMTPPort int    `yaml:"smtp_port"`
	To       string `yaml:"to"`
	From     string `yaml:"from"`
	Subject  string `yaml:"subject"`

	AdapterName string `yaml:"adapter_name"` // channel_adapter
	ChannelID   string `yaml:"channel_id"`
	ThreadID    string `yaml:"thread_id"`

	HandlerName string         `yaml:"handler_name"` // custom
	HandlerArgs map[string]any `yaml:"handler_args"`
}

// LoggingConfig configures internal/observability's structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing, mirroring
// internal/observability.TraceConfig.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
}

// Load reads, merges $include directives, decodes, applies environment
// overrides, defaults, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.CronDBPath == "" {
		cfg.Database.CronDBPath = "symbiont-cron.db"
	}
	if cfg.Database.KeyStorePath == "" {
		cfg.Database.KeyStorePath = "symbiont-keys.db"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Policy.CacheTTLSecs == 0 {
		cfg.Policy.CacheTTLSecs = 30
	}
	if cfg.Policy.AuditMode == "" {
		cfg.Policy.AuditMode = "permissive"
	}
	if cfg.Verification.EnforcementPolicy == "" {
		cfg.Verification.EnforcementPolicy = "strict"
	}
	if cfg.Verification.VerificationTimeoutSeconds == 0 {
		cfg.Verification.VerificationTimeoutSeconds = 5
	}
	if cfg.Verification.MaxWarningsBeforeEscalation == 0 {
		cfg.Verification.MaxWarningsBeforeEscalation = 10
	}
	if cfg.Scheduler.MaxConcurrentAgents == 0 {
		cfg.Scheduler.MaxConcurrentAgents = 10
	}
	if cfg.Scheduler.DispatchInterval == 0 {
		cfg.Scheduler.DispatchInterval = 100 * time.Millisecond
	}
	if cfg.Scheduler.HealthCheckInterval == 0 {
		cfg.Scheduler.HealthCheckInterval = 5 * time.Second
	}
	if cfg.Cron.TickInterval == 0 {
		cfg.Cron.TickInterval = time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "symbiont"
	}
}

// applyEnvOverrides applies the small set of environment variables the
// teacher's deployment convention recognizes for operational overrides
// without editing the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SYMBIONT_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SYMBIONT_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = n
		}
	}
	if v := os.Getenv("SYMBIONT_CRON_DB_PATH"); v != "" {
		cfg.Database.CronDBPath = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		setProviderKey(cfg, "anthropic", v)
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		setProviderKey(cfg, "openai", v)
	}
}

func setProviderKey(cfg *Config, name, key string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	p := cfg.LLM.Providers[name]
	if p.APIKey == "" {
		p.APIKey = key
		cfg.LLM.Providers[name] = p
	}
}

// ConfigValidationError reports a single configuration field failing validation.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func validateConfig(cfg *Config) error {
	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			return &ConfigValidationError{Field: "llm.default_provider", Reason: fmt.Sprintf("no provider entry named %q", cfg.LLM.DefaultProvider)}
		}
	}
	switch strings.ToLower(cfg.Policy.AuditMode) {
	case "strict", "permissive":
	default:
		return &ConfigValidationError{Field: "policy.audit_mode", Reason: "must be strict or permissive"}
	}
	switch strings.ToLower(cfg.Verification.EnforcementPolicy) {
	case "strict", "permissive", "development", "disabled":
	default:
		return &ConfigValidationError{Field: "verification.enforcement_policy", Reason: "must be strict, permissive, development, or disabled"}
	}
	if cfg.Scheduler.MaxConcurrentAgents < 0 {
		return &ConfigValidationError{Field: "scheduler.max_concurrent_agents", Reason: "must not be negative"}
	}
	for i, job := range cfg.Cron.Jobs {
		if strings.TrimSpace(job.Name) == "" {
			return &ConfigValidationError{Field: fmt.Sprintf("cron.jobs[%d].name", i), Reason: "must not be empty"}
		}
		if strings.TrimSpace(job.Schedule.Cron) == "" && job.Schedule.Every == 0 && strings.TrimSpace(job.Schedule.At) == "" {
			return &ConfigValidationError{Field: fmt.Sprintf("cron.jobs[%d].schedule", i), Reason: "must set cron, every, or at"}
		}
		for j, ch := range job.Delivery.Channels {
			if strings.TrimSpace(ch.Kind) == "" {
				return &ConfigValidationError{Field: fmt.Sprintf("cron.jobs[%d].delivery.channels[%d].kind", i, j), Reason: "must not be empty"}
			}
		}
	}
	return nil
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	return &cfg, nil
}

// resolveRelative joins a path relative to the directory containing base,
// unless path is already absolute.
func resolveRelative(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(base), path)
}
