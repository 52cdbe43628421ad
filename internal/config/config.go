package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig                `mapstructure:"app"`
	LLM          LLMConfig                `mapstructure:"llm"`
	Orchestrator OrchestratorConfig       `mapstructure:"orchestrator"`
	Breakers     map[string]BreakerConfig `mapstructure:"circuit_breaker"`
	Cache        CacheConfig              `mapstructure:"cache"`
	Risk         RiskConfig               `mapstructure:"risk"`
	ACE          ACEConfig                `mapstructure:"ace"`
	Alpha        AlphaConfig              `mapstructure:"alpha"`
	Audit        AuditConfig              `mapstructure:"audit"`
	Governance   GovernanceConfig         `mapstructure:"governance"`
	Monitoring   MonitoringConfig         `mapstructure:"monitoring"`
	NATS         NATSConfig               `mapstructure:"nats"`
	Agents       map[string]AgentConfig   `mapstructure:"agents"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// LLMConfig contains LLM gateway settings
type LLMConfig struct {
	BaseURL        string  `mapstructure:"base_url"`        // "http://localhost:8080/v1/chat/completions"
	APIKey         string  `mapstructure:"api_key"`         // optional bearer token
	RoutingModel   string  `mapstructure:"routing_model"`   // small, low-temperature classifier
	ReasoningModel string  `mapstructure:"reasoning_model"` // main analyst model
	RiskModel      string  `mapstructure:"risk_model"`      // contrarian critic model
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Timeout        int     `mapstructure:"timeout"` // ms
}

// OrchestratorConfig contains lifecycle timing settings
type OrchestratorConfig struct {
	SpecialistTimeoutMS   int `mapstructure:"specialist_timeout_ms"`
	OrchestratorTimeoutMS int `mapstructure:"orchestrator_timeout_ms"`
	AttributionDelayMS    int `mapstructure:"attribution_delay_ms"`
	HistoryWindow         int `mapstructure:"history_window"` // prior interactions scanned for tickers
}

// BreakerConfig contains per-resource circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	RecoveryTimeoutS int `mapstructure:"recovery_timeout_s"`
	HalfOpenMaxCalls int `mapstructure:"half_open_max_calls"`
}

// CacheConfig contains cache backend and TTL settings
type CacheConfig struct {
	RedisURL string         `mapstructure:"redis_url"` // empty = in-memory cache
	TTL      map[string]int `mapstructure:"ttl"`       // domain -> seconds
}

// RiskConfig contains deterministic risk gate settings
type RiskConfig struct {
	PositionSizeLimitPct float64 `mapstructure:"position_size_limit_pct"` // 5 = 5% of portfolio
	WashSaleWindowDays   int     `mapstructure:"wash_sale_window_days"`
}

// ACEConfig contains adversarial confidence scoring factors
type ACEConfig struct {
	TurnPenalty     float64 `mapstructure:"turn_penalty"`
	BlockFactor     float64 `mapstructure:"block_factor"`
	FlagFactor      float64 `mapstructure:"flag_factor"`
	ResolutionBonus float64 `mapstructure:"resolution_bonus"`
}

// AlphaConfig contains alpha audit store settings
type AlphaConfig struct {
	ClickHouseDSN   string `mapstructure:"clickhouse_dsn"` // empty = in-memory store
	BatchSize       int    `mapstructure:"batch_size"`
	FlushIntervalMS int    `mapstructure:"flush_interval_ms"`
}

// AuditConfig contains hash-chained audit log settings
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// GovernanceConfig contains the per-sender policy table
type GovernanceConfig struct {
	PolicyFile string                       `mapstructure:"policy_file"` // optional YAML policy file
	Policies   map[string]AgentPolicyConfig `mapstructure:"policies"`
}

// AgentPolicyConfig declares what one sender may do on the bus
type AgentPolicyConfig struct {
	Capabilities      []string `mapstructure:"capabilities"`
	AllowedRecipients []string `mapstructure:"allowed_recipients"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// NATSConfig contains the optional event bridge settings
type NATSConfig struct {
	URL string `mapstructure:"url"` // empty = bridge disabled
}

// AgentConfig contains per-specialist overrides
type AgentConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	TimeoutS  int  `mapstructure:"timeout_s"`   // 0 = envelope default
	CacheTTLS int  `mapstructure:"cache_ttl_s"` // 0 = envelope default
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("ALPHADESK")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "AlphaDesk")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// LLM defaults
	v.SetDefault("llm.base_url", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("llm.routing_model", "qwen2.5-3b-instruct")
	v.SetDefault("llm.reasoning_model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.risk_model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.timeout", 30000)

	// Orchestrator defaults
	v.SetDefault("orchestrator.specialist_timeout_ms", 15000)
	v.SetDefault("orchestrator.orchestrator_timeout_ms", 60000)
	v.SetDefault("orchestrator.attribution_delay_ms", 2000)
	v.SetDefault("orchestrator.history_window", 5)

	// Circuit breaker defaults; per-resource sections override
	v.SetDefault("circuit_breaker.default.failure_threshold", 3)
	v.SetDefault("circuit_breaker.default.recovery_timeout_s", 30)
	v.SetDefault("circuit_breaker.default.half_open_max_calls", 1)

	// Cache TTL defaults (seconds)
	v.SetDefault("cache.ttl.default", 300)
	v.SetDefault("cache.ttl.quant", 60)
	v.SetDefault("cache.ttl.price", 60)
	v.SetDefault("cache.ttl.portfolio", 3600)

	// Risk defaults
	v.SetDefault("risk.position_size_limit_pct", 5.0)
	v.SetDefault("risk.wash_sale_window_days", 30)

	// ACE defaults
	v.SetDefault("ace.turn_penalty", 0.1)
	v.SetDefault("ace.block_factor", 0.2)
	v.SetDefault("ace.flag_factor", 0.6)
	v.SetDefault("ace.resolution_bonus", 0.05)

	// Alpha audit defaults
	v.SetDefault("alpha.batch_size", 100)
	v.SetDefault("alpha.flush_interval_ms", 1000)

	// Audit log defaults
	v.SetDefault("audit.path", "alphadesk_audit.jsonl")

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetTimeout returns the LLM timeout as time.Duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// SpecialistTimeout returns the default per-specialist deadline
func (c *OrchestratorConfig) SpecialistTimeout() time.Duration {
	return time.Duration(c.SpecialistTimeoutMS) * time.Millisecond
}

// Timeout returns the top-level run deadline
func (c *OrchestratorConfig) Timeout() time.Duration {
	return time.Duration(c.OrchestratorTimeoutMS) * time.Millisecond
}

// AttributionDelay returns the pause before the post-run attribution job
func (c *OrchestratorConfig) AttributionDelay() time.Duration {
	return time.Duration(c.AttributionDelayMS) * time.Millisecond
}

// TTLFor returns the cache TTL for a domain, falling back to "default"
func (c *CacheConfig) TTLFor(domain string) time.Duration {
	if s, ok := c.TTL[domain]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	if s, ok := c.TTL["default"]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	return 300 * time.Second
}

// BreakerFor returns breaker settings for a resource, falling back to "default"
func (c *Config) BreakerFor(resource string) BreakerConfig {
	if b, ok := c.Breakers[resource]; ok {
		return b
	}
	if b, ok := c.Breakers["default"]; ok {
		return b
	}
	return BreakerConfig{FailureThreshold: 3, RecoveryTimeoutS: 30, HalfOpenMaxCalls: 1}
}

// WashSaleWindow returns the wash-sale lookback as time.Duration
func (c *RiskConfig) WashSaleWindow() time.Duration {
	return time.Duration(c.WashSaleWindowDays) * 24 * time.Hour
}
