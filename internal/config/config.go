// Package config loads orchestrator configuration. Every heuristic constant
// (similarity thresholds, score weights, retry ceilings, backoff bases) is a
// named, overridable setting rather than a literal buried in code.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration of the orchestrator service.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Synthesis  SynthesisConfig  `mapstructure:"synthesis"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Store      StoreConfig      `mapstructure:"store"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServiceConfig carries service-level knobs.
type ServiceConfig struct {
	AdminPort       int           `mapstructure:"admin_port"`
	Retention       time.Duration `mapstructure:"retention"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	AgentRoutingPath string       `mapstructure:"agent_routing_path"`
}

// SchedulerConfig carries dispatch behavior.
type SchedulerConfig struct {
	DeadlineFloor      time.Duration `mapstructure:"deadline_floor"`
	DispatchRPS        float64       `mapstructure:"dispatch_rps"`
	DispatchBurst      int           `mapstructure:"dispatch_burst"`
	EventBuffer        int           `mapstructure:"event_buffer"`
}

// RecoveryConfig carries retry ceilings, backoff, and escalation thresholds.
type RecoveryConfig struct {
	MaxRetriesTemporary        int           `mapstructure:"max_retries_temporary"`
	MaxRetriesRateLimit        int           `mapstructure:"max_retries_rate_limit"`
	MaxRetriesAgentUnavailable int           `mapstructure:"max_retries_agent_unavailable"`
	MaxRetriesDataQuality      int           `mapstructure:"max_retries_data_quality"`
	BackoffBase                time.Duration `mapstructure:"backoff_base"`
	BackoffCap                 time.Duration `mapstructure:"backoff_cap"`
	RateLimitBackoffBase       time.Duration `mapstructure:"rate_limit_backoff_base"`
	RateLimitBackoffCap        time.Duration `mapstructure:"rate_limit_backoff_cap"`
	CriticalPathPriority       int           `mapstructure:"critical_path_priority"`
	UnblockEscalationCount     int           `mapstructure:"unblock_escalation_count"`
	DependentEscalationCount   int           `mapstructure:"dependent_escalation_count"`
}

// AggregatorConfig carries clustering and confidence constants.
type AggregatorConfig struct {
	ClusterThreshold    float64 `mapstructure:"cluster_threshold"`
	EvidenceRedundancy  float64 `mapstructure:"evidence_redundancy"`
	ConsistencyBonusCap float64 `mapstructure:"consistency_bonus_cap"`
	DiversityBonusCap   float64 `mapstructure:"diversity_bonus_cap"`
}

// QualityConfig carries score weights and issue thresholds. The weights are
// empirically chosen; keeping them here makes them auditable and overridable.
type QualityConfig struct {
	WeightCredibility     float64 `mapstructure:"weight_credibility"`
	WeightConsistency     float64 `mapstructure:"weight_consistency"`
	WeightCrossValidation float64 `mapstructure:"weight_cross_validation"`
	WeightRecency         float64 `mapstructure:"weight_recency"`
	WeightCompleteness    float64 `mapstructure:"weight_completeness"`

	MinCredibility     float64 `mapstructure:"min_credibility"`
	MinConsistency     float64 `mapstructure:"min_consistency"`
	MinCrossValidation float64 `mapstructure:"min_cross_validation"`
	MinRecency         float64 `mapstructure:"min_recency"`
	MinCompleteness    float64 `mapstructure:"min_completeness"`

	ConfirmationBiasFindings int     `mapstructure:"confirmation_bias_findings"`
	RecencyBiasShare         float64 `mapstructure:"recency_bias_share"`
	GeographicBiasShare      float64 `mapstructure:"geographic_bias_share"`
	GeographicBiasMinDomains int     `mapstructure:"geographic_bias_min_domains"`
}

// SynthesisConfig carries consensus thresholds. ScopeThreshold is the
// polarity-neutral similarity above which two claims are considered to talk
// about the same thing.
type SynthesisConfig struct {
	ConfirmedLevel          float64 `mapstructure:"confirmed_level"`
	PartiallyConfirmedLevel float64 `mapstructure:"partially_confirmed_level"`
	ScopeThreshold          float64 `mapstructure:"scope_threshold"`
}

// ProgressConfig carries progress estimation constants.
type ProgressConfig struct {
	EMAAlpha        float64 `mapstructure:"ema_alpha"`
	DelayRiskFactor float64 `mapstructure:"delay_risk_factor"`
}

// StoreConfig selects the optional persistence backend. Backend "memory" (or
// empty) keeps state in process only; that degradation is deliberate.
type StoreConfig struct {
	Backend   string `mapstructure:"backend"` // memory|redis|postgres|sqlite
	RedisAddr string `mapstructure:"redis_addr"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	SQLitePath  string `mapstructure:"sqlite_path"`
}

// TracingConfig carries OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig carries logger settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from path (optional) with env overrides
// (MERIDIAN_* keys, e.g. MERIDIAN_STORE_BACKEND) on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("MERIDIAN_CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.admin_port", 8081)
	v.SetDefault("service.retention", "1h")
	v.SetDefault("service.sweep_interval", "5m")
	v.SetDefault("service.agent_routing_path", "")

	v.SetDefault("scheduler.deadline_floor", "30s")
	v.SetDefault("scheduler.dispatch_rps", 10.0)
	v.SetDefault("scheduler.dispatch_burst", 5)
	v.SetDefault("scheduler.event_buffer", 256)

	v.SetDefault("recovery.max_retries_temporary", 3)
	v.SetDefault("recovery.max_retries_rate_limit", 5)
	v.SetDefault("recovery.max_retries_agent_unavailable", 2)
	v.SetDefault("recovery.max_retries_data_quality", 1)
	v.SetDefault("recovery.backoff_base", "1s")
	v.SetDefault("recovery.backoff_cap", "30s")
	v.SetDefault("recovery.rate_limit_backoff_base", "30s")
	v.SetDefault("recovery.rate_limit_backoff_cap", "300s")
	v.SetDefault("recovery.critical_path_priority", 2)
	v.SetDefault("recovery.unblock_escalation_count", 3)
	v.SetDefault("recovery.dependent_escalation_count", 5)

	v.SetDefault("aggregator.cluster_threshold", 0.6)
	v.SetDefault("aggregator.evidence_redundancy", 0.8)
	v.SetDefault("aggregator.consistency_bonus_cap", 0.2)
	v.SetDefault("aggregator.diversity_bonus_cap", 0.1)

	v.SetDefault("quality.weight_credibility", 0.3)
	v.SetDefault("quality.weight_consistency", 0.25)
	v.SetDefault("quality.weight_cross_validation", 0.25)
	v.SetDefault("quality.weight_recency", 0.1)
	v.SetDefault("quality.weight_completeness", 0.1)
	v.SetDefault("quality.min_credibility", 0.6)
	v.SetDefault("quality.min_consistency", 0.7)
	v.SetDefault("quality.min_cross_validation", 0.5)
	v.SetDefault("quality.min_recency", 0.6)
	v.SetDefault("quality.min_completeness", 0.8)
	v.SetDefault("quality.confirmation_bias_findings", 2)
	v.SetDefault("quality.recency_bias_share", 0.8)
	v.SetDefault("quality.geographic_bias_share", 0.7)
	v.SetDefault("quality.geographic_bias_min_domains", 5)

	v.SetDefault("synthesis.confirmed_level", 0.8)
	v.SetDefault("synthesis.partially_confirmed_level", 0.5)
	v.SetDefault("synthesis.scope_threshold", 0.5)

	v.SetDefault("progress.ema_alpha", 0.3)
	v.SetDefault("progress.delay_risk_factor", 0.9)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.sqlite_path", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")

	v.SetDefault("logging.level", "info")
}

// Validate rejects configurations that would break engine invariants.
func (c *Config) Validate() error {
	sum := c.Quality.WeightCredibility + c.Quality.WeightConsistency +
		c.Quality.WeightCrossValidation + c.Quality.WeightRecency + c.Quality.WeightCompleteness
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("quality weights must sum to 1.0, got %.3f", sum)
	}
	if c.Aggregator.ClusterThreshold <= 0 || c.Aggregator.ClusterThreshold > 1 {
		return fmt.Errorf("aggregator.cluster_threshold %.2f out of (0,1]", c.Aggregator.ClusterThreshold)
	}
	if c.Progress.EMAAlpha <= 0 || c.Progress.EMAAlpha > 1 {
		return fmt.Errorf("progress.ema_alpha %.2f out of (0,1]", c.Progress.EMAAlpha)
	}
	if c.Recovery.BackoffBase <= 0 || c.Recovery.BackoffCap < c.Recovery.BackoffBase {
		return fmt.Errorf("recovery backoff base/cap misconfigured")
	}
	switch c.Store.Backend {
	case "", "memory", "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}
