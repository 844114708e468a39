package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. LEDGERLINK_AGENT_AUTO_SYNC
const EnvPrefix = "LEDGERLINK"

// Config is the complete engine configuration. It is built once by Load and
// passed to every component at construction time.
type Config struct {
	Storage   StorageConfig   `yaml:"storage" split_words:"true"`
	RateLimit RateLimitConfig `yaml:"ratelimit" split_words:"true"`
	Queue     QueueConfig     `yaml:"queue" split_words:"true"`
	Workers   WorkersConfig   `yaml:"workers" split_words:"true"`
	Agent     AgentConfig     `yaml:"agent" split_words:"true"`
	Drift     DriftConfig     `yaml:"drift" split_words:"true"`
	Replay    ReplayConfig    `yaml:"replay" split_words:"true"`
	API       APIConfig       `yaml:"api" split_words:"true"`
	Ledger    LedgerConfig    `yaml:"ledger" split_words:"true"`
	Log       LogConfig       `yaml:"log" split_words:"true"`

	Providers map[types.Provider]ProviderConfig `yaml:"providers" ignored:"true"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" split_words:"true"` // "bolt" or "postgres"
	Path   string `yaml:"path" split_words:"true"`   // bolt data directory
	DSN    string `yaml:"dsn" split_words:"true"`    // postgres connection string
}

type RateLimitConfig struct {
	Backend  string `yaml:"backend" split_words:"true"` // "store" or "redis"
	RedisURL string `yaml:"redis_url" split_words:"true"`
}

type QueueConfig struct {
	Retention time.Duration `yaml:"retention" split_words:"true"`
}

type WorkersConfig struct {
	Count     int           `yaml:"count" split_words:"true"`
	BatchSize int           `yaml:"batch_size" split_words:"true"`
	Idle      time.Duration `yaml:"idle" split_words:"true"` // pause when the queue is empty
}

type AgentConfig struct {
	AutoHeal      bool `yaml:"auto_heal" split_words:"true"`
	AutoSync      bool `yaml:"auto_sync" split_words:"true"`
	AutoReconcile bool `yaml:"auto_reconcile" split_words:"true"`

	Interval            time.Duration `yaml:"interval" split_words:"true"`
	StaleAfter          time.Duration `yaml:"stale_after" split_words:"true"` // in-flight jobs older than this are stuck
	DeadLetterThreshold int           `yaml:"dead_letter_threshold" split_words:"true"`
	SaturationDegraded  float64       `yaml:"saturation_degraded" split_words:"true"`
	DriftStaleAfter     time.Duration `yaml:"drift_stale_after" split_words:"true"`
}

type DriftConfig struct {
	ToleranceCents int64   `yaml:"tolerance_cents" split_words:"true"`
	ToleranceHours float64 `yaml:"tolerance_hours" split_words:"true"`
	ToleranceUnits float64 `yaml:"tolerance_units" split_words:"true"`

	// Targets lists the (provider, metric) pairs audited by reconcile
	Targets []DriftTarget `yaml:"targets" ignored:"true"`
}

type DriftTarget struct {
	Provider types.Provider `yaml:"provider"`
	Metric   types.Metric   `yaml:"metric"`
}

type ReplayConfig struct {
	BatchSize       int           `yaml:"batch_size" split_words:"true"`
	InterBatchDelay time.Duration `yaml:"inter_batch_delay" split_words:"true"`
}

type APIConfig struct {
	Addr     string `yaml:"addr" split_words:"true"`
	GRPCAddr string `yaml:"grpc_addr" split_words:"true"`
}

type LedgerConfig struct {
	DSN string `yaml:"dsn" split_words:"true"`
}

type LogConfig struct {
	Level string `yaml:"level" split_words:"true"`
	JSON  bool   `yaml:"json" split_words:"true"`
}

// ProviderConfig describes how to reach one provider and how hard to retry it
type ProviderConfig struct {
	BaseURL   string        `yaml:"base_url"`
	HealthURL string        `yaml:"health_url"`
	Timeout   time.Duration `yaml:"timeout"`
	TenantID  string        `yaml:"tenant_id"`

	Token    string       `yaml:"token"`
	TokenEnv string       `yaml:"token_env"` // read at load time when Token is empty
	OAuth    *OAuthConfig `yaml:"oauth"`

	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	MaxAttempts int           `yaml:"max_attempts"`

	RateLimit RateLimitPolicy `yaml:"rate_limit"`
}

// OAuthConfig enables the client-credentials flow for a provider
type OAuthConfig struct {
	TokenURL        string   `yaml:"token_url"`
	ClientID        string   `yaml:"client_id"`
	ClientSecret    string   `yaml:"client_secret"`
	ClientSecretEnv string   `yaml:"client_secret_env"`
	Scopes          []string `yaml:"scopes"`
}

// RateLimitPolicy is the per-provider call allowance
type RateLimitPolicy struct {
	Mode   string        `yaml:"mode"` // "fixed" or "sliding"
	Calls  int           `yaml:"calls"`
	Window time.Duration `yaml:"window"`
}

const (
	ModeFixed   = "fixed"
	ModeSliding = "sliding"
)

// Default returns a Config with sensible defaults for a single-node install
func Default() Config {
	return Config{
		Storage:   StorageConfig{Driver: "bolt", Path: "./ledgerlink-data"},
		RateLimit: RateLimitConfig{Backend: "store"},
		Queue:     QueueConfig{Retention: 30 * 24 * time.Hour},
		Workers:   WorkersConfig{Count: 4, BatchSize: 10, Idle: 2 * time.Second},
		Agent: AgentConfig{
			AutoHeal:            true,
			AutoSync:            false,
			AutoReconcile:       false,
			Interval:            time.Minute,
			StaleAfter:          10 * time.Minute,
			DeadLetterThreshold: 25,
			SaturationDegraded:  0.9,
			DriftStaleAfter:     24 * time.Hour,
		},
		Drift: DriftConfig{
			ToleranceCents: 100,
			ToleranceHours: 0.25,
			ToleranceUnits: 2,
		},
		Replay: ReplayConfig{BatchSize: 50, InterBatchDelay: 5 * time.Second},
		API:    APIConfig{Addr: "127.0.0.1:9090"},
		Log:    LogConfig{Level: "info"},
		Providers: map[types.Provider]ProviderConfig{
			types.ProviderAccounting:   DefaultProvider(),
			types.ProviderTimeTracking: DefaultProvider(),
			types.ProviderPOS:          DefaultProvider(),
		},
	}
}

// DefaultProvider returns retry and rate-limit defaults for a provider
func DefaultProvider() ProviderConfig {
	return ProviderConfig{
		Timeout:     30 * time.Second,
		BackoffBase: 5 * time.Second,
		BackoffCap:  10 * time.Minute,
		MaxAttempts: 5,
		RateLimit: RateLimitPolicy{
			Mode:   ModeFixed,
			Calls:  60,
			Window: time.Minute,
		},
	}
}

// Load reads an optional YAML file over the defaults, then applies
// LEDGERLINK_* environment overrides and validates the result
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}

	resolveSecrets(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Providers named in the file are merged over
// DefaultProvider so partial provider blocks keep sane retry settings.
func Parse(data []byte, cfg *Config) error {
	providers := cfg.Providers
	cfg.Providers = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}

	var raw struct {
		Providers map[types.Provider]yaml.Node `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if providers == nil {
		providers = make(map[types.Provider]ProviderConfig)
	}
	for name, node := range raw.Providers {
		pc, ok := providers[name]
		if !ok {
			pc = DefaultProvider()
		}
		if err := node.Decode(&pc); err != nil {
			return fmt.Errorf("failed to parse provider %s: %w", name, err)
		}
		providers[name] = pc
	}
	cfg.Providers = providers
	return nil
}

func resolveSecrets(cfg *Config, lookup func(string) (string, bool)) {
	for name, pc := range cfg.Providers {
		if pc.Token == "" && pc.TokenEnv != "" {
			if v, ok := lookup(pc.TokenEnv); ok {
				pc.Token = v
			}
		}
		if pc.OAuth != nil && pc.OAuth.ClientSecret == "" && pc.OAuth.ClientSecretEnv != "" {
			if v, ok := lookup(pc.OAuth.ClientSecretEnv); ok {
				pc.OAuth.ClientSecret = v
			}
		}
		cfg.Providers[name] = pc
	}
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.Path == "" {
			problems = append(problems, "storage.path is required for the bolt driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			problems = append(problems, "storage.dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.RateLimit.Backend {
	case "store":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			problems = append(problems, "ratelimit.redis_url is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown ratelimit.backend %q", c.RateLimit.Backend))
	}

	if c.Workers.Count < 1 {
		problems = append(problems, "workers.count must be at least 1")
	}
	if c.Workers.BatchSize < 1 {
		problems = append(problems, "workers.batch_size must be at least 1")
	}
	if c.Agent.Interval <= 0 {
		problems = append(problems, "agent.interval must be positive")
	}
	if c.Agent.DeadLetterThreshold < 1 {
		problems = append(problems, "agent.dead_letter_threshold must be at least 1")
	}
	if c.Replay.BatchSize < 1 {
		problems = append(problems, "replay.batch_size must be at least 1")
	}
	if c.Replay.InterBatchDelay < 0 {
		problems = append(problems, "replay.inter_batch_delay must not be negative")
	}
	if c.Drift.ToleranceCents < 0 || c.Drift.ToleranceHours < 0 || c.Drift.ToleranceUnits < 0 {
		problems = append(problems, "drift tolerances must not be negative")
	}

	for name, pc := range c.Providers {
		if pc.MaxAttempts < 1 {
			problems = append(problems, fmt.Sprintf("providers.%s.max_attempts must be at least 1", name))
		}
		if pc.BackoffBase <= 0 || pc.BackoffCap < pc.BackoffBase {
			problems = append(problems, fmt.Sprintf("providers.%s needs 0 < backoff_base <= backoff_cap", name))
		}
		if pc.Timeout <= 0 {
			problems = append(problems, fmt.Sprintf("providers.%s.timeout must be positive", name))
		}
		switch pc.RateLimit.Mode {
		case ModeFixed, ModeSliding:
		default:
			problems = append(problems, fmt.Sprintf("providers.%s.rate_limit.mode must be fixed or sliding", name))
		}
		if pc.RateLimit.Calls < 1 || pc.RateLimit.Window <= 0 {
			problems = append(problems, fmt.Sprintf("providers.%s.rate_limit needs calls >= 1 and a positive window", name))
		}
	}

	for _, t := range c.Drift.Targets {
		if _, ok := c.Providers[t.Provider]; !ok {
			problems = append(problems, fmt.Sprintf("drift target references unknown provider %q", t.Provider))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Provider returns the configuration for one provider, falling back to defaults
func (c *Config) Provider(p types.Provider) ProviderConfig {
	if pc, ok := c.Providers[p]; ok {
		return pc
	}
	return DefaultProvider()
}
