// Package config loads the service configuration from a YAML file with
// environment variable overrides for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Poller       PollerConfig       `yaml:"poller"`
	Inbox        InboxConfig        `yaml:"inbox"`
	OCR          OCRConfig          `yaml:"ocr"`
	Blob         BlobConfig         `yaml:"blob"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Redis        RedisConfig        `yaml:"redis"`
	Ops          OpsConfig          `yaml:"ops"`
}

type DatabaseConfig struct {
	URL                string `yaml:"url"`
	PoolSize           int    `yaml:"pool_size"`
	MaxOverflow        int    `yaml:"max_overflow"`
	PoolRecycleSeconds int    `yaml:"pool_recycle_seconds"`
	PoolPrePing        bool   `yaml:"pool_pre_ping"`
}

type PollerConfig struct {
	Enabled              bool `yaml:"enabled"`
	IntervalSeconds      int  `yaml:"interval_seconds"`
	BatchSize            int  `yaml:"batch_size"`
	Workers              int  `yaml:"workers"`
	ReclaimEveryTicks    int  `yaml:"reclaim_every_ticks"`
	InterJobDelaySeconds int  `yaml:"inter_job_delay_seconds"`
}

type InboxConfig struct {
	StaleLockMinutes int `yaml:"stale_lock_minutes"`
	MaxAttempts      int `yaml:"max_attempts"`
}

type OCRConfig struct {
	BaseURL                     string  `yaml:"base_url"`
	ConnectTimeoutSeconds       int     `yaml:"connect_timeout_seconds"`
	TotalTimeoutSeconds         int     `yaml:"total_timeout_seconds"`
	Retries                     int     `yaml:"retries"`
	MaxPagesPerDoc              int     `yaml:"max_pages_per_doc"`
	TotalAttemptsBudget         int     `yaml:"total_attempts_budget"`
	DelayBetweenRequestsSeconds int     `yaml:"delay_between_requests_seconds"`
	StopAfterCoversheet         bool    `yaml:"stop_after_coversheet"`
	CoversheetConfidence        float64 `yaml:"coversheet_confidence_threshold"`
	MinCoversheetFields         int     `yaml:"min_coversheet_fields"`
}

type BlobConfig struct {
	ConnectionString string `yaml:"connection_string"`
	SourceContainer  string `yaml:"source_container"`
	DestContainer    string `yaml:"dest_container"`
	TempDir          string `yaml:"temp_dir"`
	MaxRetries       int    `yaml:"max_retries"`
}

type BackpressureConfig struct {
	PoolCriticalThreshold float64 `yaml:"pool_critical_threshold"`
}

// RedisConfig enables the optional poll-loop leader lease. Leave Addr empty
// to run the poller unconditionally.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	LeaseKey     string `yaml:"lease_key"`
	LeaseTTLSecs int    `yaml:"lease_ttl_seconds"`
}

type OpsConfig struct {
	Port int `yaml:"port"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			PoolSize:           10,
			MaxOverflow:        5,
			PoolRecycleSeconds: 1800,
			PoolPrePing:        true,
		},
		Poller: PollerConfig{
			Enabled:              true,
			IntervalSeconds:      30,
			BatchSize:            25,
			Workers:              2,
			ReclaimEveryTicks:    4,
			InterJobDelaySeconds: 3,
		},
		Inbox: InboxConfig{
			StaleLockMinutes: 10,
			MaxAttempts:      5,
		},
		OCR: OCRConfig{
			ConnectTimeoutSeconds:       10,
			TotalTimeoutSeconds:         120,
			Retries:                     2,
			MaxPagesPerDoc:              10,
			TotalAttemptsBudget:         3,
			DelayBetweenRequestsSeconds: 1,
			StopAfterCoversheet:         true,
			CoversheetConfidence:        0.7,
			MinCoversheetFields:         20,
		},
		Blob: BlobConfig{
			TempDir:    os.TempDir(),
			MaxRetries: 3,
		},
		Backpressure: BackpressureConfig{
			PoolCriticalThreshold: 0.95,
		},
		Redis: RedisConfig{
			LeaseKey:     "intake:poller:leader",
			LeaseTTLSecs: 60,
		},
		Ops: OpsConfig{
			Port: 8080,
		},
	}
}

// Load reads the YAML config at path on top of the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment. YAML files
// are checked in; credentials are not.
func (c *Config) applyEnv() {
	if v := os.Getenv("INTAKE_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("INTAKE_BLOB_CONNECTION_STRING"); v != "" {
		c.Blob.ConnectionString = v
	}
	if v := os.Getenv("INTAKE_OCR_BASE_URL"); v != "" {
		c.OCR.BaseURL = v
	}
	if v := os.Getenv("INTAKE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("INTAKE_OPS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Ops.Port = port
		}
	}
}

// Validate enforces the startup safety checks. The source and destination
// containers must be non-empty and distinct so the pipeline can never write
// over upstream artifacts.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Blob.SourceContainer == "" || c.Blob.DestContainer == "" {
		return fmt.Errorf("blob.source_container and blob.dest_container are required")
	}
	if c.Blob.SourceContainer == c.Blob.DestContainer {
		return fmt.Errorf("blob.source_container and blob.dest_container must be distinct")
	}
	if c.Poller.BatchSize < 1 {
		return fmt.Errorf("poller.batch_size must be >= 1")
	}
	if c.Poller.Workers < 1 {
		return fmt.Errorf("poller.workers must be >= 1")
	}
	if c.Inbox.MaxAttempts < 1 {
		return fmt.Errorf("inbox.max_attempts must be >= 1")
	}
	if c.Backpressure.PoolCriticalThreshold <= 0 || c.Backpressure.PoolCriticalThreshold > 1 {
		return fmt.Errorf("backpressure.pool_critical_threshold must be in (0, 1]")
	}
	return nil
}
