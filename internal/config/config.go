package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the full node configuration, loaded from YAML with environment
// overrides applied on top. Zero values fall back to defaults in ApplyDefaults.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Retention RetentionConfig `yaml:"retention"`
	Email     EmailConfig     `yaml:"email"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_sec"`
	// MaxBodyBytes caps the decompressed request body size. Exceeding it
	// fails the request with 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// BaseURL is the externally visible root used in notification links.
	BaseURL string `yaml:"base_url"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type IngestConfig struct {
	// Workers is the number of batch-tier workers draining the queue.
	Workers int `yaml:"workers"`
	// QueueSize bounds the ingest queue; a full queue rejects with 429.
	QueueSize int `yaml:"queue_size"`
	// FlushEvery is the max number of events per batch.
	FlushEvery int `yaml:"flush_every"`
	// FlushIntervalSec is the max time a worker waits before flushing a
	// partial batch.
	FlushIntervalSec int `yaml:"flush_interval_sec"`
	// DedupTTLSec is the event-id dedup window.
	DedupTTLSec int `yaml:"dedup_ttl_sec"`
	// MaxLexemes caps the per-issue search vector size.
	MaxLexemes int `yaml:"max_lexemes"`
}

type ThrottleConfig struct {
	// BlockCacheTTLSec is how long negative DSN / throttle verdicts are cached.
	BlockCacheTTLSec int `yaml:"block_cache_ttl_sec"`
	// AuditSampleRate enqueues a plan re-evaluation with probability 1/N.
	AuditSampleRate int `yaml:"audit_sample_rate"`
	// AuditIntervalHours is the cadence of the full-org throttle audit.
	AuditIntervalHours int  `yaml:"audit_interval_hours"`
	BillingEnabled     bool `yaml:"billing_enabled"`
}

type AlertsConfig struct {
	EvalIntervalSec int `yaml:"eval_interval_sec"`
	// MaxIssuesPerAlert caps per-notification issue attachments; overflow is
	// summarized in the header line.
	MaxIssuesPerAlert  int `yaml:"max_issues_per_alert"`
	DispatchTimeoutSec int `yaml:"dispatch_timeout_sec"`
	DispatchWorkers    int `yaml:"dispatch_workers"`
}

type RetentionConfig struct {
	Days              int `yaml:"days"`
	PartitionLeadDays int `yaml:"partition_lead_days"`
}

type EmailConfig struct {
	SMTPAddr string `yaml:"smtp_addr"`
	From     string `yaml:"from"`
}

// Load reads the YAML file at path (optional), applies environment overrides
// and then defaults. A missing file is not an error so the node can run from
// env alone in containers.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.Env, "APP_ENV")
	setInt64(&c.Server.MaxBodyBytes, "MAX_BODY_BYTES")
	setStr(&c.Server.BaseURL, "BASE_URL")
	setStr(&c.Database.URL, "DATABASE_URL")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = v == "true" || v == "1"
	}
	setInt(&c.Ingest.Workers, "INGEST_WORKERS")
	setInt(&c.Ingest.QueueSize, "INGEST_QUEUE_SIZE")
	setInt(&c.Ingest.FlushEvery, "INGEST_FLUSH_EVERY")
	setInt(&c.Alerts.EvalIntervalSec, "ALERT_EVAL_INTERVAL_SEC")
	setStr(&c.Email.SMTPAddr, "SMTP_ADDR")
	setStr(&c.Email.From, "EMAIL_FROM")
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8000"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 30
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 30
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 120
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 30
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 20 << 20 // 20 MiB, the memory upload limit
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 4
	}
	if c.Ingest.QueueSize == 0 {
		c.Ingest.QueueSize = 10000
	}
	if c.Ingest.FlushEvery == 0 {
		c.Ingest.FlushEvery = 100
	}
	if c.Ingest.FlushIntervalSec == 0 {
		c.Ingest.FlushIntervalSec = 2
	}
	if c.Ingest.DedupTTLSec == 0 {
		c.Ingest.DedupTTLSec = 3600
	}
	if c.Ingest.MaxLexemes == 0 {
		c.Ingest.MaxLexemes = 3800
	}
	if c.Throttle.BlockCacheTTLSec == 0 {
		c.Throttle.BlockCacheTTLSec = 30
	}
	if c.Throttle.AuditSampleRate == 0 {
		c.Throttle.AuditSampleRate = 5000
	}
	if c.Throttle.AuditIntervalHours == 0 {
		c.Throttle.AuditIntervalHours = 4
	}
	if c.Alerts.EvalIntervalSec == 0 {
		c.Alerts.EvalIntervalSec = 60
	}
	if c.Alerts.MaxIssuesPerAlert == 0 {
		c.Alerts.MaxIssuesPerAlert = 3
	}
	if c.Alerts.DispatchTimeoutSec == 0 {
		c.Alerts.DispatchTimeoutSec = 10
	}
	if c.Alerts.DispatchWorkers == 0 {
		c.Alerts.DispatchWorkers = 4
	}
	if c.Retention.Days == 0 {
		c.Retention.Days = 90
	}
	if c.Retention.PartitionLeadDays == 0 {
		c.Retention.PartitionLeadDays = 4
	}
	if c.Email.From == "" {
		c.Email.From = "noreply@localhost"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:" + c.Server.Port
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
