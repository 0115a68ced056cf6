package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Matching   MatchingConfig   `mapstructure:"matching"`
	Learning   LearningConfig   `mapstructure:"learning"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	File        string `mapstructure:"file"`
	Environment string `mapstructure:"environment"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
}

// WebhookConfig controls inbound aggregator notifications. An empty Secret
// disables signature verification.
type WebhookConfig struct {
	Secret           string        `mapstructure:"secret"`
	SignatureHeader  string        `mapstructure:"signature_header"`
	DeliveryIDHeader string        `mapstructure:"delivery_id_header"`
	Timeout          time.Duration `mapstructure:"timeout"`
	DedupeWindow     time.Duration `mapstructure:"dedupe_window"`
}

type AggregatorConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	ClientID   string        `mapstructure:"client_id"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	PageSize   int           `mapstructure:"page_size"`
	RetryCount int           `mapstructure:"retry_count"`
}

type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Factor int           `mapstructure:"factor"`
	Max    time.Duration `mapstructure:"max"`
}

type SchedulerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Backoff       BackoffConfig `mapstructure:"backoff"`
	PassTimeout   time.Duration `mapstructure:"pass_timeout"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type WeightsConfig struct {
	Amount   float64 `mapstructure:"amount"`
	Merchant float64 `mapstructure:"merchant"`
	Date     float64 `mapstructure:"date"`
	User     float64 `mapstructure:"user"`
	Location float64 `mapstructure:"location"`
}

// MatchingConfig holds the defaults used for organizations without a
// persisted matching configuration.
type MatchingConfig struct {
	AmountTolerancePercentage float64       `mapstructure:"amount_tolerance_percentage"`
	DateWindowDays            int           `mapstructure:"date_window_days"`
	AutoMatchThreshold        float64       `mapstructure:"auto_match_threshold"`
	SuggestThreshold          float64       `mapstructure:"suggest_threshold"`
	LocationRadiusKm          float64       `mapstructure:"location_radius_km"`
	Weights                   WeightsConfig `mapstructure:"weights"`
	CandidateWindowMultiplier int           `mapstructure:"candidate_window_multiplier"`
}

type LearningConfig struct {
	MinSamples          int           `mapstructure:"min_samples"`
	MinChangeRatio      float64       `mapstructure:"min_change_ratio"`
	RuleMinSamples      int           `mapstructure:"rule_min_samples"`
	RuleSuccessRate     float64       `mapstructure:"rule_success_rate"`
	RuleAutoApproveRate float64       `mapstructure:"rule_auto_approve_rate"`
	RuleTTL             time.Duration `mapstructure:"rule_ttl"`
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
}

// ArchiveConfig describes the object storage that receives pruned sync jobs.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are usually injected by the deployment environment
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dsn", "DATABASE_URL")
	v.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	v.BindEnv("aggregator.client_id", "AGGREGATOR_CLIENT_ID")
	v.BindEnv("aggregator.secret", "AGGREGATOR_SECRET")
	v.BindEnv("aggregator.base_url", "AGGREGATOR_BASE_URL")
	v.BindEnv("archive.access_key", "ARCHIVE_ACCESS_KEY")
	v.BindEnv("archive.secret_key", "ARCHIVE_SECRET_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.environment", "APP_ENV")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", false)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/ledgerlink.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ledgerlink")
	v.SetDefault("database.name", "ledgerlink")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.environment", "local")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("webhook.signature_header", "X-Webhook-Signature")
	v.SetDefault("webhook.delivery_id_header", "X-Webhook-Delivery-ID")
	v.SetDefault("webhook.timeout", 15*time.Second)
	v.SetDefault("webhook.dedupe_window", 24*time.Hour)

	v.SetDefault("aggregator.base_url", "https://sandbox.plaid.com")
	v.SetDefault("aggregator.timeout", 30*time.Second)
	v.SetDefault("aggregator.page_size", 500)
	v.SetDefault("aggregator.retry_count", 0)

	v.SetDefault("scheduler.poll_interval", 30*time.Second)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.backoff.base", 5*time.Minute)
	v.SetDefault("scheduler.backoff.factor", 3)
	v.SetDefault("scheduler.backoff.max", time.Hour)
	v.SetDefault("scheduler.pass_timeout", 10*time.Minute)
	v.SetDefault("scheduler.stale_after", time.Hour)
	v.SetDefault("scheduler.reap_interval", 5*time.Minute)
	v.SetDefault("scheduler.retention", 30*24*time.Hour)
	v.SetDefault("scheduler.prune_interval", 24*time.Hour)

	v.SetDefault("matching.amount_tolerance_percentage", 0.05)
	v.SetDefault("matching.date_window_days", 3)
	v.SetDefault("matching.auto_match_threshold", 0.85)
	v.SetDefault("matching.suggest_threshold", 0.5)
	v.SetDefault("matching.location_radius_km", 1.0)
	v.SetDefault("matching.weights.amount", 0.35)
	v.SetDefault("matching.weights.merchant", 0.25)
	v.SetDefault("matching.weights.date", 0.20)
	v.SetDefault("matching.weights.user", 0.10)
	v.SetDefault("matching.weights.location", 0.10)
	v.SetDefault("matching.candidate_window_multiplier", 2)

	v.SetDefault("learning.min_samples", 10)
	v.SetDefault("learning.min_change_ratio", 0.10)
	v.SetDefault("learning.rule_min_samples", 5)
	v.SetDefault("learning.rule_success_rate", 0.8)
	v.SetDefault("learning.rule_auto_approve_rate", 0.95)
	v.SetDefault("learning.rule_ttl", 7*24*time.Hour)
	v.SetDefault("learning.flush_interval", 5*time.Minute)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("archive.bucket", "ledgerlink-archive")
	v.SetDefault("archive.prefix", "sync-jobs")
}

// Validate checks the configuration for contract errors. Misconfiguration is
// reported at startup rather than surfacing later as silently wrong behavior.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database: unsupported driver %q", c.Database.Driver)
	}
	if c.Aggregator.BaseURL == "" {
		return fmt.Errorf("aggregator: base_url is required")
	}
	if c.Aggregator.PageSize <= 0 {
		return fmt.Errorf("aggregator: page_size must be positive")
	}

	s := c.Scheduler
	if s.PollInterval <= 0 || s.ReapInterval <= 0 || s.PruneInterval <= 0 {
		return fmt.Errorf("scheduler: intervals must be positive")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("scheduler: batch_size must be positive")
	}
	if s.Workers <= 0 || s.Workers > s.BatchSize {
		return fmt.Errorf("scheduler: workers must be between 1 and batch_size (%d)", s.BatchSize)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("scheduler: max_retries must not be negative")
	}
	if s.Backoff.Base <= 0 || s.Backoff.Factor < 1 || s.Backoff.Max < s.Backoff.Base {
		return fmt.Errorf("scheduler: backoff requires base > 0, factor >= 1 and max >= base")
	}
	if s.StaleAfter <= 0 || s.Retention <= 0 {
		return fmt.Errorf("scheduler: stale_after and retention must be positive")
	}

	m := c.Matching
	if m.SuggestThreshold < 0 || m.AutoMatchThreshold > 1 || m.SuggestThreshold >= m.AutoMatchThreshold {
		return fmt.Errorf("matching: thresholds must satisfy 0 <= suggest < auto <= 1")
	}
	if m.CandidateWindowMultiplier < 1 {
		return fmt.Errorf("matching: candidate_window_multiplier must be at least 1")
	}

	if c.Learning.MinSamples <= 0 || c.Learning.RuleMinSamples <= 0 {
		return fmt.Errorf("learning: sample sizes must be positive")
	}
	if c.Learning.FlushInterval <= 0 {
		return fmt.Errorf("learning: flush_interval must be positive")
	}

	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive: endpoint and bucket are required when enabled")
	}
	return nil
}
