package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the service configuration loaded once at startup from the
// environment (prefix BROKER_) and an optional dotenv file.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	Env      string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`

	CollectorsFile string `mapstructure:"collectors_file"`

	CrawlerMaxRetries           int   `mapstructure:"crawler_max_retries"`
	CrawlerBackoffMs            int64 `mapstructure:"crawler_backoff_ms"`
	CrawlerCollectorConcurrency int   `mapstructure:"crawler_collector_concurrency"`
	CrawlerMonthConcurrency     int   `mapstructure:"crawler_month_concurrency"`

	UpdateIntervalSeconds int64         `mapstructure:"update_interval"`
	UpdateInterval        time.Duration `mapstructure:"-"`

	BackupTo            string `mapstructure:"backup_to"`
	BackupIntervalHours int64  `mapstructure:"backup_interval_hours"`
	BackupHeartbeatURL  string `mapstructure:"backup_heartbeat_url"`
	HeartbeatURL        string `mapstructure:"heartbeat_url"`

	NatsURL         string `mapstructure:"nats_url"`
	NatsUser        string `mapstructure:"nats_user"`
	NatsPassword    string `mapstructure:"nats_password"`
	NatsRootSubject string `mapstructure:"nats_root_subject"`

	MetaRetentionDays int `mapstructure:"meta_retention_days"`

	APIHost string `mapstructure:"api_host"`
	APIPort int    `mapstructure:"api_port"`

	DBPath string `mapstructure:"db_path"`

	DBHost     string `mapstructure:"database_host"`
	DBPort     int    `mapstructure:"database_port"`
	DBName     string `mapstructure:"database_name"`
	DBUser     string `mapstructure:"database_user"`
	DBPassword string `mapstructure:"database_password"`
	DBSchema   string `mapstructure:"database_schema"`
	DBSSLMode  string `mapstructure:"database_sslmode"`
	DBPoolSize int    `mapstructure:"database_pool_size"`
}

// Load reads configuration from environment variables and an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()

	v.SetDefault("app_name", "mrt-broker")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("collectors_file", "")
	v.SetDefault("crawler_max_retries", 3)
	v.SetDefault("crawler_backoff_ms", 1000)
	v.SetDefault("crawler_collector_concurrency", 2)
	v.SetDefault("crawler_month_concurrency", 2)
	v.SetDefault("update_interval", 300) // seconds
	v.SetDefault("backup_to", "")
	v.SetDefault("backup_interval_hours", 24)
	v.SetDefault("backup_heartbeat_url", "")
	v.SetDefault("heartbeat_url", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_user", "")
	v.SetDefault("nats_password", "")
	v.SetDefault("nats_root_subject", "public.broker")
	v.SetDefault("meta_retention_days", 30)
	v.SetDefault("api_host", "0.0.0.0")
	v.SetDefault("api_port", 40064)
	v.SetDefault("db_path", "./broker.sqlite3")
	v.SetDefault("database_host", "")
	v.SetDefault("database_port", 5432)
	v.SetDefault("database_name", "")
	v.SetDefault("database_user", "")
	v.SetDefault("database_password", "")
	v.SetDefault("database_schema", "public")
	v.SetDefault("database_sslmode", "disable")
	v.SetDefault("database_pool_size", 3)

	v.SetEnvPrefix("BROKER")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CrawlerMaxRetries <= 0 {
		return nil, fmt.Errorf("invalid crawler_max_retries (must be positive)")
	}
	if cfg.CrawlerBackoffMs <= 0 {
		return nil, fmt.Errorf("invalid crawler_backoff_ms (must be positive milliseconds)")
	}
	if cfg.CrawlerCollectorConcurrency <= 0 || cfg.CrawlerMonthConcurrency <= 0 {
		return nil, fmt.Errorf("invalid crawler concurrency (must be positive)")
	}
	if cfg.UpdateIntervalSeconds <= 0 {
		return nil, fmt.Errorf("invalid update_interval (must be positive seconds)")
	}
	cfg.UpdateInterval = time.Duration(cfg.UpdateIntervalSeconds) * time.Second

	if cfg.MetaRetentionDays <= 0 {
		return nil, fmt.Errorf("invalid meta_retention_days (must be positive)")
	}

	return &cfg, nil
}

// UsePostgres reports whether the networked backend is fully configured. The
// embedded sqlite backend is used otherwise.
func (c *Config) UsePostgres() bool {
	return c.DBHost != "" && c.DBName != "" && c.DBUser != ""
}

// PostgresDSN builds the pgx connection string from the database parameters.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s search_path=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode, c.DBSchema,
	)
}
