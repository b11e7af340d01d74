package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Google      GoogleConfig      `mapstructure:"google"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Recall      RecallConfig      `mapstructure:"recall"`
	Counter     CounterConfig     `mapstructure:"counter"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequireAdmin bool          `mapstructure:"require_admin"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	Path         string `mapstructure:"path"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GoogleConfig holds service account, directory and IMAP settings
type GoogleConfig struct {
	ServiceAccountFile string        `mapstructure:"service_account_file"`
	IMAPHost           string        `mapstructure:"imap_host"`
	IMAPPort           int           `mapstructure:"imap_port"`
	IMAPTimeout        time.Duration `mapstructure:"imap_timeout"`
	SearchLabels       []string      `mapstructure:"search_labels"`
	TrashLabel         string        `mapstructure:"trash_label"`
	DirectoryPageSize  int64         `mapstructure:"directory_page_size"`
}

// QueueConfig holds durable queue and dispatcher settings
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Workers      int           `mapstructure:"workers"`
	MaxPending   int64         `mapstructure:"max_pending"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Lease        time.Duration `mapstructure:"lease"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RecallConfig holds pipeline policy knobs
type RecallConfig struct {
	RateLimitPerSecond int           `mapstructure:"rate_limit_per_second"`
	UserBatchSize      int           `mapstructure:"user_batch_size"`
	UserPageSize       int           `mapstructure:"user_page_size"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	MonitorMaxInterval time.Duration `mapstructure:"monitor_max_interval"`
	MonitorTimeout     time.Duration `mapstructure:"monitor_timeout"`
}

// CounterConfig holds sharded counter settings
type CounterConfig struct {
	InitialShards      int           `mapstructure:"initial_shards"`
	TransactionRetries int           `mapstructure:"transaction_retries"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
}

// CredentialsConfig holds token and authorization cache lifetimes
type CredentialsConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	AdminTTL time.Duration `mapstructure:"admin_ttl"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.require_admin", false)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.path", "message-recall.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("google.imap_host", "imap.gmail.com")
	v.SetDefault("google.imap_port", 993)
	v.SetDefault("google.imap_timeout", "60s")
	v.SetDefault("google.search_labels", []string{"[Gmail]/All Mail", "[Gmail]/Spam"})
	v.SetDefault("google.trash_label", "[Gmail]/Trash")
	v.SetDefault("google.directory_page_size", 500)

	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.workers", 32)
	v.SetDefault("queue.max_pending", 100000)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.lease", "10m")
	v.SetDefault("queue.retry_backoff", "30s")

	v.SetDefault("recall.rate_limit_per_second", 15)
	v.SetDefault("recall.user_batch_size", 100)
	v.SetDefault("recall.user_page_size", 100)
	v.SetDefault("recall.monitor_interval", "10s")
	v.SetDefault("recall.monitor_max_interval", "1m")
	v.SetDefault("recall.monitor_timeout", "24h")

	v.SetDefault("counter.initial_shards", 20)
	v.SetDefault("counter.transaction_retries", 8)
	v.SetDefault("counter.cache_ttl", "24h")

	v.SetDefault("credentials.token_ttl", "59m")
	v.SetDefault("credentials.admin_ttl", "2h")
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	v.BindEnv("server.require_admin", "SERVER_REQUIRE_ADMIN")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.path", "DB_PATH")

	// Logging
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.format", "LOG_FORMAT")

	// Google
	v.BindEnv("google.service_account_file", "GOOGLE_SERVICE_ACCOUNT_FILE")
	v.BindEnv("google.imap_host", "GOOGLE_IMAP_HOST")
	v.BindEnv("google.imap_port", "GOOGLE_IMAP_PORT")

	// Queue
	v.BindEnv("queue.poll_interval", "QUEUE_POLL_INTERVAL")
	v.BindEnv("queue.workers", "QUEUE_WORKERS")
	v.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")

	// Recall
	v.BindEnv("recall.rate_limit_per_second", "RECALL_RATE_LIMIT_PER_SECOND")
	v.BindEnv("recall.monitor_interval", "RECALL_MONITOR_INTERVAL")
	v.BindEnv("recall.monitor_timeout", "RECALL_MONITOR_TIMEOUT")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Google.ServiceAccountFile == "" {
		return fmt.Errorf("google service account file is required")
	}
	if len(c.Google.SearchLabels) == 0 || c.Google.TrashLabel == "" {
		return fmt.Errorf("google search labels and trash label are required")
	}
	if c.Google.DirectoryPageSize <= 0 || c.Google.DirectoryPageSize > 500 {
		return fmt.Errorf("directory page size must be between 1 and 500")
	}

	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be greater than 0")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue poll interval must be greater than 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be greater than 0")
	}

	if c.Recall.RateLimitPerSecond <= 0 {
		return fmt.Errorf("recall rate limit must be greater than 0")
	}
	if c.Recall.UserBatchSize <= 0 || c.Recall.UserPageSize <= 0 {
		return fmt.Errorf("recall batch and page sizes must be greater than 0")
	}
	if c.Recall.MonitorInterval <= 0 || c.Recall.MonitorTimeout < c.Recall.MonitorInterval {
		return fmt.Errorf("recall monitor interval must be positive and not exceed the timeout")
	}

	if c.Counter.InitialShards <= 0 || c.Counter.TransactionRetries <= 0 {
		return fmt.Errorf("counter shards and retries must be greater than 0")
	}

	if c.Credentials.TokenTTL <= 0 {
		return fmt.Errorf("credentials token ttl must be greater than 0")
	}

	return nil
}
