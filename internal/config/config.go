package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultEmbedThreshold is the decoded size below which inline payloads are loaded in-process
	DefaultEmbedThreshold = 5 * 1024 * 1024
)

// Environment overrides
const (
	EnvAllowedOrigins = "IMPORT_ALLOWED_ORIGINS"
	EnvDevMode        = "IMPORT_DEV_MODE"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Import   ImportConfig   `yaml:"import"`
	Realtime RealtimeConfig `yaml:"realtime"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
// Persistence is best-effort; when disabled jobs live in memory only.
// MigrationsDir, when set, is applied at startup.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MigrationsDir   string        `yaml:"migrations_dir"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// When disabled, jobs are handed to the worker pool in-process.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds fetch/decode worker configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	DecodeConcurrency int           `yaml:"decode_concurrency"`
	QueueSize         int           `yaml:"queue_size"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	DecodeTimeout     time.Duration `yaml:"decode_timeout"`
	MaxDownloadBytes  int64         `yaml:"max_download_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ImportConfig holds the cross-origin import policy
type ImportConfig struct {
	AllowedOrigins      []string      `yaml:"allowed_origins"`
	DevMode             bool          `yaml:"dev_mode"`
	EmbedThresholdBytes int64         `yaml:"embed_threshold_bytes"`
	MaxUploadBytes      int64         `yaml:"max_upload_bytes"`
	ArtifactsDir        string        `yaml:"artifacts_dir"`
	JobTTL              time.Duration `yaml:"job_ttl"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// RealtimeConfig holds websocket channel settings
type RealtimeConfig struct {
	SendBuffer     int           `yaml:"send_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Import.EmbedThresholdBytes <= 0 {
		c.Import.EmbedThresholdBytes = DefaultEmbedThreshold
	}
	if c.Import.MaxUploadBytes <= 0 {
		c.Import.MaxUploadBytes = 100 * 1024 * 1024
	}
	if c.Import.ArtifactsDir == "" {
		c.Import.ArtifactsDir = "data/artifacts"
	}
	if c.Import.JobTTL <= 0 {
		c.Import.JobTTL = 15 * time.Minute
	}
	if c.Import.SweepInterval <= 0 {
		c.Import.SweepInterval = time.Minute
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.DecodeConcurrency <= 0 {
		c.Worker.DecodeConcurrency = 2
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 64
	}
	if c.Worker.FetchTimeout <= 0 {
		c.Worker.FetchTimeout = 60 * time.Second
	}
	if c.Worker.DecodeTimeout <= 0 {
		c.Worker.DecodeTimeout = 30 * time.Second
	}
	if c.Worker.MaxDownloadBytes <= 0 {
		c.Worker.MaxDownloadBytes = 100 * 1024 * 1024
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = 64
	}
	if c.Realtime.WriteTimeout <= 0 {
		c.Realtime.WriteTimeout = 5 * time.Second
	}
	if c.Realtime.PingInterval <= 0 {
		c.Realtime.PingInterval = 30 * time.Second
	}
	if c.Realtime.ConnectTimeout <= 0 {
		c.Realtime.ConnectTimeout = 10 * time.Second
	}
	if c.Database.WriteTimeout <= 0 {
		c.Database.WriteTimeout = 3 * time.Second
	}
}

// applyEnv lets deployments override the allow-list without editing the config file
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAllowedOrigins); ok && strings.TrimSpace(v) != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Import.AllowedOrigins = origins
	}

	if v, ok := lookup(EnvDevMode); ok && v != "" {
		devMode, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvDevMode, v, err)
		}
		c.Import.DevMode = devMode
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}

		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	}

	if !c.Import.DevMode && len(c.Import.AllowedOrigins) == 0 {
		return fmt.Errorf("import allowed_origins is required unless dev_mode is enabled")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.DecodeConcurrency <= 0 {
		return fmt.Errorf("worker decode_concurrency must be greater than 0")
	}

	return nil
}
