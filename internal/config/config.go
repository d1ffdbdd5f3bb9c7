package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Store backends recognized by the scheduler service.
const (
	StoreBackendFile     = "file"
	StoreBackendPostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Resources ResourcesConfig `yaml:"resources"`
	Server    ServerConfig    `yaml:"server"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// StoreConfig selects and configures the task store backend
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Path     string         `yaml:"path"`
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// SchedulerConfig holds the admission and retry settings
type SchedulerConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	TimeoutIsPermanent bool          `yaml:"timeout_is_permanent"`
	KeepAlive          bool          `yaml:"keep_alive"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// ResourcesConfig holds the worker budget settings
type ResourcesConfig struct {
	PerJobMemoryEstimateMB int     `yaml:"per_job_memory_estimate_mb"`
	HardWorkerCap          int     `yaml:"hard_worker_cap"`
	CPUOversubscription    float64 `yaml:"cpu_oversubscription"`
}

// ServerConfig holds the admin HTTP server configuration
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RabbitMQConfig holds the optional submission queue configuration
type RabbitMQConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	VHost         string        `yaml:"vhost"`
	Queue         string        `yaml:"queue"`
	QueueDurable  bool          `yaml:"queue_durable"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
	PrefetchCount int           `yaml:"prefetch_count"`
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

	return &config, nil
}

// applyDefaults fills in the documented defaults for unset options.
func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendFile
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/queue.json"
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = 3
	}
	if c.Scheduler.JobTimeout == 0 {
		c.Scheduler.JobTimeout = time.Hour
	}
	if c.Scheduler.BaseBackoff == 0 {
		c.Scheduler.BaseBackoff = time.Second
	}
	if c.Scheduler.BackoffMultiplier == 0 {
		c.Scheduler.BackoffMultiplier = 2.0
	}
	if c.Scheduler.MaxBackoff == 0 {
		c.Scheduler.MaxBackoff = 5 * time.Minute
	}
	if c.Scheduler.ShutdownTimeout == 0 {
		c.Scheduler.ShutdownTimeout = 30 * time.Second
	}
	if c.Resources.PerJobMemoryEstimateMB == 0 {
		c.Resources.PerJobMemoryEstimateMB = 2048
	}
	if c.Resources.HardWorkerCap == 0 {
		c.Resources.HardWorkerCap = 8
	}
	if c.Resources.CPUOversubscription == 0 {
		c.Resources.CPUOversubscription = 1.0
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the file backend")
		}
	case StoreBackendPostgres:
		if c.Store.Database.Host == "" {
			return fmt.Errorf("database host is required for the postgres backend")
		}
		if c.Store.Database.Port < MinPort || c.Store.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Store.Database.Port, MinPort, MaxPort)
		}
		if c.Store.Database.Database == "" {
			return fmt.Errorf("database name is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler max_attempts must be greater than 0")
	}
	if c.Scheduler.JobTimeout < 0 {
		return fmt.Errorf("scheduler job_timeout must not be negative")
	}
	if c.Scheduler.BaseBackoff <= 0 {
		return fmt.Errorf("scheduler base_backoff must be greater than 0")
	}
	if c.Scheduler.BackoffMultiplier < 1 {
		return fmt.Errorf("scheduler backoff_multiplier must be at least 1")
	}

	if c.Resources.PerJobMemoryEstimateMB <= 0 {
		return fmt.Errorf("resources per_job_memory_estimate_mb must be greater than 0")
	}
	if c.Resources.HardWorkerCap <= 0 {
		return fmt.Errorf("resources hard_worker_cap must be greater than 0")
	}

	if c.Server.Enabled {
		if c.Server.Port < MinPort || c.Server.Port > MaxPort {
			return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
		}
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required when rabbitmq is enabled")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Queue == "" {
			return fmt.Errorf("rabbitmq queue name is required when rabbitmq is enabled")
		}
	}

	return nil
}
