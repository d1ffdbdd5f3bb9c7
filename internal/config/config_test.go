package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, "scheduler-service", cfg.App.Name)
				assert.Equal(t, StoreBackendFile, cfg.Store.Backend)
				assert.Equal(t, "data/jobs.json", cfg.Store.Path)
				assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
				assert.Equal(t, 30*time.Minute, cfg.Scheduler.JobTimeout)
				assert.Equal(t, 2*time.Second, cfg.Scheduler.BaseBackoff)
				assert.Equal(t, 3.0, cfg.Scheduler.BackoffMultiplier)
				assert.True(t, cfg.Scheduler.KeepAlive)
				assert.Equal(t, 1024, cfg.Resources.PerJobMemoryEstimateMB)
				assert.Equal(t, 4, cfg.Resources.HardWorkerCap)
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.False(t, cfg.RabbitMQ.Enabled)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	// An empty document still produces a usable config.
	cfg, err := Load("testdata/empty.yaml")
	require.NoError(t, err)

	assert.Equal(t, StoreBackendFile, cfg.Store.Backend)
	assert.Equal(t, "data/queue.json", cfg.Store.Path)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Scheduler.JobTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.BaseBackoff)
	assert.Equal(t, 2.0, cfg.Scheduler.BackoffMultiplier)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.ShutdownTimeout)
	assert.Equal(t, 2048, cfg.Resources.PerJobMemoryEstimateMB)
	assert.Equal(t, 8, cfg.Resources.HardWorkerCap)
	assert.Equal(t, 1.0, cfg.Resources.CPUOversubscription)

	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Store: StoreConfig{
				Backend: StoreBackendFile,
				Path:    "data/queue.json",
			},
			Scheduler: SchedulerConfig{
				MaxAttempts:       3,
				JobTimeout:        time.Hour,
				BaseBackoff:       time.Second,
				BackoffMultiplier: 2.0,
				MaxBackoff:        5 * time.Minute,
			},
			Resources: ResourcesConfig{
				PerJobMemoryEstimateMB: 2048,
				HardWorkerCap:          8,
				CPUOversubscription:    1.0,
			},
		}
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "unknown store backend",
			mutate: func(c *Config) {
				c.Store.Backend = "redis"
			},
			wantErr:   true,
			errString: "unknown store backend",
		},
		{
			name: "file backend without path",
			mutate: func(c *Config) {
				c.Store.Path = ""
			},
			wantErr:   true,
			errString: "store path is required",
		},
		{
			name: "postgres backend without host",
			mutate: func(c *Config) {
				c.Store.Backend = StoreBackendPostgres
			},
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name: "postgres backend with bad port",
			mutate: func(c *Config) {
				c.Store.Backend = StoreBackendPostgres
				c.Store.Database.Host = "localhost"
				c.Store.Database.Port = 70000
				c.Store.Database.Database = "renderqueue"
			},
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name: "zero max attempts",
			mutate: func(c *Config) {
				c.Scheduler.MaxAttempts = 0
			},
			wantErr:   true,
			errString: "max_attempts must be greater than 0",
		},
		{
			name: "negative job timeout",
			mutate: func(c *Config) {
				c.Scheduler.JobTimeout = -time.Second
			},
			wantErr:   true,
			errString: "job_timeout must not be negative",
		},
		{
			name: "backoff multiplier below one",
			mutate: func(c *Config) {
				c.Scheduler.BackoffMultiplier = 0.5
			},
			wantErr:   true,
			errString: "backoff_multiplier must be at least 1",
		},
		{
			name: "zero worker cap",
			mutate: func(c *Config) {
				c.Resources.HardWorkerCap = 0
			},
			wantErr:   true,
			errString: "hard_worker_cap must be greater than 0",
		},
		{
			name: "server enabled with invalid port",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Port = 0
			},
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name: "server disabled ignores port",
			mutate: func(c *Config) {
				c.Server.Enabled = false
				c.Server.Port = 0
			},
			wantErr: false,
		},
		{
			name: "rabbitmq enabled without queue",
			mutate: func(c *Config) {
				c.RabbitMQ.Enabled = true
				c.RabbitMQ.Host = "localhost"
				c.RabbitMQ.Port = 5672
			},
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
