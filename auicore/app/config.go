package app

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	envThreadPoolSize     = "AUI_THREADPOOL_SIZE"
	envRetrySweepInterval = "AUI_RETRY_SWEEP_INTERVAL"
	envLogLevel           = "AUI_LOG_LEVEL"
	envLogDevelopment     = "AUI_LOG_DEVELOPMENT"
)

type Config struct {
	// ThreadPoolSize is the number of workers of the default pool. Zero
	// picks one less than the number of CPUs.
	ThreadPoolSize int `yaml:"threadpool_size"`
	// RetrySweepInterval is how often tasks parked with ErrTryLater are
	// re-queued.
	RetrySweepInterval time.Duration `yaml:"retry_sweep_interval"`
	Log                LogConfig     `yaml:"log"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func DefaultConfig() Config {
	return Config{
		RetrySweepInterval: 100 * time.Millisecond,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads a YAML file on top of DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config file")
	}
	return cfg, cfg.Validate()
}

// LoadConfigFromEnv overrides the fields of base that have an environment
// variable set.
func LoadConfigFromEnv(base Config) (Config, error) {
	cfg := base
	var err error
	if v := getEnv(envThreadPoolSize, ""); v != "" {
		if cfg.ThreadPoolSize, err = strconv.Atoi(v); err != nil {
			return base, errors.Wrap(err, envThreadPoolSize)
		}
	}
	if v := getEnv(envRetrySweepInterval, ""); v != "" {
		if cfg.RetrySweepInterval, err = time.ParseDuration(v); err != nil {
			return base, errors.Wrap(err, envRetrySweepInterval)
		}
	}
	cfg.Log.Level = getEnv(envLogLevel, cfg.Log.Level)
	if v := getEnv(envLogDevelopment, ""); v != "" {
		if cfg.Log.Development, err = strconv.ParseBool(v); err != nil {
			return base, errors.Wrap(err, envLogDevelopment)
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ThreadPoolSize < 0 {
		return errors.Errorf("threadpool_size must not be negative, got %d", c.ThreadPoolSize)
	}
	if c.RetrySweepInterval <= 0 {
		return errors.Errorf("retry_sweep_interval must be positive, got %s", c.RetrySweepInterval)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}

	return fallback
}
