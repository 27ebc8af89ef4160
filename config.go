package zorel

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the engine settings. It can come from a YAML file or from
// environment variables; environment variables override YAML values.
type Config struct {
	// Tracking is "enabled" or "disabled".
	Tracking string `yaml:"tracking" env:"ZOREL_TRACKING" env-default:"enabled"`

	// EagerConcurrency bounds how many sibling relations of one eager level
	// load in parallel. 1 loads them sequentially.
	EagerConcurrency int `yaml:"eager_concurrency" env:"ZOREL_EAGER_CONCURRENCY" env-default:"1"`

	// LogLevel is a zap level name. "none" disables logging.
	LogLevel string `yaml:"log_level" env:"ZOREL_LOG_LEVEL" env-default:"none"`

	// MetricsNamespace prefixes the Prometheus metric names.
	MetricsNamespace string `yaml:"metrics_namespace" env:"ZOREL_METRICS_NAMESPACE" env-default:"zorel"`
}

// LoadConfig reads path when given, then the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be expressed as tag defaults.
func (c *Config) Validate() error {
	if _, err := ParseTrackingMode(c.Tracking); err != nil {
		return err
	}
	if c.EagerConcurrency < 1 {
		return fmt.Errorf("%w: eager_concurrency must be at least 1, got %d", ErrConfiguration, c.EagerConcurrency)
	}
	if c.LogLevel != "none" && c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	return nil
}

// Logger builds the logger described by LogLevel.
func (c *Config) Logger() (*zap.Logger, error) {
	if c.LogLevel == "" || c.LogLevel == "none" {
		return zap.NewNop(), nil
	}
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
