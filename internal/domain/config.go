package domain

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
// A detection run never starts with an invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete Kestrel configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
}

// DetectionConfig is the tuning surface of the anomaly detection pipeline.
// All fields have working defaults except LargeAmountCeiling, which
// disables the absolute-amount rule when left at zero.
type DetectionConfig struct {
	// ContaminationFraction is the expected proportion of outliers in a
	// batch, used to calibrate the ensemble decision boundary.
	ContaminationFraction float64 `json:"contaminationFraction" yaml:"contamination_fraction"`

	// EnsembleTreeCount is the number of isolation trees fitted per run.
	EnsembleTreeCount int `json:"ensembleTreeCount" yaml:"ensemble_tree_count"`

	// SigmaThreshold is the z-score magnitude above which a transaction
	// is statistically notable.
	SigmaThreshold float64 `json:"sigmaThreshold" yaml:"sigma_threshold"`

	// MinBatchSizeForEnsemble guards against fitting a forest on a batch
	// too small to be meaningful. Below it, ensemble scores are nil.
	MinBatchSizeForEnsemble int `json:"minBatchSizeForEnsemble" yaml:"min_batch_size_for_ensemble"`

	VelocityWindowMinutes  int `json:"velocityWindowMinutes" yaml:"velocity_window_minutes"`
	VelocityCountThreshold int `json:"velocityCountThreshold" yaml:"velocity_count_threshold"`

	// LargeAmountCeiling is an absolute amount above which the
	// LARGE_ABSOLUTE_AMOUNT rule fires. Zero disables the rule.
	LargeAmountCeiling float64 `json:"largeAmountCeiling" yaml:"large_amount_ceiling"`

	// NewMerchantMultiple: a first-seen merchant whose amount exceeds the
	// category mean by this multiple trips NEW_MERCHANT_LARGE_AMOUNT.
	NewMerchantMultiple float64 `json:"newMerchantMultiple" yaml:"new_merchant_multiple"`

	// RandomSeed makes forest fitting reproducible across runs.
	RandomSeed int64 `json:"randomSeed" yaml:"random_seed"`

	// EnsembleTimeout bounds the forest stage only. On expiry the run
	// degrades to statistical and rule signals. Zero means no timeout.
	EnsembleTimeout time.Duration `json:"ensembleTimeout" yaml:"ensemble_timeout"`
}

// Validate checks the detection configuration. Any failure aborts the
// run before work starts.
func (c DetectionConfig) Validate() error {
	if c.ContaminationFraction <= 0 || c.ContaminationFraction >= 0.5 {
		return fmt.Errorf("%w: contamination fraction must be in (0, 0.5), got %g", ErrInvalidConfig, c.ContaminationFraction)
	}
	if c.EnsembleTreeCount <= 0 {
		return fmt.Errorf("%w: ensemble tree count must be positive, got %d", ErrInvalidConfig, c.EnsembleTreeCount)
	}
	if c.SigmaThreshold <= 0 {
		return fmt.Errorf("%w: sigma threshold must be positive, got %g", ErrInvalidConfig, c.SigmaThreshold)
	}
	if c.MinBatchSizeForEnsemble < 2 {
		return fmt.Errorf("%w: min batch size for ensemble must be at least 2, got %d", ErrInvalidConfig, c.MinBatchSizeForEnsemble)
	}
	if c.VelocityWindowMinutes <= 0 {
		return fmt.Errorf("%w: velocity window must be positive, got %d", ErrInvalidConfig, c.VelocityWindowMinutes)
	}
	if c.VelocityCountThreshold <= 0 {
		return fmt.Errorf("%w: velocity count threshold must be positive, got %d", ErrInvalidConfig, c.VelocityCountThreshold)
	}
	if c.LargeAmountCeiling < 0 {
		return fmt.Errorf("%w: large amount ceiling must not be negative, got %g", ErrInvalidConfig, c.LargeAmountCeiling)
	}
	if c.NewMerchantMultiple <= 1 {
		return fmt.Errorf("%w: new merchant multiple must exceed 1, got %g", ErrInvalidConfig, c.NewMerchantMultiple)
	}
	if c.EnsembleTimeout < 0 {
		return fmt.Errorf("%w: ensemble timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// LargeAmountRuleEnabled reports whether an absolute ceiling was supplied.
func (c DetectionConfig) LargeAmountRuleEnabled() bool {
	return c.LargeAmountCeiling > 0
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"service_name"`
}

// DefaultDetectionConfig returns the documented defaults.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		ContaminationFraction:   0.05,
		EnsembleTreeCount:       100,
		SigmaThreshold:          3.0,
		MinBatchSizeForEnsemble: 10,
		VelocityWindowMinutes:   60,
		VelocityCountThreshold:  5,
		LargeAmountCeiling:      0, // rule disabled until configured
		NewMerchantMultiple:     3.0,
		RandomSeed:              42,
		EnsembleTimeout:         10 * time.Second,
	}
}

// DefaultConfig returns a configuration that runs with no external
// services: SQLite store, in-memory cache, channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Detection: DefaultDetectionConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file
// is not an error; the defaults stand.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
