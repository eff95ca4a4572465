package domain

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDetectionConfigValidate(t *testing.T) {
	t.Run("DefaultsPass", func(t *testing.T) {
		if err := DefaultDetectionConfig().Validate(); err != nil {
			t.Errorf("defaults should validate: %v", err)
		}
	})

	mutations := []struct {
		name   string
		mutate func(*DetectionConfig)
	}{
		{"ContaminationZero", func(c *DetectionConfig) { c.ContaminationFraction = 0 }},
		{"ContaminationTooHigh", func(c *DetectionConfig) { c.ContaminationFraction = 0.5 }},
		{"NoTrees", func(c *DetectionConfig) { c.EnsembleTreeCount = 0 }},
		{"NegativeSigma", func(c *DetectionConfig) { c.SigmaThreshold = -1 }},
		{"MinBatchTooSmall", func(c *DetectionConfig) { c.MinBatchSizeForEnsemble = 1 }},
		{"ZeroVelocityWindow", func(c *DetectionConfig) { c.VelocityWindowMinutes = 0 }},
		{"ZeroVelocityThreshold", func(c *DetectionConfig) { c.VelocityCountThreshold = 0 }},
		{"NegativeCeiling", func(c *DetectionConfig) { c.LargeAmountCeiling = -100 }},
		{"MerchantMultipleTooLow", func(c *DetectionConfig) { c.NewMerchantMultiple = 1.0 }},
		{"NegativeTimeout", func(c *DetectionConfig) { c.EnsembleTimeout = -time.Second }},
	}
	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			cfg := DefaultDetectionConfig()
			m.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	t.Run("CeilingZeroIsValid", func(t *testing.T) {
		cfg := DefaultDetectionConfig()
		cfg.LargeAmountCeiling = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("zero ceiling disables the rule and must validate: %v", err)
		}
		if cfg.LargeAmountRuleEnabled() {
			t.Error("zero ceiling should report the rule as disabled")
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("MissingFileYieldsDefaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("missing file should not error: %v", err)
		}
		if cfg.Server.Port != 8080 || cfg.Repository.Driver != "sqlite" || cfg.EventBus.Type != "channel" {
			t.Errorf("expected defaults, got %+v", cfg)
		}
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kestrel.yaml")
		data := []byte("server:\n  port: 9090\ndetection:\n  sigma_threshold: 2.5\n")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("expected overridden port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Detection.SigmaThreshold != 2.5 {
			t.Errorf("expected overridden sigma 2.5, got %g", cfg.Detection.SigmaThreshold)
		}
		// Untouched keys keep their defaults
		if cfg.Cache.Type != "memory" {
			t.Errorf("expected default cache type, got %s", cfg.Cache.Type)
		}
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Error("expected parse error for malformed YAML")
		}
	})
}
