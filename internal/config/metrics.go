package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CustomMetricConfig declares one extra Prometheus metric a service wants
// registered without a code change.
type CustomMetricConfig struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"` // counter, gauge, histogram
	Help   string   `yaml:"help"`
	Labels []string `yaml:"labels,omitempty"`
}

func (c CustomMetricConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("metrics config: name is required")
	}
	switch c.Type {
	case "counter", "gauge", "histogram":
	default:
		return fmt.Errorf("metrics config: %s: unsupported type %q", c.Name, c.Type)
	}
	return nil
}

// MetricsConfig is the top-level shape of the YAML metrics file.
type MetricsConfig struct {
	Namespace string               `yaml:"namespace"`
	Custom    []CustomMetricConfig `yaml:"custom,omitempty"`
}

func (c MetricsConfig) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("metrics config: namespace is required")
	}
	for _, m := range c.Custom {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadMetricsConfig reads and validates a MetricsConfig from a YAML file.
func LoadMetricsConfig(path string) (*MetricsConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metrics config: read %s: %w", path, err)
	}

	var cfg MetricsConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("metrics config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("metrics config: %s: %w", path, err)
	}
	return &cfg, nil
}
