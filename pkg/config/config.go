// Package config handles interpreting the pgdog.json config file.
package config

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"iter"
	"os"
)

// Config holds the pgdog configuration.
type Config struct {
	Databases     []DatabaseConfig     `json:"databases"`
	Prometheus    *PrometheusConfig    `json:"prometheus,omitzero"`
	OpenTelemetry *OpenTelemetryConfig `json:"opentelemetry,omitzero"`
}

// ParseConfig parses a JSON configuration string and returns a Config.
func ParseConfig(jsonStr string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadConfigFile reads and parses a configuration file from the given path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(string(data))
}

// Secrets returns an iterator over all secret references in the config.
// Each secret is yielded with a description of where it appears in the config.
func (c *Config) Secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		for i, db := range c.Databases {
			for j, user := range db.Users {
				if !yield(fmt.Sprintf("databases[%d].users[%d].username", i, j), user.Username) {
					return
				}
				if !yield(fmt.Sprintf("databases[%d].users[%d].password", i, j), user.Password) {
					return
				}
			}
		}
	}
}

// Validate verifies the configuration is valid:
// - All database configs produce valid pool configs
// - Pooler modes and prepared statement settings are well formed
// - All secrets are accessible
// It does not stop at the first error; all errors are accumulated and returned together.
func (c *Config) Validate(ctx context.Context, secrets *SecretCache) error {
	var errs []error

	if len(c.Databases) == 0 {
		errs = append(errs, errors.New("at least one database is required"))
	}

	for i, db := range c.Databases {
		if err := db.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("databases[%d]: %w", i, err))
		}
	}

	if c.Prometheus != nil {
		if err := c.Prometheus.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("prometheus: %w", err))
		}
	}
	if c.OpenTelemetry != nil {
		if err := c.OpenTelemetry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("opentelemetry: %w", err))
		}
	}

	for path, ref := range c.Secrets() {
		if _, err := secrets.Get(ctx, ref); err != nil {
			errs = append(errs, errors.Join(errors.New(path), err))
		}
	}

	return errors.Join(errs...)
}
