package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/retrier/internal/retry/codec"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Driver == "" {
		if cfg.Database.URL != "" {
			cfg.Store.Driver = DriverPostgres
		} else {
			cfg.Store.Driver = DriverMemory
		}
	}
	if cfg.Store.Codec == "" {
		cfg.Store.Codec = "json"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 1
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that defaults cannot fix.
func (c *AppConfig) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverPostgres, DriverRedis, DriverNATS:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if _, err := codec.ByName(c.Store.Codec); err != nil {
		return err
	}
	if c.Store.Codec == "proto" || c.Store.Codec == "protobuf" {
		return fmt.Errorf("codec %q cannot encode webhook messages", c.Store.Codec)
	}

	seen := make(map[string]bool, len(c.Operations))
	for i, op := range c.Operations {
		if op.ID == "" {
			return fmt.Errorf("operations[%d]: missing id", i)
		}
		if op.URL == "" {
			return fmt.Errorf("operation %s: missing url", op.ID)
		}
		if seen[op.ID] {
			return fmt.Errorf("operation %s: duplicate id", op.ID)
		}
		seen[op.ID] = true
	}
	return nil
}
