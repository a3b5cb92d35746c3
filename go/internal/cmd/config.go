package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional client configuration file. Every field has a
// working default; most installs run with no file at all.
type Config struct {
	Notifier struct {
		// Backend selects the change feed: "postgres" listens on the
		// store's notification channel directly, "nats" consumes the
		// relay's JetStream stream.
		Backend string `yaml:"backend"`
		NATSURL string `yaml:"nats_url"`

		// FallbackInterval is a time.ParseDuration string, e.g. "30s".
		FallbackInterval string `yaml:"fallback_interval"`
	} `yaml:"notifier"`

	// IdentityPath overrides where the local identity file lives.
	IdentityPath string `yaml:"identity_path"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Notifier.Backend = "postgres"
	return cfg
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Notifier.Backend == "" {
		cfg.Notifier.Backend = "postgres"
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
