// Package config loads engine configuration from YAML with environment
// overrides.
package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Pricing   PricingConfig   `koanf:"pricing"`
	Routing   RoutingConfig   `koanf:"routing"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	// Driver selects the SQL driver; sqlite is the default.
	Driver string `koanf:"driver"`
	// DSN is the data source name / connection string.
	DSN string `koanf:"dsn"`
}

// PricingConfig is the static per-model price table loaded at startup.
// Prices are decimal dollar strings per 1K tokens.
type PricingConfig struct {
	// Default applies to models missing from Models. Cost estimation is
	// advisory, so unknown models price at the default instead of failing.
	Default ModelPriceConfig `koanf:"default"`
	// AssumedOutputTokens is used when a model entry does not set its own.
	AssumedOutputTokens int `koanf:"assumed_output_tokens"`

	Models map[string]ModelPriceConfig `koanf:"models"`
}

type ModelPriceConfig struct {
	InputPer1K  string `koanf:"input_per_1k"`
	OutputPer1K string `koanf:"output_per_1k"`
	// AssumedOutputTokens is the output size assumed when estimating the
	// cost of a request before it runs.
	AssumedOutputTokens int `koanf:"assumed_output_tokens"`
}

// RoutingConfig supplies engine-wide routing defaults for workspaces that
// have no routing policy of their own.
type RoutingConfig struct {
	DefaultModel   string   `koanf:"default_model"`
	FallbackModels []string `koanf:"fallback_models"`
}

type RetentionConfig struct {
	// FallbackUsageDays is how long per-day pool attribution rows are kept.
	FallbackUsageDays int `koanf:"fallback_usage_days"`
	// PruneSchedule is a cron expression for the retention job.
	PruneSchedule string `koanf:"prune_schedule"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the config file at path, if it exists, then applies COSTGATE_
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// Missing file is fine, env vars and defaults still apply.
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("COSTGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "COSTGATE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                   8080,
		"storage.driver":                "sqlite",
		"storage.dsn":                   "./data/costgate.db",
		"pricing.default.input_per_1k":  "0.01",
		"pricing.default.output_per_1k": "0.03",
		"pricing.assumed_output_tokens": 256,
		"retention.fallback_usage_days": 90,
		"retention.prune_schedule":      "0 3 * * *",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
