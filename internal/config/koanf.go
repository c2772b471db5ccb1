// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/drivetrain/config.yaml",
	"/etc/drivetrain/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataBucket:      "",
			TileBucket:      "",
			TilePrefix:      "tiles",
			CDNDistribution: "",
			SecretRef:       "",
		},
		Catalog: CatalogConfig{
			BaseURL:            "https://intervals.icu",
			Timeout:            30 * time.Second,
			RetryAttempts:      2,
			RetryDelay:         500 * time.Millisecond,
			DownloadRatePerSec: 0, // Unlimited; worker cap is the primary throttle
			DownloadBurst:      5,
		},
		Sync: SyncConfig{
			FetchConcurrency: 5,
			RunTimeout:       14 * time.Minute,
			ScratchDir:       os.TempDir(),
		},
		Tiler: TilerConfig{
			Path:      "/opt/bin/tippecanoe",
			ExtraArgs: nil,
			Timeout:   5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in sensible defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any setting
//
// This function provides:
//   - Type-safe configuration unmarshaling
//   - Clear precedence: ENV > File > Defaults
//   - Support for nested configuration via koanf struct tags
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as
// comma-separated slices when sourced from environment variables.
var sliceConfigPaths = []string{
	"tiler.extra_args",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars come in as strings, but the config expects
// slices; YAML-sourced values are already slices and are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc transforms environment variable names to koanf config
// paths. Flat operator-facing names map onto the nested structure.
//
// Examples:
//   - DATA_BUCKET -> storage.data_bucket
//   - CATALOG_BASE_URL -> catalog.base_url
//   - FETCH_CONCURRENCY -> sync.fetch_concurrency
//   - LOG_LEVEL -> logging.level
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"data_bucket":      "storage.data_bucket",
		"tile_bucket":      "storage.tile_bucket",
		"tile_prefix":      "storage.tile_prefix",
		"cdn_distribution": "storage.cdn_distribution",
		"secret_ref":       "storage.secret_ref",

		"catalog_base_url":       "catalog.base_url",
		"catalog_timeout":        "catalog.timeout",
		"catalog_retry_attempts": "catalog.retry_attempts",
		"catalog_retry_delay":    "catalog.retry_delay",
		"download_rate_per_sec":  "catalog.download_rate_per_sec",
		"download_burst":         "catalog.download_burst",

		"fetch_concurrency": "sync.fetch_concurrency",
		"run_timeout":       "sync.run_timeout",
		"scratch_dir":       "sync.scratch_dir",

		"tiler_path":       "tiler.path",
		"tiler_extra_args": "tiler.extra_args",
		"tiler_timeout":    "tiler.timeout",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unrecognized variables are dropped rather than guessed at; a stray
	// PATH or HOME must not land inside the config tree.
	return ""
}
