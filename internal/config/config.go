// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds all application configuration loaded from environment
// variables and an optional config file.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all optional settings
//  2. Config File: Optional YAML config file (config.yaml) for persistent settings
//  3. Environment Variables: Override any setting via environment variables
//
// Thread Safety:
// Config is immutable after Load() and safe for concurrent read access
// from multiple goroutines.
type Config struct {
	Storage StorageConfig `koanf:"storage"`
	Catalog CatalogConfig `koanf:"catalog"`
	Sync    SyncConfig    `koanf:"sync"`
	Tiler   TilerConfig   `koanf:"tiler"`
	Logging LoggingConfig `koanf:"logging"`
}

// StorageConfig names the blob store locations the pipeline reads and
// writes, and the collaborator handles for secrets and CDN invalidation.
type StorageConfig struct {
	// DataBucket holds the per-athlete index and compressed archive.
	DataBucket string `koanf:"data_bucket"`

	// TileBucket receives the tile bundle produced by the tiler.
	TileBucket string `koanf:"tile_bucket"`

	// TilePrefix is the serving key prefix for tile bundles inside
	// TileBucket. The athlete ID is appended per run.
	TilePrefix string `koanf:"tile_prefix"`

	// CDNDistribution is the CDN distribution handle used for
	// invalidation after a tile bundle upload.
	CDNDistribution string `koanf:"cdn_distribution"`

	// SecretRef is the secret-store reference for the catalog credential.
	SecretRef string `koanf:"secret_ref"`
}

// CatalogConfig holds remote catalog connection settings.
type CatalogConfig struct {
	BaseURL string `koanf:"base_url"`

	// Timeout is the per-request deadline for catalog calls.
	Timeout time.Duration `koanf:"timeout"`

	// RetryAttempts is the number of retries beyond the initial attempt
	// for transient failures.
	RetryAttempts int `koanf:"retry_attempts"`

	// RetryDelay is the base backoff delay; it doubles per attempt.
	RetryDelay time.Duration `koanf:"retry_delay"`

	// DownloadRatePerSec caps FIT downloads per second across workers.
	// Zero disables the limiter.
	DownloadRatePerSec float64 `koanf:"download_rate_per_sec"`

	// DownloadBurst is the limiter burst size when rate limiting is on.
	DownloadBurst int `koanf:"download_burst"`
}

// SyncConfig holds engine tuning for one run.
type SyncConfig struct {
	// FetchConcurrency caps in-flight download+convert workers.
	FetchConcurrency int `koanf:"fetch_concurrency"`

	// RunTimeout bounds a whole run; on expiry the run aborts without
	// persisting partial state.
	RunTimeout time.Duration `koanf:"run_timeout"`

	// ScratchDir is the parent directory for per-run scratch space.
	ScratchDir string `koanf:"scratch_dir"`
}

// TilerConfig holds the external tiler invocation settings.
type TilerConfig struct {
	// Path is the tiler binary location.
	Path string `koanf:"path"`

	// ExtraArgs are appended verbatim to the tiler command line.
	ExtraArgs []string `koanf:"extra_args"`

	// Timeout bounds a single tiler execution.
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks that required fields are present and well-formed.
// Called by Load(); returns a descriptive error naming the offending
// option so operators can fix the environment.
func (c *Config) Validate() error {
	if c.Storage.DataBucket == "" {
		return fmt.Errorf("DATA_BUCKET is required")
	}
	if c.Storage.TileBucket == "" {
		return fmt.Errorf("TILE_BUCKET is required")
	}
	if c.Storage.SecretRef == "" {
		return fmt.Errorf("SECRET_REF is required")
	}

	if c.Catalog.BaseURL == "" {
		return fmt.Errorf("CATALOG_BASE_URL is required")
	}
	u, err := url.Parse(c.Catalog.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CATALOG_BASE_URL %q is not an absolute URL", c.Catalog.BaseURL)
	}
	if c.Catalog.Timeout <= 0 {
		return fmt.Errorf("CATALOG_TIMEOUT must be positive, got %v", c.Catalog.Timeout)
	}
	if c.Catalog.RetryAttempts < 0 {
		return fmt.Errorf("CATALOG_RETRY_ATTEMPTS must be >= 0, got %d", c.Catalog.RetryAttempts)
	}
	if c.Catalog.RetryDelay <= 0 {
		return fmt.Errorf("CATALOG_RETRY_DELAY must be positive, got %v", c.Catalog.RetryDelay)
	}

	if c.Sync.FetchConcurrency <= 0 {
		return fmt.Errorf("FETCH_CONCURRENCY must be positive, got %d", c.Sync.FetchConcurrency)
	}
	if c.Sync.RunTimeout <= 0 {
		return fmt.Errorf("RUN_TIMEOUT must be positive, got %v", c.Sync.RunTimeout)
	}

	if c.Tiler.Path == "" {
		return fmt.Errorf("TILER_PATH is required")
	}
	if c.Tiler.Timeout <= 0 {
		return fmt.Errorf("TILER_TIMEOUT must be positive, got %v", c.Tiler.Timeout)
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not a recognized level", c.Logging.Level)
	}

	return nil
}
