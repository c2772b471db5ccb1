// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package config

import (
	"testing"
)

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"DATA_BUCKET", "storage.data_bucket"},
		{"TILE_BUCKET", "storage.tile_bucket"},
		{"CDN_DISTRIBUTION", "storage.cdn_distribution"},
		{"SECRET_REF", "storage.secret_ref"},
		{"CATALOG_BASE_URL", "catalog.base_url"},
		{"FETCH_CONCURRENCY", "sync.fetch_concurrency"},
		{"RUN_TIMEOUT", "sync.run_timeout"},
		{"TILER_PATH", "tiler.path"},
		{"TILER_EXTRA_ARGS", "tiler.extra_args"},
		{"LOG_LEVEL", "logging.level"},
		// Unrecognized variables must not leak into the config tree.
		{"PATH", ""},
		{"HOME", ""},
		{"AWS_REGION", ""},
	}

	for _, tt := range tests {
		if got := envTransformFunc(tt.env); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("DATA_BUCKET", "test-data")
	t.Setenv("TILE_BUCKET", "test-tiles")
	t.Setenv("SECRET_REF", "ref-1")
	t.Setenv("CATALOG_BASE_URL", "https://catalog.example.com")
	t.Setenv("FETCH_CONCURRENCY", "3")
	t.Setenv("TILER_EXTRA_ARGS", "--maximum-zoom=14, --drop-densest-as-needed")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.DataBucket != "test-data" {
		t.Errorf("DataBucket = %q", cfg.Storage.DataBucket)
	}
	if cfg.Catalog.BaseURL != "https://catalog.example.com" {
		t.Errorf("BaseURL = %q", cfg.Catalog.BaseURL)
	}
	if cfg.Sync.FetchConcurrency != 3 {
		t.Errorf("FetchConcurrency = %d, want 3", cfg.Sync.FetchConcurrency)
	}
	if len(cfg.Tiler.ExtraArgs) != 2 || cfg.Tiler.ExtraArgs[0] != "--maximum-zoom=14" || cfg.Tiler.ExtraArgs[1] != "--drop-densest-as-needed" {
		t.Errorf("ExtraArgs = %v", cfg.Tiler.ExtraArgs)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATA_BUCKET", "")
	t.Setenv("TILE_BUCKET", "")
	t.Setenv("SECRET_REF", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error with empty required settings")
	}
}
