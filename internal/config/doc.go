// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

// Package config provides layered configuration loading for Drivetrain.
//
// Configuration is loaded via Koanf v2 with three layers, highest
// priority last:
//
//  1. Built-in defaults (defaultConfig)
//  2. Optional YAML config file (config.yaml, or CONFIG_PATH)
//  3. Environment variables
//
// # Recognized Environment Variables
//
//	DATA_BUCKET            - blob store bucket for the index and archive (required)
//	TILE_BUCKET            - blob store bucket for the tile bundle (required)
//	TILE_PREFIX            - serving key prefix inside TILE_BUCKET (default: tiles)
//	CDN_DISTRIBUTION       - CDN distribution handle for invalidation
//	SECRET_REF             - secret-store reference for the catalog credential (required)
//	CATALOG_BASE_URL       - remote catalog endpoint (default: https://intervals.icu)
//	CATALOG_TIMEOUT        - per-request deadline (default: 30s)
//	CATALOG_RETRY_ATTEMPTS - retries beyond the initial attempt (default: 2)
//	CATALOG_RETRY_DELAY    - base backoff delay, doubled per attempt (default: 500ms)
//	FETCH_CONCURRENCY      - concurrent download+convert workers (default: 5)
//	RUN_TIMEOUT            - whole-run upper bound (default: 14m)
//	SCRATCH_DIR            - parent directory for per-run scratch space
//	TILER_PATH             - external tiler binary (default: /opt/bin/tippecanoe)
//	TILER_EXTRA_ARGS       - comma-separated extra tiler arguments
//	TILER_TIMEOUT          - tiler execution bound (default: 5m)
//	LOG_LEVEL, LOG_FORMAT, LOG_CALLER - logging verbosity and output
//
// Load() validates the assembled configuration and returns a descriptive
// error naming the offending option.
package config
