// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

// Package sync orchestrates the four-phase activity sync for one athlete.
//
// # Phases
//
//	I   Load      - fetch and decode the prior activity index
//	II  Diff      - list the remote catalog, carry forward unchanged keys,
//	                queue new/changed activities for download
//	III Fetch     - bounded worker pool downloads and converts, writing
//	                feature blobs into per-run scratch space
//	IV  Finalize  - compose the framed Zstandard archive in deterministic
//	                order, publish archive then index, run the tiler,
//	                publish the tile bundle, invalidate the CDN
//
// # State machine
//
//	INIT → LOADED → DIFFED → FETCHED → FINALIZED → DONE
//	                               ↘ ABORTED        (any phase)
//
// Only DONE overwrites persisted state. A tiler failure after the archive
// and index publish is the one documented partial-visibility case: the
// new archive and index remain, the prior tile bundle keeps serving.
//
// # Concurrency
//
// Phase III fans out over a buffered-channel semaphore capped at the
// configured fetch concurrency (default 5). The in-flight index and the
// counter set are the only worker-shared state, guarded by one mutex.
// Scratch files are uniquely named per key, so workers never collide on
// the filesystem. A fatal error (credential rejection) cancels the shared
// context; workers observe it between operations and exit.
//
// # Failure policy
//
// Per-activity faults (download failure after retries, FIT decode error,
// scratch I/O error) increment the skipped-failed counter and keep the key
// out of the next index, so the next run retries the activity. Global
// faults abort the run with a structured Error carrying kind and phase.
package sync
