// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

// Package index implements the persisted, hash-keyed activity catalog.
//
// The index distinguishes activities that produced geometry from those
// that did not. Recording GPS-less activities is deliberate: it suppresses
// refetching an activity that will never contribute features. Membership
// is keyed by "{id}:{hash}", so a remote edit to any hashed field (name,
// start time, elapsed time, distance) produces a new key and forces a
// refetch; the activity type is not hashed.
//
// The index is the authority of record for the composed archive: every key
// in the with-geometry set has a corresponding feature blob in the archive
// published in the same run.
package index

import (
	"fmt"
	"sort"
	"time"
)

// bucket identifies which membership set a key lives in.
type bucket uint8

const (
	bucketWithGeometry bucket = iota
	bucketWithoutGeometry
)

// Index is a per-athlete catalog of synced activities.
//
// Not safe for concurrent mutation; the sync engine guards the in-flight
// index with its own mutex.
type Index struct {
	athleteID   string
	lastUpdated time.Time
	entries     map[string]bucket
}

// Empty constructs a new index for an athlete with no entries.
func Empty(athleteID string) *Index {
	return &Index{
		athleteID:   athleteID,
		lastUpdated: time.Now().UTC(),
		entries:     make(map[string]bucket),
	}
}

// AthleteID returns the athlete this index belongs to.
func (ix *Index) AthleteID() string {
	return ix.athleteID
}

// LastUpdated returns the instant recorded for the index: its creation
// time, or the persisted last_updated value for a decoded index.
func (ix *Index) LastUpdated() time.Time {
	return ix.lastUpdated
}

// Contains reports whether key is present in either membership set.
func (ix *Index) Contains(key string) bool {
	_, ok := ix.entries[key]
	return ok
}

// HasGeometry reports whether key is present in the with-geometry set.
func (ix *Index) HasGeometry(key string) bool {
	b, ok := ix.entries[key]
	return ok && b == bucketWithGeometry
}

// CarryForward copies key from the source index into ix, preserving its
// bucket. Returns false without mutating ix when the source does not
// contain the key. Used during diff to move unchanged entries without
// refetching.
func (ix *Index) CarryForward(key string, from *Index) bool {
	b, ok := from.entries[key]
	if !ok {
		return false
	}
	ix.entries[key] = b
	return true
}

// InsertWithGeometry records key as having produced at least one feature.
// The caller guarantees the key is not already present.
func (ix *Index) InsertWithGeometry(key string) {
	ix.entries[key] = bucketWithGeometry
}

// InsertWithoutGeometry records key as carrying no GPS samples.
// The caller guarantees the key is not already present.
func (ix *Index) InsertWithoutGeometry(key string) {
	ix.entries[key] = bucketWithoutGeometry
}

// Remove deletes key from whichever set holds it. Used when a
// carried-forward key's blob cannot be recovered from the prior archive:
// dropping the key keeps the index-archive consistency invariant and the
// next run refetches the activity.
func (ix *Index) Remove(key string) {
	delete(ix.entries, key)
}

// Total returns the cardinality of the union of both sets.
func (ix *Index) Total() int {
	return len(ix.entries)
}

// WithGeometry returns the with-geometry keys in ascending order.
func (ix *Index) WithGeometry() []string {
	return ix.keysIn(bucketWithGeometry)
}

// WithoutGeometry returns the without-geometry keys in ascending order.
func (ix *Index) WithoutGeometry() []string {
	return ix.keysIn(bucketWithoutGeometry)
}

func (ix *Index) keysIn(b bucket) []string {
	keys := make([]string, 0, len(ix.entries))
	for k, kb := range ix.entries {
		if kb == b {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether two indexes have the same athlete and logical
// contents, ignoring the last-updated instant.
func (ix *Index) Equal(other *Index) bool {
	if ix.athleteID != other.athleteID || len(ix.entries) != len(other.entries) {
		return false
	}
	for k, b := range ix.entries {
		ob, ok := other.entries[k]
		if !ok || ob != b {
			return false
		}
	}
	return true
}

// validate enforces the decode-time invariants. Disjointness of the two
// sets is structural (one map, one bucket per key), so only athlete
// identity needs checking here.
func (ix *Index) validate() error {
	if ix.athleteID == "" {
		return fmt.Errorf("index has empty athlete_id")
	}
	return nil
}
