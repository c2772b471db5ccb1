// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

// Package models defines the core data types shared across the sync
// pipeline: the catalog activity record, its content hash and archive key,
// and the trigger event that starts a run.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// ActivityRecord is one row of the remote catalog listing.
//
// StartLocal is the ISO-8601 local start datetime exactly as the catalog
// reports it, with no zone. It is kept as a string: the value participates
// in the content hash and the archive sort order, and both must be stable
// against re-parsing and re-formatting.
type ActivityRecord struct {
	ID          string
	Name        string
	StartLocal  string
	Type        string
	DistanceM   float64
	ElapsedTime int64
}

// hashFieldSep separates tuple fields in the hash input. A control character
// cannot appear in catalog CSV fields, so no two distinct tuples collide by
// concatenation.
const hashFieldSep = "\x1f"

// ContentHash returns a deterministic digest over the identifying metadata
// tuple (id, name, start_local, elapsed_time_s, distance_m). Two records
// with equal hashes are equivalent for archive purposes: any edit to the
// name, start time, elapsed time, or distance produces a new hash and
// forces a refetch.
func (r ActivityRecord) ContentHash() string {
	var b strings.Builder
	b.WriteString(r.ID)
	b.WriteString(hashFieldSep)
	b.WriteString(r.Name)
	b.WriteString(hashFieldSep)
	b.WriteString(r.StartLocal)
	b.WriteString(hashFieldSep)
	b.WriteString(strconv.FormatInt(r.ElapsedTime, 10))
	b.WriteString(hashFieldSep)
	b.WriteString(strconv.FormatFloat(r.DistanceM, 'f', -1, 64))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// ArchiveKey returns the "{id}:{hash}" identity used by the activity index
// and the scratch blob filenames.
func (r ActivityRecord) ArchiveKey() string {
	return ArchiveKey(r.ID, r.ContentHash())
}

// ArchiveKey joins an activity ID and content hash into the index key form.
func ArchiveKey(activityID, contentHash string) string {
	return activityID + ":" + contentHash
}

// SplitArchiveKey splits an archive key back into activity ID and content
// hash. Activity IDs may themselves contain ':'; the hash never does, so
// the split is on the last separator.
func SplitArchiveKey(key string) (activityID, contentHash string, ok bool) {
	i := strings.LastIndex(key, ":")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
