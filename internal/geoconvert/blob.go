// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package geoconvert

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/ridelines/drivetrain/internal/models"
)

// FeatureBlob is the geospatial representation of one activity: a feature
// collection holding one LineString per gap-split segment. An activity
// without usable GPS samples yields an empty blob.
type FeatureBlob struct {
	collection *geojson.FeatureCollection
	features   int
}

// newFeatureBlob builds the collection for one activity from its
// gap-split segments. Every feature carries the activity's identifying
// properties; the archive key properties (id, activity_hash) let a later
// run attribute a carried-forward frame to its index entry.
func newFeatureBlob(rec models.ActivityRecord, segments [][]sample) *FeatureBlob {
	fc := geojson.NewFeatureCollection()

	for _, seg := range segments {
		line := make(orb.LineString, 0, len(seg))
		for _, s := range seg {
			line = append(line, orb.Point{s.lon, s.lat})
		}

		feature := geojson.NewFeature(line)
		feature.Properties = geojson.Properties{
			"id":            rec.ID,
			"name":          rec.Name,
			"date":          rec.StartLocal,
			"type":          rec.Type,
			"activity_hash": rec.ContentHash(),
		}
		fc.Append(feature)
	}

	return &FeatureBlob{collection: fc, features: len(fc.Features)}
}

// Empty reports whether the activity produced no features.
func (b *FeatureBlob) Empty() bool {
	return b.features == 0
}

// FeatureCount returns the number of LineString features in the blob.
func (b *FeatureBlob) FeatureCount() int {
	return b.features
}

// Encode serializes the collection to compact GeoJSON.
func (b *FeatureBlob) Encode() ([]byte, error) {
	data, err := json.Marshal(b.collection)
	if err != nil {
		return nil, fmt.Errorf("encode feature collection: %w", err)
	}
	return data, nil
}

// frameProperties is the minimal shape needed to attribute an archived
// feature collection to its activity.
type frameProperties struct {
	Features []struct {
		Properties struct {
			ID           string `json:"id"`
			ActivityHash string `json:"activity_hash"`
		} `json:"properties"`
	} `json:"features"`
}

// BlobKey extracts the archive key from an encoded feature-collection
// payload. Used when walking the prior archive to decide which frames to
// carry forward.
func BlobKey(payload []byte) (string, error) {
	var fp frameProperties
	if err := json.Unmarshal(payload, &fp); err != nil {
		return "", fmt.Errorf("parse archived feature collection: %w", err)
	}
	if len(fp.Features) == 0 {
		return "", fmt.Errorf("archived feature collection has no features")
	}
	p := fp.Features[0].Properties
	if p.ID == "" || p.ActivityHash == "" {
		return "", fmt.Errorf("archived feature collection lacks identity properties")
	}
	return models.ArchiveKey(p.ID, p.ActivityHash), nil
}
