// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

// Package geoconvert decodes FIT fitness files into GeoJSON feature
// collections.
//
// A FIT activity is a record stream; records carrying positional fields
// become GPS samples in WGS-84 signed degrees. Samples are segmented on
// large inter-sample gaps (signal loss in tunnels, watch paused across a
// ferry ride) so that one activity can yield several LineString features
// rather than a single line jumping across the gap.
//
// GPS absence is not an error: a trainer ride decodes to an empty
// collection, and callers record it as such to suppress refetching.
package geoconvert

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/tormoder/fit"

	"github.com/ridelines/drivetrain/internal/models"
)

// maxGapMeters is the segmentation threshold between consecutive samples.
// Chosen to tolerate transient signal noise while not fusing unrelated
// segments across long pauses. Exactly 100.0 m stays within the same run.
const maxGapMeters = 100.0

// DecodeCause classifies why a FIT stream could not be decoded.
type DecodeCause string

const (
	CauseMalformed   DecodeCause = "malformed"
	CauseTruncated   DecodeCause = "truncated"
	CauseUnsupported DecodeCause = "unsupported-record"
)

// DecodeError reports a structural failure in the FIT stream. It is never
// returned for an activity that simply has no GPS samples.
type DecodeError struct {
	Cause DecodeCause
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("fit decode failed (%s): %v", e.Cause, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// sample is one GPS fix in signed degrees.
type sample struct {
	lat, lon float64
}

// Convert decodes a FIT byte stream into the activity's feature blob.
// Returns a *DecodeError for structural failures; an activity with fewer
// than two usable samples yields an empty (non-nil) blob and no error.
func Convert(data []byte, rec models.ActivityRecord) (*FeatureBlob, error) {
	f, err := fit.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Cause: classifyDecodeErr(err), Err: err}
	}

	activity, err := f.Activity()
	if err != nil {
		// Valid FIT, but not an activity file (workout, course, monitor).
		return nil, &DecodeError{Cause: CauseUnsupported, Err: err}
	}

	samples := extractSamples(activity)
	segments := splitOnGaps(samples, maxGapMeters)

	return newFeatureBlob(rec, segments), nil
}

// classifyDecodeErr distinguishes a stream that ended early from one that
// is structurally wrong.
func classifyDecodeErr(err error) DecodeCause {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CauseTruncated
	}
	return CauseMalformed
}

// extractSamples pulls the positional fields out of the record messages.
// Records without a valid fix (indoor segments, first seconds before GPS
// lock) are skipped; the FIT invalid sentinel decodes to NaN degrees.
func extractSamples(activity *fit.ActivityFile) []sample {
	samples := make([]sample, 0, len(activity.Records))
	for _, r := range activity.Records {
		lat := r.PositionLat.Degrees()
		lon := r.PositionLong.Degrees()
		if math.IsNaN(lat) || math.IsNaN(lon) {
			continue
		}

		samples = append(samples, sample{lat: lat, lon: lon})
	}
	return samples
}
