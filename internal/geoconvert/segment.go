// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package geoconvert

import "math"

// earthRadiusM is the mean Earth radius used for great-circle distances.
const earthRadiusM = 6371000.0

// haversineMeters calculates the great-circle distance between two points
// on Earth using the haversine formula. Returns distance in meters.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

// splitOnGaps partitions samples into maximal contiguous runs whose
// consecutive distance never exceeds maxGap meters (inclusive at exactly
// maxGap). Runs of length 1 are discarded: an isolated fix carries no
// track information and would render as a stray point.
func splitOnGaps(samples []sample, maxGap float64) [][]sample {
	var segments [][]sample
	var current []sample

	for i, s := range samples {
		current = append(current, s)

		if i+1 < len(samples) {
			next := samples[i+1]
			if haversineMeters(s.lat, s.lon, next.lat, next.lon) > maxGap {
				if len(current) >= 2 {
					segments = append(segments, current)
				}
				current = nil
			}
		}
	}

	if len(current) >= 2 {
		segments = append(segments, current)
	}

	return segments
}
