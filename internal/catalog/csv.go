// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package catalog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/ridelines/drivetrain/internal/models"
)

// ParseError reports a malformed row in the activity listing. Row is
// 1-based and counts data rows, not the header.
type ParseError struct {
	Row int
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("catalog listing row %d: %v", e.Row, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Columns the listing must carry. The catalog may add columns at any time;
// readers locate the required ones by header name and ignore the rest.
var requiredColumns = []string{"id", "name", "start_date_local", "type", "distance", "elapsed_time"}

// decodeActivityCSV parses the catalog's CSV listing into activity
// records.
func decodeActivityCSV(data []byte) ([]models.ActivityRecord, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // Tolerate ragged rows; required columns are checked per row

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Row: 0, Err: fmt.Errorf("empty listing")}
		}
		return nil, &ParseError{Row: 0, Err: err}
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, &ParseError{Row: 0, Err: fmt.Errorf("missing required column %q", name)}
		}
	}

	var records []models.ActivityRecord
	for row := 1; ; row++ {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, &ParseError{Row: row, Err: err}
		}

		rec, err := recordFromRow(cols, fields)
		if err != nil {
			return nil, &ParseError{Row: row, Err: err}
		}
		records = append(records, rec)
	}
}

// recordFromRow maps one CSV row onto an ActivityRecord.
func recordFromRow(cols map[string]int, fields []string) (models.ActivityRecord, error) {
	get := func(name string) (string, error) {
		i := cols[name]
		if i >= len(fields) {
			return "", fmt.Errorf("row is missing column %q", name)
		}
		return fields[i], nil
	}

	var rec models.ActivityRecord
	var err error

	if rec.ID, err = get("id"); err != nil {
		return rec, err
	}
	if rec.ID == "" {
		return rec, fmt.Errorf("empty activity id")
	}
	if rec.Name, err = get("name"); err != nil {
		return rec, err
	}
	if rec.StartLocal, err = get("start_date_local"); err != nil {
		return rec, err
	}
	if rec.Type, err = get("type"); err != nil {
		return rec, err
	}

	// distance and elapsed_time may be absent or empty; both decay to zero.
	if raw, err := get("distance"); err == nil && raw != "" {
		rec.DistanceM, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return rec, fmt.Errorf("bad distance %q: %w", raw, err)
		}
	}
	if raw, err := get("elapsed_time"); err == nil && raw != "" {
		rec.ElapsedTime, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("bad elapsed_time %q: %w", raw, err)
		}
	}

	return rec, nil
}
