// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// TriggerEvent is the payload delivered by the event source to start a
// sync run for one athlete.
type TriggerEvent struct {
	Detail TriggerDetail `json:"detail" validate:"required"`
}

// TriggerDetail carries the athlete identity inside a trigger event.
type TriggerDetail struct {
	AthleteID string `json:"athlete_id" validate:"required"`
}

var triggerValidate = validator.New()

// DecodeTrigger parses and validates a raw trigger payload. A payload that
// does not decode, or decodes without a non-empty athlete_id, is rejected;
// callers surface the error as BadTrigger without mutating any state.
func DecodeTrigger(raw []byte) (*TriggerEvent, error) {
	var ev TriggerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("malformed trigger payload: %w", err)
	}
	if err := triggerValidate.Struct(&ev); err != nil {
		return nil, fmt.Errorf("invalid trigger payload: %w", err)
	}
	return &ev, nil
}
