// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package sync

import (
	"errors"
	"fmt"
)

// Kind classifies a run-aborting failure for operators and the host
// runtime. Per-activity faults never become an Error; they degrade to
// counters and the affected activities retry next run.
type Kind string

const (
	// KindTransient is a network or storage failure that persisted
	// through retries on a run-critical call.
	KindTransient Kind = "transient"

	// KindCorruptIndex means the prior index blob exists but does not
	// decode. Operator-visible: nothing mutates until it is resolved.
	KindCorruptIndex Kind = "corrupt_index"

	// KindBadTrigger means the trigger payload had no usable athlete ID.
	KindBadTrigger Kind = "bad_trigger"

	// KindAuth means the catalog rejected the credential.
	KindAuth Kind = "auth"

	// KindParse means the catalog listing itself was malformed.
	KindParse Kind = "parse"

	// KindTiler means the external tiler exited non-zero. The archive and
	// index of the current run are already published when this surfaces.
	KindTiler Kind = "tiler"

	// KindRunTimeout means the whole-run deadline expired; partial state
	// was discarded.
	KindRunTimeout Kind = "run_timeout"
)

// Phase names where in the run a failure surfaced.
type Phase string

const (
	PhaseLoad     Phase = "load"
	PhaseDiff     Phase = "diff"
	PhaseFetch    Phase = "fetch"
	PhaseFinalize Phase = "finalize"
)

// Error is the structured failure a run returns on any ABORTED path.
// Context is pre-redacted at the adapter layer: response bodies are capped
// and credentials never enter error chains.
type Error struct {
	Kind  Kind
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sync aborted in phase %s (%s): %v", e.Phase, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// abort wraps err as a run-terminating Error.
func abort(kind Kind, phase Phase, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Err: err}
}

// KindOf extracts the failure kind from an error chain, or "" if the
// error is not a run abort.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
