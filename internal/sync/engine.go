// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ridelines/drivetrain/internal/blob"
	"github.com/ridelines/drivetrain/internal/catalog"
	"github.com/ridelines/drivetrain/internal/config"
	"github.com/ridelines/drivetrain/internal/index"
	"github.com/ridelines/drivetrain/internal/logging"
	"github.com/ridelines/drivetrain/internal/metrics"
	"github.com/ridelines/drivetrain/internal/models"
)

// Catalog is the remote activity catalog surface the engine depends on.
// The credential is bound into the implementation at construction and
// never crosses this interface.
type Catalog interface {
	List(ctx context.Context, athleteID string) ([]models.ActivityRecord, error)
	Download(ctx context.Context, activityID string) ([]byte, error)
}

// TileBuilder turns a framed archive into a tile bundle on disk.
type TileBuilder interface {
	Build(ctx context.Context, archivePath, outPath string) error
}

// runState tracks the per-run state machine. Only DONE overwrites
// persisted state; every other exit leaves the prior index and archive
// as the observable truth (except the documented post-publish tiler
// failure).
type runState string

const (
	stateInit      runState = "INIT"
	stateLoaded    runState = "LOADED"
	stateDiffed    runState = "DIFFED"
	stateFetched   runState = "FETCHED"
	stateFinalized runState = "FINALIZED"
	stateDone      runState = "DONE"
	stateAborted   runState = "ABORTED"
)

// Summary is the run result reported to the host runtime.
type Summary struct {
	Unchanged    int   `json:"unchanged"`
	Fetched      int   `json:"fetched"`
	EmptyGPS     int   `json:"empty_gps"`
	Failed       int   `json:"failed"`
	ArchiveBytes int64 `json:"archive_bytes"`
	TileBytes    int64 `json:"tile_bytes"`
}

// Engine orchestrates the four-phase sync for one athlete at a time.
// An Engine is stateless across runs and safe to reuse.
type Engine struct {
	cfg     *config.Config
	store   blob.Store
	catalog Catalog
	tiler   TileBuilder
}

// New assembles an engine from its collaborators.
func New(cfg *config.Config, store blob.Store, cat Catalog, tiler TileBuilder) *Engine {
	return &Engine{cfg: cfg, store: store, catalog: cat, tiler: tiler}
}

// IndexKey returns the blob key of an athlete's persisted index.
func IndexKey(athleteID string) string {
	return fmt.Sprintf("athletes/%s/activities.index", athleteID)
}

// ArchiveKey returns the blob key of an athlete's composed archive.
func ArchiveKey(athleteID string) string {
	return fmt.Sprintf("athletes/%s/activities.archive.zst", athleteID)
}

// tileKey returns the serving key of an athlete's tile bundle.
func (e *Engine) tileKey(athleteID string) string {
	return fmt.Sprintf("%s/%s.pmtiles", e.cfg.Storage.TilePrefix, athleteID)
}

// Run executes one sync for the athlete: load the prior index, diff
// against the remote catalog, fetch and convert what changed, compose and
// publish the archive, index, and tile bundle.
func (e *Engine) Run(ctx context.Context, athleteID string) (*Summary, error) {
	start := time.Now()
	ctx = logging.ContextWithRunID(ctx, logging.GenerateRunID())
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Sync.RunTimeout)
	defer cancel()

	logging.Ctx(ctx).Info().Str("athlete_id", athleteID).Msg("Sync run starting")

	summary, err := e.run(ctx, athleteID)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = abort(KindRunTimeout, phaseOf(err), fmt.Errorf("run exceeded %v: %w", e.cfg.Sync.RunTimeout, err))
	}

	metrics.RecordRun(err == nil, time.Since(start))
	if err != nil {
		e.logState(ctx, stateAborted)
		logging.Ctx(ctx).Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Sync run aborted")
		return nil, err
	}

	e.logState(ctx, stateDone)
	logging.Ctx(ctx).Info().
		Int("unchanged", summary.Unchanged).
		Int("fetched", summary.Fetched).
		Int("empty_gps", summary.EmptyGPS).
		Int("failed", summary.Failed).
		Int64("archive_bytes", summary.ArchiveBytes).
		Int64("tile_bytes", summary.TileBytes).
		Dur("elapsed", time.Since(start)).
		Msg("Sync run complete")
	return summary, nil
}

func (e *Engine) logState(ctx context.Context, s runState) {
	logging.Ctx(ctx).Debug().Str("state", string(s)).Msg("Run state")
}

// phaseOf recovers the phase from an abort error for timeout rewrapping.
func phaseOf(err error) Phase {
	var se *Error
	if errors.As(err, &se) {
		return se.Phase
	}
	return PhaseLoad
}

func (e *Engine) run(ctx context.Context, athleteID string) (*Summary, error) {
	e.logState(ctx, stateInit)

	// Phase I - Load prior index.
	phaseStart := time.Now()
	prior, err := e.loadPriorIndex(ctx, athleteID)
	if err != nil {
		return nil, err
	}
	metrics.ObservePhase("load", time.Since(phaseStart))
	e.logState(ctx, stateLoaded)

	// Phase II - List the catalog and diff against the prior index.
	phaseStart = time.Now()
	p, err := e.diff(ctx, athleteID, prior)
	if err != nil {
		return nil, err
	}
	metrics.ObservePhase("diff", time.Since(phaseStart))
	e.logState(ctx, stateDiffed)

	if p.empty() {
		logging.Ctx(ctx).Info().Str("athlete_id", athleteID).Msg("No activities found, nothing to publish")
		return &Summary{}, nil
	}

	// Scratch space lives for the rest of the run, released on every
	// exit path.
	scratch, err := os.MkdirTemp(e.cfg.Sync.ScratchDir, "sync_"+athleteID+"_")
	if err != nil {
		return nil, abort(KindTransient, PhaseFetch, fmt.Errorf("create scratch dir: %w", err))
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			logging.Ctx(ctx).Warn().Err(rmErr).Str("dir", scratch).Msg("Scratch cleanup failed")
		}
	}()

	// Phase III - Fetch and convert changed activities concurrently.
	phaseStart = time.Now()
	if err := e.fetchAll(ctx, p, scratch); err != nil {
		return nil, err
	}
	metrics.ObservePhase("fetch", time.Since(phaseStart))
	e.logState(ctx, stateFetched)

	// Phase IV - Compose, publish, tile, invalidate.
	phaseStart = time.Now()
	summary, err := e.finalize(ctx, p, scratch)
	if err != nil {
		return nil, err
	}
	metrics.ObservePhase("finalize", time.Since(phaseStart))
	e.logState(ctx, stateFinalized)

	return summary, nil
}

// loadPriorIndex implements Phase I.
func (e *Engine) loadPriorIndex(ctx context.Context, athleteID string) (*index.Index, error) {
	data, err := e.store.Get(ctx, e.cfg.Storage.DataBucket, IndexKey(athleteID))
	if errors.Is(err, blob.ErrNotFound) {
		logging.Ctx(ctx).Info().Str("athlete_id", athleteID).Msg("No existing index found, starting fresh")
		return index.Empty(athleteID), nil
	}
	if err != nil {
		return nil, abort(KindTransient, PhaseLoad, err)
	}

	prior, err := index.Decode(data)
	if err != nil {
		return nil, abort(KindCorruptIndex, PhaseLoad, err)
	}

	logging.Ctx(ctx).Info().Int("total", prior.Total()).Msg("Loaded prior index")
	return prior, nil
}

// plan is the in-flight state shared between diff, fetch, and finalize.
type plan struct {
	athleteID string
	prior     *index.Index
	next      *index.Index

	// records holds every current catalog record, sorted by
	// (StartLocal asc, ID asc): the archive emission order.
	records []models.ActivityRecord

	// toFetch lists the records needing download, in listing order.
	toFetch []models.ActivityRecord

	agg aggregator
}

func (p *plan) empty() bool {
	return len(p.records) == 0
}

// diff implements Phase II.
func (e *Engine) diff(ctx context.Context, athleteID string, prior *index.Index) (*plan, error) {
	records, err := e.catalog.List(ctx, athleteID)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrAuth):
			return nil, abort(KindAuth, PhaseDiff, err)
		case isTransient(err):
			return nil, abort(KindTransient, PhaseDiff, err)
		default:
			var pe *catalog.ParseError
			if errors.As(err, &pe) {
				return nil, abort(KindParse, PhaseDiff, err)
			}
			return nil, abort(KindTransient, PhaseDiff, err)
		}
	}

	metrics.CatalogTotal.Add(float64(len(records)))

	p := &plan{
		athleteID: athleteID,
		prior:     prior,
		next:      index.Empty(athleteID),
		records:   records,
	}

	for _, rec := range records {
		key := rec.ArchiveKey()
		if p.next.CarryForward(key, prior) {
			p.agg.unchanged++
			metrics.DiffUnchanged.Inc()
		} else {
			p.toFetch = append(p.toFetch, rec)
			metrics.DiffFetchRequested.Inc()
		}
	}

	// The archive emission order is fixed here, before fetch completion
	// order can vary: start time ascending, ID as tiebreak.
	sort.SliceStable(p.records, func(i, j int) bool {
		if p.records[i].StartLocal != p.records[j].StartLocal {
			return p.records[i].StartLocal < p.records[j].StartLocal
		}
		return p.records[i].ID < p.records[j].ID
	})

	logging.Ctx(ctx).Info().
		Int("total_remote", len(records)).
		Int("unchanged", p.agg.unchanged).
		Int("to_fetch", len(p.toFetch)).
		Msg("Diff complete")

	return p, nil
}

// isTransient reports whether err is a retry-exhausted transient failure.
func isTransient(err error) bool {
	var te *catalog.TransientError
	return errors.As(err, &te)
}
