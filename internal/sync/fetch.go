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
	"path/filepath"
	stdsync "sync"

	"github.com/ridelines/drivetrain/internal/catalog"
	"github.com/ridelines/drivetrain/internal/geoconvert"
	"github.com/ridelines/drivetrain/internal/logging"
	"github.com/ridelines/drivetrain/internal/metrics"
	"github.com/ridelines/drivetrain/internal/models"
)

// aggregator is the worker-shared mutable state for one run: the counters
// and the set of keys whose blobs live in scratch. It is guarded together
// with the in-flight index by a single mutex.
type aggregator struct {
	mu stdsync.Mutex

	unchanged int
	fetched   int
	emptyGPS  int
	failed    int

	// fromScratch marks keys whose feature blob was written this run.
	// Finalize resolves every with-geometry key to exactly one source:
	// scratch if marked here, the prior archive otherwise.
	fromScratch map[string]bool

	// fatal holds the first run-aborting failure observed by a worker.
	fatal error
}

// scratchBlobPath names the feature blob file for one archive key.
func scratchBlobPath(scratch, key string) string {
	id, hash, _ := models.SplitArchiveKey(key)
	return filepath.Join(scratch, fmt.Sprintf("%s_%s.blob", id, hash))
}

// fetchAll implements Phase III: a fixed pool of workers drains the fetch
// list. Completion order is free; the archive order was fixed during diff.
func (e *Engine) fetchAll(ctx context.Context, p *plan, scratch string) error {
	p.agg.fromScratch = make(map[string]bool, len(p.toFetch))

	if len(p.toFetch) == 0 {
		return nil
	}

	// A fatal failure (credential rejection) cancels the shared context:
	// no further workers are started, and in-flight downloads, which run
	// under this context, return early.
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, e.cfg.Sync.FetchConcurrency)
	var wg stdsync.WaitGroup

	for i := range p.toFetch {
		if fetchCtx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{} // Acquire semaphore

		go func(rec models.ActivityRecord) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			e.processActivity(fetchCtx, p, rec, scratch, cancel)
		}(p.toFetch[i])
	}

	wg.Wait()

	p.agg.mu.Lock()
	fatal := p.agg.fatal
	p.agg.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	if err := ctx.Err(); err != nil {
		return abort(KindTransient, PhaseFetch, err)
	}
	return nil
}

// processActivity downloads, converts, and records one activity. Failures
// degrade to the skipped-failed counter; the key stays out of the next
// index so the next run retries it. Only a credential rejection is fatal.
func (e *Engine) processActivity(ctx context.Context, p *plan, rec models.ActivityRecord, scratch string, cancel context.CancelFunc) {
	log := logging.Ctx(ctx)
	key := rec.ArchiveKey()

	data, err := e.catalog.Download(ctx, rec.ID)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrAuth):
			p.agg.mu.Lock()
			if p.agg.fatal == nil {
				p.agg.fatal = abort(KindAuth, PhaseFetch, err)
			}
			p.agg.mu.Unlock()
			cancel()
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// Run-level cancellation; not an activity failure.
		default:
			// NotFound and exhausted transients alike: skip and retry
			// next run.
			log.Warn().Err(err).Str("activity_id", rec.ID).Msg("Download failed, skipping activity")
			p.recordFailure()
		}
		return
	}

	fb, err := geoconvert.Convert(data, rec)
	if err != nil {
		log.Warn().Err(err).Str("activity_id", rec.ID).Msg("FIT decode failed, skipping activity")
		p.recordFailure()
		return
	}

	if fb.Empty() {
		p.agg.mu.Lock()
		p.next.InsertWithoutGeometry(key)
		p.agg.emptyGPS++
		p.agg.mu.Unlock()
		metrics.FetchEmptyGPS.Inc()
		log.Debug().Str("activity_id", rec.ID).Msg("No GPS samples, recorded as empty")
		return
	}

	encoded, err := fb.Encode()
	if err != nil {
		log.Error().Err(err).Str("activity_id", rec.ID).Msg("Feature encoding failed, skipping activity")
		p.recordFailure()
		return
	}
	if err := os.WriteFile(scratchBlobPath(scratch, key), encoded, 0o600); err != nil {
		log.Error().Err(err).Str("activity_id", rec.ID).Msg("Scratch write failed, skipping activity")
		p.recordFailure()
		return
	}

	p.agg.mu.Lock()
	p.next.InsertWithGeometry(key)
	p.agg.fromScratch[key] = true
	p.agg.fetched++
	p.agg.mu.Unlock()
	metrics.FetchSucceeded.Inc()

	log.Debug().Str("activity_id", rec.ID).Int("features", fb.FeatureCount()).Msg("Activity converted")
}

func (p *plan) recordFailure() {
	p.agg.mu.Lock()
	p.agg.failed++
	p.agg.mu.Unlock()
	metrics.FetchFailed.Inc()
}
