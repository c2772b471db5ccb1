// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ridelines/drivetrain/internal/archive"
	"github.com/ridelines/drivetrain/internal/blob"
	"github.com/ridelines/drivetrain/internal/geoconvert"
	"github.com/ridelines/drivetrain/internal/logging"
	"github.com/ridelines/drivetrain/internal/metrics"
	"github.com/ridelines/drivetrain/internal/tiler"
)

// archiveContentType is the stored MIME type of the compressed archive
// and encoded index.
const archiveContentType = "application/octet-stream"

// tileContentType is the stored MIME type of the tile bundle.
const tileContentType = "application/vnd.mapbox-vector-tile"

// finalize implements Phase IV: recover carried-forward blobs from the
// prior archive, compose the new archive in contract order, publish
// archive then index, build and publish the tile bundle, and request CDN
// invalidation. Any failure before the archive+index publish leaves the
// prior state observable; a tiler failure after it is the documented
// partial-visibility case.
func (e *Engine) finalize(ctx context.Context, p *plan, scratch string) (*Summary, error) {
	if err := e.recoverCarriedBlobs(ctx, p, scratch); err != nil {
		return nil, err
	}

	archivePath := filepath.Join(scratch, "activities.archive.zst")
	rawBytes, err := e.composeArchive(ctx, p, scratch, archivePath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, abort(KindTransient, PhaseFinalize, fmt.Errorf("stat composed archive: %w", err))
	}
	archiveBytes := info.Size()
	metrics.RecordArchive(rawBytes, archiveBytes)
	logging.Ctx(ctx).Info().
		Int64("raw_bytes", rawBytes).
		Int64("compressed_bytes", archiveBytes).
		Msg("Archive composed")

	// Publish archive first, then index: the index is the authority of
	// record, and a reader must never see it reference an archive that is
	// not yet present.
	if err := e.uploadArchive(ctx, p, archivePath); err != nil {
		return nil, err
	}
	if err := e.uploadIndex(ctx, p); err != nil {
		return nil, err
	}

	tileBytes, err := e.buildAndPublishTiles(ctx, p, archivePath, scratch)
	if err != nil {
		return nil, err
	}

	p.agg.mu.Lock()
	summary := &Summary{
		Unchanged:    p.agg.unchanged,
		Fetched:      p.agg.fetched,
		EmptyGPS:     p.agg.emptyGPS,
		Failed:       p.agg.failed,
		ArchiveBytes: archiveBytes,
		TileBytes:    tileBytes,
	}
	p.agg.mu.Unlock()
	return summary, nil
}

// recoverCarriedBlobs walks the prior archive and spills the frames for
// carried-forward keys into scratch, so composition has a single blob
// source layout. A carried key whose frame cannot be recovered is dropped
// from the next index (and refetched next run) rather than published
// without a blob.
func (e *Engine) recoverCarriedBlobs(ctx context.Context, p *plan, scratch string) error {
	carried := make(map[string]bool)
	for _, key := range p.next.WithGeometry() {
		if !p.agg.fromScratch[key] {
			carried[key] = true
		}
	}
	if len(carried) == 0 {
		return nil
	}

	stream, err := e.store.GetStream(ctx, e.cfg.Storage.DataBucket, ArchiveKey(p.athleteID))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// Index said these blobs exist; the archive is gone. Refetch
			// them next run instead of publishing dangling keys.
			logging.Ctx(ctx).Warn().Int("carried", len(carried)).Msg("Prior archive missing, dropping carried keys")
			e.dropCarried(p, carried)
			return nil
		}
		return abort(KindTransient, PhaseFinalize, err)
	}
	defer stream.Close() //nolint:errcheck // Best effort close on read path

	r, err := archive.NewReader(stream)
	if err != nil {
		return abort(KindTransient, PhaseFinalize, fmt.Errorf("open prior archive: %w", err))
	}
	defer r.Close()

	recovered := 0
	for {
		payload, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return abort(KindTransient, PhaseFinalize, fmt.Errorf("walk prior archive: %w", err))
		}

		key, err := geoconvert.BlobKey(payload)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("Unattributable frame in prior archive, skipping")
			continue
		}
		if !carried[key] {
			continue
		}

		if err := os.WriteFile(scratchBlobPath(scratch, key), payload, 0o600); err != nil {
			return abort(KindTransient, PhaseFinalize, fmt.Errorf("spill carried blob: %w", err))
		}
		delete(carried, key)
		recovered++
	}

	if len(carried) > 0 {
		logging.Ctx(ctx).Warn().Int("missing", len(carried)).Msg("Carried keys missing from prior archive, dropping")
		e.dropCarried(p, carried)
	}

	logging.Ctx(ctx).Debug().Int("recovered", recovered).Msg("Carried blobs recovered from prior archive")
	return nil
}

func (e *Engine) dropCarried(p *plan, keys map[string]bool) {
	p.agg.mu.Lock()
	defer p.agg.mu.Unlock()
	for key := range keys {
		p.next.Remove(key)
		p.agg.unchanged--
		p.agg.failed++
	}
}

// composeArchive streams every with-geometry blob into the framed,
// compressed archive in (start time, id) order. Returns the uncompressed
// byte count for compression telemetry.
func (e *Engine) composeArchive(ctx context.Context, p *plan, scratch, archivePath string) (int64, error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return 0, abort(KindTransient, PhaseFinalize, fmt.Errorf("create archive file: %w", err))
	}
	defer out.Close() //nolint:errcheck // Explicit close below; defer covers error paths

	w, err := archive.NewWriter(out)
	if err != nil {
		return 0, abort(KindTransient, PhaseFinalize, err)
	}

	for _, rec := range p.records {
		key := rec.ArchiveKey()
		if !p.next.HasGeometry(key) {
			continue
		}

		if err := e.copyBlobFrame(w, scratchBlobPath(scratch, key)); err != nil {
			return 0, abort(KindTransient, PhaseFinalize, fmt.Errorf("frame %s: %w", key, err))
		}
	}

	if err := w.Close(); err != nil {
		return 0, abort(KindTransient, PhaseFinalize, err)
	}
	if err := out.Close(); err != nil {
		return 0, abort(KindTransient, PhaseFinalize, fmt.Errorf("close archive file: %w", err))
	}

	logging.Ctx(ctx).Debug().Int("frames", w.FrameCount()).Msg("Frames written")
	return w.RawBytes(), nil
}

// copyBlobFrame streams one scratch blob into the archive as a frame.
func (e *Engine) copyBlobFrame(w *archive.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // Best effort close on read path

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return w.CopyFrame(f, info.Size())
}

func (e *Engine) uploadArchive(ctx context.Context, p *plan, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return abort(KindTransient, PhaseFinalize, err)
	}
	defer f.Close() //nolint:errcheck // Best effort close on read path

	key := ArchiveKey(p.athleteID)
	if err := e.store.PutStream(ctx, e.cfg.Storage.DataBucket, key, f, archiveContentType); err != nil {
		return abort(KindTransient, PhaseFinalize, err)
	}
	logging.Ctx(ctx).Info().Str("key", key).Msg("Archive uploaded")
	return nil
}

func (e *Engine) uploadIndex(ctx context.Context, p *plan) error {
	encoded, err := p.next.Encode()
	if err != nil {
		return abort(KindTransient, PhaseFinalize, err)
	}

	key := IndexKey(p.athleteID)
	if err := e.store.Put(ctx, e.cfg.Storage.DataBucket, key, encoded, archiveContentType); err != nil {
		return abort(KindTransient, PhaseFinalize, err)
	}
	logging.Ctx(ctx).Info().Str("key", key).Int("total", p.next.Total()).Msg("Index uploaded")
	return nil
}

// buildAndPublishTiles runs the external tiler over the composed archive,
// uploads the bundle, and requests CDN invalidation. Invalidation failure
// is non-fatal: the next successful run reissues it.
func (e *Engine) buildAndPublishTiles(ctx context.Context, p *plan, archivePath, scratch string) (int64, error) {
	bundlePath := filepath.Join(scratch, p.athleteID+".pmtiles")

	if err := e.tiler.Build(ctx, archivePath, bundlePath); err != nil {
		var te *tiler.TilerError
		if errors.As(err, &te) {
			return 0, abort(KindTiler, PhaseFinalize, err)
		}
		return 0, abort(KindTransient, PhaseFinalize, err)
	}

	f, err := os.Open(bundlePath)
	if err != nil {
		return 0, abort(KindTransient, PhaseFinalize, err)
	}
	defer f.Close() //nolint:errcheck // Best effort close on read path

	info, err := f.Stat()
	if err != nil {
		return 0, abort(KindTransient, PhaseFinalize, err)
	}
	tileBytes := info.Size()
	metrics.TileBytes.Set(float64(tileBytes))

	key := e.tileKey(p.athleteID)
	if err := e.store.PutStream(ctx, e.cfg.Storage.TileBucket, key, f, tileContentType); err != nil {
		return 0, abort(KindTransient, PhaseFinalize, err)
	}
	logging.Ctx(ctx).Info().Str("key", key).Int64("bytes", tileBytes).Msg("Tile bundle uploaded")

	pattern := "/" + e.cfg.Storage.TilePrefix + "/" + p.athleteID + "*"
	if err := e.store.InvalidateCDN(ctx, pattern); err != nil {
		metrics.CDNInvalidationFailures.Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("pattern", pattern).Msg("CDN invalidation failed, continuing")
	}

	return tileBytes, nil
}
