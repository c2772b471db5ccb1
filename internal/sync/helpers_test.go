// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package sync

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	stdsync "sync"
	"testing"
	"time"

	"github.com/tormoder/fit"

	"github.com/ridelines/drivetrain/internal/archive"
	"github.com/ridelines/drivetrain/internal/config"
	"github.com/ridelines/drivetrain/internal/models"
)

// testEngineConfig returns a config suitable for in-process engine tests.
func testEngineConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Storage: config.StorageConfig{
			DataBucket: "data",
			TileBucket: "tiles-bucket",
			TilePrefix: "tiles",
			SecretRef:  "ref",
		},
		Catalog: config.CatalogConfig{
			BaseURL:       "https://catalog.invalid",
			Timeout:       5 * time.Second,
			RetryAttempts: 2,
			RetryDelay:    time.Millisecond,
		},
		Sync: config.SyncConfig{
			FetchConcurrency: 5,
			RunTimeout:       time.Minute,
			ScratchDir:       t.TempDir(),
		},
		Tiler: config.TilerConfig{
			Path:    "/opt/bin/tippecanoe",
			Timeout: time.Minute,
		},
		Logging: config.LoggingConfig{Level: "error"},
	}
}

// buildFIT encodes a synthetic activity FIT file with n GPS samples
// stepping north ~10 m each, inserting a ~250 m jump after gapAfter
// samples when gapAfter > 0.
func buildFIT(t *testing.T, n, gapAfter int) []byte {
	t.Helper()

	header := fit.NewHeader(fit.V20, true)
	file, err := fit.NewFile(fit.FileTypeActivity, header)
	if err != nil {
		t.Fatalf("new fit file: %v", err)
	}
	activity, err := file.Activity()
	if err != nil {
		t.Fatalf("activity accessor: %v", err)
	}

	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	lat := 45.0
	for i := 0; i < n; i++ {
		if gapAfter > 0 && i == gapAfter {
			lat += 250.0 / 111_195.0
		}
		record := fit.NewRecordMsg()
		record.Timestamp = start.Add(time.Duration(i) * time.Second)
		record.PositionLat = fit.NewLatitudeDegrees(lat)
		record.PositionLong = fit.NewLongitudeDegrees(7.0)
		activity.Records = append(activity.Records, record)
		lat += 10.0 / 111_195.0
	}

	var buf bytes.Buffer
	if err := fit.Encode(&buf, file, binary.LittleEndian); err != nil {
		t.Fatalf("encode fit: %v", err)
	}
	return buf.Bytes()
}

// fakeCatalog is an in-memory Catalog with per-activity failure injection
// and in-flight accounting for the concurrency-cap test.
type fakeCatalog struct {
	mu      stdsync.Mutex
	records []models.ActivityRecord
	fits    map[string][]byte
	errs    map[string]error
	listErr error

	downloads   int
	inFlight    int
	maxInFlight int
	blockFor    time.Duration
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		fits: make(map[string][]byte),
		errs: make(map[string]error),
	}
}

func (f *fakeCatalog) List(context.Context, string) ([]models.ActivityRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.ActivityRecord, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeCatalog) Download(ctx context.Context, activityID string) ([]byte, error) {
	f.mu.Lock()
	f.downloads++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	block := f.blockFor
	f.mu.Unlock()

	if block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	err := f.errs[activityID]
	data := f.fits[activityID]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("fake catalog has no fit for %s", activityID)
	}
	return data, nil
}

func (f *fakeCatalog) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

// fakeTiler implements TileBuilder in-process: it copies the archive to
// the bundle path, or fails when told to.
type fakeTiler struct {
	fail   error
	builds int
}

func (f *fakeTiler) Build(_ context.Context, archivePath, outPath string) error {
	f.builds++
	if f.fail != nil {
		return f.fail
	}
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0o600)
}

// readArchiveFrames decompresses and de-frames stored archive bytes.
func readArchiveFrames(t *testing.T, data []byte) []string {
	t.Helper()
	r, err := archive.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer r.Close()

	var frames []string
	for {
		payload, err := r.Next()
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("walk archive: %v", err)
		}
		frames = append(frames, string(payload))
	}
}
