// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package tiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ridelines/drivetrain/internal/archive"
	"github.com/ridelines/drivetrain/internal/config"
)

// writeArchive composes a framed archive file from the given payloads.
func writeArchive(t *testing.T, dir string, payloads ...string) string {
	t.Helper()
	path := filepath.Join(dir, "activities.archive.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	w, err := archive.NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for _, p := range payloads {
		if err := w.WriteFrame([]byte(p)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

// fakeTiler writes a small shell script standing in for the tiler binary.
func fakeTiler(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-tiler")
	full := "#!/bin/sh\n" + script
	if err := os.WriteFile(path, []byte(full), 0o755); err != nil {
		t.Fatalf("write fake tiler: %v", err)
	}
	return path
}

func TestBuild_Success(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeArchive(t, dir,
		`{"type":"FeatureCollection","features":[{"a":1}]}`,
		`{"type":"FeatureCollection","features":[{"b":2}]}`,
	)

	// The fake tiler copies its input to the output path, letting the test
	// verify both argument passing and the de-framed line stream.
	bin := fakeTiler(t, dir, `
out=""
in=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    -fl) shift 2 ;;
    --preserve-input-order) shift ;;
    *) in="$1"; shift ;;
  esac
done
cp "$in" "$out"
`)

	outPath := filepath.Join(dir, "bundle.pmtiles")
	d := NewDriver(config.TilerConfig{Path: bin, Timeout: 30 * time.Second})

	if err := d.Build(context.Background(), archivePath, outPath); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"a":1`) || !strings.Contains(lines[1], `"b":2`) {
		t.Errorf("frame order not preserved: %v", lines)
	}

	// The intermediate feature file is removed after the run.
	if _, err := os.Stat(filepath.Join(dir, "features.geojsonl")); !os.IsNotExist(err) {
		t.Error("intermediate feature file should be removed")
	}
}

func TestBuild_ExtraArgs(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeArchive(t, dir, `{}`)

	bin := fakeTiler(t, dir, `
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) echo "$1" >> "$0.args"; shift ;;
  esac
done
: > "$out"
`)

	d := NewDriver(config.TilerConfig{
		Path:      bin,
		ExtraArgs: []string{"--maximum-zoom=14"},
		Timeout:   30 * time.Second,
	})

	if err := d.Build(context.Background(), archivePath, filepath.Join(dir, "out.pmtiles")); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	argsData, err := os.ReadFile(bin + ".args")
	if err != nil {
		t.Fatalf("read recorded args: %v", err)
	}
	if !strings.Contains(string(argsData), "--maximum-zoom=14") {
		t.Errorf("extra arg not passed: %s", argsData)
	}
}

func TestBuild_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeArchive(t, dir, `{}`)

	bin := fakeTiler(t, dir, `
echo "detail line one" >&2
echo "detail line two" >&2
exit 3
`)

	d := NewDriver(config.TilerConfig{Path: bin, Timeout: 30 * time.Second})
	err := d.Build(context.Background(), archivePath, filepath.Join(dir, "out.pmtiles"))

	var te *TilerError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TilerError, got %v", err)
	}
	if te.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", te.ExitCode)
	}
	if !strings.Contains(te.Stderr, "detail line two") {
		t.Errorf("stderr tail missing: %q", te.Stderr)
	}
}

func TestBuild_MissingBinary(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeArchive(t, dir, `{}`)

	d := NewDriver(config.TilerConfig{Path: filepath.Join(dir, "does-not-exist"), Timeout: time.Second})
	err := d.Build(context.Background(), archivePath, filepath.Join(dir, "out.pmtiles"))

	var te *TilerError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TilerError, got %v", err)
	}
}

func TestBuild_MissingArchive(t *testing.T) {
	dir := t.TempDir()
	d := NewDriver(config.TilerConfig{Path: "/bin/true", Timeout: time.Second})

	if err := d.Build(context.Background(), filepath.Join(dir, "absent.zst"), filepath.Join(dir, "out")); err == nil {
		t.Error("expected error for missing archive")
	}
}

func TestTail(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, "line")
	}
	got := tail(strings.Join(lines, "\n"))
	if n := len(strings.Split(got, "\n")); n != stderrTailLines {
		t.Errorf("tail kept %d lines, want %d", n, stderrTailLines)
	}
}
