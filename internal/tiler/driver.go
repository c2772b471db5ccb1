// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

// Package tiler drives the external vector-tile builder over a composed
// feature archive.
//
// The tiler is a separate binary (tippecanoe-compatible) invoked as a
// subprocess; no in-process binding is assumed. The driver de-frames the
// archive into the newline-delimited GeoJSON stream the binary consumes,
// preserving frame order, which the engine has already sorted into the
// contractual (start time, id) order.
package tiler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ridelines/drivetrain/internal/archive"
	"github.com/ridelines/drivetrain/internal/config"
	"github.com/ridelines/drivetrain/internal/logging"
)

// layerName is the single named output layer all features land in.
const layerName = "activities"

// stderrTailLines bounds how much tiler stderr is attached to a TilerError.
const stderrTailLines = 20

// TilerError reports a non-zero tiler exit with the trailing error lines.
type TilerError struct {
	ExitCode int
	Stderr   string
}

func (e *TilerError) Error() string {
	return fmt.Sprintf("tiler exited with code %d: %s", e.ExitCode, e.Stderr)
}

// Driver invokes the external tiler binary.
type Driver struct {
	cfg config.TilerConfig
}

// NewDriver creates a tiler driver with the given configuration.
func NewDriver(cfg config.TilerConfig) *Driver {
	return &Driver{cfg: cfg}
}

// Build runs the tiler over the framed archive at archivePath and writes
// the tile bundle to outPath. The intermediate newline-delimited GeoJSON
// file lives next to outPath and is removed before return.
func (d *Driver) Build(ctx context.Context, archivePath, outPath string) error {
	featurePath := filepath.Join(filepath.Dir(outPath), "features.geojsonl")
	if err := d.deframe(archivePath, featurePath); err != nil {
		return err
	}
	defer os.Remove(featurePath) //nolint:errcheck // Best effort scratch cleanup

	return d.run(ctx, featurePath, outPath)
}

// deframe writes each archive frame as one line of GeoJSON.
func (d *Driver) deframe(archivePath, featurePath string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close() //nolint:errcheck // Best effort close on read path

	r, err := archive.NewReader(in)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	defer r.Close()

	out, err := os.Create(featurePath)
	if err != nil {
		return fmt.Errorf("create feature file: %w", err)
	}

	frames := 0
	for {
		payload, err := r.Next()
		if err != nil {
			break
		}
		if _, err := out.Write(payload); err != nil {
			out.Close() //nolint:errcheck // Write error takes precedence
			return fmt.Errorf("write feature file: %w", err)
		}
		if _, err := out.Write([]byte{'\n'}); err != nil {
			out.Close() //nolint:errcheck // Write error takes precedence
			return fmt.Errorf("write feature file: %w", err)
		}
		frames++
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close feature file: %w", err)
	}

	logging.Debug().Int("frames", frames).Str("path", featurePath).Msg("Archive de-framed for tiler")
	return nil
}

// run executes the tiler binary and classifies its exit.
func (d *Driver) run(ctx context.Context, featurePath, outPath string) error {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	args := []string{
		"--preserve-input-order",
		"-fl", layerName,
		"-o", outPath,
	}
	args = append(args, d.cfg.ExtraArgs...)
	args = append(args, featurePath)

	cmd := exec.CommandContext(ctx, d.cfg.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Ctx(ctx).Info().Str("binary", d.cfg.Path).Strs("args", args).Msg("Running tiler")

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		logging.Ctx(ctx).Error().Int("exit_code", exitCode).Str("stderr", tail(stderr.String())).Msg("Tiler failed")
		return &TilerError{ExitCode: exitCode, Stderr: tail(stderr.String())}
	}

	if s := strings.TrimSpace(stdout.String()); s != "" {
		logging.Ctx(ctx).Debug().Str("stdout", tail(s)).Msg("Tiler output")
	}
	return nil
}

// tail returns the trailing stderrTailLines lines of s.
func tail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	return strings.Join(lines, "\n")
}
