// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

// Package archive implements the framed, Zstandard-compressed activity
// archive.
//
// The archive is a stream of length-prefixed records: a big-endian 64-bit
// byte length followed by one feature-collection payload. A trailing zero
// length terminates the stream. Framing lets downstream consumers (the
// tiler driver, carry-forward during the next sync run) walk the stream
// one activity at a time without holding the whole archive in memory,
// while preserving per-activity identity.
//
// Compression is Zstandard level 3: fast enough to re-compress thousands
// of activities inside a single run, small enough that the archive get on
// the next run is not the bottleneck.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// compressionLevel is the Zstandard level used for composed archives.
const compressionLevel = zstd.SpeedDefault // level 3

// maxFrameSize rejects absurd frame lengths before allocating. A single
// activity's feature collection is at most a few megabytes; anything close
// to this bound means a corrupt or adversarial stream.
const maxFrameSize = 1 << 30

// ErrFrameTooLarge is returned when a frame header exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("archive frame exceeds size limit")

// Writer composes a framed archive into an underlying writer through a
// Zstandard encoder. Frames are written in the order given; Close writes
// the zero-length terminator and flushes the encoder.
type Writer struct {
	enc        *zstd.Encoder
	rawBytes   int64
	frameCount int
	terminated bool
}

// NewWriter wraps w in a level-3 Zstandard encoder ready for frames.
func NewWriter(w io.Writer) (*Writer, error) {
	// Single-goroutine encoding keeps output byte-identical across runs for
	// the same frame sequence, which the rerun-idempotence contract relies on.
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(compressionLevel),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Writer{enc: enc}, nil
}

// WriteFrame appends one feature-collection payload as a framed record.
func (w *Writer) WriteFrame(payload []byte) error {
	if w.terminated {
		return errors.New("archive writer already closed")
	}
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], uint64(len(payload)))
	if _, err := w.enc.Write(head[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.enc.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	w.rawBytes += int64(len(head)) + int64(len(payload))
	w.frameCount++
	return nil
}

// CopyFrame appends one framed record of the given length by streaming
// from r, avoiding a full in-memory copy of the payload.
func (w *Writer) CopyFrame(r io.Reader, length int64) error {
	if w.terminated {
		return errors.New("archive writer already closed")
	}
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], uint64(length))
	if _, err := w.enc.Write(head[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	n, err := io.CopyN(w.enc, r, length)
	if err != nil {
		return fmt.Errorf("copy frame payload after %d bytes: %w", n, err)
	}
	w.rawBytes += int64(len(head)) + length
	w.frameCount++
	return nil
}

// RawBytes returns the uncompressed byte count written so far, including
// frame headers. Used for compression-ratio telemetry.
func (w *Writer) RawBytes() int64 {
	return w.rawBytes
}

// FrameCount returns the number of frames written so far.
func (w *Writer) FrameCount() int {
	return w.frameCount
}

// Close writes the zero-length terminator and flushes the encoder. The
// underlying writer is not closed. Close is idempotent.
func (w *Writer) Close() error {
	if w.terminated {
		return nil
	}
	w.terminated = true
	var head [8]byte
	if _, err := w.enc.Write(head[:]); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	w.rawBytes += int64(len(head))
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("flush zstd encoder: %w", err)
	}
	return nil
}

// Reader walks the frames of a compressed archive stream.
type Reader struct {
	dec  *zstd.Decoder
	done bool
}

// NewReader wraps a compressed archive stream for frame iteration.
func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Reader{dec: dec}, nil
}

// Next returns the next frame payload, or io.EOF after the terminator.
// A stream ending without a terminator also yields io.EOF: a correctly
// published archive always carries one, but a reader must not spin on a
// truncated prior archive.
func (r *Reader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	var head [8]byte
	if _, err := io.ReadFull(r.dec, head[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.done = true
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint64(head[:])
	if length == 0 {
		r.done = true
		return nil, io.EOF
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.dec, payload); err != nil {
		return nil, fmt.Errorf("read %d-byte frame payload: %w", length, err)
	}
	return payload, nil
}

// Close releases the decoder. Safe to call more than once.
func (r *Reader) Close() {
	r.dec.Close()
}
