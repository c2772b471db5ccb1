// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package archive

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func compose(t *testing.T, payloads ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	for _, p := range payloads {
		if err := w.WriteFrame([]byte(p)); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return buf.Bytes()
}

func readAll(t *testing.T, data []byte) []string {
	t.Helper()
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	var out []string
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, string(frame))
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	payloads := []string{
		`{"type":"FeatureCollection","features":[]}`,
		`{"type":"FeatureCollection","features":[{"type":"Feature"}]}`,
		strings.Repeat("x", 100_000),
	}

	data := compose(t, payloads...)
	got := readAll(t, data)

	if len(got) != len(payloads) {
		t.Fatalf("read %d frames, want %d", len(got), len(payloads))
	}
	for i := range payloads {
		if got[i] != payloads[i] {
			t.Errorf("frame %d mismatch (len %d vs %d)", i, len(got[i]), len(payloads[i]))
		}
	}
}

func TestWriter_Deterministic(t *testing.T) {
	a := compose(t, "one", "two", "three")
	b := compose(t, "one", "two", "three")

	if !bytes.Equal(a, b) {
		t.Error("identical frame sequences should compress to identical bytes")
	}
}

func TestWriter_Empty(t *testing.T) {
	data := compose(t)
	if got := readAll(t, data); len(got) != 0 {
		t.Errorf("empty archive yielded %d frames", len(got))
	}
}

func TestWriter_Counters(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.WriteFrame([]byte("abcd")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if w.FrameCount() != 1 {
		t.Errorf("FrameCount = %d, want 1", w.FrameCount())
	}
	// header + payload + terminator
	if want := int64(8 + 4 + 8); w.RawBytes() != want {
		t.Errorf("RawBytes = %d, want %d", w.RawBytes(), want)
	}
}

func TestWriter_WriteAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.WriteFrame([]byte("late")); err == nil {
		t.Error("WriteFrame after Close should fail")
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestCopyFrame(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf)

	payload := strings.Repeat("gps", 1000)
	if err := w.CopyFrame(strings.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("CopyFrame failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got := readAll(t, buf.Bytes())
	if len(got) != 1 || got[0] != payload {
		t.Error("CopyFrame payload did not round trip")
	}
}

func TestCopyFrame_ShortSource(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf)

	if err := w.CopyFrame(strings.NewReader("short"), 100); err == nil {
		t.Error("CopyFrame with a short source should fail")
	}
}

func TestReader_TruncatedStream(t *testing.T) {
	data := compose(t, "alpha", "beta")

	// Corrupt by cutting the compressed stream; the reader must surface an
	// error or a clean EOF, never hang or panic.
	r, err := NewReader(bytes.NewReader(data[:len(data)/2]))
	if err != nil {
		return // truncation may already break the zstd header
	}
	defer r.Close()
	for {
		_, err := r.Next()
		if err != nil {
			return
		}
	}
}

func TestReader_MissingTerminator(t *testing.T) {
	// Hand-build a valid zstd stream whose framing lacks the terminator.
	var buf bytes.Buffer
	w, _ := NewWriter(&buf)
	if err := w.WriteFrame([]byte("only")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	// Flush without terminator by closing the encoder directly.
	if err := w.enc.Close(); err != nil {
		t.Fatalf("encoder close failed: %v", err)
	}
	w.terminated = true

	got := readAll(t, buf.Bytes())
	if len(got) != 1 || got[0] != "only" {
		t.Errorf("expected single frame then EOF, got %v", got)
	}
}
