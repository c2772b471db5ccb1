// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Binary index format, version 1:
//
//	magic   "AIDX" (4 bytes)
//	version u16 big-endian
//	athlete_id    u16 length + UTF-8 bytes
//	last_updated  u16 length + UTF-8 ISO-8601 bytes
//	count_with_geometry    u32 + that many (u16 length + UTF-8 key), ascending
//	count_without_geometry u32 + same
//	optional trailing sections, ignored by version-1 readers
//
// Key sections are written in ascending sort order so that encoding is
// deterministic given the same logical contents.

var magic = []byte("AIDX")

const codecVersion = 1

// ErrCorrupt wraps all decode failures so callers can distinguish a
// corrupt index from a missing one.
var ErrCorrupt = fmt.Errorf("corrupt activity index")

// Encode serializes the index into the version-1 binary format.
func (ix *Index) Encode() ([]byte, error) {
	if err := ix.validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(magic)

	var u16 [2]byte
	var u32 [4]byte

	binary.BigEndian.PutUint16(u16[:], codecVersion)
	buf.Write(u16[:])

	writeString := func(s string) error {
		if len(s) > math.MaxUint16 {
			return fmt.Errorf("string field exceeds %d bytes", math.MaxUint16)
		}
		binary.BigEndian.PutUint16(u16[:], uint16(len(s)))
		buf.Write(u16[:])
		buf.WriteString(s)
		return nil
	}

	if err := writeString(ix.athleteID); err != nil {
		return nil, err
	}
	if err := writeString(ix.lastUpdated.UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}

	for _, keys := range [][]string{ix.WithGeometry(), ix.WithoutGeometry()} {
		binary.BigEndian.PutUint32(u32[:], uint32(len(keys)))
		buf.Write(u32[:])
		for _, k := range keys {
			if err := writeString(k); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// Decode parses a version-1 binary index, tolerating unknown trailing
// sections. All failures wrap ErrCorrupt.
func Decode(data []byte) (*Index, error) {
	r := &byteReader{data: data}

	head, err := r.take(len(magic))
	if err != nil || !bytes.Equal(head, magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	version, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated version", ErrCorrupt)
	}
	if version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}

	athleteID, err := r.str()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated athlete_id", ErrCorrupt)
	}

	updatedStr, err := r.str()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated last_updated", ErrCorrupt)
	}
	lastUpdated, err := time.Parse(time.RFC3339, updatedStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad last_updated %q", ErrCorrupt, updatedStr)
	}

	ix := &Index{
		athleteID:   athleteID,
		lastUpdated: lastUpdated,
		entries:     make(map[string]bucket),
	}

	for _, b := range []bucket{bucketWithGeometry, bucketWithoutGeometry} {
		count, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated key count", ErrCorrupt)
		}
		for i := uint32(0); i < count; i++ {
			key, err := r.str()
			if err != nil {
				return nil, fmt.Errorf("%w: truncated key", ErrCorrupt)
			}
			if _, dup := ix.entries[key]; dup {
				return nil, fmt.Errorf("%w: key %q present in both sets", ErrCorrupt, key)
			}
			ix.entries[key] = b
		}
	}

	// Any remaining bytes are trailing sections from a future writer;
	// version-1 readers ignore them.

	if err := ix.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return ix, nil
}

// byteReader is a minimal cursor over the encoded form.
type byteReader struct {
	data []byte
	off  int
}

func (r *byteReader) take(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("short read")
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *byteReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *byteReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
