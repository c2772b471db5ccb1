// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

// Package blob adapts object storage, CDN invalidation, and secret
// retrieval for the sync pipeline.
//
// The production implementation is S3 + CloudFront + Secrets Manager; the
// engine only sees the Store interface, and tests substitute MemStore.
// Puts are atomic from a reader's perspective: either the prior object
// remains or the new object fully replaces it. S3 gives this for free
// (an object becomes visible only once the PUT completes), which is why
// the engine can publish archive-then-index without a staging step.
package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
)

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the object storage surface the sync engine depends on.
type Store interface {
	// Get returns the full object, or ErrNotFound.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// GetStream returns the object as a stream, or ErrNotFound. Used for
	// the prior archive, which can be large.
	GetStream(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Put writes an object, fully replacing any prior version.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error

	// PutStream writes an object from a reader. The reader must be
	// seekable for the S3 implementation (scratch files are).
	PutStream(ctx context.Context, bucket, key string, r io.Reader, contentType string) error

	// InvalidateCDN requests cache invalidation for a path pattern.
	InvalidateCDN(ctx context.Context, pathPattern string) error
}

// MemStore is an in-memory Store for tests. Safe for concurrent use.
type MemStore struct {
	mu            sync.Mutex
	objects       map[string][]byte
	Invalidations []string

	// FailPut, when set, makes the named put fail once. Used to exercise
	// Phase IV failure paths.
	FailPut map[string]error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string][]byte),
		FailPut: make(map[string]error),
	}
}

func memKey(bucket, key string) string {
	return bucket + "/" + key
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[memKey(bucket, key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// GetStream implements Store.
func (m *MemStore) GetStream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	data, err := m.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put implements Store.
func (m *MemStore) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(bucket, key)
	if err, ok := m.FailPut[k]; ok {
		delete(m.FailPut, k)
		return err
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[k] = stored
	return nil
}

// PutStream implements Store.
func (m *MemStore) PutStream(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return m.Put(ctx, bucket, key, data, contentType)
}

// InvalidateCDN implements Store.
func (m *MemStore) InvalidateCDN(_ context.Context, pathPattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Invalidations = append(m.Invalidations, pathPattern)
	return nil
}

// Keys returns all stored object keys in sorted order. Test helper.
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
