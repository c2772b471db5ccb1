// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ridelines/drivetrain/internal/config"
)

func breakerConfig(baseURL string) config.CatalogConfig {
	return config.CatalogConfig{
		BaseURL:       baseURL,
		Timeout:       5 * time.Second,
		RetryAttempts: 0, // breaker behavior is clearer without retries
		RetryDelay:    time.Millisecond,
	}
}

func TestCircuitBreaker_OpensOnSustainedTransients(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cbc := NewCircuitBreakerClient(NewClient(breakerConfig(srv.URL), "s"))
	ctx := context.Background()

	// Feed the breaker its minimum request count of failures.
	for i := 0; i < 8; i++ {
		if _, err := cbc.Download(ctx, "i1"); err == nil {
			t.Fatal("expected failure")
		}
	}

	callsBefore := calls.Load()
	_, err := cbc.Download(ctx, "i1")

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransientError from open breaker, got %v", err)
	}
	// The open breaker rejects without touching the upstream.
	if calls.Load() != callsBefore {
		t.Errorf("open breaker still reached upstream (%d -> %d calls)", callsBefore, calls.Load())
	}
}

func TestCircuitBreaker_NotFoundDoesNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cbc := NewCircuitBreakerClient(NewClient(breakerConfig(srv.URL), "s"))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := cbc.Download(ctx, "i1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("call %d: expected ErrNotFound, got %v", i, err)
		}
	}
}

func TestCircuitBreaker_PassesThroughSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("id,name,start_date_local,type,distance,elapsed_time\n"))
	}))
	defer srv.Close()

	cbc := NewCircuitBreakerClient(NewClient(breakerConfig(srv.URL), "s"))
	records, err := cbc.List(context.Background(), "i123")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}
