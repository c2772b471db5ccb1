// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package catalog

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ridelines/drivetrain/internal/config"
)

func testConfig(baseURL string) config.CatalogConfig {
	return config.CatalogConfig{
		BaseURL:       baseURL,
		Timeout:       5 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	}
}

const listingCSV = "id,name,start_date_local,type,distance,elapsed_time,trainer,extra\n" +
	"i1,Morning Ride,2026-05-01T07:30:00,Ride,42195.5,7230,false,x\n" +
	"i2,\"Commute, rainy\",2026-05-02T08:00:00,Ride,,,true,y\n"

func TestList(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/v1/athlete/i123/activities.csv" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(listingCSV))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "sekrit")
	records, err := c.List(context.Background(), "i123")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ID != "i1" || records[0].DistanceM != 42195.5 || records[0].ElapsedTime != 7230 {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	// Quoted comma survives; absent distance/elapsed decay to zero.
	if records[1].Name != "Commute, rainy" || records[1].DistanceM != 0 || records[1].ElapsedTime != 0 {
		t.Errorf("unexpected second record: %+v", records[1])
	}

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("API_KEY:sekrit"))
	if gotAuth != wantAuth {
		t.Errorf("Authorization = %q, want %q", gotAuth, wantAuth)
	}
}

func TestList_MissingColumn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("id,name\ni1,ride\n"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "s")
	_, err := c.List(context.Background(), "i123")

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
}

func TestList_MalformedRowIdentified(t *testing.T) {
	bad := "id,name,start_date_local,type,distance,elapsed_time\n" +
		"i1,ok,2026-05-01T07:30:00,Ride,10,20\n" +
		"i2,bad,2026-05-02T08:00:00,Ride,notanumber,20\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(bad))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "s")
	_, err := c.List(context.Background(), "i123")

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.Row != 2 {
		t.Errorf("ParseError.Row = %d, want 2", pe.Row)
	}
}

func TestDownload_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "s")
	_, err := c.Download(context.Background(), "i404")

	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDownload_AuthRejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "s")
	_, err := c.Download(context.Background(), "i1")

	if !errors.Is(err, ErrAuth) {
		t.Errorf("expected ErrAuth, got %v", err)
	}
	// Credential rejection must not be retried.
	if calls.Load() != 1 {
		t.Errorf("got %d attempts, want 1", calls.Load())
	}
}

func TestDownload_TransientExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "s")
	_, err := c.Download(context.Background(), "i1")

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransientError, got %v", err)
	}
	// Initial attempt plus two retries.
	if calls.Load() != 3 {
		t.Errorf("got %d attempts, want 3", calls.Load())
	}
}

func TestDownload_RecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("fitbytes"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "s")
	body, err := c.Download(context.Background(), "i1")
	if err != nil {
		t.Fatalf("expected recovery on final retry, got %v", err)
	}
	if string(body) != "fitbytes" {
		t.Errorf("body = %q", body)
	}
}

func TestDownload_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryDelay = time.Minute // Cancellation must interrupt the backoff wait

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewClient(cfg, "s")
	start := time.Now()
	_, err := c.Download(ctx, "i1")

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt the backoff wait")
	}
}

func TestDecodeActivityCSV_EmptyListing(t *testing.T) {
	if _, err := decodeActivityCSV(nil); err == nil {
		t.Error("expected error for empty listing")
	}
}

func TestDecodeActivityCSV_HeaderOnly(t *testing.T) {
	records, err := decodeActivityCSV([]byte("id,name,start_date_local,type,distance,elapsed_time\n"))
	if err != nil {
		t.Fatalf("header-only listing should decode: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}
