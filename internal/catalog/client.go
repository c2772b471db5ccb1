// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

/*
client.go - Remote Catalog API Client

This file provides the core Client struct and HTTP communication layer for
the upstream activity catalog.

Client Features:
  - HTTP client with per-request deadline
  - HTTP Basic authentication (literal user API_KEY, secret as password)
  - Exponential backoff retry for transient failures (connect errors, 5xx, 429)
  - Optional download rate limiting to protect the upstream API
  - Context support for cancellation and timeouts

The credential is held as an opaque string and never logged.

Related Files:
  - csv.go: activity listing decode
  - circuit_breaker.go: gobreaker protection for sustained outages
*/

//nolint:staticcheck // File documentation, not package doc
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/ridelines/drivetrain/internal/config"
	"github.com/ridelines/drivetrain/internal/logging"
	"github.com/ridelines/drivetrain/internal/metrics"
	"github.com/ridelines/drivetrain/internal/models"
)

// basicAuthUser is the fixed HTTP Basic username the catalog expects; the
// secret rides as the password.
const basicAuthUser = "API_KEY"

// maxErrorBodySize limits how much of an error response body is retained
// for diagnostics. Bodies beyond this are discarded, never logged.
const maxErrorBodySize = 512

// ErrNotFound indicates the requested activity does not exist upstream.
var ErrNotFound = errors.New("activity not found")

// ErrAuth indicates the credential was rejected. Fatal for the whole run.
var ErrAuth = errors.New("catalog credential rejected")

// TransientError wraps a failure worth retrying: connection errors,
// server-side 5xx, and 429 throttling.
type TransientError struct {
	Status int // zero for network-level failures
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient catalog failure (HTTP %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient catalog failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Client talks to the remote activity catalog.
//
// Thread Safety: all methods are safe for concurrent use; the fetch
// workers share one Client.
type Client struct {
	cfg        config.CatalogConfig
	httpClient *http.Client
	credential string
	limiter    *rate.Limiter
}

// NewClient creates a catalog client with the given opaque credential.
func NewClient(cfg config.CatalogConfig, credential string) *Client {
	var limiter *rate.Limiter
	if cfg.DownloadRatePerSec > 0 {
		burst := cfg.DownloadBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DownloadRatePerSec), burst)
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		credential: credential,
		limiter:    limiter,
	}
}

// List fetches and decodes the athlete's activity listing.
func (c *Client) List(ctx context.Context, athleteID string) ([]models.ActivityRecord, error) {
	path := fmt.Sprintf("%s/api/v1/athlete/%s/activities.csv", c.cfg.BaseURL, url.PathEscape(athleteID))

	body, err := c.getWithRetry(ctx, path)
	metrics.RecordCatalogRequest("list", err)
	if err != nil {
		return nil, err
	}

	records, err := decodeActivityCSV(body)
	if err != nil {
		return nil, err
	}

	logging.Ctx(ctx).Debug().Int("count", len(records)).Str("athlete_id", athleteID).Msg("Catalog listed")
	return records, nil
}

// Download fetches the raw FIT bytes for one activity. Returns ErrNotFound
// for a missing activity and a *TransientError for retryable failures that
// persisted through all retries.
func (c *Client) Download(ctx context.Context, activityID string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	path := fmt.Sprintf("%s/api/v1/activity/%s/fit-file", c.cfg.BaseURL, url.PathEscape(activityID))

	body, err := c.getWithRetry(ctx, path)
	metrics.RecordCatalogRequest("download", err)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// getWithRetry executes a GET with exponential backoff on transient
// failures: RetryAttempts retries beyond the initial attempt, base delay
// RetryDelay, doubling per attempt. Non-transient failures propagate
// immediately.
func (c *Client) getWithRetry(ctx context.Context, reqURL string) ([]byte, error) {
	var lastErr error
	delay := c.cfg.RetryDelay

	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			metrics.CatalogRetries.Inc()
			logging.Ctx(ctx).Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Msg("Catalog retry")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		body, err := c.getOnce(ctx, reqURL)
		if err == nil {
			return body, nil
		}

		var te *TransientError
		if !errors.As(err, &te) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// getOnce performs a single authenticated GET and classifies the outcome.
func (c *Client) getOnce(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.SetBasicAuth(basicAuthUser, c.credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // Best effort close on read path

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &TransientError{Err: fmt.Errorf("read response body: %w", err)}
		}
		return body, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w (HTTP %d)", ErrAuth, resp.StatusCode)

	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("catalog returned %s: %s", resp.Status, readBodyForError(resp.Body)),
		}

	default:
		return nil, fmt.Errorf("catalog returned %s: %s", resp.Status, readBodyForError(resp.Body))
	}
}

// readBodyForError reads at most maxErrorBodySize bytes of a response body
// for error reporting.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	return body
}
