// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package catalog

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ridelines/drivetrain/internal/logging"
	"github.com/ridelines/drivetrain/internal/metrics"
	"github.com/ridelines/drivetrain/internal/models"
)

// CircuitBreakerClient wraps Client with a circuit breaker. When the
// upstream catalog degrades mid-run, the breaker converts a slow cascade
// of timeouts across the fetch workers into fast rejections; the affected
// activities are counted as skipped-failed and retried next run.
//
// DETERMINISM NOTE: The circuit breaker uses real time (via sony/gobreaker)
// for its interval and timeout calculations. The timing determines when to
// recover from failures, not data integrity. Unit tests should exercise the
// wrapped client directly.
const (
	gobreakerInterval = time.Minute
	gobreakerTimeout  = 30 * time.Second
)

type CircuitBreakerClient struct {
	client *Client
	cb     *gobreaker.CircuitBreaker[[]byte]
	listCB *gobreaker.CircuitBreaker[[]models.ActivityRecord]
	name   string
}

// NewCircuitBreakerClient creates a catalog client with circuit breaker
// protection. Configuration:
//   - Max 2 concurrent requests in half-open state
//   - 1 minute measurement window
//   - 30 second timeout before attempting recovery
//   - Opens after 60% failure rate with minimum 8 requests
func NewCircuitBreakerClient(client *Client) *CircuitBreakerClient {
	cbName := "catalog-api"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	settings := func() gobreaker.Settings {
		return gobreaker.Settings{
			Name:        cbName,
			MaxRequests: 2,
			Interval:    gobreakerInterval,
			Timeout:     gobreakerTimeout,

			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < 8 {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= 0.6
			},

			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Info().Str("from", stateToString(from)).Str("to", stateToString(to)).Msg("[CIRCUIT BREAKER] State transition")
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
				metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
			},

			// Only transient failures count toward tripping; a NotFound or
			// a rejected credential says nothing about upstream health.
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				var te *TransientError
				return !errors.As(err, &te)
			},
		}
	}

	return &CircuitBreakerClient{
		client: client,
		cb:     gobreaker.NewCircuitBreaker[[]byte](settings()),
		listCB: gobreaker.NewCircuitBreaker[[]models.ActivityRecord](settings()),
		name:   cbName,
	}
}

// List fetches the activity listing through the breaker.
func (cbc *CircuitBreakerClient) List(ctx context.Context, athleteID string) ([]models.ActivityRecord, error) {
	records, err := cbc.listCB.Execute(func() ([]models.ActivityRecord, error) {
		return cbc.client.List(ctx, athleteID)
	})
	return records, cbc.mapBreakerErr(err)
}

// Download fetches one FIT file through the breaker.
func (cbc *CircuitBreakerClient) Download(ctx context.Context, activityID string) ([]byte, error) {
	body, err := cbc.cb.Execute(func() ([]byte, error) {
		return cbc.client.Download(ctx, activityID)
	})
	return body, cbc.mapBreakerErr(err)
}

// mapBreakerErr converts breaker rejections into transient failures so
// callers apply the standard skipped-failed handling.
func (cbc *CircuitBreakerClient) mapBreakerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logging.Warn().Err(err).Msg("[CIRCUIT BREAKER] Request rejected")
		return &TransientError{Err: err}
	}
	return err
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
