// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package cafe

import (
	"context"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kiiteitte/kiiteitte/internal/config"
	"github.com/kiiteitte/kiiteitte/internal/logging"
	"github.com/kiiteitte/kiiteitte/internal/metrics"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

// CircuitBreakerClient wraps Client with the circuit breaker pattern so a
// dead or degraded cafe API fails fast instead of stalling the watcher loop.
//
// The breaker uses real time for its interval and timeout calculations. Tests
// should mock the underlying client rather than the breaker.
type CircuitBreakerClient struct {
	client ClientInterface
	cb     *gobreaker.CircuitBreaker[any]
	name   string
}

// NewCircuitBreakerClient creates a cafe client with circuit breaker
// protection. The breaker opens after a 60% failure rate over at least 10
// requests and probes recovery after 2 minutes.
func NewCircuitBreakerClient(cfg *config.CafeConfig) *CircuitBreakerClient {
	return wrapWithBreaker(NewClient(cfg))
}

func wrapWithBreaker(client ClientInterface) *CircuitBreakerClient {
	cbName := "cafe-api"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("Opening cafe API circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("Cafe API circuit state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &CircuitBreakerClient{
		client: client,
		cb:     cb,
		name:   cbName,
	}
}

func (cbc *CircuitBreakerClient) execute(fn func() (any, error)) (any, error) {
	return cbc.cb.Execute(fn)
}

// castResult safely type-casts the circuit breaker result.
func castResult[T any](result any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

// Time returns the cafe server clock with circuit breaker protection.
func (cbc *CircuitBreakerClient) Time(ctx context.Context) (time.Time, error) {
	return castResult[time.Time](cbc.execute(func() (any, error) {
		return cbc.client.Time(ctx)
	}))
}

// NextSong returns the upcoming song with circuit breaker protection.
func (cbc *CircuitBreakerClient) NextSong(ctx context.Context) (*models.Song, error) {
	return castResult[*models.Song](cbc.execute(func() (any, error) {
		return cbc.client.NextSong(ctx)
	}))
}

// Timetable returns recent plays with circuit breaker protection.
func (cbc *CircuitBreakerClient) Timetable(ctx context.Context, limit int) ([]models.Song, error) {
	return castResult[[]models.Song](cbc.execute(func() (any, error) {
		return cbc.client.Timetable(ctx, limit)
	}))
}

// RotateUsers returns rotate user lists with circuit breaker protection.
func (cbc *CircuitBreakerClient) RotateUsers(ctx context.Context, ids []int64) (map[int64][]int64, error) {
	return castResult[map[int64][]int64](cbc.execute(func() (any, error) {
		return cbc.client.RotateUsers(ctx, ids)
	}))
}

// LookupUser resolves a user profile with circuit breaker protection.
func (cbc *CircuitBreakerClient) LookupUser(ctx context.Context, userID int64) (*models.CafeUser, error) {
	return castResult[*models.CafeUser](cbc.execute(func() (any, error) {
		return cbc.client.LookupUser(ctx, userID)
	}))
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
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

func stateToString(state gobreaker.State) string {
	switch state {
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
