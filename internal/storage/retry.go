package storage

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"weaver/internal/query"
	pkgerrors "weaver/pkg/errors"
)

// RetryConfig defines retry behavior for transient backend failures.
// The policy lives on the adapter, not at call sites: wrap a store once
// and every write through it inherits the same bounds.
type RetryConfig struct {
	MaxAttempts   int           // Maximum number of attempts
	BaseDelay     time.Duration // Base delay between retries
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Exponential backoff multiplier
	JitterFactor  float64       // Jitter factor to prevent thundering herd
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// calculateDelay calculates the delay for the given attempt number
func (c RetryConfig) calculateDelay(attempt int) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	jitter := backoff * c.JitterFactor * (rand.Float64() - 0.5) * 2
	delay := time.Duration(backoff + jitter)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// ResilientStore wraps a Store with bounded jittered retry and a
// circuit breaker on write operations. Reads pass through: retrying
// them is the caller's business, and the breaker should trip on the
// failure mode that actually loses data.
type ResilientStore struct {
	Store
	cfg     RetryConfig
	breaker *gobreaker.CircuitBreaker
}

// WithRetry wraps the store; a zero MaxAttempts selects the defaults.
func WithRetry(inner Store, cfg RetryConfig) *ResilientStore {
	if cfg.MaxAttempts == 0 {
		cfg = DefaultRetryConfig()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: inner.Name() + "-writes",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	})
	return &ResilientStore{Store: inner, cfg: cfg, breaker: breaker}
}

func (s *ResilientStore) Save(ctx context.Context, collection string, doc Document) (Document, error) {
	var out Document
	err := s.execute(ctx, func() error {
		var err error
		out, err = s.Store.Save(ctx, collection, doc)
		return err
	})
	return out, err
}

func (s *ResilientStore) UpdateOne(ctx context.Context, collection string, q query.Query, update query.Update, upsert bool) (int64, error) {
	var n int64
	err := s.execute(ctx, func() error {
		var err error
		n, err = s.Store.UpdateOne(ctx, collection, q, update, upsert)
		return err
	})
	return n, err
}

func (s *ResilientStore) UpdateMany(ctx context.Context, collection string, q query.Query, update query.Update) (int64, error) {
	var n int64
	err := s.execute(ctx, func() error {
		var err error
		n, err = s.Store.UpdateMany(ctx, collection, q, update)
		return err
	})
	return n, err
}

// execute runs op through the breaker with bounded retries; only
// transient storage errors are retried, domain errors return at once.
func (s *ResilientStore) execute(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, op()
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return pkgerrors.NewStorage("backend circuit open", err)
		}
		if !pkgerrors.Retryable(err) {
			return err
		}
		if attempt == s.cfg.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(s.cfg.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return pkgerrors.Wrap(lastErr, "operation failed after retries")
}
