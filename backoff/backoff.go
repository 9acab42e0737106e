// Package backoff retries an operation with bounded exponential backoff.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config represents configuration parameters for exponential backoff.
//
// Retryable decides whether an error is worth another attempt; nil retries
// every error. Report, if non-nil, is told about each failed attempt that
// will be retried.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	Retryable func(error) bool
	Report    func(attempt int, err error)
}

// Default returns the retry settings used by node controllers.
func Default() Config {
	return Config{
		MaxAttempts:  8,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Delay returns the wait before attempt N+1 after attempt N (1-based) failed.
func (c Config) Delay(attempt int, rng *rand.Rand) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// Retry calls try until it succeeds, returns a non-retryable error, the
// context ends, or MaxAttempts (minimum 1) attempts have failed. In the last
// case the final error is returned wrapped with ErrExhausted.
func (c Config) Retry(ctx context.Context, try func(attempt int) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	maxAttempts := c.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = try(attempt)
		if err == nil {
			return nil
		}
		if c.Retryable != nil && !c.Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		if c.Report != nil {
			c.Report(attempt, err)
		}

		t := time.NewTimer(c.Delay(attempt, rng))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Join(ctx.Err(), err)
		}
	}
	return errors.Join(ErrExhausted, err)
}
