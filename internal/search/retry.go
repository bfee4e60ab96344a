package search

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"gamesearch/searchservice/internal/domain"
)

// RetryConfig bounds how a source call is repeated after a transient failure.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// OnRetry runs before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryConfig is one call plus two retries, 150ms then 300ms apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 150 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
}

// Retryable lets an error state whether another attempt may succeed,
// overriding the network heuristics below.
type Retryable interface {
	Retryable() bool
}

// RetryAfter is implemented by errors that carry the upstream's own wait,
// such as a 429 with a Retry-After header.
type RetryAfter interface {
	RetryAfter() time.Duration
}

// RetryWithBackoff calls fn until it succeeds, fails permanently or runs out
// of attempts, and returns the last error. Waits grow by Multiplier with
// ±25% jitter; an upstream RetryAfter hint replaces the computed wait. No
// wait exceeds MaxDelay, and a cancelled ctx ends the loop early.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := max(cfg.MaxAttempts, 1)
	backoff := cfg.InitialDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= attempts || !isTransientError(err) {
			return err
		}

		wait := waitBefore(err, backoff, cfg.MaxDelay)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(time.Duration(float64(backoff)*cfg.Multiplier), cfg.MaxDelay)
	}
}

func waitBefore(err error, backoff, ceiling time.Duration) time.Duration {
	wait := applyJitter(backoff)
	var hint RetryAfter
	if errors.As(err, &hint) && hint.RetryAfter() > 0 {
		wait = hint.RetryAfter()
	}
	if ceiling > 0 && wait > ceiling {
		wait = ceiling
	}
	return wait
}

// applyJitter scales d by a factor in [0.75, 1.25).
func applyJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

// isTransientError reports whether err may go away on its own: timeouts,
// resets, EOF and anything that says so through Retryable. Caller
// cancellation and an open circuit are final.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, domain.ErrCircuitOpen):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "deadline exceeded", "connection reset", "connection refused", "tls", "eof"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
