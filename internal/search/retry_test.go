package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"gamesearch/searchservice/internal/domain"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

type statusErr struct {
	code      int
	retryable bool
}

func (e statusErr) Error() string   { return fmt.Sprintf("upstream status %d", e.code) }
func (e statusErr) Retryable() bool { return e.retryable }

type throttledErr struct{ wait time.Duration }

func (e throttledErr) Error() string             { return "upstream status 429" }
func (e throttledErr) Retryable() bool           { return true }
func (e throttledErr) RetryAfter() time.Duration { return e.wait }

func TestRetryWithBackoff_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("expected one successful call, got calls=%d err=%v", calls, err)
	}
}

func TestRetryWithBackoff_RecoversAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	err := RetryWithBackoff(context.Background(), fastRetry(3), func() error {
		if calls.Add(1) < 3 {
			return io.ErrUnexpectedEOF
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestRetryWithBackoff_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastRetry(3), func() error {
		calls++
		return fmt.Errorf("timeout on attempt %d", calls)
	})
	if err == nil || err.Error() != "timeout on attempt 3" {
		t.Fatalf("expected last attempt error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoff_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("unauthorized")
	err := RetryWithBackoff(context.Background(), fastRetry(5), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected a single call returning the permanent error, got calls=%d err=%v", calls, err)
	}
}

func TestRetryWithBackoff_HonoursRetryableInterface(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastRetry(4), func() error {
		calls++
		// The message mentions a timeout but the error says it must not be retried.
		return fmt.Errorf("gateway timeout: %w", statusErr{code: 400, retryable: false})
	})
	if calls != 1 {
		t.Fatalf("expected no retry for a non-retryable status, got %d calls", calls)
	}
	var se statusErr
	if !errors.As(err, &se) || se.code != 400 {
		t.Fatalf("expected status error in chain, got %v", err)
	}

	calls = 0
	_ = RetryWithBackoff(context.Background(), fastRetry(4), func() error {
		calls++
		return statusErr{code: 503, retryable: true}
	})
	if calls != 4 {
		t.Fatalf("expected retries for a retryable status, got %d calls", calls)
	}
}

func TestRetryWithBackoff_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: 200 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	err := RetryWithBackoff(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("connection reset by peer")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestRetryWithBackoff_DelayCappedAtMax(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 4, InitialDelay: 20 * time.Millisecond, MaxDelay: 25 * time.Millisecond, Multiplier: 10}
	var stamps []time.Time
	_ = RetryWithBackoff(context.Background(), cfg, func() error {
		stamps = append(stamps, time.Now())
		return errors.New("timeout")
	})
	if len(stamps) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(stamps))
	}
	for i := 2; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap > 250*time.Millisecond {
			t.Errorf("gap[%d] = %v, expected to stay near the 25ms cap", i, gap)
		}
	}
}

func TestRetryWithBackoff_ReportsEachRetry(t *testing.T) {
	cfg := fastRetry(3)
	var attempts []int
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		if err == nil || wait <= 0 || wait > cfg.MaxDelay {
			t.Errorf("attempt %d: unexpected err=%v wait=%v", attempt, err, wait)
		}
		attempts = append(attempts, attempt)
	}
	_ = RetryWithBackoff(context.Background(), cfg, func() error { return io.EOF })
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("expected retries after attempts 1 and 2, got %v", attempts)
	}
}

func TestRetryWithBackoff_UsesUpstreamWaitHint(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2}
	var waits []time.Duration
	cfg.OnRetry = func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) }

	_ = RetryWithBackoff(context.Background(), cfg, func() error {
		return fmt.Errorf("search: %w", throttledErr{wait: 15 * time.Millisecond})
	})
	if len(waits) != 1 || waits[0] != 15*time.Millisecond {
		t.Fatalf("expected the 15ms hint, got %v", waits)
	}

	waits = nil
	_ = RetryWithBackoff(context.Background(), cfg, func() error {
		return throttledErr{wait: time.Minute}
	})
	if len(waits) != 1 || waits[0] != cfg.MaxDelay {
		t.Fatalf("hint must be capped at MaxDelay, got %v", waits)
	}
}

func TestRetryWithBackoff_OpenCircuitIsFinal(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastRetry(3), func() error {
		calls++
		return fmt.Errorf("catalog: %w", domain.ErrCircuitOpen)
	})
	if calls != 1 || !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected a single call, got calls=%d err=%v", calls, err)
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), true},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"tls", errors.New("TLS handshake failure"), true},
		{"bad request", errors.New("bad request"), false},
		{"retryable false", statusErr{code: 404}, false},
		{"retryable true", statusErr{code: 502, retryable: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientError(tt.err); got != tt.want {
				t.Fatalf("isTransientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestApplyJitterRange(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := applyJitter(base)
		if got < 75*time.Millisecond || got >= 125*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}
