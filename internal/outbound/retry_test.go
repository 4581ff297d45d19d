package outbound

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var errFlaky = errors.New("connection reset by peer")

// TestRetryWithBackoffResult tests attempt counting and the returned error.
func TestRetryWithBackoffResult(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		wantAttempts int
		wantErr      bool
	}{
		{"First attempt succeeds", 0, 1, false},
		{"Recovers after transient failures", 2, 3, false},
		{"Gives up after max retries", 10, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			body, err := RetryWithBackoffResult(context.Background(), fastRetry(), func() ([]byte, error) {
				attempts++
				if attempts <= tt.failures {
					return nil, errFlaky
				}
				return []byte(`{"ac":[]}`), nil
			})

			if attempts != tt.wantAttempts {
				t.Errorf("Expected %d attempts, got %d", tt.wantAttempts, attempts)
			}
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Expected no error, got: %v", err)
				}
				if string(body) != `{"ac":[]}` {
					t.Errorf("Expected body from the successful attempt, got %s", body)
				}
				return
			}

			if !errors.Is(err, errFlaky) {
				t.Errorf("Expected last error wrapped, got: %v", err)
			}
			if !strings.Contains(err.Error(), "max retries (2)") {
				t.Errorf("Expected retry count in message, got: %v", err)
			}
		})
	}
}

// TestBackoffSchedule tests that waits grow by the multiplier up to MaxDelay.
func TestBackoffSchedule(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     25 * time.Millisecond,
		Multiplier:   2.0,
	}

	var stamps []time.Time
	err := RetryWithBackoff(context.Background(), cfg, func() error {
		stamps = append(stamps, time.Now())
		return errFlaky
	})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if len(stamps) != 4 {
		t.Fatalf("Expected 4 attempts, got %d", len(stamps))
	}

	// 10ms, then 20ms, then 40ms capped at 25ms
	minGaps := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	for i, want := range minGaps {
		gap := stamps[i+1].Sub(stamps[i])
		if gap < want {
			t.Errorf("Wait %d: expected at least %v, got %v", i+1, want, gap)
		}
	}
	if total := stamps[3].Sub(stamps[0]); total > 500*time.Millisecond {
		t.Errorf("Expected the capped schedule to finish quickly, took %v", total)
	}
}

// TestRetryCancelledDuringWait tests that cancellation ends the backoff.
func TestRetryCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := RetryWithBackoff(ctx, cfg, func() error {
		attempts++
		return errFlaky
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected cancellation to cut the 1s wait short, took %v", elapsed)
	}
}

// TestPermanentStopsRetry tests that a permanent error is returned at once.
func TestPermanentStopsRetry(t *testing.T) {
	attempts := 0
	sentinel := errors.New("bad request")

	err := RetryWithBackoff(context.Background(), fastRetry(), func() error {
		attempts++
		return Permanent(sentinel)
	})

	if err != sentinel {
		t.Errorf("Expected unwrapped sentinel error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
	if Permanent(nil) != nil {
		t.Error("Expected Permanent(nil) to be nil")
	}
}

// TestRetryAfterReplacesBackoff tests that a 429 Retry-After sets the next
// wait, unless the config opts out.
func TestRetryAfterReplacesBackoff(t *testing.T) {
	rateLimited := &RateLimitError{
		StatusCode: 429,
		RetryAfter: 20 * time.Millisecond,
		Message:    "Rate limit exceeded",
		Headers:    RateLimitHeaders{Limit: 1, Remaining: 0},
	}

	t.Run("Retry-After honoured", func(t *testing.T) {
		cfg := RetryConfig{
			MaxRetries:        1,
			InitialDelay:      time.Second,
			MaxDelay:          time.Second,
			Multiplier:        2.0,
			RespectRetryAfter: true,
		}

		attempts := 0
		start := time.Now()
		err := RetryWithBackoff(context.Background(), cfg, func() error {
			attempts++
			if attempts == 1 {
				return rateLimited
			}
			return nil
		})

		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Errorf("Expected Retry-After of 20ms to replace 1s backoff, took %v", elapsed)
		}
	})

	t.Run("Retry-After ignored", func(t *testing.T) {
		cfg := RetryConfig{
			MaxRetries:   1,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		}
		slow := *rateLimited
		slow.RetryAfter = 10 * time.Second

		attempts := 0
		start := time.Now()
		err := RetryWithBackoff(context.Background(), cfg, func() error {
			attempts++
			if attempts == 1 {
				return &slow
			}
			return nil
		})

		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Expected normal backoff instead of Retry-After, took %v", elapsed)
		}
	})

	t.Run("Still rate limited", func(t *testing.T) {
		cfg := fastRetry()
		attempts := 0
		_, err := RetryWithBackoffResult(context.Background(), cfg, func() (int, error) {
			attempts++
			return 0, rateLimited
		})

		if _, ok := IsRateLimitError(err); !ok {
			t.Errorf("Expected RateLimitError after exhausting retries, got: %v", err)
		}
		if attempts != cfg.MaxRetries+1 {
			t.Errorf("Expected %d attempts, got %d", cfg.MaxRetries+1, attempts)
		}
	})
}
