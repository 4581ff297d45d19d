package outbound

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialDelay:      5 * time.Millisecond,
		MaxDelay:          20 * time.Millisecond,
		Multiplier:        2.0,
		RespectRetryAfter: true,
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = fastRetry()
	}
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return c
}

// TestGet tests status handling.
func TestGet(t *testing.T) {
	t.Run("Success sends headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("x-apikey") != "secret" {
				t.Errorf("Expected x-apikey header, got %q", r.Header.Get("x-apikey"))
			}
			if r.Header.Get("User-Agent") != "hangar-test" {
				t.Errorf("Expected User-Agent hangar-test, got %q", r.Header.Get("User-Agent"))
			}
			w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		c := newTestClient(t, Config{Name: "test", UserAgent: "hangar-test"})
		body, err := c.Get(context.Background(), server.URL, map[string]string{"x-apikey": "secret"})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if string(body) != `{"ok":true}` {
			t.Errorf("Expected body {\"ok\":true}, got %s", body)
		}
	})

	t.Run("Not found is not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		c := newTestClient(t, Config{Name: "test"})
		_, err := c.Get(context.Background(), server.URL, nil)
		if !IsNotFound(err) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("Expected 1 call, got %d", calls.Load())
		}
	})

	t.Run("Client error is not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("bad key"))
		}))
		defer server.Close()

		c := newTestClient(t, Config{Name: "test"})
		_, err := c.Get(context.Background(), server.URL, nil)

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("Expected StatusError, got %v", err)
		}
		if se.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", se.StatusCode)
		}
		if calls.Load() != 1 {
			t.Errorf("Expected 1 call, got %d", calls.Load())
		}
	})

	t.Run("Server error is retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte("[]"))
		}))
		defer server.Close()

		c := newTestClient(t, Config{Name: "test"})
		body, err := c.Get(context.Background(), server.URL, nil)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if string(body) != "[]" {
			t.Errorf("Expected body [], got %s", body)
		}
		if calls.Load() != 3 {
			t.Errorf("Expected 3 calls, got %d", calls.Load())
		}
	})

	t.Run("Rate limit surfaces after retries", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Rate-Limit-Limit", "100")
			w.Header().Set("X-Rate-Limit-Remaining", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		c := newTestClient(t, Config{Name: "test"})
		_, err := c.Get(context.Background(), server.URL, nil)

		rle, ok := IsRateLimitError(err)
		if !ok {
			t.Fatalf("Expected RateLimitError, got %v", err)
		}
		if rle.StatusCode != 429 {
			t.Errorf("Expected status 429, got %d", rle.StatusCode)
		}
		if rle.Headers.Limit != 100 || rle.Headers.Remaining != 0 {
			t.Errorf("Expected limit 100 remaining 0, got %d/%d", rle.Headers.Limit, rle.Headers.Remaining)
		}
	})
}

// TestResponseCache tests that cached responses skip the network.
func TestResponseCache(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	c := newTestClient(t, Config{Name: "test", CacheTTL: time.Minute, CacheSize: 10})

	for i := 0; i < 3; i++ {
		body, err := c.Get(context.Background(), server.URL, nil)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if string(body) != "payload" {
			t.Errorf("Expected payload, got %s", body)
		}
		// Mutating the returned slice must not corrupt the cache
		body[0] = 'X'
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 network call, got %d", calls.Load())
	}

	c.ClearCache()
	if _, err := c.Get(context.Background(), server.URL, nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 network calls after clear, got %d", calls.Load())
	}
}

// TestRateLimiterSpacing tests that MinInterval spaces requests.
func TestRateLimiterSpacing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c := newTestClient(t, Config{Name: "test", MinInterval: 50 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background(), server.URL, nil); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Expected at least 100ms for 3 spaced requests, took %v", elapsed)
	}
}

// TestGetCancelled tests that a cancelled context is not retried.
func TestGetCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := newTestClient(t, Config{Name: "test"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Get(ctx, server.URL, nil)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("Expected quick return on cancellation, took %v", elapsed)
	}
}

// TestRedactHeaders tests credential masking.
func TestRedactHeaders(t *testing.T) {
	in := map[string]string{"x-apikey": "k", "Authorization": "Bearer t", "Accept": "application/json"}
	out := RedactHeaders(in)

	if out["x-apikey"] != "[REDACTED]" || out["Authorization"] != "[REDACTED]" {
		t.Errorf("Expected credentials redacted, got %v", out)
	}
	if out["Accept"] != "application/json" {
		t.Errorf("Expected Accept unchanged, got %s", out["Accept"])
	}
	if in["x-apikey"] != "k" {
		t.Error("Expected input map unchanged")
	}
}
