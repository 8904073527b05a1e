package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mescon/Chronicarr/internal/config"
)

func setupTestConfig(t *testing.T) {
	t.Helper()
	config.SetForTesting(config.NewTestConfig())
}

// =============================================================================
// RateLimiter tests
// =============================================================================

func TestRateLimiterAllowsBurst(t *testing.T) {
	limiter := NewRateLimiter(1, 5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("Burst request %d should not block: %v", i, err)
		}
	}
}

func TestRateLimiterBlocksWhenExhausted(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("First token should be available: %v", err)
	}
	if err := limiter.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded while exhausted, got %v", err)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	limiter := NewRateLimiter(100, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("First token: %v", err)
	}
	// At 100 RPS the next token arrives within ~10ms
	if err := limiter.Wait(ctx); err != nil {
		t.Errorf("Expected refill before deadline: %v", err)
	}
}

// =============================================================================
// isRetryableError tests
// =============================================================================

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"no such host", errors.New("lookup plex.local: no such host"), true},
		{"io timeout", errors.New("i/o timeout"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"auth failure", errors.New("401 unauthorized"), false},
		{"generic", errors.New("something else entirely"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.retryable {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

// =============================================================================
// baseClient tests
// =============================================================================

func TestGetJSONDecodesResponse(t *testing.T) {
	setupTestConfig(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test-Header") != "present" {
			t.Errorf("Expected custom header to be forwarded")
		}
		fmt.Fprint(w, `{"name": "hello"}`)
	}))
	defer server.Close()

	client := newBaseClient("test-instance", nil)
	var out struct {
		Name string `json:"name"`
	}
	err := client.getJSON(context.Background(), server.URL, map[string]string{"X-Test-Header": "present"}, &out)
	if err != nil {
		t.Fatalf("getJSON failed: %v", err)
	}
	if out.Name != "hello" {
		t.Errorf("Decoded name = %q", out.Name)
	}
}

func TestGetJSONRejectsNon2xx(t *testing.T) {
	setupTestConfig(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newBaseClient("test-instance", nil)
	err := client.getJSON(context.Background(), server.URL, nil, nil)
	if err == nil {
		t.Fatal("Expected error for 401 response")
	}
}

func TestPostJSONReturnsStatusWithoutDecodingErrors(t *testing.T) {
	setupTestConfig(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected JSON content type, got %s", r.Header.Get("Content-Type"))
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newBaseClient("test-instance", nil)
	var out struct{}
	status, err := client.postJSON(context.Background(), server.URL, nil, map[string]string{"code": "x"}, &out)
	if err != nil {
		t.Fatalf("postJSON should not error on 4xx: %v", err)
	}
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", status)
	}
}

func TestDoRequestRejectedWhenCircuitOpen(t *testing.T) {
	setupTestConfig(t)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
	})
	breaker.Allow()
	breaker.RecordFailure() // opens the circuit

	client := newBaseClient("down-instance", breaker)
	err := client.getJSON(context.Background(), "http://127.0.0.1:1", nil, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestDoRequestRecordsBreakerSuccess(t *testing.T) {
	setupTestConfig(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	breaker := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	client := newBaseClient("up-instance", breaker)
	if err := client.getJSON(context.Background(), server.URL, nil, nil); err != nil {
		t.Fatalf("getJSON failed: %v", err)
	}
	if breaker.Stats().TotalSuccesses != 1 {
		t.Errorf("Expected one recorded success, got %d", breaker.Stats().TotalSuccesses)
	}
}
