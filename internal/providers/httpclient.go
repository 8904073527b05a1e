package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mescon/Chronicarr/internal/config"
	"github.com/mescon/Chronicarr/internal/logger"
)

const (
	requestTimeout    = 30 * time.Second
	maxRequestRetries = 3
)

// RateLimiter implements a token bucket rate limiter for provider API calls
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter with specified RPS and burst size
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rps,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or context is cancelled
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		// Refill tokens based on elapsed time
		now := time.Now()
		elapsed := now.Sub(r.lastRefill).Seconds()
		r.tokens += elapsed * r.refillRate
		if r.tokens > r.maxTokens {
			r.tokens = r.maxTokens
		}
		r.lastRefill = now

		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		waitTime := time.Duration((1 - r.tokens) / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			// Continue to next iteration
		}
	}
}

// isRetryableError checks if an error is a transient network error worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Check for timeout
	if os.IsTimeout(err) {
		return true
	}

	// Check for common network errors in the error string
	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"EOF",
		"connection timed out",
		"temporary failure",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(strings.ToLower(errStr), strings.ToLower(pattern)) {
			return true
		}
	}

	return false
}

// baseClient carries the HTTP plumbing shared by all provider adapters:
// a rate limiter so unbounded first syncs stay polite, a circuit breaker
// per instance, and retry with backoff for transient failures.
type baseClient struct {
	httpClient *http.Client
	limiter    *RateLimiter
	breaker    *CircuitBreaker
	instance   string
}

func newBaseClient(instanceName string, breaker *CircuitBreaker) baseClient {
	cfg := config.Get()
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	return baseClient{
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    NewRateLimiter(cfg.ProviderRateLimitRPS, cfg.ProviderRateLimitBurst),
		breaker:    breaker,
		instance:   instanceName,
	}
}

// doRequestWithRetry performs an HTTP request with automatic retry for
// transient errors. The request is rebuilt on every attempt via build so
// bodies can be re-read. A non-5xx response is returned as-is; callers
// own status handling and must close the body.
func (c *baseClient) doRequestWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	if !c.breaker.Allow() {
		logger.Warnf("Circuit breaker OPEN for %s - rejecting request", c.instance)
		return nil, fmt.Errorf("%w: %s is unhealthy", ErrCircuitOpen, c.instance)
	}

	var lastErr error

	for attempt := 0; attempt < maxRequestRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			c.breaker.RecordFailure()
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		resp, err := c.httpClient.Do(req)
		if err == nil {
			if resp.StatusCode >= 500 && resp.StatusCode < 600 {
				// Drain and close body to allow connection reuse
				if _, discardErr := io.Copy(io.Discard, resp.Body); discardErr != nil {
					logger.Debugf("Failed to drain response body during retry: %v", discardErr)
				}
				if closeErr := resp.Body.Close(); closeErr != nil {
					logger.Debugf("Failed to close response body during retry: %v", closeErr)
				}
				if attempt < maxRequestRetries-1 {
					logger.Infof("%s returned %d, retrying (%d/%d)...", c.instance, resp.StatusCode, attempt+1, maxRequestRetries)
					time.Sleep(time.Duration(attempt+1) * 2 * time.Second)
					continue
				}
				c.breaker.RecordFailure()
				return nil, fmt.Errorf("%s returned %d after %d attempts", c.instance, resp.StatusCode, maxRequestRetries)
			}
			// The server answered, even if with a 4xx
			c.breaker.RecordSuccess()
			return resp, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			c.breaker.RecordFailure()
			return nil, err
		}

		if attempt < maxRequestRetries-1 {
			logger.Infof("%s request failed (attempt %d/%d): %v, retrying...", c.instance, attempt+1, maxRequestRetries, err)
			time.Sleep(time.Duration(attempt+1) * 2 * time.Second)
		}
	}

	c.breaker.RecordFailure()
	return nil, fmt.Errorf("%s unavailable after %d attempts: %w", c.instance, maxRequestRetries, lastErr)
}

// getJSON issues a GET and decodes a 2xx response into out.
func (c *baseClient) getJSON(ctx context.Context, rawURL string, headers map[string]string, out interface{}) error {
	resp, err := c.doRequestWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d for %s", c.instance, resp.StatusCode, rawURL)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.instance, err)
	}
	return nil
}

// postJSON issues a POST with a JSON body and returns the status code,
// decoding into out only on 2xx. Callers that poll for specific error
// codes (Trakt device auth) inspect the returned status.
func (c *baseClient) postJSON(ctx context.Context, rawURL string, headers map[string]string, body, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request body: %w", err)
	}

	resp, err := c.doRequestWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, rawURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", c.instance, err)
		}
		return resp.StatusCode, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
