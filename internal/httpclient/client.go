// Package httpclient is the rate-limited, retrying REST client described in
// spec §4.1. It wraps net/http with a per-host token bucket
// (internal/ratelimit), a per-host circuit breaker (sony/gobreaker), and the
// classified retry/backoff loop, recording metrics for every attempt and
// retry.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cryptorun-scanner/scanner/internal/metrics"
	"github.com/cryptorun-scanner/scanner/internal/ratelimit"
)

// Config holds the client's tunables, sourced from the YAML config.
type Config struct {
	BaseURL       string
	RPS           float64
	Burst         int
	MaxRetries    int
	BackoffBaseS  float64
	BackoffMaxS   float64
	RequestTimeout time.Duration
}

// Client is the shared REST client used by every stage that talks to the
// exchange.
type Client struct {
	cfg     Config
	http    *http.Client
	buckets *ratelimit.Manager
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry
	host    string

	// rand is overridable in tests for deterministic jitter.
	rand func() float64
}

// New builds a Client. reg may be nil in tests that don't care about metrics.
func New(cfg Config, reg *metrics.Registry) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("httpclient: invalid base url: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseS <= 0 {
		cfg.BackoffBaseS = 0.5
	}
	if cfg.BackoffMaxS <= 0 {
		cfg.BackoffMaxS = 8
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    u.Host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		buckets: ratelimit.NewManager(cfg.RPS, cfg.Burst),
		breaker: breaker,
		metrics: reg,
		host:    u.Host,
		rand:    rand.Float64,
	}, nil
}

// BreakerOpen reports whether the circuit breaker is currently tripped.
// run_health does not consult it: SummarizeHealth looks only at the
// status-code counters and the RunDegraded flag.
func (c *Client) BreakerOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// Get issues a classified, retried, rate-limited GET against path with the
// given query parameters and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	attempt := 0
	for {
		attempt++
		if err := c.buckets.Acquire(ctx, c.host); err != nil {
			return NewTransient("rate limiter wait cancelled: "+err.Error(), nil, "", nil)
		}

		status, body, latencyMs, reqErr := c.doOnce(ctx, path, query)
		statusLabel := statusLabelFor(status, reqErr)
		if c.metrics != nil {
			c.metrics.RecordRequest(endpoint, statusLabel, latencyMs)
		}

		if reqErr == nil && status >= 200 && status < 300 {
			if err := json.Unmarshal(body, out); err != nil {
				if attempt <= 2 {
					c.recordRetry(endpoint, "invalid_json")
					c.sleepBackoff(ctx, attempt)
					continue
				}
				return NewTransient("invalid JSON on 2xx response: "+err.Error(), &status, string(body), nil)
			}
			return nil
		}

		variant, reason, retryable := classify(status, reqErr)
		if retryable && attempt < c.cfg.MaxRetries+1 {
			c.recordRetry(endpoint, reason)
			c.sleepBackoff(ctx, attempt)
			continue
		}

		msg := fmt.Sprintf("request to %s failed", path)
		if reqErr != nil {
			msg = reqErr.Error()
		}
		var statusPtr *int
		if status != 0 {
			statusPtr = &status
		}
		switch variant {
		case "rate_limited":
			return NewRateLimited(msg, statusPtr, string(body), nil)
		case "waf_limited":
			return NewWafLimited(msg, statusPtr, string(body), nil)
		case "transient":
			return NewTransient(msg, statusPtr, string(body), nil)
		default:
			return NewFatal(msg, statusPtr, string(body), nil)
		}
	}
}

func (c *Client) recordRetry(endpoint, reason string) {
	if c.metrics != nil {
		c.metrics.RecordRetry(endpoint, reason)
	}
}

// doOnce performs a single HTTP attempt through the circuit breaker,
// returning the status code (0 on transport failure), body, latency in
// milliseconds, and any transport-level error.
func (c *Client) doOnce(ctx context.Context, path string, query url.Values) (int, []byte, float64, error) {
	start := time.Now()
	result, err := c.breaker.Execute(func() (any, error) {
		u := c.cfg.BaseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return httpResult{status: resp.StatusCode, body: body}, nil
	})
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return 0, nil, latencyMs, fmt.Errorf("circuit open: %w", err)
		}
		return 0, nil, latencyMs, err
	}
	r := result.(httpResult)
	return r.status, r.body, latencyMs, nil
}

type httpResult struct {
	status int
	body   []byte
}

// classify maps a status code / transport error onto the spec §4.1 retry
// table, matching original_source/scanner/mexc/client.py's _request()
// exactly: 429 -> rate_limited, 403 -> waf_limited, 5xx -> server_error,
// other 4xx -> fatal (not retried), timeout/connection error -> transient.
func classify(status int, transportErr error) (variant, reason string, retryable bool) {
	if transportErr != nil {
		if isTimeout(transportErr) {
			return "transient", "timeout", true
		}
		return "transient", "connection_error", true
	}
	switch {
	case status == 429:
		return "rate_limited", "rate_limited", true
	case status == 403:
		return "waf_limited", "waf_limited", true
	case status >= 500:
		return "transient", "server_error", true
	case status >= 400:
		return "fatal", "", false
	default:
		return "transient", "", false
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if nerr, ok := err.(net.Error); ok {
		netErr = nerr
		return netErr.Timeout()
	}
	return false
}

func statusLabelFor(status int, err error) string {
	if err != nil {
		if isTimeout(err) {
			return "timeout"
		}
		if _, ok := err.(*net.OpError); ok {
			return "connection_error"
		}
		return "error"
	}
	return fmt.Sprintf("%d", status)
}

// sleepBackoff sleeps min(backoff_max, base*2^(attempt-1)) + uniform(0,base),
// per spec §4.1. The sleep itself is re-subjected to the token bucket on
// the next attempt via Acquire.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) {
	base := c.cfg.BackoffBaseS
	capped := base * float64(int(1)<<uint(attempt-1))
	if capped > c.cfg.BackoffMaxS {
		capped = c.cfg.BackoffMaxS
	}
	sleep := capped + c.rand()*base
	timer := time.NewTimer(time.Duration(sleep * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
