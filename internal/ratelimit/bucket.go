// Package ratelimit provides the mutex-guarded token bucket shared by the
// HTTP client across every request attempt, including retries.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a single token bucket: fill rate R tokens/second, capacity C.
// It wraps golang.org/x/time/rate.Limiter but exposes the spec's blocking
// acquire semantics (sleep until a token is available) rather than the
// library's non-blocking Allow().
//
// The bucket is the sole shared mutable resource in the pipeline (spec §5)
// and is deliberately mutex-guarded even though the current sampler is
// single-threaded: a future parallel depth sampler fans out requests across
// worker goroutines that all serialize through the same bucket.
type Bucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	rps     float64
	burst   int
}

// NewBucket creates a bucket with fill rate rps and capacity burst. Capacity
// defaults to rps (matching spec §4.1's "capacity C = R by default") when
// burst <= 0.
func NewBucket(rps float64, burst int) *Bucket {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		rps:     rps,
		burst:   burst,
	}
}

// Acquire blocks until one token is available or ctx is cancelled. It must be
// called before every HTTP attempt, including retries, per spec §4.1.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.mu.Lock()
	limiter := b.limiter
	b.mu.Unlock()
	return limiter.Wait(ctx)
}

// Tokens reports the current token count, for diagnostics/tests.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.Tokens()
}

// SetRate updates the fill rate of an existing bucket in place.
func (b *Bucket) SetRate(rps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rps = rps
	b.limiter.SetLimit(rate.Limit(rps))
}

// Manager owns one Bucket per named host/provider, mirroring the way a
// multi-exchange deployment would isolate rate budgets per upstream.
type Manager struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	rps     float64
	burst   int
}

// NewManager creates a manager whose buckets are all created with the same
// default rps/burst unless overridden via AddHost.
func NewManager(defaultRPS float64, defaultBurst int) *Manager {
	return &Manager{
		buckets: make(map[string]*Bucket),
		rps:     defaultRPS,
		burst:   defaultBurst,
	}
}

// AddHost installs a bucket with a host-specific rate, overriding the
// manager default for that host.
func (m *Manager) AddHost(host string, rps float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[host] = NewBucket(rps, burst)
}

// Get returns the bucket for host, lazily creating one from the manager
// default on first use.
func (m *Manager) Get(host string) *Bucket {
	m.mu.RLock()
	b, ok := m.buckets[host]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[host]; ok {
		return b
	}
	b = NewBucket(m.rps, m.burst)
	m.buckets[host] = b
	return b
}

// Acquire blocks until a token is available for host.
func (m *Manager) Acquire(ctx context.Context, host string) error {
	return m.Get(host).Acquire(ctx)
}

// WaitDuration is a test/diagnostic helper reporting how long an immediate
// Acquire would currently block for host, without consuming a token.
func (m *Manager) WaitDuration(host string) time.Duration {
	b := m.Get(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.limiter.Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}
