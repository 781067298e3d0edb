package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptorun-scanner/scanner/internal/metrics"
)

func newTestClient(t *testing.T, statuses []int) (*Client, *metrics.Registry, *int32) {
	t.Helper()
	var idx int32 = -1
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		i := atomic.AddInt32(&idx, 1)
		status := statuses[i]
		w.WriteHeader(status)
		if status >= 200 && status < 300 {
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(srv.Close)

	reg := metrics.New()
	c, err := New(Config{
		BaseURL:      srv.URL,
		RPS:          1000,
		Burst:        1000,
		MaxRetries:   3,
		BackoffBaseS: 0.001,
		BackoffMaxS:  0.002,
	}, reg)
	require.NoError(t, err)
	c.rand = func() float64 { return 0 }
	return c, reg, &calls
}

func TestClient_RetriesOn429ThenSucceeds(t *testing.T) {
	c, reg, calls := newTestClient(t, []int{429, 429, 200})

	var out map[string]any
	err := c.Get(context.Background(), "bookTicker", "/x", nil, &out)
	require.NoError(t, err)
	assert.EqualValues(t, 3, *calls)

	snap := reg.Snapshot()
	assert.Equal(t, 2, snap.RequestsByStatus["429"])
	assert.Equal(t, 1, snap.RequestsByStatus["200"])
}

func TestClient_FatalOn400StopsImmediately(t *testing.T) {
	c, _, calls := newTestClient(t, []int{400})

	var out map[string]any
	err := c.Get(context.Background(), "bookTicker", "/x", nil, &out)
	require.Error(t, err)
	var fatal *Fatal
	assert.ErrorAs(t, err, &fatal)
	assert.EqualValues(t, 1, *calls)
}

func TestClassify(t *testing.T) {
	variant, reason, retryable := classify(429, nil)
	assert.Equal(t, "rate_limited", variant)
	assert.Equal(t, "rate_limited", reason)
	assert.True(t, retryable)

	variant, _, retryable = classify(403, nil)
	assert.Equal(t, "waf_limited", variant)
	assert.True(t, retryable)

	variant, _, retryable = classify(503, nil)
	assert.Equal(t, "transient", variant)
	assert.True(t, retryable)

	variant, _, retryable = classify(400, nil)
	assert.Equal(t, "fatal", variant)
	assert.False(t, retryable)
}
