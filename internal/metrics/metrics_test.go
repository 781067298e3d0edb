package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshot_AggregatesStatusAndRetries(t *testing.T) {
	r := New()
	r.RecordRequest("bookTicker", "200", 42)
	r.RecordRequest("bookTicker", "429", 10)
	r.RecordRequest("bookTicker", "429", 11)
	r.RecordRetry("bookTicker", "rate_limited")
	r.RecordRetry("bookTicker", "rate_limited")

	snap := r.Snapshot()
	assert.Equal(t, 3, snap.RequestsTotal)
	assert.Equal(t, 2, snap.RequestsByStatus["429"])
	assert.Equal(t, 2, snap.HTTP429Total)
	assert.Equal(t, 2, snap.RetriesTotal)
	assert.Equal(t, 2, snap.ErrorsTotal)
}

func TestSummarizeHealth(t *testing.T) {
	assert.Equal(t, "ok", SummarizeHealth(Snapshot{}))
	assert.Equal(t, "degraded", SummarizeHealth(Snapshot{HTTP429Total: 1}))
	assert.Equal(t, "degraded", SummarizeHealth(Snapshot{HTTP403Total: 1}))
	assert.Equal(t, "degraded", SummarizeHealth(Snapshot{RunDegraded: 1}))
	assert.Equal(t, "api_unstable", SummarizeHealth(Snapshot{HTTP5xxTotal: 1, HTTP429Total: 1}))
}
