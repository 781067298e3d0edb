package runid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_MatchesRequiredFormat(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 34, 56, 0, time.UTC)
	id := New(now)
	assert.True(t, Valid(id), "run id %q did not match required format", id)
	assert.Equal(t, "20260730_123456Z_", id[:17])
}

func TestNew_IsUnique(t *testing.T) {
	now := time.Now()
	a := New(now)
	b := New(now)
	assert.NotEqual(t, a, b)
}
