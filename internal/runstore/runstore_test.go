package runstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Count int `json:"count"`
}

func TestUpdateJSON_ReadModifyWriteRoundTrips(t *testing.T) {
	s, err := New(t.TempDir(), "20260730_000000Z_abcdef")
	require.NoError(t, err)

	require.NoError(t, UpdateJSON(s, "metrics.json", func(c *counter) { c.Count++ }))
	require.NoError(t, UpdateJSON(s, "metrics.json", func(c *counter) { c.Count++ }))

	var got counter
	require.NoError(t, s.ReadJSON("metrics.json", &got))
	assert.Equal(t, 2, got.Count)
}

func TestExists_FalseForAbsentOrEmpty(t *testing.T) {
	s, err := New(t.TempDir(), "run")
	require.NoError(t, err)
	assert.False(t, s.Exists("nope.json"))

	require.NoError(t, s.WriteFileAtomic("present.csv", []byte("a,b\n1,2\n")))
	assert.True(t, s.Exists("present.csv"))
}

func TestAppendLine_Accumulates(t *testing.T) {
	s, err := New(t.TempDir(), "run")
	require.NoError(t, err)
	require.NoError(t, s.AppendLine("logs.jsonl", []byte(`{"a":1}`)))
	require.NoError(t, s.AppendLine("logs.jsonl", []byte(`{"a":2}`)))

	raw, err := os.ReadFile(s.Path("logs.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"a\":2}\n", string(raw))
}
