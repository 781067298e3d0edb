package universe

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptorun-scanner/scanner/internal/model"
	"github.com/cryptorun-scanner/scanner/internal/runstore"
)

func TestWriteRejectsCSV_WritesOneRowPerReject(t *testing.T) {
	store, err := runstore.New(t.TempDir(), "r1")
	require.NoError(t, err)

	result := model.UniverseResult{
		Rejects: []model.SymbolReject{
			{Symbol: "AAAUSDT", Reason: model.RejectLowVolume},
			{Symbol: "BBBUSDT", Reason: model.RejectBlacklisted},
		},
	}
	require.NoError(t, WriteRejectsCSV(store, "universe_rejects.csv", result))

	data, err := os.ReadFile(store.Path("universe_rejects.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "symbol,reason", lines[0])
	assert.Contains(t, lines[1], "AAAUSDT,low_volume")
}

func TestWriteJSON_RoundTrips(t *testing.T) {
	store, err := runstore.New(t.TempDir(), "r1")
	require.NoError(t, err)
	result := model.UniverseResult{Symbols: []string{"AAAUSDT"}}
	require.NoError(t, WriteJSON(store, "universe.json", result))

	var out model.UniverseResult
	require.NoError(t, store.ReadJSON("universe.json", &out))
	assert.Equal(t, []string{"AAAUSDT"}, out.Symbols)
}
