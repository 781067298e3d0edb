package report

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptorun-scanner/scanner/internal/config"
	"github.com/cryptorun-scanner/scanner/internal/metrics"
	"github.com/cryptorun-scanner/scanner/internal/model"
	"github.com/cryptorun-scanner/scanner/internal/runstore"
)

func ptr(v float64) *float64 { return &v }

func TestCombine_PassTotalRequiresSpreadDepthAndEdge(t *testing.T) {
	scores := []model.ScoreResult{
		{Symbol: "AAAUSDT", PassSpread: true, EdgeMMBps: ptr(10), Score: 5},
		{Symbol: "BBBUSDT", PassSpread: true, EdgeMMBps: ptr(1), Score: 3},
		{Symbol: "CCCUSDT", PassSpread: false, EdgeMMBps: ptr(10), Score: 1},
	}
	depth := map[model.Symbol]model.DepthSymbolMetrics{
		"AAAUSDT": {PassDepth: true},
		"BBBUSDT": {PassDepth: true},
	}

	rows := Combine(scores, depth, 5, true)
	byName := map[string]Row{}
	for _, r := range rows {
		byName[r.Symbol] = r
	}

	assert.True(t, byName["AAAUSDT"].PassTotal)
	assert.False(t, byName["BBBUSDT"].PassTotal, "edge below edge_min_bps must fail pass_total")
	assert.False(t, byName["CCCUSDT"].PassTotal, "not a depth candidate means pass_total false")
}

func TestCombine_NoDepthStageFallsBackToSpreadAndEdge(t *testing.T) {
	scores := []model.ScoreResult{
		{Symbol: "AAAUSDT", PassSpread: true, EdgeMMBps: ptr(10), Score: 5},
	}
	rows := Combine(scores, nil, 5, false)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].PassTotal)
	assert.Nil(t, rows[0].PassDepth)
}

func TestRank_OrdersByPassTotalThenScoreThenSymbol(t *testing.T) {
	rows := []Row{
		{Symbol: "ZZZ", PassTotal: true, Score: 1},
		{Symbol: "AAA", PassTotal: true, Score: 1},
		{Symbol: "BBB", PassTotal: true, Score: 9},
		{Symbol: "CCC", PassTotal: false, Score: 100},
	}
	ranked := Rank(rows)
	assert.Equal(t, []string{"BBB", "AAA", "ZZZ", "CCC"}, symbolsOf(ranked))
}

func symbolsOf(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Symbol
	}
	return out
}

func TestShortlist_Truncates(t *testing.T) {
	rows := []Row{
		{Symbol: "A", PassTotal: true, Score: 3},
		{Symbol: "B", PassTotal: true, Score: 2},
		{Symbol: "C", PassTotal: true, Score: 1},
	}
	short := Shortlist(rows, 2)
	assert.Len(t, short, 2)
	assert.Equal(t, []string{"A", "B"}, symbolsOf(short))
}

func testAppConfig() *config.AppConfig {
	cfg := &config.AppConfig{}
	cfg.Report.TopN = 10
	return cfg
}

func TestRenderMarkdown_EmptyShortlistMentionsReasons(t *testing.T) {
	cfg := testAppConfig()
	scores := []model.ScoreResult{
		{Symbol: "AAAUSDT", PassSpread: false, FailReasons: []string{"spread_median_high"}},
	}
	rows := Combine(scores, nil, 0, false)
	out := RenderMarkdown(RunMeta{RunID: "20260730_000000Z_abcdef"}, cfg, scores, nil, metrics.Snapshot{}, false, rows)
	assert.Contains(t, out, "Shortlist is empty")
	assert.Contains(t, out, "spread_median_high")
}

func TestWriteSummaryJSON_SortsByScoreDescThenSymbol(t *testing.T) {
	store, err := runstore.New(t.TempDir(), "r1")
	require.NoError(t, err)
	scores := []model.ScoreResult{
		{Symbol: "ZZZ", Score: 1},
		{Symbol: "AAA", Score: 5},
	}
	require.NoError(t, WriteSummaryJSON(store, "summary.json", scores))

	var out []model.ScoreResult
	require.NoError(t, store.ReadJSON("summary.json", &out))
	require.Len(t, out, 2)
	assert.Equal(t, "AAA", out[0].Symbol)
	assert.Equal(t, "ZZZ", out[1].Symbol)
}

func TestWriteShortlistCSV_WritesTruncatedRows(t *testing.T) {
	store, err := runstore.New(t.TempDir(), "r1")
	require.NoError(t, err)
	rows := []Row{
		{Symbol: "AAA", PassTotal: true, Score: 3},
		{Symbol: "BBB", PassTotal: true, Score: 2},
	}
	short := Shortlist(rows, 1)
	require.NoError(t, WriteShortlistCSV(store, "shortlist.csv", short))

	data, err := os.ReadFile(store.Path("shortlist.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "AAA")
}

func TestWriteSummaryCSV_WritesHeaderAndRows(t *testing.T) {
	store, err := runstore.New(t.TempDir(), "r1")
	require.NoError(t, err)
	scores := []model.ScoreResult{
		{Symbol: "AAAUSDT", PassSpread: true, Score: 1.5, SpreadStats: model.SpreadStats{SpreadMedianBps: ptr(12.5)}},
	}
	require.NoError(t, WriteSummaryCSV(store, "summary.csv", scores))
	assert.True(t, store.Exists("summary.csv"))
}
