// Package report combines scoring and depth results into the final
// shortlist and human-readable report (spec §4.8), grounded on
// original_source/scanner/report/report_md.py's _render_report and
// _build_shortlist.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cryptorun-scanner/scanner/internal/config"
	"github.com/cryptorun-scanner/scanner/internal/metrics"
	"github.com/cryptorun-scanner/scanner/internal/model"
	"github.com/cryptorun-scanner/scanner/internal/runstore"
)

// Row is one symbol's combined scoring/depth outcome, the in-memory
// equivalent of the Python reference's SummaryEnrichedRow.
type Row struct {
	Symbol           model.Symbol
	Score            float64
	PassSpread       bool
	PassDepth        *bool // nil when the depth stage did not run for this symbol
	PassTotal        bool
	FailReasons      []string
	DepthFailReasons []string
}

// RunMeta is the subset of run_meta.json fields the report renders.
type RunMeta struct {
	RunID      string
	StartedAt  time.Time
	GitCommit  string
	RunHealth  model.RunHealth
}

// Combine builds one Row per scored symbol, applying
// pass_total = pass_spread && pass_depth && edge_mm_bps >= edge_min_bps
// (spec §4.7). When the depth stage did not run, PassDepth is left nil and
// pass_total is pass_spread && edge_mm_bps >= edge_min_bps. When it ran but
// a symbol has no depth metrics (not a depth candidate), PassDepth is left
// nil and pass_total is false.
func Combine(scores []model.ScoreResult, depth map[model.Symbol]model.DepthSymbolMetrics, edgeMinBps float64, depthStageRan bool) []Row {
	rows := make([]Row, 0, len(scores))
	for _, sc := range scores {
		row := Row{
			Symbol:      sc.Symbol,
			Score:       sc.Score,
			PassSpread:  sc.PassSpread,
			FailReasons: sc.FailReasons,
		}

		edgeOK := sc.EdgeMMBps != nil && *sc.EdgeMMBps >= edgeMinBps

		if depthStageRan {
			if dm, ok := depth[sc.Symbol]; ok {
				passDepth := dm.PassDepth
				row.PassDepth = &passDepth
				row.DepthFailReasons = dm.FailReasons
				row.PassTotal = sc.PassSpread && passDepth && edgeOK
			} else {
				// Not a depth candidate (didn't pass_spread, or truncated by
				// candidates_limit): pass_total cannot be true.
				row.PassTotal = false
			}
		} else {
			row.PassTotal = sc.PassSpread && edgeOK
		}

		rows = append(rows, row)
	}
	return rows
}

// Rank sorts rows by (pass_total desc, score desc, symbol asc), the
// required deterministic order (spec §4.8).
func Rank(rows []Row) []Row {
	out := append([]Row(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PassTotal != out[j].PassTotal {
			return out[i].PassTotal
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Shortlist ranks rows, keeps only pass_total rows, and truncates to topN
// (0 or negative means no truncation).
func Shortlist(rows []Row, topN int) []Row {
	ranked := make([]Row, 0, len(rows))
	for _, r := range Rank(rows) {
		if r.PassTotal {
			ranked = append(ranked, r)
		}
	}
	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

func formatValue(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func passDepthCell(row Row, depthStageRan bool) string {
	if !depthStageRan {
		return "n/a"
	}
	if row.PassDepth == nil {
		return "no"
	}
	return yesNo(*row.PassDepth)
}

func markdownTable(headers []string, rows [][]string) []string {
	lines := []string{"| " + strings.Join(headers, " | ") + " |", "| " + strings.Join(repeatDashes(len(headers)), " | ") + " |"}
	for _, r := range rows {
		lines = append(lines, "| "+strings.Join(r, " | ")+" |")
	}
	return lines
}

func repeatDashes(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "---"
	}
	return out
}

// quantiles computes the linear-interpolation quantile at each prob over
// values, matching internal/stats' percentile method (spec §4.6), returning
// nil for an empty input.
func quantiles(values []float64, probs []float64) map[float64]*float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	out := make(map[float64]*float64, len(probs))
	if len(sorted) == 0 {
		for _, p := range probs {
			out[p] = nil
		}
		return out
	}
	lastIdx := len(sorted) - 1
	for _, p := range probs {
		pos := p * float64(lastIdx)
		lowerIdx := int(pos)
		upperIdx := lowerIdx + 1
		if upperIdx > lastIdx {
			upperIdx = lastIdx
		}
		frac := pos - float64(lowerIdx)
		v := sorted[lowerIdx] + (sorted[upperIdx]-sorted[lowerIdx])*frac
		val := v
		out[p] = &val
	}
	return out
}

// RenderMarkdown builds report.md's content (spec §4.8, §1.3 expansion:
// API health summary, quantile breakdown, fail-reason breakdown).
func RenderMarkdown(meta RunMeta, cfg *config.AppConfig, scores []model.ScoreResult, depth map[model.Symbol]model.DepthSymbolMetrics, snap metrics.Snapshot, depthStageRan bool, rows []Row) string {
	var b strings.Builder
	writeln := func(s string) { b.WriteString(s); b.WriteString("\n") }

	writeln("# Report")
	writeln("")
	writeln("## Run meta")
	writeln("")
	writeln(fmt.Sprintf("- Run ID: %s", meta.RunID))
	writeln(fmt.Sprintf("- Started at: %s", meta.StartedAt.UTC().Format(time.RFC3339)))
	writeln(fmt.Sprintf("- Report generated at: %s", time.Now().UTC().Format(time.RFC3339)))
	writeln(fmt.Sprintf("- Git commit: %s", meta.GitCommit))
	writeln("")
	writeln("### Parameters")
	writeln("")
	writeln(fmt.Sprintf("- Spread sampling: duration_s=%d, interval_s=%.2f, min_uptime=%.2f", cfg.Sampling.Spread.DurationS, cfg.Sampling.Spread.IntervalS, cfg.Sampling.Spread.MinUptime))
	writeln(fmt.Sprintf("- Depth sampling: duration_s=%d, interval_s=%.2f, limit=%d", cfg.Sampling.Depth.DurationS, cfg.Sampling.Depth.IntervalS, cfg.Sampling.Depth.Limit))
	writeln(fmt.Sprintf("- Spread thresholds: median_min_bps=%.2f, median_max_bps=%.2f, p90_min_bps=%.2f, p90_max_bps=%.2f", cfg.Thresholds.Spread.MedianMinBps, cfg.Thresholds.Spread.MedianMaxBps, cfg.Thresholds.Spread.P90MinBps, cfg.Thresholds.Spread.P90MaxBps))
	writeln(fmt.Sprintf("- Fees: maker_bps=%.2f, taker_bps=%.2f", cfg.Fees.MakerBps, cfg.Fees.TakerBps))
	writeln(fmt.Sprintf("- Edge thresholds: edge_min_bps=%.2f, edge_buffer_bps=%.2f (edge_mm = spread - 2*maker - buffer)", cfg.Thresholds.EdgeMinBps, cfg.Thresholds.EdgeBufferBps))
	writeln(fmt.Sprintf("- Depth thresholds: best_level_min_notional=%.2f, unwind_slippage_max_bps=%.2f, band_10bps_min_notional=%.2f, topN_min_notional=%.2f", cfg.Thresholds.Depth.BestLevelMinNotional, cfg.Thresholds.Depth.UnwindSlippageMaxBps, cfg.Thresholds.Depth.Band10bpsMinNotional, cfg.Thresholds.Depth.TopNMinNotional))
	writeln(fmt.Sprintf("- Depth optional checks: enable_band_checks=%t, enable_topN_checks=%t", cfg.Depth.EnableBandChecks, cfg.Depth.EnableTopNChecks))
	writeln(fmt.Sprintf("- Report shortlist size: top_n=%d", cfg.Report.TopN))

	writeln("")
	writeln("## API health summary")
	writeln("")
	health := meta.RunHealth
	if health == "" {
		health = model.RunHealth(metrics.SummarizeHealth(snap))
	}
	writeln(fmt.Sprintf("- Run health: %s", health))
	writeln(fmt.Sprintf("- HTTP 429 total: %d", snap.HTTP429Total))
	writeln(fmt.Sprintf("- HTTP 403 total: %d", snap.HTTP403Total))
	writeln(fmt.Sprintf("- HTTP 5xx total: %d", snap.HTTP5xxTotal))

	writeln("")
	writeln("## Universe stats")
	writeln("")
	passSpreadCount := 0
	for _, s := range scores {
		if s.PassSpread {
			passSpreadCount++
		}
	}
	passTotalCount := 0
	for _, r := range rows {
		if r.PassTotal {
			passTotalCount++
		}
	}
	writeln(fmt.Sprintf("- Symbols scanned: %d", len(scores)))
	writeln(fmt.Sprintf("- PASS_SPREAD: %d", passSpreadCount))
	writeln(fmt.Sprintf("- PASS_TOTAL: %d", passTotalCount))

	writeln("")
	writeln("## Spread stats quantiles")
	writeln("")
	var medians, p90s []float64
	for _, s := range scores {
		if s.SpreadStats.SpreadMedianBps != nil {
			medians = append(medians, *s.SpreadStats.SpreadMedianBps)
		}
		if s.SpreadStats.SpreadP90Bps != nil {
			p90s = append(p90s, *s.SpreadStats.SpreadP90Bps)
		}
	}
	probs := []float64{0.1, 0.25, 0.5, 0.75, 0.9}
	medianQ := quantiles(medians, probs)
	p90Q := quantiles(p90s, probs)
	var quantileRows [][]string
	for _, p := range probs {
		quantileRows = append(quantileRows, []string{
			fmt.Sprintf("p%d", int(p*100)),
			formatValue(medianQ[p]),
			formatValue(p90Q[p]),
		})
	}
	for _, line := range markdownTable([]string{"Quantile", "spread_median_bps", "spread_p90_bps"}, quantileRows) {
		writeln(line)
	}

	writeln("")
	writeln("## Depth check results")
	writeln("")
	if !depthStageRan {
		writeln("- Depth stage: no depth stage (depth artifacts missing)")
	} else {
		checked := len(depth)
		passDepthCount := 0
		var uptimes []float64
		for _, dm := range depth {
			if dm.PassDepth {
				passDepthCount++
			}
			uptimes = append(uptimes, dm.Uptime)
		}
		writeln(fmt.Sprintf("- Depth candidates checked: %d", checked))
		writeln(fmt.Sprintf("- PASS_DEPTH: %d", passDepthCount))
		if len(uptimes) > 0 {
			p50 := quantiles(uptimes, []float64{0.5})[0.5]
			writeln(fmt.Sprintf("- Depth uptime p50: %s", formatValue(p50)))
		}
	}

	writeln("")
	writeln("## Top candidates")
	writeln("")
	shortlist := Shortlist(rows, cfg.Report.TopN)
	if len(shortlist) > 0 {
		var candRows [][]string
		for _, r := range shortlist {
			candRows = append(candRows, []string{
				r.Symbol,
				fmt.Sprintf("%.2f", r.Score),
				yesNo(r.PassSpread),
				passDepthCell(r, depthStageRan),
				yesNo(r.PassTotal),
			})
		}
		for _, line := range markdownTable([]string{"symbol", "score", "pass_spread", "pass_depth", "pass_total"}, candRows) {
			writeln(line)
		}
	} else {
		writeln("No candidates qualified for the shortlist.")
	}

	writeln("")
	writeln("## Fail reason breakdown")
	writeln("")
	spreadReasons := countReasons(scores, func(s model.ScoreResult) []string { return s.FailReasons })
	if len(spreadReasons) > 0 {
		writeln("### Spread stage")
		writeln("")
		for _, line := range reasonTable(spreadReasons) {
			writeln(line)
		}
	} else {
		writeln("- No spread failures recorded.")
	}

	writeln("")
	if !depthStageRan {
		writeln("- Depth stage not executed.")
	} else {
		depthReasons := map[string]int{}
		for _, dm := range depth {
			for _, reason := range dm.FailReasons {
				depthReasons[reason]++
			}
		}
		if len(depthReasons) > 0 {
			writeln("### Depth stage")
			writeln("")
			for _, line := range reasonTable(depthReasons) {
				writeln(line)
			}
		} else {
			writeln("- No depth failures recorded.")
		}
	}

	if len(shortlist) == 0 {
		writeln("")
		writeln("Shortlist is empty. Common reasons are strict spread/depth thresholds or low uptime. See the breakdown above for details.")
	}

	return b.String()
}

func countReasons(scores []model.ScoreResult, pick func(model.ScoreResult) []string) map[string]int {
	out := map[string]int{}
	for _, s := range scores {
		for _, r := range pick(s) {
			out[r]++
		}
	}
	return out
}

func reasonTable(counts map[string]int) []string {
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	rows := make([][]string, 0, len(reasons))
	for _, r := range reasons {
		rows = append(rows, []string{r, fmt.Sprintf("%d", counts[r])})
	}
	return markdownTable([]string{"reason", "count"}, rows)
}

// WriteSummaryCSV writes summary.csv, one row per scored symbol, in the
// required column order (spec §6).
func WriteSummaryCSV(store *runstore.Store, name string, scores []model.ScoreResult) error {
	var b strings.Builder
	b.WriteString("symbol,spread_median_bps,spread_p10_bps,spread_p25_bps,spread_p90_bps,uptime,quoteVolume_24h,quoteVolume_24h_raw,volume_24h_raw,mid_price,quoteVolume_24h_est,quoteVolume_24h_effective,trades_24h,edge_mm_bps,edge_mm_p25_bps,edge_mt_bps,net_edge_bps,pass_spread,score,fail_reasons\n")
	for _, s := range scores {
		ss := s.SpreadStats
		fields := []string{
			s.Symbol,
			floatCell(ss.SpreadMedianBps),
			floatCell(ss.SpreadP10Bps),
			floatCell(ss.SpreadP25Bps),
			floatCell(ss.SpreadP90Bps),
			fmt.Sprintf("%.6f", ss.Uptime),
			floatCell(ss.QuoteVolume24h),
			floatCell(ss.QuoteVolume24hRaw),
			floatCell(ss.Volume24hRaw),
			floatCell(ss.MidPrice),
			floatCell(ss.QuoteVolume24hEst),
			floatCell(ss.QuoteVolume24hEffective),
			intCell(ss.Trades24h),
			floatCell(s.EdgeMMBps),
			floatCell(s.EdgeMMP25Bps),
			floatCell(s.EdgeMTBps),
			floatCell(s.NetEdgeBps),
			boolCell(s.PassSpread),
			fmt.Sprintf("%.6f", s.Score),
			strings.Join(s.FailReasons, ";"),
		}
		b.WriteString(strings.Join(fields, ","))
		b.WriteString("\n")
	}
	return store.WriteFileAtomic(name, []byte(b.String()))
}

// WriteSummaryJSON writes summary.json: the full ScoreResult list sorted by
// (-score, symbol), enabling the round-trip re-scoring invariant (spec §8
// property 4).
func WriteSummaryJSON(store *runstore.Store, name string, scores []model.ScoreResult) error {
	ranked := make([]model.ScoreResult, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})
	return store.WriteJSONAtomic(name, ranked)
}

// WriteShortlistCSV writes shortlist.csv: the top-N candidates after
// Shortlist's pass_total ranking and truncation (spec §6).
func WriteShortlistCSV(store *runstore.Store, name string, rows []Row) error {
	var b strings.Builder
	b.WriteString("symbol,score,pass_spread,pass_depth,pass_total,fail_reasons,depth_fail_reasons\n")
	for _, r := range rows {
		passDepth := "n/a"
		if r.PassDepth != nil {
			passDepth = boolCell(*r.PassDepth)
		}
		fields := []string{
			r.Symbol,
			fmt.Sprintf("%.6f", r.Score),
			boolCell(r.PassSpread),
			passDepth,
			boolCell(r.PassTotal),
			strings.Join(r.FailReasons, ";"),
			strings.Join(r.DepthFailReasons, ";"),
		}
		b.WriteString(strings.Join(fields, ","))
		b.WriteString("\n")
	}
	return store.WriteFileAtomic(name, []byte(b.String()))
}

// WriteEnrichedCSV writes summary_enriched.csv, combining score and depth
// outcomes (spec §6).
func WriteEnrichedCSV(store *runstore.Store, name string, rows []Row) error {
	var b strings.Builder
	b.WriteString("symbol,score,pass_spread,pass_depth,pass_total,depth_fail_reasons\n")
	for _, r := range rows {
		passDepth := "n/a"
		if r.PassDepth != nil {
			passDepth = boolCell(*r.PassDepth)
		}
		fields := []string{
			r.Symbol,
			fmt.Sprintf("%.6f", r.Score),
			boolCell(r.PassSpread),
			passDepth,
			boolCell(r.PassTotal),
			strings.Join(r.DepthFailReasons, ";"),
		}
		b.WriteString(strings.Join(fields, ","))
		b.WriteString("\n")
	}
	return store.WriteFileAtomic(name, []byte(b.String()))
}

func floatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.6f", *v)
}

func intCell(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}

func boolCell(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
