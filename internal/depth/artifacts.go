package depth

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cryptorun-scanner/scanner/internal/model"
	"github.com/cryptorun-scanner/scanner/internal/runstore"
)

// WriteMetricsCSV writes depth_metrics.csv, one row per depth candidate
// (spec §6).
func WriteMetricsCSV(store *runstore.Store, name string, symbols []model.DepthSymbolMetrics) error {
	var b strings.Builder
	b.WriteString("symbol,best_bid_notional_median,best_ask_notional_median,topn_bid_notional_median,topn_ask_notional_median,unwind_slippage_p90_bps,band_notional_median,empty_book_count,invalid_book_count,symbol_unavailable_count,valid_samples,target_ticks,uptime,pass_depth,fail_reasons\n")
	for _, m := range symbols {
		fields := []string{
			m.Symbol,
			floatCell(m.BestBidNotionalMedian),
			floatCell(m.BestAskNotionalMedian),
			floatCell(m.TopNBidNotionalMedian),
			floatCell(m.TopNAskNotionalMedian),
			floatCell(m.UnwindSlippageP90Bps),
			bandCell(m.BandNotionalMedian),
			fmt.Sprintf("%d", m.EmptyBookCount),
			fmt.Sprintf("%d", m.InvalidBookCount),
			fmt.Sprintf("%d", m.SymbolUnavailableCount),
			fmt.Sprintf("%d", m.ValidSamples),
			fmt.Sprintf("%d", m.TargetTicks),
			fmt.Sprintf("%.6f", m.Uptime),
			boolCell(m.PassDepth),
			strings.Join(m.FailReasons, ";"),
		}
		b.WriteString(strings.Join(fields, ","))
		b.WriteString("\n")
	}
	return store.WriteFileAtomic(name, []byte(b.String()))
}

// ReadMetricsCSV parses depth_metrics.csv back into a per-symbol map, used
// by the report stage when resuming a run whose depth stage was skipped
// this invocation (spec §4.3 resume semantics).
func ReadMetricsCSV(path string) (map[model.Symbol]model.DepthSymbolMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("depth: opening %s: %w", path, err)
	}
	defer f.Close()

	out := make(map[model.Symbol]model.DepthSymbolMetrics)
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 15 {
			continue
		}
		m := model.DepthSymbolMetrics{
			Symbol:                 fields[0],
			BestBidNotionalMedian:  parseFloatCell(fields[1]),
			BestAskNotionalMedian:  parseFloatCell(fields[2]),
			TopNBidNotionalMedian:  parseFloatCell(fields[3]),
			TopNAskNotionalMedian:  parseFloatCell(fields[4]),
			UnwindSlippageP90Bps:   parseFloatCell(fields[5]),
			BandNotionalMedian:     parseBandCell(fields[6]),
			EmptyBookCount:         parseIntCell(fields[7]),
			InvalidBookCount:       parseIntCell(fields[8]),
			SymbolUnavailableCount: parseIntCell(fields[9]),
			ValidSamples:           parseIntCell(fields[10]),
			TargetTicks:            parseIntCell(fields[11]),
			Uptime:                 parseFloat64(fields[12]),
			PassDepth:              fields[13] == "true",
		}
		if fields[14] != "" {
			m.FailReasons = strings.Split(fields[14], ";")
		}
		out[m.Symbol] = m
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("depth: scanning %s: %w", path, err)
	}
	return out, nil
}

func parseFloatCell(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseFloat64(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseIntCell(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func parseBandCell(s string) map[int]*float64 {
	if s == "" {
		return nil
	}
	out := make(map[int]*float64)
	for _, part := range strings.Split(s, ";") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		band, err := strconv.Atoi(kv[0])
		if err != nil {
			continue
		}
		out[band] = parseFloatCell(kv[1])
	}
	return out
}

func floatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.6f", *v)
}

func boolCell(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func bandCell(m map[int]*float64) string {
	if len(m) == 0 {
		return ""
	}
	bands := make([]int, 0, len(m))
	for b := range m {
		bands = append(bands, b)
	}
	sort.Ints(bands)
	parts := make([]string, 0, len(bands))
	for _, band := range bands {
		parts = append(parts, fmt.Sprintf("%d:%s", band, floatCell(m[band])))
	}
	return strings.Join(parts, ";")
}
