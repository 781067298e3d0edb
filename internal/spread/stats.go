// Package spread implements the spread-sampling tick loop (spec §4.5) and
// the per-symbol SpreadStats aggregation that feeds the scoring stage
// (spec §4.6, the stats half only — edge/score/pass_spread live in
// internal/score).
package spread

import (
	"github.com/cryptorun-scanner/scanner/internal/model"
	"github.com/cryptorun-scanner/scanner/internal/stats"
)

// ComputeStats aggregates raw samples for one symbol into a SpreadStats
// record, grounded on original_source/scanner/analytics/spread_stats.py's
// compute_spread_stats.
func ComputeStats(symbol model.Symbol, samples []model.SpreadSample) model.SpreadStats {
	spreads := make([]float64, 0, len(samples))
	invalid := 0
	for _, s := range samples {
		if !s.Valid() {
			invalid++
			continue
		}
		spreads = append(spreads, stats.SpreadBps(s.Bid, s.Ask))
	}

	sampleCount := len(samples)
	validSamples := len(spreads)
	uptime := 0.0
	if sampleCount > 0 {
		uptime = float64(validSamples) / float64(sampleCount)
	}

	out := model.SpreadStats{
		Symbol:              symbol,
		SampleCount:         sampleCount,
		ValidSamples:        validSamples,
		InvalidQuotes:       invalid,
		Uptime:              uptime,
		InsufficientSamples: validSamples < model.MinSampleCount,
	}

	if validSamples > 0 {
		sorted := stats.SortFloat64s(spreads)
		median, _ := stats.Percentile(sorted, 0.50)
		p10, _ := stats.Percentile(sorted, 0.10)
		p25, _ := stats.Percentile(sorted, 0.25)
		p90, _ := stats.Percentile(sorted, 0.90)
		out.SpreadMedianBps = &median
		out.SpreadP10Bps = &p10
		out.SpreadP25Bps = &p25
		out.SpreadP90Bps = &p90
	}

	return out
}

// Enrich24h fills in the 24h enrichment fields on stats in place, given the
// universe's raw/estimated quote volume and trade count for this symbol
// (spec §4.4's "24h volume effective" rule, carried through to scoring).
func Enrich24h(s *model.SpreadStats, raw, est, effective, volumeRaw, midPrice *float64, trades *int, missing bool, missingReason string) {
	s.QuoteVolume24hRaw = raw
	s.QuoteVolume24hEst = est
	s.QuoteVolume24hEffective = effective
	s.QuoteVolume24h = effective
	s.Volume24hRaw = volumeRaw
	s.MidPrice = midPrice
	s.Trades24h = trades
	s.Missing24hStats = missing
	s.Missing24hReason = missingReason
}
