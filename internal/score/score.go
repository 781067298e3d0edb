// Package score computes edge formulas, the composite score, and the
// pass_spread predicate from per-symbol spread statistics (spec §4.6),
// grounded on original_source/scanner/analytics/scoring.py's score_symbol,
// generalized to the spec's three-way edge model (edge_mm, edge_mm_p25,
// edge_mt) in place of the original's single net_edge_bps.
package score

import (
	"sort"

	"github.com/cryptorun-scanner/scanner/internal/config"
	"github.com/cryptorun-scanner/scanner/internal/model"
)

// Fail reason codes, verbatim per spec §4.6.
const (
	ReasonInsufficientSamples = "insufficient_samples"
	ReasonInvalidQuotes       = "invalid_quotes"
	ReasonLowUptime           = "low_uptime"
	ReasonSpreadMedianLow     = "spread_median_low"
	ReasonSpreadMedianHigh    = "spread_median_high"
	ReasonSpreadP90Low        = "spread_p90_low"
	ReasonSpreadP90High       = "spread_p90_high"
	ReasonEdgeMMLow           = "edge_mm_low"
)

// Symbol computes the ScoreResult for one symbol's spread stats.
func Symbol(stats model.SpreadStats, cfg *config.AppConfig) model.ScoreResult {
	th := cfg.Thresholds
	fees := cfg.Fees
	buffer := th.EdgeBufferBps

	var fails []string
	add := func(reason string) {
		for _, r := range fails {
			if r == reason {
				return
			}
		}
		fails = append(fails, reason)
	}

	if stats.InsufficientSamples {
		add(ReasonInsufficientSamples)
	}
	if stats.InvalidQuotes > 0 {
		add(ReasonInvalidQuotes)
	}
	if stats.Uptime < th.UptimeMin {
		add(ReasonLowUptime)
	}

	var edgeMM, edgeMMP25, edgeMT, netEdge *float64
	if stats.SpreadMedianBps != nil {
		v := *stats.SpreadMedianBps - 2*fees.MakerBps - buffer
		edgeMM = &v
		n := v
		netEdge = &n
		mt := *stats.SpreadMedianBps - (fees.MakerBps + fees.TakerBps) - buffer
		edgeMT = &mt
	}
	if stats.SpreadP25Bps != nil {
		v := *stats.SpreadP25Bps - 2*fees.MakerBps - buffer
		edgeMMP25 = &v
	}

	if stats.SpreadMedianBps == nil || stats.SpreadP90Bps == nil {
		add(ReasonInsufficientSamples)
	} else {
		if *stats.SpreadMedianBps < th.Spread.MedianMinBps {
			add(ReasonSpreadMedianLow)
		}
		if *stats.SpreadMedianBps > th.Spread.MedianMaxBps {
			add(ReasonSpreadMedianHigh)
		}
		if *stats.SpreadP90Bps < th.Spread.P90MinBps {
			add(ReasonSpreadP90Low)
		}
		if *stats.SpreadP90Bps > th.Spread.P90MaxBps {
			add(ReasonSpreadP90High)
		}
	}

	if edgeMM == nil || *edgeMM < th.EdgeMinBps {
		add(ReasonEdgeMMLow)
	}

	volatilityPenalty := 0.0
	if stats.SpreadP90Bps != nil && stats.SpreadP10Bps != nil {
		if d := *stats.SpreadP90Bps - *stats.SpreadP10Bps; d > 0 {
			volatilityPenalty = d
		}
	}
	baseEdge := 0.0
	if edgeMM != nil && *edgeMM > 0 {
		baseEdge = *edgeMM
	}
	scoreVal := baseEdge + stats.Uptime*100 - volatilityPenalty

	passSpread := stats.ValidSamples >= model.MinSampleCount &&
		stats.InvalidQuotes == 0 &&
		stats.Uptime >= th.UptimeMin &&
		!stats.InsufficientSamples &&
		stats.SpreadMedianBps != nil && stats.SpreadP90Bps != nil &&
		*stats.SpreadMedianBps >= th.Spread.MedianMinBps && *stats.SpreadMedianBps <= th.Spread.MedianMaxBps &&
		*stats.SpreadP90Bps >= th.Spread.P90MinBps && *stats.SpreadP90Bps <= th.Spread.P90MaxBps &&
		edgeMM != nil && *edgeMM >= th.EdgeMinBps

	return model.ScoreResult{
		Symbol:       stats.Symbol,
		SpreadStats:  stats,
		EdgeMMBps:    edgeMM,
		EdgeMMP25Bps: edgeMMP25,
		EdgeMTBps:    edgeMT,
		NetEdgeBps:   netEdge,
		PassSpread:   passSpread,
		Score:        scoreVal,
		FailReasons:  fails,
	}
}

// Rank sorts results by (-score, symbol), the deterministic order required
// everywhere a scored list is consumed (spec §4.6/§4.7).
func Rank(results []model.ScoreResult) []model.ScoreResult {
	out := make([]model.ScoreResult, len(results))
	copy(out, results)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Candidates keeps only pass_spread results, ranks them, and truncates to
// limit — the depth-sampling candidate-selection rule (spec §4.7). No
// fallback: an empty pass_spread set yields an empty candidate list.
func Candidates(results []model.ScoreResult, limit int) []model.ScoreResult {
	var passed []model.ScoreResult
	for _, r := range results {
		if r.PassSpread {
			passed = append(passed, r)
		}
	}
	ranked := Rank(passed)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
