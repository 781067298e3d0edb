// Package depth implements order-book depth sampling, snapshot metrics,
// aggregation and the pass_depth predicate (spec §4.7), grounded on
// original_source/scanner/analytics/depth_metrics.py (snapshot math) and
// scanner/pipeline/depth_check.py (tick loop / fail-reason bookkeeping),
// extended with the spec's conditional band/topN checks.
package depth

import (
	"errors"

	"github.com/cryptorun-scanner/scanner/internal/model"
	"github.com/cryptorun-scanner/scanner/internal/stats"
)

// ErrEmptyBook is returned when either side of the book has no levels.
var ErrEmptyBook = errors.New("depth: empty book")

// ErrInvalidLevel is returned when a level fails to parse as a positive
// (price, qty) pair.
var ErrInvalidLevel = errors.New("depth: invalid level")

type level struct {
	Price float64
	Qty   float64
}

func parseLevels(raw [][2]float64) ([]level, error) {
	out := make([]level, 0, len(raw))
	for _, l := range raw {
		price, qty := l[0], l[1]
		if price <= 0 || qty <= 0 {
			return nil, ErrInvalidLevel
		}
		out = append(out, level{Price: price, Qty: qty})
	}
	return out, nil
}

// ComputeSnapshot computes one order-book read's derived metrics (spec
// §4.7's "Snapshot metrics" section).
func ComputeSnapshot(bidsRaw, asksRaw [][2]float64, topN int, bandBps []int, stressNotional float64) (model.DepthSnapshot, error) {
	bids, err := parseLevels(bidsRaw)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	asks, err := parseLevels(asksRaw)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	if len(bids) == 0 || len(asks) == 0 {
		return model.DepthSnapshot{}, ErrEmptyBook
	}

	mid := (bids[0].Price + asks[0].Price) / 2
	if mid <= 0 {
		return model.DepthSnapshot{}, ErrInvalidLevel
	}

	snap := model.DepthSnapshot{
		BestBidNotional: bids[0].Price * bids[0].Qty,
		BestAskNotional: asks[0].Price * asks[0].Qty,
		BandBidNotional: make(map[int]float64, len(bandBps)),
	}

	n := topN
	if n > len(bids) {
		n = len(bids)
	}
	for _, l := range bids[:n] {
		snap.TopNBidNotional += l.Price * l.Qty
	}
	n = topN
	if n > len(asks) {
		n = len(asks)
	}
	for _, l := range asks[:n] {
		snap.TopNAskNotional += l.Price * l.Qty
	}

	for _, band := range bandBps {
		threshold := mid * (1 - float64(band)/10_000)
		var notional float64
		for _, l := range bids {
			if l.Price >= threshold {
				notional += l.Price * l.Qty
			}
		}
		snap.BandBidNotional[band] = notional
	}

	snap.UnwindSlippageBps = unwindSlippageBps(bids, mid, stressNotional)
	return snap, nil
}

// unwindSlippageBps simulates selling stressNotional (quote currency) into
// bids best-to-worst; returns nil if the book can't absorb the full size.
func unwindSlippageBps(bids []level, mid, stressNotional float64) *float64 {
	var totalQuote, totalBase float64
	remaining := stressNotional

	for _, l := range bids {
		levelNotional := l.Price * l.Qty
		if levelNotional >= remaining {
			fillQty := remaining / l.Price
			totalQuote += remaining
			totalBase += fillQty
			remaining = 0
			break
		}
		totalQuote += levelNotional
		totalBase += l.Qty
		remaining -= levelNotional
	}

	if remaining > 0 || totalBase <= 0 {
		return nil
	}
	vwap := totalQuote / totalBase
	slippage := (mid - vwap) / mid * 10_000
	return &slippage
}

// Aggregate computes the per-symbol aggregate over a candidate's snapshot
// series (spec §4.7's "Aggregation" section): medians of each notional
// series and the p90 of the (defined) slippage series.
func Aggregate(snapshots []model.DepthSnapshot, bandBps []int) (bestBidMedian, bestAskMedian, topNBidMedian, topNAskMedian, slippageP90 *float64, bandMedian map[int]*float64) {
	bandMedian = make(map[int]*float64, len(bandBps))
	if len(snapshots) == 0 {
		for _, b := range bandBps {
			bandMedian[b] = nil
		}
		return
	}

	bestBid := make([]float64, len(snapshots))
	bestAsk := make([]float64, len(snapshots))
	topBid := make([]float64, len(snapshots))
	topAsk := make([]float64, len(snapshots))
	var slippages []float64

	for i, s := range snapshots {
		bestBid[i] = s.BestBidNotional
		bestAsk[i] = s.BestAskNotional
		topBid[i] = s.TopNBidNotional
		topAsk[i] = s.TopNAskNotional
		if s.UnwindSlippageBps != nil {
			slippages = append(slippages, *s.UnwindSlippageBps)
		}
	}

	bestBidMedian = medianPtr(bestBid)
	bestAskMedian = medianPtr(bestAsk)
	topNBidMedian = medianPtr(topBid)
	topNAskMedian = medianPtr(topAsk)

	for _, b := range bandBps {
		values := make([]float64, len(snapshots))
		for i, s := range snapshots {
			values[i] = s.BandBidNotional[b]
		}
		bandMedian[b] = medianPtr(values)
	}

	if len(slippages) > 0 {
		sorted := stats.SortFloat64s(slippages)
		p90, _ := stats.Percentile(sorted, 0.90)
		slippageP90 = &p90
	}
	return
}

func medianPtr(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := stats.SortFloat64s(values)
	m, _ := stats.Median(sorted)
	return &m
}

// Fail reason codes, per spec §4.7.
const (
	ReasonEmptyBook            = "empty_book"
	ReasonInvalidBookLevels    = "invalid_book_levels"
	ReasonSymbolUnavailable    = "symbol_unavailable"
	ReasonNoValidSamples       = "no_valid_samples"
	ReasonMissingBestLevel     = "missing_best_level_notional"
	ReasonBestBidNotionalLow   = "best_bid_notional_low"
	ReasonBestAskNotionalLow   = "best_ask_notional_low"
	ReasonMissingSlippage      = "missing_unwind_slippage"
	ReasonUnwindSlippageHigh   = "unwind_slippage_high"
	ReasonMissingBand10        = "missing_band_10bps_notional"
	ReasonBand10NotionalLow    = "band_10bps_notional_low"
	ReasonMissingTopN          = "missing_topn_notional"
	ReasonTopNNotionalLow      = "topn_notional_low"
)

// Thresholds bundles the depth pass_depth configuration.
type Thresholds struct {
	BestLevelMinNotional float64
	UnwindSlippageMaxBps float64
	Band10MinNotional    float64
	TopNMinNotional      float64
	EnableBandChecks     bool
	EnableTopNChecks     bool
}

// EvaluateSymbol builds the final DepthSymbolMetrics for one candidate from
// its accumulated counters and snapshot aggregates (spec §4.7's
// pass_depth predicate).
func EvaluateSymbol(symbol model.Symbol, targetTicks, sampleCount, validSamples, emptyBookCount, invalidBookCount, symbolUnavailableCount int, snapshots []model.DepthSnapshot, bandBps []int, th Thresholds) model.DepthSymbolMetrics {
	bestBidMedian, bestAskMedian, topNBidMedian, topNAskMedian, slippageP90, bandMedian := Aggregate(snapshots, bandBps)

	uptime := 0.0
	if targetTicks > 0 {
		uptime = float64(validSamples) / float64(targetTicks)
	}

	// emptyBookCount/invalidBookCount/symbolUnavailableCount are per-tick
	// classification counters, not pass_depth criteria — a handful of
	// transient empty/invalid books or unavailable ticks is routine and must
	// not fail an otherwise-healthy candidate. They're surfaced via the
	// dedicated counter fields below, not via fails. validSamples adds
	// no_valid_samples to fails only when it is zero.
	var fails []string
	add := func(r string) { fails = append(fails, r) }

	if validSamples == 0 {
		add(ReasonNoValidSamples)
	}

	bestBidPass, bestAskPass := false, false
	if bestBidMedian == nil || bestAskMedian == nil {
		add(ReasonMissingBestLevel)
	} else {
		bestBidPass = *bestBidMedian >= th.BestLevelMinNotional
		bestAskPass = *bestAskMedian >= th.BestLevelMinNotional
		if !bestBidPass {
			add(ReasonBestBidNotionalLow)
		}
		if !bestAskPass {
			add(ReasonBestAskNotionalLow)
		}
	}

	slippagePass := false
	if slippageP90 == nil {
		add(ReasonMissingSlippage)
	} else {
		slippagePass = *slippageP90 <= th.UnwindSlippageMaxBps
		if !slippagePass {
			add(ReasonUnwindSlippageHigh)
		}
	}

	bandPass := true
	if th.EnableBandChecks {
		band10 := bandMedian[10]
		if band10 == nil {
			bandPass = false
			add(ReasonMissingBand10)
		} else {
			bandPass = *band10 >= th.Band10MinNotional
			if !bandPass {
				add(ReasonBand10NotionalLow)
			}
		}
	}

	topNPass := true
	if th.EnableTopNChecks {
		if topNBidMedian == nil || topNAskMedian == nil {
			topNPass = false
			add(ReasonMissingTopN)
		} else {
			minTopN := *topNBidMedian
			if *topNAskMedian < minTopN {
				minTopN = *topNAskMedian
			}
			topNPass = minTopN >= th.TopNMinNotional
			if !topNPass {
				add(ReasonTopNNotionalLow)
			}
		}
	}

	// pass_depth is a conjunction of exactly these five criteria (spec
	// §4.7); no_valid_samples in fails is not one of them and does not enter
	// pass_depth.
	passDepth := bestBidPass && bestAskPass && slippagePass && bandPass && topNPass

	return model.DepthSymbolMetrics{
		Symbol:                 symbol,
		BestBidNotionalMedian:  bestBidMedian,
		BestAskNotionalMedian:  bestAskMedian,
		TopNBidNotionalMedian:  topNBidMedian,
		TopNAskNotionalMedian:  topNAskMedian,
		BandNotionalMedian:     bandMedian,
		UnwindSlippageP90Bps:   slippageP90,
		EmptyBookCount:         emptyBookCount,
		InvalidBookCount:       invalidBookCount,
		SymbolUnavailableCount: symbolUnavailableCount,
		ValidSamples:           validSamples,
		TargetTicks:            targetTicks,
		Uptime:                 uptime,
		BestBidPass:            bestBidPass,
		BestAskPass:            bestAskPass,
		SlippagePass:           slippagePass,
		BandPass:               bandPass,
		TopNPass:                topNPass,
		PassDepth:              passDepth,
		FailReasons:            fails,
	}
}
