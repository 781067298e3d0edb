package spread

import (
	"math"

	"github.com/cryptorun-scanner/scanner/internal/exchange"
	"github.com/cryptorun-scanner/scanner/internal/model"
)

// Ticker24hConfig controls the quote-volume-estimate fallback used when a
// symbol's 24hr ticker row carries no quoteVolume field (spec §1.3
// quote-volume-estimate fallback).
type Ticker24hConfig struct {
	UseQuoteVolumeEstimate bool
	RequireTradeCount      bool
}

const (
	missingReasonNoRow         = "no_row"
	missingReasonNoAnyFields   = "no_any_fields"
	missingReasonNoVolumeNoMid = "no_volume_and_no_mid"
	missingReasonMissingTrades = "missing_trade_count"
)

// Ticker24hStats is the per-symbol enrichment payload produced by
// BuildTicker24hStats, consumed directly by Enrich24h.
type Ticker24hStats struct {
	Symbol         model.Symbol
	QuoteVolumeRaw *float64
	VolumeRaw      *float64
	MidPrice       *float64
	QuoteVolumeEst *float64
	Effective      *float64
	Trades         *int
	UsedEstimate   bool
	Missing        bool
	MissingReason  string
}

// BuildTicker24hStats merges a bulk ticker/24hr snapshot with a bulk
// bookTicker snapshot into per-symbol enrichment inputs for Enrich24h,
// filling quote volume from a volume*mid_price estimate when the raw field
// is absent and estimation is enabled.
func BuildTicker24hStats(tickers []exchange.Ticker24h, books []exchange.BookTicker, symbols []model.Symbol, cfg Ticker24hConfig) map[model.Symbol]Ticker24hStats {
	tickerMap := make(map[string]exchange.Ticker24h, len(tickers))
	for _, t := range tickers {
		if t.Symbol == "" {
			continue
		}
		tickerMap[t.Symbol] = t
	}

	midMap := make(map[string]float64, len(books))
	for _, b := range books {
		if b.Symbol == "" {
			continue
		}
		if mid, ok := bookMidPrice(b); ok {
			midMap[b.Symbol] = mid
		}
	}

	out := make(map[model.Symbol]Ticker24hStats, len(symbols))
	for _, symbol := range symbols {
		row, found := tickerMap[string(symbol)]
		if !found {
			out[symbol] = Ticker24hStats{
				Symbol:        symbol,
				Missing:       true,
				MissingReason: missingReasonNoRow,
			}
			continue
		}

		var raw, volume *float64
		if v, ok := parseFloat(row.QuoteVolume.String()); ok {
			raw = &v
		}
		if v, ok := parseFloat(row.Volume.String()); ok {
			volume = &v
		}
		var trades *int
		if v, ok := parseFloat(row.Count.String()); ok {
			n := int(v)
			trades = &n
		}

		var midPtr *float64
		if mid, ok := midMap[string(symbol)]; ok {
			midPtr = &mid
		}

		effective := raw
		var est *float64
		usedEstimate := false
		if effective == nil && cfg.UseQuoteVolumeEstimate && volume != nil && midPtr != nil {
			v := *volume * *midPtr
			est = &v
			effective = &v
			usedEstimate = true
		}

		missing := false
		reason := ""
		switch {
		case raw == nil && volume == nil:
			missing = true
			reason = missingReasonNoAnyFields
		case raw == nil && effective == nil:
			missing = true
			reason = missingReasonNoVolumeNoMid
		}
		if cfg.RequireTradeCount && trades == nil {
			missing = true
			if reason == "" {
				reason = missingReasonMissingTrades
			}
		}

		out[symbol] = Ticker24hStats{
			Symbol:         symbol,
			QuoteVolumeRaw: raw,
			VolumeRaw:      volume,
			MidPrice:       midPtr,
			QuoteVolumeEst: est,
			Effective:      effective,
			Trades:         trades,
			UsedEstimate:   usedEstimate,
			Missing:        missing,
			MissingReason:  reason,
		}
	}
	return out
}

func bookMidPrice(b exchange.BookTicker) (float64, bool) {
	bidStr, askStr := quoteStrings(b)
	bid, bidOk := parseFloat(bidStr)
	ask, askOk := parseFloat(askStr)
	if !bidOk || !askOk || bid <= 0 || ask <= 0 {
		return 0, false
	}
	mid := (bid + ask) / 2
	if math.IsNaN(mid) || math.IsInf(mid, 0) || mid <= 0 {
		return 0, false
	}
	return mid, true
}
