// Package universe builds the tradable symbol set from exchange metadata,
// the curated default-symbols list, and 24h ticker stats (spec §4.4),
// grounded on original_source/scanner/pipeline/universe.py's build_universe,
// reordered into the spec's explicit nine-step early-exit filter and its
// verbatim reject-code taxonomy (spec.md is authoritative where the two
// disagree — see DESIGN.md's Open Question entry).
package universe

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/cryptorun-scanner/scanner/internal/config"
	"github.com/cryptorun-scanner/scanner/internal/exchange"
	"github.com/cryptorun-scanner/scanner/internal/model"
)

// BuildError is raised when the universe cannot be built safely — the kept
// set came back empty (spec §4.4).
type BuildError struct{ Message string }

func (e *BuildError) Error() string { return e.Message }

// Build executes the nine-step filter order against exchangeInfo,
// defaultSymbols and ticker/24hr, producing the ordered kept set, the
// rejects list, and per-symbol source flags.
func Build(ctx context.Context, log zerolog.Logger, client *exchange.Client, cfg config.UniverseConfig) (model.UniverseResult, error) {
	symbolInfos, err := client.ExchangeInfo(ctx)
	if err != nil {
		return model.UniverseResult{}, fmt.Errorf("universe: exchangeInfo: %w", err)
	}
	metadata := make(map[model.Symbol]exchange.SymbolInfo, len(symbolInfos))
	for _, si := range symbolInfos {
		metadata[si.Symbol] = si
	}

	defaultSymbols, err := client.DefaultSymbols(ctx)
	if err != nil {
		return model.UniverseResult{}, fmt.Errorf("universe: defaultSymbols: %w", err)
	}
	if len(defaultSymbols) == 0 {
		return model.UniverseResult{}, &BuildError{Message: "defaultSymbols empty or unavailable; cannot build universe"}
	}
	defaultSet := make(map[model.Symbol]struct{}, len(defaultSymbols))
	for _, s := range defaultSymbols {
		defaultSet[s] = struct{}{}
	}

	tickers, err := client.Ticker24hr(ctx)
	if err != nil {
		return model.UniverseResult{}, fmt.Errorf("universe: ticker24hr: %w", err)
	}
	tickerMap := make(map[model.Symbol]exchange.Ticker24h, len(tickers))
	for _, t := range tickers {
		tickerMap[t.Symbol] = t
	}

	blacklist := make([]*regexp.Regexp, 0, len(cfg.BlacklistRegex))
	for _, pattern := range cfg.BlacklistRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return model.UniverseResult{}, fmt.Errorf("universe: invalid blacklist regex %q: %w", pattern, err)
		}
		blacklist = append(blacklist, re)
	}
	whitelist := make(map[model.Symbol]struct{}, len(cfg.Whitelist))
	for _, s := range cfg.Whitelist {
		whitelist[s] = struct{}{}
	}
	allowedStatus := make(map[string]struct{}, len(cfg.AllowedExchangeStatus))
	for _, s := range cfg.AllowedExchangeStatus {
		allowedStatus[s] = struct{}{}
	}

	// Union of catalog symbols and default-list symbols (spec: "retains the
	// union, preferring entries present in both").
	all := make(map[model.Symbol]struct{}, len(metadata)+len(defaultSet))
	for s := range metadata {
		all[s] = struct{}{}
	}
	for s := range defaultSet {
		all[s] = struct{}{}
	}
	candidates := make([]model.Symbol, 0, len(all))
	for s := range all {
		candidates = append(candidates, s)
	}
	sort.Strings(candidates)

	var kept []model.Symbol
	var rejects []model.SymbolReject
	sourceFlags := make(map[model.Symbol]model.SourceFlags, len(candidates))
	reject := func(symbol, reason string) {
		rejects = append(rejects, model.SymbolReject{Symbol: symbol, Reason: reason})
	}

	for _, symbol := range candidates {
		_, inDefault := defaultSet[symbol]
		info, inCatalog := metadata[symbol]
		flags := model.SourceFlags{InCatalog: inCatalog, InDefaultList: inDefault}
		if inCatalog {
			flags.ExchangeStatus = info.Status
			flags.QuoteAsset = info.QuoteAsset
		}
		sourceFlags[symbol] = flags

		// (1) presence in default list
		if !inDefault {
			reject(symbol, model.RejectNotInDefaultList)
			continue
		}
		// (2) presence in metadata catalog
		if !inCatalog {
			reject(symbol, model.RejectMetadataMissing)
			continue
		}
		// (3) quote asset
		if info.QuoteAsset != cfg.QuoteAsset {
			reject(symbol, model.RejectQuoteAssetNotAllowed)
			continue
		}
		// (4) status
		if _, ok := allowedStatus[info.Status]; len(allowedStatus) > 0 && !ok {
			reject(symbol, model.RejectStatusNotAllowed)
			continue
		}
		// (5) blacklist
		blacklisted := false
		for _, re := range blacklist {
			if re.MatchString(symbol) {
				blacklisted = true
				break
			}
		}
		if blacklisted {
			reject(symbol, model.RejectBlacklisted)
			continue
		}
		// (6) 24h stats availability
		ticker, hasTicker := tickerMap[symbol]
		if !hasTicker {
			reject(symbol, model.RejectMissing24hStats)
			continue
		}

		// (7) whitelist bypass skips steps 8-9
		if _, whitelisted := whitelist[symbol]; whitelisted {
			log.Info().Str("event", "universe_whitelist_bypass").Str("symbol", symbol).Msg("whitelist symbol bypassed 24h filters")
			kept = append(kept, symbol)
			continue
		}

		quoteVolume, ok := parseNumber(ticker.QuoteVolume)
		if !ok && cfg.UseQuoteVolumeEstimate {
			baseVolume, volOK := parseNumber(ticker.Volume)
			lastPrice, priceOK := parseNumber(ticker.LastPrice)
			if volOK && priceOK && lastPrice > 0 {
				quoteVolume = baseVolume * lastPrice
				ok = true
				log.Info().Str("event", "universe_volume_estimated").Str("symbol", symbol).Float64("volume", baseVolume).Float64("last_price", lastPrice).Float64("quote_volume_est", quoteVolume).Msg("quoteVolume missing; estimated notional volume")
			}
		}
		if !ok {
			reject(symbol, model.RejectMissing24hStats)
			continue
		}

		// RequireTradeCount only gates absence of a trade count; the
		// threshold itself (step 9 below) is checked separately and only
		// when a count is actually present.
		tradeCount, hasTradeCount := parseIntNumber(ticker.Count)
		if !hasTradeCount && cfg.RequireTradeCount {
			reject(symbol, model.RejectMissingTradeCount)
			continue
		}

		// (8) volume threshold
		if quoteVolume < cfg.MinQuoteVolume24h {
			reject(symbol, model.RejectLowVolume)
			continue
		}
		// (9) trade-count threshold, only if present
		if hasTradeCount && tradeCount < cfg.MinTrades24h {
			reject(symbol, model.RejectLowTrades)
			continue
		}

		kept = append(kept, symbol)
	}

	topRejects := topRejectReasons(rejects, 5)
	stats := model.UniverseStats{Total: len(candidates), Kept: len(kept), Rejected: len(rejects)}

	log.Info().Str("event", "universe_reject_summary").Int("total", stats.Total).Int("kept", stats.Kept).Int("rejected", stats.Rejected).Interface("top_reject_reasons", topRejects).Msg("universe reject summary")

	if len(kept) == 0 {
		log.Error().Str("event", "universe_empty").Int("total", stats.Total).Msg("universe filtered to 0 symbols")
		return model.UniverseResult{}, &BuildError{Message: "universe filtered to 0 symbols; relax thresholds"}
	}

	log.Info().Str("event", "universe_built").Int("total", stats.Total).Int("kept", stats.Kept).Int("rejected", stats.Rejected).Msg("universe built")

	return model.UniverseResult{
		Symbols:     kept,
		Rejects:     rejects,
		Stats:       stats,
		SourceFlags: sourceFlags,
	}, nil
}

func parseNumber(n interface{ String() string }) (float64, bool) {
	s := n.String()
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseIntNumber(n interface{ String() string }) (int, bool) {
	f, ok := parseNumber(n)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func topRejectReasons(rejects []model.SymbolReject, limit int) []map[string]any {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, r := range rejects {
		if _, seen := counts[r.Reason]; !seen {
			order = append(order, r.Reason)
		}
		counts[r.Reason]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	out := make([]map[string]any, 0, len(order))
	for _, reason := range order {
		out = append(out, map[string]any{"reason": reason, "count": counts[reason]})
	}
	return out
}
