package universe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptorun-scanner/scanner/internal/config"
	"github.com/cryptorun-scanner/scanner/internal/exchange"
	"github.com/cryptorun-scanner/scanner/internal/httpclient"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *exchange.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	cfg := httpclient.Config{BaseURL: srv.URL, RPS: 1000, Burst: 1000, MaxRetries: 1, RequestTimeout: 2 * time.Second}
	c, err := httpclient.New(cfg, nil)
	require.NoError(t, err)
	return exchange.New(c)
}

func testCfg() config.UniverseConfig {
	return config.UniverseConfig{
		QuoteAsset:             "USDT",
		AllowedExchangeStatus:  []string{"TRADING"},
		MinQuoteVolume24h:      1000,
		MinTrades24h:           10,
		UseQuoteVolumeEstimate: true,
		RequireTradeCount:      false,
		BlacklistRegex:         []string{"^LEVERAGED"},
		Whitelist:              []string{"WLUSDT"},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func TestBuild_AppliesNineStepFilterOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"symbols": []map[string]string{
			{"symbol": "BTCUSDT", "quoteAsset": "USDT", "status": "TRADING"},
			{"symbol": "ETHUSDT", "quoteAsset": "USDT", "status": "TRADING"},
			{"symbol": "LEVERAGEDUSDT", "quoteAsset": "USDT", "status": "TRADING"},
			{"symbol": "SOLBTC", "quoteAsset": "BTC", "status": "TRADING"},
			{"symbol": "HALTEDUSDT", "quoteAsset": "USDT", "status": "HALTED"},
			{"symbol": "NODATAUSDT", "quoteAsset": "USDT", "status": "TRADING"},
			{"symbol": "WLUSDT", "quoteAsset": "USDT", "status": "TRADING"},
			{"symbol": "LOWVOLUSDT", "quoteAsset": "USDT", "status": "TRADING"},
			{"symbol": "CATALOGONLYUSDT", "quoteAsset": "USDT", "status": "TRADING"},
		}})
	})
	mux.HandleFunc("/api/v3/defaultSymbols", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []string{"BTCUSDT", "ETHUSDT", "LEVERAGEDUSDT", "SOLBTC", "HALTEDUSDT", "NODATAUSDT", "WLUSDT", "LOWVOLUSDT", "NOTINCATALOGUSDT"})
	})
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]string{
			{"symbol": "BTCUSDT", "quoteVolume": "500000", "count": "1000"},
			{"symbol": "ETHUSDT", "quoteVolume": "200000", "count": "500"},
			{"symbol": "LEVERAGEDUSDT", "quoteVolume": "500000", "count": "1000"},
			{"symbol": "HALTEDUSDT", "quoteVolume": "500000", "count": "1000"},
			{"symbol": "WLUSDT", "quoteVolume": "1", "count": "1"},
			{"symbol": "LOWVOLUSDT", "quoteVolume": "1", "count": "1000"},
		})
	})

	client := newTestClient(t, mux)
	res, err := Build(context.Background(), zerolog.Nop(), client, testCfg())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT", "WLUSDT"}, res.Symbols)

	reasonsBySymbol := map[string]string{}
	for _, r := range res.Rejects {
		reasonsBySymbol[r.Symbol] = r.Reason
	}
	assert.Equal(t, "metadata_missing", reasonsBySymbol["NOTINCATALOGUSDT"])
	assert.Equal(t, "not_in_default_list", reasonsBySymbol["CATALOGONLYUSDT"])
	assert.Equal(t, "quote_asset_not_allowed", reasonsBySymbol["SOLBTC"])
	assert.Equal(t, "status_not_allowed", reasonsBySymbol["HALTEDUSDT"])
	assert.Equal(t, "blacklisted", reasonsBySymbol["LEVERAGEDUSDT"])
	assert.Equal(t, "missing_24h_stats", reasonsBySymbol["NODATAUSDT"])
	assert.Equal(t, "low_volume", reasonsBySymbol["LOWVOLUSDT"])

	assert.Equal(t, len(res.Symbols)+len(res.Rejects), res.Stats.Total)
}

func TestBuild_EmptyKeptSetIsBuildError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"symbols": []map[string]string{
			{"symbol": "BTCUSDT", "quoteAsset": "USDT", "status": "TRADING"},
		}})
	})
	mux.HandleFunc("/api/v3/defaultSymbols", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []string{"BTCUSDT"})
	})
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]string{})
	})

	client := newTestClient(t, mux)
	_, err := Build(context.Background(), zerolog.Nop(), client, testCfg())
	require.Error(t, err)
	var buildErr *BuildError
	assert.ErrorAs(t, err, &buildErr)
}

func TestBuild_FatalWhenDefaultSymbolsEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"symbols": []map[string]string{}})
	})
	mux.HandleFunc("/api/v3/defaultSymbols", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []string{})
	})
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]string{})
	})

	client := newTestClient(t, mux)
	_, err := Build(context.Background(), zerolog.Nop(), client, testCfg())
	require.Error(t, err)
	var buildErr *BuildError
	assert.ErrorAs(t, err, &buildErr)
}

func TestBuild_QuoteVolumeEstimateFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"symbols": []map[string]string{
			{"symbol": "BTCUSDT", "quoteAsset": "USDT", "status": "TRADING"},
		}})
	})
	mux.HandleFunc("/api/v3/defaultSymbols", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []string{"BTCUSDT"})
	})
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]string{
			{"symbol": "BTCUSDT", "volume": "100", "lastPrice": "50000", "count": "20"},
		})
	})

	client := newTestClient(t, mux)
	res, err := Build(context.Background(), zerolog.Nop(), client, testCfg())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, res.Symbols)
}
