// Package exchange exposes the five typed REST operations named in spec §6
// against a configurable base URL, following the endpoint-method shape of
// the teacher's internal/providers/kraken/client.go but targeting the
// MEXC-style envelope this spec's endpoints use.
package exchange

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/cryptorun-scanner/scanner/internal/httpclient"
)

// SymbolInfo is one entry of /api/v3/exchangeInfo.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	QuoteAsset string `json:"quoteAsset"`
	Status     string `json:"status"`
}

type exchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// Ticker24h is one entry of /api/v3/ticker/24hr.
type Ticker24h struct {
	Symbol      string      `json:"symbol"`
	QuoteVolume json.Number `json:"quoteVolume"`
	Volume      json.Number `json:"volume"`
	LastPrice   json.Number `json:"lastPrice"`
	Count       json.Number `json:"count"`
}

// BookTicker is one entry of /api/v3/ticker/bookTicker; the upstream wire
// format varies between bidPrice/bid and askPrice/ask key spellings, which
// the spread-sampling stage resolves, not this client (spec §9: model each
// response as a tagged variant, keep raw strings until a typed parser is
// applied at the stage boundary).
type BookTicker struct {
	Symbol   string      `json:"symbol"`
	BidPrice json.Number `json:"bidPrice"`
	Bid      json.Number `json:"bid"`
	AskPrice json.Number `json:"askPrice"`
	Ask      json.Number `json:"ask"`
}

// DepthResponse is the decoded shape of /api/v3/depth.
type DepthResponse struct {
	Bids [][2]json.Number `json:"bids"`
	Asks [][2]json.Number `json:"asks"`
}

// Client is a thin typed facade over httpclient.Client.
type Client struct {
	http *httpclient.Client
}

func New(http *httpclient.Client) *Client {
	return &Client{http: http}
}

func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	var resp exchangeInfoResponse
	if err := c.http.Get(ctx, "exchangeInfo", "/api/v3/exchangeInfo", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Symbols, nil
}

// DefaultSymbols decodes the three documented envelope shapes: a bare
// array, or an object keyed by data/symbols/defaultSymbols.
func (c *Client) DefaultSymbols(ctx context.Context) ([]string, error) {
	var raw json.RawMessage
	if err := c.http.Get(ctx, "defaultSymbols", "/api/v3/defaultSymbols", nil, &raw); err != nil {
		return nil, err
	}

	var asArray []string
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}

	var asEnvelope struct {
		Data           []string `json:"data"`
		Symbols        []string `json:"symbols"`
		DefaultSymbols []string `json:"defaultSymbols"`
	}
	if err := json.Unmarshal(raw, &asEnvelope); err != nil {
		status := 200
		return nil, httpclient.NewFatal("unrecognized defaultSymbols envelope", &status, string(raw), nil)
	}
	switch {
	case len(asEnvelope.Data) > 0:
		return asEnvelope.Data, nil
	case len(asEnvelope.Symbols) > 0:
		return asEnvelope.Symbols, nil
	default:
		return asEnvelope.DefaultSymbols, nil
	}
}

func (c *Client) Ticker24hr(ctx context.Context) ([]Ticker24h, error) {
	var resp []Ticker24h
	if err := c.http.Get(ctx, "ticker24hr", "/api/v3/ticker/24hr", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// BookTicker fetches the bulk bookTicker list (no symbol filter).
func (c *Client) BookTicker(ctx context.Context) ([]BookTicker, error) {
	var resp []BookTicker
	if err := c.http.Get(ctx, "bookTicker", "/api/v3/ticker/bookTicker", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// BookTickerSymbol fetches a single symbol's book ticker; the upstream
// returns a single object rather than a list in this mode (spec §6).
func (c *Client) BookTickerSymbol(ctx context.Context, symbol string) (BookTicker, error) {
	var resp BookTicker
	q := url.Values{"symbol": {symbol}}
	if err := c.http.Get(ctx, "bookTicker", "/api/v3/ticker/bookTicker", q, &resp); err != nil {
		return BookTicker{}, err
	}
	return resp, nil
}

func (c *Client) Depth(ctx context.Context, symbol string, limit int) (DepthResponse, error) {
	var resp DepthResponse
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	if err := c.http.Get(ctx, "depth", "/api/v3/depth", q, &resp); err != nil {
		return DepthResponse{}, err
	}
	return resp, nil
}
