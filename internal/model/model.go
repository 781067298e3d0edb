// Package model holds the data types shared across the pipeline: the
// artifacts each stage reads and writes, and the per-run bookkeeping
// structures.
package model

import "time"

// StageStatus is the lifecycle of one pipeline stage. Status progresses
// strictly pending -> running -> {success, skipped, timeout, failed}; it
// never regresses.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageSkipped StageStatus = "skipped"
	StageTimeout StageStatus = "timeout"
	StageFailed  StageStatus = "failed"
)

// StageError captures the typed error recorded against a failed stage.
type StageError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StageState is one stage's entry in PipelineState.
type StageState struct {
	Name       string            `json:"name"`
	Status     StageStatus       `json:"status"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Inputs     []string          `json:"inputs"`
	Outputs    []string          `json:"outputs"`
	Metrics    map[string]any    `json:"metrics,omitempty"`
	Error      *StageError       `json:"error,omitempty"`
}

// PipelineState is the durable per-run record described in spec §3/§4.3.
type PipelineState struct {
	RunID          string       `json:"run_id"`
	ScannerVersion string       `json:"scanner_version"`
	SpecVersion    string       `json:"spec_version"`
	Stages         []StageState `json:"stages"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// StageByName returns a pointer to the named stage entry, or nil.
func (p *PipelineState) StageByName(name string) *StageState {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}

// Symbol is an exchange trading pair identifier.
type Symbol = string

// RejectReason enumerates the verbatim universe-stage reject codes (spec
// §4.4). The canonical spelling for the default-list miss is
// "not_in_default_list" (see the Open Question resolution in DESIGN.md).
const (
	RejectNotInDefaultList      = "not_in_default_list"
	RejectMetadataMissing       = "metadata_missing"
	RejectQuoteAssetNotAllowed  = "quote_asset_not_allowed"
	RejectStatusNotAllowed      = "status_not_allowed"
	RejectBlacklisted           = "blacklisted"
	RejectMissing24hStats       = "missing_24h_stats"
	RejectMissingTradeCount     = "missing_trade_count"
	RejectLowVolume             = "low_volume"
	RejectLowTrades             = "low_trades"
)

// SymbolReject is one rejected symbol with its reason code.
type SymbolReject struct {
	Symbol Symbol `json:"symbol"`
	Reason string `json:"reason"`
}

// SourceFlags records where a symbol was observed, for diagnostics.
type SourceFlags struct {
	InCatalog     bool   `json:"in_catalog"`
	InDefaultList bool   `json:"in_default_list"`
	ExchangeStatus string `json:"exchange_status,omitempty"`
	QuoteAsset    string `json:"quote_asset,omitempty"`
}

// UniverseStats summarizes the universe build.
type UniverseStats struct {
	Total    int `json:"total"`
	Kept     int `json:"kept"`
	Rejected int `json:"rejected"`
}

// UniverseResult is the universe stage's output artifact.
type UniverseResult struct {
	Symbols     []Symbol               `json:"symbols"`
	Rejects     []SymbolReject         `json:"rejects"`
	Stats       UniverseStats          `json:"stats"`
	SourceFlags map[Symbol]SourceFlags `json:"source_flags"`
}

// SpreadSample is one raw bid/ask observation. It is invalid if
// Bid >= Ask or the midprice is <= 0.
type SpreadSample struct {
	Symbol Symbol
	Bid    float64
	Ask    float64
}

// Valid reports whether the sample satisfies spec §3's validity rule.
func (s SpreadSample) Valid() bool {
	if s.Bid >= s.Ask {
		return false
	}
	mid := (s.Bid + s.Ask) / 2
	return mid > 0
}

// MinSampleCount is the threshold below which SpreadStats.InsufficientSamples
// is true (spec §3, same constant as original_source's MIN_SAMPLE_COUNT).
const MinSampleCount = 3

// SpreadStats is the per-symbol aggregate produced by the stats engine.
type SpreadStats struct {
	Symbol              Symbol
	SampleCount         int
	ValidSamples        int
	InvalidQuotes       int
	SpreadMedianBps     *float64
	SpreadP10Bps        *float64
	SpreadP25Bps        *float64
	SpreadP90Bps        *float64
	Uptime              float64
	InsufficientSamples bool

	QuoteVolume24h          *float64
	QuoteVolume24hRaw       *float64
	Volume24hRaw            *float64
	MidPrice                *float64
	QuoteVolume24hEst       *float64
	QuoteVolume24hEffective *float64
	Trades24h               *int
	Missing24hStats         bool
	Missing24hReason        string
}

// ScoreResult is the per-symbol scoring output.
type ScoreResult struct {
	Symbol      Symbol
	SpreadStats SpreadStats
	EdgeMMBps      *float64
	EdgeMMP25Bps   *float64
	EdgeMTBps      *float64
	NetEdgeBps     *float64
	PassSpread  bool
	Score       float64
	FailReasons []string
}

// DepthSnapshot is one order-book read's derived metrics.
type DepthSnapshot struct {
	BestBidNotional   float64
	BestAskNotional   float64
	TopNBidNotional   float64
	TopNAskNotional   float64
	BandBidNotional   map[int]float64 // band_bps -> notional
	UnwindSlippageBps *float64
}

// DepthSymbolMetrics aggregates DepthSnapshots for one candidate symbol.
type DepthSymbolMetrics struct {
	Symbol Symbol

	BestBidNotionalMedian *float64
	BestAskNotionalMedian *float64
	TopNBidNotionalMedian *float64
	TopNAskNotionalMedian *float64
	BandNotionalMedian    map[int]*float64
	UnwindSlippageP90Bps  *float64

	EmptyBookCount         int
	InvalidBookCount       int
	SymbolUnavailableCount int
	ValidSamples           int
	TargetTicks            int
	Uptime                 float64

	BestBidPass  bool
	BestAskPass  bool
	SlippagePass bool
	BandPass     bool
	TopNPass     bool

	PassDepth   bool
	FailReasons []string
}

// LatencyBucketsMs are the histogram bucket upper bounds for request
// latency, with an implicit +Inf bucket (spec §3).
var LatencyBucketsMs = []float64{25, 50, 100, 250, 500, 1000, 2000, 5000}

// RunHealth is the derived health classification (spec §4.1/§7).
type RunHealth string

const (
	RunHealthOK          RunHealth = "ok"
	RunHealthDegraded    RunHealth = "degraded"
	RunHealthAPIUnstable RunHealth = "api_unstable"
)
