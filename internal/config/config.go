// Package config loads and validates the scanner's YAML configuration,
// following internal/config/providers.go's Load+Validate() pattern from the
// teacher repo and the nested-section shape of the Python reference
// implementation's pydantic config tree.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ConfigError is raised when configuration cannot be loaded or validated
// (spec §7).
type ConfigError struct{ Message string }

func (e *ConfigError) Error() string { return e.Message }

func newConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

type ExchangeConfig struct {
	BaseURL      string  `yaml:"base_url"`
	TimeoutS     float64 `yaml:"timeout_s"`
	MaxRetries   int     `yaml:"max_retries"`
	BackoffBaseS float64 `yaml:"backoff_base_s"`
	BackoffMaxS  float64 `yaml:"backoff_max_s"`
	MaxRPS       float64 `yaml:"max_rps"`
}

type RuntimeConfig struct {
	RunName  string `yaml:"run_name"`
	Timezone string `yaml:"timezone"`
}

type ObsConfig struct {
	LogJSONL bool `yaml:"log_jsonl"`
}

type UniverseConfig struct {
	QuoteAsset            string   `yaml:"quote_asset"`
	AllowedExchangeStatus []string `yaml:"allowed_exchange_status"`
	MinQuoteVolume24h     float64  `yaml:"min_quote_volume_24h"`
	MinTrades24h          int      `yaml:"min_trades_24h"`
	UseQuoteVolumeEstimate bool    `yaml:"use_quote_volume_estimate"`
	RequireTradeCount     bool     `yaml:"require_trade_count"`
	BlacklistRegex        []string `yaml:"blacklist_regex"`
	Whitelist             []string `yaml:"whitelist"`
}

type SpreadSamplingConfig struct {
	DurationS      int     `yaml:"duration_s"`
	IntervalS      float64 `yaml:"interval_s"`
	MinUptime      float64 `yaml:"min_uptime"`
	AllowPerSymbol bool    `yaml:"allow_per_symbol"`
	PerSymbolLimit int     `yaml:"per_symbol_limit"`
}

type DepthSamplingConfig struct {
	DurationS int     `yaml:"duration_s"`
	IntervalS float64 `yaml:"interval_s"`
	Limit     int     `yaml:"limit"`
}

type RawSamplingConfig struct {
	Enabled bool `yaml:"enabled"`
	Gzip    bool `yaml:"gzip"`
}

type SamplingConfig struct {
	Spread SpreadSamplingConfig `yaml:"spread"`
	Depth  DepthSamplingConfig  `yaml:"depth"`
	Raw    RawSamplingConfig    `yaml:"raw"`
}

type FeesConfig struct {
	TakerBps float64 `yaml:"taker_bps"`
	MakerBps float64 `yaml:"maker_bps"`
}

type SpreadThresholdsConfig struct {
	MedianMinBps float64 `yaml:"median_min_bps"`
	MedianMaxBps float64 `yaml:"median_max_bps"`
	P90MinBps    float64 `yaml:"p90_min_bps"`
	P90MaxBps    float64 `yaml:"p90_max_bps"`
}

type DepthThresholdsConfig struct {
	BestLevelMinNotional  float64 `yaml:"best_level_min_notional"`
	UnwindSlippageMaxBps  float64 `yaml:"unwind_slippage_max_bps"`
	Band10bpsMinNotional  float64 `yaml:"band_10bps_min_notional"`
	TopNMinNotional       float64 `yaml:"topN_min_notional"`
}

type DepthConfig struct {
	TopNLevels          int     `yaml:"top_n_levels"`
	BandBps             []int   `yaml:"band_bps"`
	StressNotionalQuote float64 `yaml:"stress_notional_quote"`
	EnableBandChecks    bool    `yaml:"enable_band_checks"`
	EnableTopNChecks    bool    `yaml:"enable_topn_checks"`
	CandidatesLimit     int     `yaml:"candidates_limit"`
}

type ThresholdsConfig struct {
	Spread         SpreadThresholdsConfig `yaml:"spread"`
	Depth          DepthThresholdsConfig  `yaml:"depth"`
	UptimeMin      float64                `yaml:"uptime_min"`
	EdgeMinBps     float64                `yaml:"edge_min_bps"`
	EdgeBufferBps  float64                `yaml:"edge_buffer_bps"`
}

type ReportConfig struct {
	TopN               int  `yaml:"top_n"`
	IncludeRawInBundle bool `yaml:"include_raw_in_bundle"`
}

type PipelineConfig struct {
	Resume              bool           `yaml:"resume"`
	FailFast            bool           `yaml:"fail_fast"`
	ContinueOnError     bool           `yaml:"continue_on_error"`
	ArtifactValidation  string         `yaml:"artifact_validation"`
	TotalTimeoutS       int            `yaml:"total_timeout_s"`
	StageTimeoutsS      map[string]int `yaml:"stage_timeouts_s"`
	TimeoutBehavior     string         `yaml:"timeout_behavior"`
	TimeoutGraceS       int            `yaml:"timeout_grace_s"`
	SafetyMarginS       int            `yaml:"safety_margin_s"`
	SpreadTimeoutBehavior string       `yaml:"spread_timeout_behavior"`
}

// AppConfig is the root configuration object.
type AppConfig struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Obs       ObsConfig       `yaml:"obs"`
	Universe  UniverseConfig  `yaml:"universe"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Fees      FeesConfig      `yaml:"fees"`
	Depth     DepthConfig     `yaml:"depth"`
	Report    ReportConfig    `yaml:"report"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

var stageNames = []string{"universe", "spread", "score", "depth", "report"}

// defaults mirrors the dataclass field defaults in original_source's
// config.py so a YAML file may omit any section entirely.
func defaults() AppConfig {
	return AppConfig{
		Exchange: ExchangeConfig{
			BaseURL: "https://api.example-exchange.com", TimeoutS: 10, MaxRetries: 5,
			BackoffBaseS: 0.5, BackoffMaxS: 8, MaxRPS: 2.0,
		},
		Runtime: RuntimeConfig{Timezone: "UTC"},
		Obs:     ObsConfig{LogJSONL: true},
		Universe: UniverseConfig{
			QuoteAsset: "USDT", AllowedExchangeStatus: []string{"1"},
			MinQuoteVolume24h: 100_000, MinTrades24h: 200,
			UseQuoteVolumeEstimate: true,
		},
		Sampling: SamplingConfig{
			Spread: SpreadSamplingConfig{DurationS: 1800, IntervalS: 5, MinUptime: 0.9, PerSymbolLimit: 50},
			Depth:  DepthSamplingConfig{DurationS: 1200, IntervalS: 30, Limit: 100},
			Raw:    RawSamplingConfig{Enabled: true, Gzip: true},
		},
		Fees: FeesConfig{TakerBps: 4.0, MakerBps: 2.0},
		Thresholds: ThresholdsConfig{
			Spread:            SpreadThresholdsConfig{MedianMaxBps: 25.0, P90MaxBps: 60.0},
			Depth:             DepthThresholdsConfig{BestLevelMinNotional: 100.0, UnwindSlippageMaxBps: 50.0},
			UptimeMin:         0.9,
			EdgeMinBps:        1.0,
			EdgeBufferBps:     0,
		},
		Depth: DepthConfig{
			TopNLevels: 10, BandBps: []int{5, 10, 20}, StressNotionalQuote: 100.0, CandidatesLimit: 100,
		},
		Report:   ReportConfig{TopN: 20},
		Pipeline: PipelineConfig{
			Resume: true, FailFast: true, ArtifactValidation: "strict",
			StageTimeoutsS: map[string]int{}, TimeoutBehavior: "fail",
			TimeoutGraceS: 2, SafetyMarginS: 5, SpreadTimeoutBehavior: "warn",
		},
	}
}

// Load reads path, merges it over the defaults, and validates the result.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newConfigError("config not found: %s", path)
		}
		return nil, newConfigError("reading config: %s", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, newConfigError("invalid YAML: %s", err)
	}

	if err := cfg.applyStageTimeoutDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyStageTimeoutDefaults fills in any missing per-stage timeout with the
// original reference's defaulting rule: spread/depth get 2*duration_s+60,
// everything else gets 300s. It also re-validates the explicit
// stage_timeouts_s keys and cross-checks the spread timeout against the
// sampling duration plus safety margin.
func (c *AppConfig) applyStageTimeoutDefaults() error {
	if c.Pipeline.StageTimeoutsS == nil {
		c.Pipeline.StageTimeoutsS = map[string]int{}
	}
	allowed := map[string]bool{}
	for _, name := range stageNames {
		allowed[name] = true
	}
	for key, timeout := range c.Pipeline.StageTimeoutsS {
		if !allowed[key] {
			return newConfigError("invalid stage timeout key: %s", key)
		}
		if timeout < 0 {
			return newConfigError("stage_timeouts_s values must be >= 0")
		}
	}

	defaults := map[string]int{
		"universe": 300,
		"spread":   c.Sampling.Spread.DurationS*2 + 60,
		"score":    300,
		"depth":    c.Sampling.Depth.DurationS*2 + 60,
		"report":   300,
	}
	for stage, timeout := range defaults {
		if _, ok := c.Pipeline.StageTimeoutsS[stage]; !ok {
			c.Pipeline.StageTimeoutsS[stage] = timeout
		}
	}

	return c.validateSpreadTimeout()
}

func (c *AppConfig) validateSpreadTimeout() error {
	stageTimeout := c.Pipeline.StageTimeoutsS["spread"]
	if stageTimeout <= 0 {
		return nil
	}
	safetyMargin := c.Pipeline.SafetyMarginS
	if safetyMargin < 0 {
		safetyMargin = 0
	}
	threshold := stageTimeout - safetyMargin
	if c.Sampling.Spread.DurationS >= threshold {
		message := fmt.Sprintf(
			"spread sampling duration_s exceeds the allowed stage timeout buffer "+
				"(duration_s=%d, stage_timeout_s=%d, safety_margin_s=%d)",
			c.Sampling.Spread.DurationS, stageTimeout, safetyMargin,
		)
		if c.Pipeline.SpreadTimeoutBehavior == "error" {
			return newConfigError("%s", message)
		}
		// spread_timeout_behavior == "warn": the caller's logger records this;
		// Load itself only enforces the hard failure case.
	}
	return nil
}

// Hash computes the SHA-256 of the config's canonical JSON form: map keys
// sorted, no whitespace (spec §6's run_meta.json config_hash field).
func (c *AppConfig) Hash() (string, error) {
	canonical, err := canonicalJSON(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte("[")
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// StageNames returns the canonical stage order (spec §4.3).
func StageNames() []string {
	out := make([]string, len(stageNames))
	copy(out, stageNames)
	return out
}
