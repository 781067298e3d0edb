package depth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptorun-scanner/scanner/internal/exchange"
	"github.com/cryptorun-scanner/scanner/internal/httpclient"
	"github.com/cryptorun-scanner/scanner/internal/model"
)

// SamplingConfig holds the depth stage's tunables.
type SamplingConfig struct {
	DurationS      int
	IntervalS      float64
	Limit          int
	TopNLevels     int
	BandBps        []int
	StressNotional float64
	RPS            float64
}

// Result is the depth stage's overall output (spec §4.7).
type Result struct {
	TargetTicks  int
	TicksSuccess int
	TicksFail    int
	Symbols      []model.DepthSymbolMetrics
	TimedOut     bool
	ElapsedS     float64
}

type symbolState struct {
	snapshots              []model.DepthSnapshot
	sampleCount            int
	validSamples           int
	emptyBookCount         int
	invalidBookCount       int
	symbolUnavailableCount int
}

// EffectiveTargetTicks computes target_ticks per spec §4.7: when per-tick
// wall time (N symbols / RPS) exceeds interval_s, sampling degrades to
// snapshot mode with fewer, longer ticks instead of the configured cadence.
func EffectiveTargetTicks(durationS int, intervalS float64, symbolCount int, rps float64) int {
	tickDuration := 0.0
	if rps > 0 {
		tickDuration = float64(symbolCount) / rps
	}
	if tickDuration > intervalS {
		ticks := int(math.Floor(float64(durationS) / tickDuration))
		if ticks < 1 {
			ticks = 1
		}
		return ticks
	}
	ticks := int(math.Ceil(float64(durationS) / intervalS))
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// Run executes the depth-sampling tick loop over the given candidate
// symbols, grounded on original_source/scanner/pipeline/depth_check.py's
// per-symbol tick loop with its backoff-on-transient/rate_limited behavior,
// translated to this repo's typed httpclient errors.
func Run(ctx context.Context, log zerolog.Logger, client *exchange.Client, symbols []model.Symbol, cfg SamplingConfig, th Thresholds) (Result, error) {
	if cfg.IntervalS <= 0 {
		return Result{}, fmt.Errorf("depth: interval_s must be positive")
	}
	if cfg.DurationS <= 0 {
		return Result{}, fmt.Errorf("depth: duration_s must be positive")
	}
	if cfg.Limit <= 0 || cfg.Limit > 5000 {
		return Result{}, fmt.Errorf("depth: limit must be between 1 and 5000")
	}
	if cfg.TopNLevels <= 0 {
		return Result{}, fmt.Errorf("depth: top_n_levels must be positive")
	}
	if len(symbols) == 0 {
		return Result{}, fmt.Errorf("depth: no candidates provided")
	}

	targetTicks := EffectiveTargetTicks(cfg.DurationS, cfg.IntervalS, len(symbols), cfg.RPS)
	states := make(map[model.Symbol]*symbolState, len(symbols))
	for _, s := range symbols {
		states[s] = &symbolState{}
	}

	ticksSuccess, ticksFail := 0, 0
	timedOut := false
	start := time.Now()
	backoff := 500 * time.Millisecond

	for tick := 0; tick < targetTicks; tick++ {
		if deadlinePassed(ctx) {
			timedOut = true
			break
		}
		tickSuccessful := false

		for _, symbol := range symbols {
			if deadlinePassed(ctx) {
				timedOut = true
				break
			}

			resp, err := client.Depth(ctx, symbol, cfg.Limit)
			state := states[symbol]
			state.sampleCount++
			if err != nil {
				var fatal *httpclient.Fatal
				switch {
				case errors.As(err, &fatal):
					state.symbolUnavailableCount++
					log.Warn().Str("event", "depth_tick_unavailable").Str("symbol", symbol).Err(err).Int("tick_idx", tick).Msg("depth snapshot unavailable")
				default:
					log.Warn().Str("event", "depth_tick_fail").Str("symbol", symbol).Err(err).Int("tick_idx", tick).Msg("depth snapshot failed")
					sleepWithBackoff(ctx, backoff)
					if backoff < 8*time.Second {
						backoff *= 2
						if backoff > 8*time.Second {
							backoff = 8 * time.Second
						}
					}
				}
				continue
			}

			snap, err := ComputeSnapshot(toLevels(resp.Bids), toLevels(resp.Asks), cfg.TopNLevels, cfg.BandBps, cfg.StressNotional)
			if err != nil {
				if errors.Is(err, ErrEmptyBook) {
					state.emptyBookCount++
				} else {
					state.invalidBookCount++
				}
				log.Warn().Str("event", "depth_tick_invalid").Str("symbol", symbol).Err(err).Int("tick_idx", tick).Msg("depth snapshot invalid")
				continue
			}

			state.snapshots = append(state.snapshots, snap)
			state.validSamples++
			tickSuccessful = true
			backoff = 500 * time.Millisecond
			log.Info().Str("event", "depth_tick").Str("symbol", symbol).Int("tick_idx", tick).Msg("depth snapshot collected")
		}

		if timedOut {
			break
		}
		if tickSuccessful {
			ticksSuccess++
		} else {
			ticksFail++
		}

		nextDeadline := start.Add(time.Duration(float64(tick+1) * cfg.IntervalS * float64(time.Second)))
		if sleep := time.Until(nextDeadline); sleep > 0 {
			sleepWithBackoff(ctx, sleep)
		}
	}

	results := make([]model.DepthSymbolMetrics, 0, len(symbols))
	for _, symbol := range symbols {
		s := states[symbol]
		results = append(results, EvaluateSymbol(symbol, targetTicks, s.sampleCount, s.validSamples, s.emptyBookCount, s.invalidBookCount, s.symbolUnavailableCount, s.snapshots, cfg.BandBps, th))
	}

	return Result{
		TargetTicks:  targetTicks,
		TicksSuccess: ticksSuccess,
		TicksFail:    ticksFail,
		Symbols:      results,
		TimedOut:     timedOut,
		ElapsedS:     time.Since(start).Seconds(),
	}, nil
}

func deadlinePassed(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if deadline, ok := ctx.Deadline(); ok {
		return time.Now().After(deadline)
	}
	return false
}

func sleepWithBackoff(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func toLevels(raw [][2]json.Number) [][2]float64 {
	out := make([][2]float64, 0, len(raw))
	for _, l := range raw {
		p, errP := strconv.ParseFloat(l[0].String(), 64)
		q, errQ := strconv.ParseFloat(l[1].String(), 64)
		if errP != nil || errQ != nil {
			out = append(out, [2]float64{-1, -1})
			continue
		}
		out = append(out, [2]float64{p, q})
	}
	return out
}
