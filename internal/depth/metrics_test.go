package depth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptorun-scanner/scanner/internal/model"
)

// Scenario 3 from spec §8: bids [(100,1),(99,1)], mid=100.5, stress=100 ->
// slippage ~= 49.75bps. stress=1e6 is undefined.
func TestComputeSnapshot_UnwindSlippageScenario3(t *testing.T) {
	bids := [][2]float64{{100.0, 1.0}, {99.0, 1.0}}
	asks := [][2]float64{{101.0, 1.0}}

	snap, err := ComputeSnapshot(bids, asks, 2, []int{10}, 100.0)
	require.NoError(t, err)
	require.NotNil(t, snap.UnwindSlippageBps)
	assert.InDelta(t, 49.75, *snap.UnwindSlippageBps, 0.01)

	snap2, err := ComputeSnapshot(bids, asks, 2, []int{10}, 1e6)
	require.NoError(t, err)
	assert.Nil(t, snap2.UnwindSlippageBps)
}

func TestComputeSnapshot_EmptyBookIsError(t *testing.T) {
	_, err := ComputeSnapshot(nil, [][2]float64{{100, 1}}, 1, nil, 10)
	assert.ErrorIs(t, err, ErrEmptyBook)
}

func TestComputeSnapshot_InvalidLevelIsError(t *testing.T) {
	_, err := ComputeSnapshot([][2]float64{{0, 1}}, [][2]float64{{100, 1}}, 1, nil, 10)
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestComputeSnapshot_TopNAndBandNotional(t *testing.T) {
	bids := [][2]float64{{100, 2}, {99, 3}, {98, 1}}
	asks := [][2]float64{{101, 1}, {102, 1}}

	snap, err := ComputeSnapshot(bids, asks, 2, []int{100}, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 200.0, snap.BestBidNotional, 1e-9)
	assert.InDelta(t, 200+297, snap.TopNBidNotional, 1e-9)
	// mid = (100+101)/2 = 100.5; band 100bps threshold = 100.5*(1-0.01)=99.495
	// only the 100-level qualifies (>= 99.495)
	assert.InDelta(t, 200.0, snap.BandBidNotional[100], 1e-9)
}

func TestEvaluateSymbol_PassesWhenAllThresholdsMet(t *testing.T) {
	bids := [][2]float64{{100, 5}, {99, 5}}
	asks := [][2]float64{{101, 5}}
	snap, err := ComputeSnapshot(bids, asks, 2, []int{10}, 50)
	require.NoError(t, err)

	th := Thresholds{BestLevelMinNotional: 10, UnwindSlippageMaxBps: 1000}
	m := EvaluateSymbol("BTCUSDT", 1, 1, 1, 0, 0, 0, []model.DepthSnapshot{snap}, []int{10}, th)
	assert.True(t, m.PassDepth)
	assert.Empty(t, m.FailReasons)
}

func TestEvaluateSymbol_FailsOnLowBestNotional(t *testing.T) {
	bids := [][2]float64{{100, 0.01}}
	asks := [][2]float64{{101, 0.01}}
	snap, err := ComputeSnapshot(bids, asks, 1, nil, 0.5)
	require.NoError(t, err)

	th := Thresholds{BestLevelMinNotional: 100, UnwindSlippageMaxBps: 1000}
	m := EvaluateSymbol("ETHUSDT", 1, 1, 1, 0, 0, 0, []model.DepthSnapshot{snap}, nil, th)
	assert.False(t, m.PassDepth)
	assert.Contains(t, m.FailReasons, ReasonBestBidNotionalLow)
	assert.Contains(t, m.FailReasons, ReasonBestAskNotionalLow)
}

func TestEvaluateSymbol_NoValidSamplesFails(t *testing.T) {
	th := Thresholds{BestLevelMinNotional: 10, UnwindSlippageMaxBps: 1000}
	m := EvaluateSymbol("SOLUSDT", 3, 3, 0, 1, 0, 0, nil, nil, th)
	assert.False(t, m.PassDepth)
	assert.Contains(t, m.FailReasons, ReasonNoValidSamples)
	assert.Contains(t, m.FailReasons, ReasonMissingBestLevel)
	assert.Equal(t, 1, m.EmptyBookCount)
}

// A transient empty-book/unavailable tick must not fail an otherwise
// healthy candidate: emptyBookCount and symbolUnavailableCount are
// informational counters, not pass_depth criteria (spec §4.7).
func TestEvaluateSymbol_TransientCountersDoNotFailPass(t *testing.T) {
	bids := [][2]float64{{100, 5}, {99, 5}}
	asks := [][2]float64{{101, 5}}
	snap, err := ComputeSnapshot(bids, asks, 2, []int{10}, 50)
	require.NoError(t, err)

	th := Thresholds{BestLevelMinNotional: 10, UnwindSlippageMaxBps: 1000}
	m := EvaluateSymbol("BTCUSDT", 30, 30, 29, 1, 0, 0, []model.DepthSnapshot{snap}, []int{10}, th)
	assert.True(t, m.PassDepth)
	assert.NotContains(t, m.FailReasons, ReasonEmptyBook)
	assert.Equal(t, 1, m.EmptyBookCount)
}

func TestEffectiveTargetTicks_SnapshotModeWhenSlow(t *testing.T) {
	// 100 symbols at 5 rps -> tick_duration = 20s > interval_s(5s) -> snapshot mode
	ticks := EffectiveTargetTicks(60, 5, 100, 5)
	assert.Equal(t, 3, ticks) // floor(60/20) = 3
}

func TestEffectiveTargetTicks_RegularModeWhenFast(t *testing.T) {
	// 5 symbols at 100 rps -> tick_duration = 0.05s < interval_s(5s) -> regular
	ticks := EffectiveTargetTicks(60, 5, 5, 100)
	assert.Equal(t, 12, ticks) // ceil(60/5) = 12
}
