package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptorun-scanner/scanner/internal/model"
	"github.com/cryptorun-scanner/scanner/internal/runstore"
)

func testStore(t *testing.T) *runstore.Store {
	t.Helper()
	store, err := runstore.New(t.TempDir(), "test-run")
	require.NoError(t, err)
	return store
}

func okDef(name string) StageDefinition {
	return StageDefinition{
		Name: name,
		Run: func(sc StageContext) (StageResult, error) {
			return StageResult{Metrics: map[string]any{"ok": true}}, nil
		},
	}
}

func TestBuildStagePlan_DefaultsToFullCanonicalOrder(t *testing.T) {
	plan, err := BuildStagePlan(nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, StageOrder, plan)
}

func TestBuildStagePlan_FromToWindow(t *testing.T) {
	plan, err := BuildStagePlan(nil, "spread", "depth")
	require.NoError(t, err)
	assert.Equal(t, []string{"spread", "score", "depth"}, plan)
}

func TestBuildStagePlan_RejectsBackwardJump(t *testing.T) {
	_, err := BuildStagePlan([]string{"depth", "spread"}, "", "")
	assert.Error(t, err)
}

func TestBuildStagePlan_RejectsUnknownStage(t *testing.T) {
	_, err := BuildStagePlan([]string{"universe", "bogus"}, "", "")
	assert.Error(t, err)
}

func TestRun_HappyPathAllSucceed(t *testing.T) {
	store := testStore(t)
	defs := []StageDefinition{okDef("universe"), okDef("spread")}
	opts := Options{ArtifactValidation: "strict", FailFast: true}

	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"universe", "spread"}, defs, opts, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)

	var state model.PipelineState
	require.NoError(t, store.ReadJSON(StateFile, &state))
	for _, s := range state.Stages {
		assert.Equal(t, model.StageSuccess, s.Status)
	}
}

func TestRun_ResumeSkipsStagesWithValidOutputs(t *testing.T) {
	store := testStore(t)
	calls := 0
	def := StageDefinition{
		Name: "universe",
		Run: func(sc StageContext) (StageResult, error) {
			calls++
			return StageResult{Metrics: map[string]any{}}, nil
		},
		ValidateOutputs: func(sc StageContext) []string {
			return nil // always valid, simulating an artifact already on disk
		},
	}
	opts := Options{ArtifactValidation: "strict", Resume: true}

	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"universe"}, []StageDefinition{def}, opts, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, 0, calls, "resume should skip a stage whose outputs already validate")

	var state model.PipelineState
	require.NoError(t, store.ReadJSON(StateFile, &state))
	s := state.StageByName("universe")
	require.NotNil(t, s)
	assert.Equal(t, model.StageSkipped, s.Status)
}

func TestRun_ForceReRunsDespiteValidOutputs(t *testing.T) {
	store := testStore(t)
	calls := 0
	def := StageDefinition{
		Name: "universe",
		Run: func(sc StageContext) (StageResult, error) {
			calls++
			return StageResult{Metrics: map[string]any{}}, nil
		},
		ValidateOutputs: func(sc StageContext) []string { return nil },
	}
	opts := Options{ArtifactValidation: "strict", Resume: true, Force: true}

	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"universe"}, []StageDefinition{def}, opts, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, 1, calls)
}

func TestRun_ValidationFailureOnInputsIsExitCode4(t *testing.T) {
	store := testStore(t)
	def := StageDefinition{
		Name:           "spread",
		Run:            func(sc StageContext) (StageResult, error) { return StageResult{}, nil },
		ValidateInputs: func(sc StageContext) []string { return []string{"universe.json missing"} },
	}
	opts := Options{ArtifactValidation: "strict"}

	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"spread"}, []StageDefinition{def}, opts, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitValidationError, code)
}

func TestRun_StageErrorIsExitCode3AndFailFastStops(t *testing.T) {
	store := testStore(t)
	secondCalled := false
	first := StageDefinition{
		Name: "universe",
		Run: func(sc StageContext) (StageResult, error) {
			return StageResult{}, assert.AnError
		},
	}
	second := StageDefinition{
		Name: "spread",
		Run: func(sc StageContext) (StageResult, error) {
			secondCalled = true
			return StageResult{}, nil
		},
	}
	opts := Options{ArtifactValidation: "strict", FailFast: true}

	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"universe", "spread"}, []StageDefinition{first, second}, opts, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitStageError, code)
	assert.False(t, secondCalled, "fail_fast must stop the plan after a stage error")
}

func TestRun_ContinueOnErrorRunsRemainingStages(t *testing.T) {
	store := testStore(t)
	first := StageDefinition{
		Name: "universe",
		Run: func(sc StageContext) (StageResult, error) {
			return StageResult{}, assert.AnError
		},
	}
	second := okDef("spread")
	opts := Options{ArtifactValidation: "strict", FailFast: true, ContinueOnError: true}

	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"universe", "spread"}, []StageDefinition{first, second}, opts, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitStageError, code)

	var state model.PipelineState
	require.NoError(t, store.ReadJSON(StateFile, &state))
	assert.Equal(t, model.StageSuccess, state.StageByName("spread").Status)
}

func TestRun_PartialSuccessMarksTimeoutWhenMinimumDataMet(t *testing.T) {
	store := testStore(t)
	def := StageDefinition{
		Name: "spread",
		Run: func(sc StageContext) (StageResult, error) {
			targetTicks := 10
			ticksSuccess := int(math.Ceil(float64(targetTicks) * 0.6))
			return StageResult{
				Metrics:  map[string]any{"target_ticks": targetTicks, "ticks_success": ticksSuccess},
				TimedOut: true,
			}, nil
		},
		HasMinimumData: func(metrics map[string]any) bool {
			target := metrics["target_ticks"].(int)
			success := metrics["ticks_success"].(int)
			minUptime := 0.5
			return float64(success) >= math.Ceil(float64(target)*minUptime)
		},
	}
	opts := Options{ArtifactValidation: "strict"}

	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"spread"}, []StageDefinition{def}, opts, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)

	var state model.PipelineState
	require.NoError(t, store.ReadJSON(StateFile, &state))
	assert.Equal(t, model.StageTimeout, state.StageByName("spread").Status)
}

func TestRun_TimeoutWithoutMinimumDataIsStageFailure(t *testing.T) {
	store := testStore(t)
	def := StageDefinition{
		Name: "spread",
		Run: func(sc StageContext) (StageResult, error) {
			return StageResult{
				Metrics:  map[string]any{"target_ticks": 10, "ticks_success": 0},
				TimedOut: true,
			}, nil
		},
		HasMinimumData: func(metrics map[string]any) bool {
			return metrics["ticks_success"].(int) >= 3
		},
	}
	opts := Options{ArtifactValidation: "strict"}

	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"spread"}, []StageDefinition{def}, opts, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitStageError, code)

	var state model.PipelineState
	require.NoError(t, store.ReadJSON(StateFile, &state))
	s := state.StageByName("spread")
	assert.Equal(t, model.StageFailed, s.Status)
	require.NotNil(t, s.Error)
	assert.Equal(t, "StageTimeoutError", s.Error.Type)
}

func TestRun_RejectsInvalidArtifactValidationMode(t *testing.T) {
	store := testStore(t)
	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"universe"}, []StageDefinition{okDef("universe")}, Options{ArtifactValidation: "bogus"}, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitConfigError, code)
}

func TestRun_SpecVersionMismatchIsValidationError(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.WriteJSONAtomic(StateFile, model.PipelineState{
		RunID:       "test-run",
		SpecVersion: "999",
		Stages:      []model.StageState{{Name: "universe", Status: model.StagePending}},
	}))

	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"universe"}, []StageDefinition{okDef("universe")}, Options{ArtifactValidation: "strict"}, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitValidationError, code)
}

func TestRun_DryRunExecutesNoStageBodies(t *testing.T) {
	store := testStore(t)
	called := false
	def := StageDefinition{
		Name: "universe",
		Run: func(sc StageContext) (StageResult, error) {
			called = true
			return StageResult{}, nil
		},
	}
	opts := Options{ArtifactValidation: "strict", DryRun: true}

	code, err := Run(context.Background(), store, zerolog.Nop(), "test-run", "v1", []string{"universe"}, []StageDefinition{def}, opts, Deadlines{})
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.False(t, called)
	assert.False(t, store.Exists(StateFile))
}

func TestDeadlines_StageDeadlinePrefersEarlierOfRunAndStageTimeout(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := Deadlines{
		RunDeadline:   start.Add(time.Hour),
		StageTimeouts: map[string]time.Duration{"spread": 10 * time.Minute},
	}
	got := d.stageDeadline("spread", start)
	assert.Equal(t, start.Add(10*time.Minute), got)

	noStageTimeout := Deadlines{RunDeadline: start.Add(time.Minute)}
	got2 := noStageTimeout.stageDeadline("spread", start)
	assert.Equal(t, start.Add(time.Minute), got2)
}
