// Package pipeline is the stage orchestrator (spec §4.3): stage plan
// construction, deadline propagation, resume/skip decisions, partial-success
// timeout classification, failure policy, and durable pipeline_state.json
// writes. Grounded on original_source/scanner/pipeline/runner.py's
// run_pipeline, translated into a typed Go state machine over
// model.PipelineState.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptorun-scanner/scanner/internal/model"
	"github.com/cryptorun-scanner/scanner/internal/runstore"
)

// Exit codes, verbatim per spec §4.3/§7.
const (
	ExitOK              = 0
	ExitConfigError     = 2
	ExitStageError      = 3
	ExitValidationError = 4
)

// SpecVersion is the binary's current pipeline_state.json compatibility
// constant (spec §3 invariant ii).
const SpecVersion = "1"

// StateFile is the name pipeline_state.json is stored under in the run
// directory.
const StateFile = "pipeline_state.json"

// StageOrder is the canonical, fixed stage sequence (spec §2).
var StageOrder = []string{"universe", "spread", "score", "depth", "report"}

// ArtifactValidationError is recorded when a stage's declared inputs or
// outputs fail validation (spec §4.3 step 1).
type ArtifactValidationError struct{ Message string }

func (e *ArtifactValidationError) Error() string { return e.Message }

// StageTimeoutError is recorded when a stage's deadline is exceeded and the
// partial-success conditions do not hold (spec §4.3's timeout
// classification).
type StageTimeoutError struct{ Message string }

func (e *StageTimeoutError) Error() string { return e.Message }

// SpecVersionMismatchError is returned when an existing pipeline_state.json
// was written by an incompatible spec version (spec §3 invariant ii).
type SpecVersionMismatchError struct{ Message string }

func (e *SpecVersionMismatchError) Error() string { return e.Message }

// StageContext is what a stage body receives to do its work: a deadline
// (already including grace, per spec §4.3), the run's artifact store, and a
// scoped logger.
type StageContext struct {
	Ctx      context.Context
	Store    *runstore.Store
	Log      zerolog.Logger
	Deadline time.Time
}

// StageResult is what a stage body returns: arbitrary metrics recorded
// against its pipeline_state.json entry, and optionally its own
// "timed_out" signal for stages that self-detect a partial deadline miss
// (the spread/depth tick loops).
type StageResult struct {
	Metrics  map[string]any
	TimedOut bool
}

// StageDefinition is one named step of the stage plan.
type StageDefinition struct {
	Name            string
	Inputs          []string
	Outputs         []string
	Run             func(sc StageContext) (StageResult, error)
	ValidateInputs  func(sc StageContext) []string
	ValidateOutputs func(sc StageContext) []string
	// HasMinimumData implements the stage-specific partial-success
	// predicate (spec §4.3): spread requires ticks_success >=
	// ceil(target_ticks*min_uptime); depth requires ticks_success >= 1;
	// all other stages never partial-succeed (leave nil, or return false).
	HasMinimumData func(metrics map[string]any) bool
}

// BuildStagePlan resolves the stage plan from an explicit list OR a
// (from, to) inclusive window, defaulting to the full canonical order
// (spec §4.3's "Stage plan construction").
func BuildStagePlan(selected []string, from, to string) ([]string, error) {
	if len(selected) > 0 {
		if err := validateStageNames(selected); err != nil {
			return nil, err
		}
		if err := ensureMonotonic(selected); err != nil {
			return nil, err
		}
		out := make([]string, len(selected))
		copy(out, selected)
		return out, nil
	}

	if from != "" || to != "" {
		startIdx := 0
		endIdx := len(StageOrder) - 1
		if from != "" {
			idx, ok := stageIndex(from)
			if !ok {
				return nil, fmt.Errorf("pipeline: unknown --from stage: %s", from)
			}
			startIdx = idx
		}
		if to != "" {
			idx, ok := stageIndex(to)
			if !ok {
				return nil, fmt.Errorf("pipeline: unknown --to stage: %s", to)
			}
			endIdx = idx
		}
		if startIdx > endIdx {
			return nil, fmt.Errorf("pipeline: --from stage must be before --to stage")
		}
		return append([]string(nil), StageOrder[startIdx:endIdx+1]...), nil
	}

	return append([]string(nil), StageOrder...), nil
}

func stageIndex(name string) (int, bool) {
	for i, s := range StageOrder {
		if s == name {
			return i, true
		}
	}
	return 0, false
}

func validateStageNames(names []string) error {
	for _, n := range names {
		if _, ok := stageIndex(n); !ok {
			return fmt.Errorf("pipeline: unknown stage: %s", n)
		}
	}
	return nil
}

// ensureMonotonic requires the provided list to be a contiguous,
// non-backward subsequence of the canonical order (spec: "tolerates gaps?
// no, requires monotonic indices, no backward jumps").
func ensureMonotonic(names []string) error {
	lastIdx := -1
	for _, n := range names {
		idx, _ := stageIndex(n)
		if idx <= lastIdx {
			return fmt.Errorf("pipeline: stage plan %v is not monotonic in canonical order", names)
		}
		lastIdx = idx
	}
	return nil
}

// Options mirrors the Python reference's PipelineOptions (spec §4.3).
type Options struct {
	Resume             bool
	Force              bool
	FailFast           bool
	ContinueOnError    bool
	DryRun             bool
	ArtifactValidation string // "strict" | "lenient"
}

// Deadlines bundles the per-stage and per-run timeout configuration.
type Deadlines struct {
	RunDeadline   time.Time
	StageTimeouts map[string]time.Duration
	GraceS        time.Duration
}

func (d Deadlines) stageDeadline(name string, stageStart time.Time) time.Time {
	candidate := d.RunDeadline
	if timeout, ok := d.StageTimeouts[name]; ok && timeout > 0 {
		stageDeadline := stageStart.Add(timeout)
		if candidate.IsZero() || stageDeadline.Before(candidate) {
			candidate = stageDeadline
		}
	}
	return candidate
}

// Run executes the stage plan against defs, applying resume/skip,
// durability, timeout classification and failure policy, and returns the
// process exit code (spec §4.3/§7).
func Run(ctx context.Context, store *runstore.Store, log zerolog.Logger, runID, scannerVersion string, plan []string, defs []StageDefinition, opts Options, deadlines Deadlines) (int, error) {
	if opts.ArtifactValidation != "strict" && opts.ArtifactValidation != "lenient" {
		log.Error().Str("event", "config_invalid").Msg("invalid artifact_validation mode")
		return ExitConfigError, nil
	}

	defMap := make(map[string]StageDefinition, len(defs))
	for _, d := range defs {
		defMap[d.Name] = d
	}
	for _, name := range plan {
		if _, ok := defMap[name]; !ok {
			log.Error().Str("event", "config_invalid").Str("stage", name).Msg("missing stage definition")
			return ExitConfigError, nil
		}
	}

	state, err := loadOrCreateState(store, runID, scannerVersion, defs)
	if err != nil {
		var mismatch *SpecVersionMismatchError
		if errors.As(err, &mismatch) {
			log.Error().Str("event", "state_incompatible").Err(err).Msg("pipeline state incompatible")
			return ExitValidationError, nil
		}
		return ExitConfigError, err
	}

	log.Info().Str("event", "pipeline_plan").Strs("stages", plan).Bool("resume", opts.Resume).Bool("force", opts.Force).Bool("dry_run", opts.DryRun).Msg("pipeline plan built")

	if opts.DryRun {
		for _, name := range plan {
			def := defMap[name]
			sc := StageContext{Ctx: ctx, Store: store, Log: log}
			errs := append(runValidators(def.ValidateInputs, sc), runValidators(def.ValidateOutputs, sc)...)
			log.Info().Str("event", "stage_check").Str("stage", name).Bool("ok", len(errs) == 0).Strs("errors", errs).Msg("stage preconditions checked")
		}
		return ExitOK, nil
	}

	failed := false
	exitCode := ExitOK

	for _, name := range plan {
		def := defMap[name]
		sc := StageContext{Ctx: ctx, Store: store, Log: log}

		inputErrors := runValidators(def.ValidateInputs, sc)
		if len(inputErrors) > 0 {
			now := time.Now().UTC()
			setStage(state, name, model.StageFailed, &now, &now, nil, &model.StageError{Type: "ArtifactValidationError", Message: joinErrors(inputErrors)})
			if werr := writeState(store, state); werr != nil {
				return ExitValidationError, werr
			}
			log.Error().Str("event", "stage_fail").Str("stage", name).Strs("errors", inputErrors).Msg("stage preconditions failed")
			return ExitValidationError, nil
		}

		outputErrors := runValidators(def.ValidateOutputs, sc)
		if opts.Resume && !opts.Force && len(outputErrors) == 0 && previousStatus(state, name) != model.StageTimeout {
			now := time.Now().UTC()
			setStage(state, name, model.StageSkipped, nil, &now, map[string]any{}, nil)
			if werr := writeState(store, state); werr != nil {
				return ExitStageError, werr
			}
			log.Info().Str("event", "stage_skip").Str("stage", name).Msg("stage skipped")
			continue
		}

		started := time.Now().UTC()
		sc.Deadline = deadlines.stageDeadline(name, started).Add(deadlines.GraceS)
		cancelStage := func() {}
		if !deadlines.stageDeadline(name, started).IsZero() {
			sc.Ctx, cancelStage = context.WithDeadline(ctx, sc.Deadline)
		}
		setStage(state, name, model.StageRunning, &started, nil, nil, nil)
		if werr := writeState(store, state); werr != nil {
			return ExitStageError, werr
		}
		log.Info().Str("event", "stage_start").Str("stage", name).Msg("stage started")

		runStart := time.Now()
		result, runErr := def.Run(sc)
		cancelStage()
		sc.Ctx = ctx
		durationMs := float64(time.Since(runStart).Microseconds()) / 1000.0

		rawDeadline := deadlines.stageDeadline(name, started)
		deadlineExceeded := !rawDeadline.IsZero() && time.Now().After(rawDeadline)

		if runErr != nil {
			now := time.Now().UTC()
			metrics := map[string]any{"duration_ms": durationMs}
			setStage(state, name, model.StageFailed, nil, &now, metrics, &model.StageError{Type: errorType(runErr), Message: runErr.Error()})
			if werr := writeState(store, state); werr != nil {
				return ExitStageError, werr
			}
			log.Error().Str("event", "stage_fail").Str("stage", name).Float64("duration_ms", durationMs).Err(runErr).Msg("stage failed")
			failed = true
			exitCode = maxInt(exitCode, ExitStageError)
			if !opts.FailFast || opts.ContinueOnError {
				continue
			}
			return ExitStageError, nil
		}

		if deadlineExceeded || result.TimedOut {
			outputErrors = runValidators(def.ValidateOutputs, sc)
			minData := def.HasMinimumData != nil && def.HasMinimumData(result.Metrics)
			if len(outputErrors) == 0 && minData {
				now := time.Now().UTC()
				metrics := mergeMetrics(result.Metrics, durationMs)
				setStage(state, name, model.StageTimeout, nil, &now, metrics, nil)
				if werr := writeState(store, state); werr != nil {
					return ExitStageError, werr
				}
				log.Warn().Str("event", "stage_timeout_partial").Str("stage", name).Msg("stage timed out with partial success")
				continue
			}
			now := time.Now().UTC()
			metrics := mergeMetrics(result.Metrics, durationMs)
			setStage(state, name, model.StageFailed, nil, &now, metrics, &model.StageError{Type: "StageTimeoutError", Message: fmt.Sprintf("stage %s exceeded its deadline", name)})
			if werr := writeState(store, state); werr != nil {
				return ExitStageError, werr
			}
			log.Error().Str("event", "stage_fail").Str("stage", name).Msg("stage timed out without partial success")
			failed = true
			exitCode = maxInt(exitCode, ExitStageError)
			if !opts.FailFast || opts.ContinueOnError {
				continue
			}
			return ExitStageError, nil
		}

		outputErrors = runValidators(def.ValidateOutputs, sc)
		if len(outputErrors) > 0 {
			now := time.Now().UTC()
			metrics := mergeMetrics(result.Metrics, durationMs)
			setStage(state, name, model.StageFailed, nil, &now, metrics, &model.StageError{Type: "ArtifactValidationError", Message: joinErrors(outputErrors)})
			if werr := writeState(store, state); werr != nil {
				return ExitValidationError, werr
			}
			log.Error().Str("event", "stage_fail").Str("stage", name).Strs("errors", outputErrors).Msg("stage outputs invalid")
			failed = true
			exitCode = maxInt(exitCode, ExitValidationError)
			if !opts.FailFast || opts.ContinueOnError {
				continue
			}
			return ExitValidationError, nil
		}

		now := time.Now().UTC()
		metrics := mergeMetrics(result.Metrics, durationMs)
		setStage(state, name, model.StageSuccess, nil, &now, metrics, nil)
		if werr := writeState(store, state); werr != nil {
			return ExitStageError, werr
		}
		log.Info().Str("event", "stage_success").Str("stage", name).Float64("duration_ms", durationMs).Msg("stage finished")
	}

	if failed && exitCode == ExitOK {
		exitCode = ExitStageError
	}
	log.Info().Str("event", "pipeline_done").Bool("failed", failed).Int("exit_code", exitCode).Msg("pipeline completed")
	return exitCode, nil
}

// loadOrCreateState reads an existing pipeline_state.json, validating its
// spec_version, or seeds a fresh one covering every known stage definition
// (spec §3 invariant ii, §4.3).
func loadOrCreateState(store *runstore.Store, runID, scannerVersion string, defs []StageDefinition) (*model.PipelineState, error) {
	var existing model.PipelineState
	err := store.ReadJSON(StateFile, &existing)
	if err == nil && existing.RunID != "" {
		if existing.SpecVersion != SpecVersion {
			return nil, &SpecVersionMismatchError{Message: fmt.Sprintf("pipeline_state.json spec_version %q does not match %q", existing.SpecVersion, SpecVersion)}
		}
		ensureStagesPresent(&existing, defs)
		return &existing, nil
	}

	state := &model.PipelineState{
		RunID:          runID,
		ScannerVersion: scannerVersion,
		SpecVersion:    SpecVersion,
		UpdatedAt:      time.Now().UTC(),
	}
	ensureStagesPresent(state, defs)
	return state, nil
}

func ensureStagesPresent(state *model.PipelineState, defs []StageDefinition) {
	for _, def := range defs {
		if state.StageByName(def.Name) != nil {
			continue
		}
		state.Stages = append(state.Stages, model.StageState{
			Name:    def.Name,
			Status:  model.StagePending,
			Inputs:  def.Inputs,
			Outputs: def.Outputs,
		})
	}
}

func writeState(store *runstore.Store, state *model.PipelineState) error {
	state.UpdatedAt = time.Now().UTC()
	return store.WriteJSONAtomic(StateFile, state)
}

func setStage(state *model.PipelineState, name string, status model.StageStatus, startedAt, finishedAt *time.Time, metrics map[string]any, stageErr *model.StageError) {
	s := state.StageByName(name)
	if s == nil {
		state.Stages = append(state.Stages, model.StageState{Name: name})
		s = state.StageByName(name)
	}
	s.Status = status
	if startedAt != nil {
		s.StartedAt = startedAt
	}
	if finishedAt != nil {
		s.FinishedAt = finishedAt
	}
	if metrics != nil {
		s.Metrics = metrics
	}
	s.Error = stageErr
}

func mergeMetrics(m map[string]any, durationMs float64) map[string]any {
	out := make(map[string]any, len(m)+1)
	out["duration_ms"] = durationMs
	for k, v := range m {
		out[k] = v
	}
	return out
}

func runValidators(fn func(StageContext) []string, sc StageContext) []string {
	if fn == nil {
		return nil
	}
	return fn(sc)
}

func joinErrors(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func previousStatus(state *model.PipelineState, name string) model.StageStatus {
	if s := state.StageByName(name); s != nil {
		return s.Status
	}
	return model.StagePending
}

func errorType(err error) string {
	var timeoutErr *StageTimeoutError
	if errors.As(err, &timeoutErr) {
		return "StageTimeoutError"
	}
	var validationErr *ArtifactValidationError
	if errors.As(err, &validationErr) {
		return "ArtifactValidationError"
	}
	return fmt.Sprintf("%T", err)
}
