package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cryptorun-scanner/scanner/internal/config"
	"github.com/cryptorun-scanner/scanner/internal/depth"
	"github.com/cryptorun-scanner/scanner/internal/exchange"
	"github.com/cryptorun-scanner/scanner/internal/httpclient"
	progress "github.com/cryptorun-scanner/scanner/internal/log"
	"github.com/cryptorun-scanner/scanner/internal/metrics"
	"github.com/cryptorun-scanner/scanner/internal/model"
	"github.com/cryptorun-scanner/scanner/internal/obslog"
	"github.com/cryptorun-scanner/scanner/internal/pipeline"
	"github.com/cryptorun-scanner/scanner/internal/report"
	"github.com/cryptorun-scanner/scanner/internal/runid"
	"github.com/cryptorun-scanner/scanner/internal/runmeta"
	"github.com/cryptorun-scanner/scanner/internal/runstore"
	"github.com/cryptorun-scanner/scanner/internal/score"
	"github.com/cryptorun-scanner/scanner/internal/spread"
	"github.com/cryptorun-scanner/scanner/internal/universe"
)

// runFlags is the "run" subcommand's flag surface, matching the external
// interfaces section's CLI surface.
type runFlags struct {
	configPath         string
	outputDir          string
	runID              string
	dryRun             bool
	from               string
	to                 string
	stages             string
	resume             bool
	force              bool
	failFast           bool
	continueOnError    bool
	artifactValidation string
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scanning pipeline",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runPipeline(f, cmd))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "", "path to the YAML config file")
	flags.StringVar(&f.outputDir, "output", "", "output directory for run artifacts")
	flags.StringVar(&f.runID, "run-id", "", "explicit run id (default: generated)")
	flags.BoolVar(&f.dryRun, "dry-run", false, "check stage preconditions without executing")
	flags.StringVar(&f.from, "from", "", "first stage to run (inclusive)")
	flags.StringVar(&f.to, "to", "", "last stage to run (inclusive)")
	flags.StringVar(&f.stages, "stages", "", "comma-separated explicit stage list, overrides --from/--to")
	flags.BoolVar(&f.resume, "resume", true, "skip stages whose outputs already validate; --resume=false is --no-resume")
	flags.BoolVar(&f.force, "force", false, "re-run stages even when resumable")
	flags.BoolVar(&f.failFast, "fail-fast", true, "stop at the first stage failure; --fail-fast=false is --no-fail-fast")
	flags.BoolVar(&f.continueOnError, "continue-on-error", false, "record stage failures and continue to the next stage")
	flags.StringVar(&f.artifactValidation, "artifact-validation", "", "strict|lenient (default: config value)")

	return cmd
}

func runPipeline(f runFlags, cmd *cobra.Command) int {
	stderr := cmd.ErrOrStderr()

	if f.configPath == "" || f.outputDir == "" {
		fmt.Fprintln(stderr, "run: --config and --output are required")
		return pipeline.ExitConfigError
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "run: %s\n", err)
		return pipeline.ExitConfigError
	}

	flags := cmd.Flags()
	if flags.Changed("resume") {
		cfg.Pipeline.Resume = f.resume
	}
	if flags.Changed("fail-fast") {
		cfg.Pipeline.FailFast = f.failFast
	}
	if f.force {
		cfg.Pipeline.Resume = cfg.Pipeline.Resume && !f.force
	}
	if f.continueOnError {
		cfg.Pipeline.ContinueOnError = true
	}
	if f.artifactValidation != "" {
		cfg.Pipeline.ArtifactValidation = f.artifactValidation
	}
	if cfg.Pipeline.ArtifactValidation != "strict" && cfg.Pipeline.ArtifactValidation != "lenient" {
		fmt.Fprintln(stderr, "run: --artifact-validation must be strict or lenient")
		return pipeline.ExitConfigError
	}

	var stageList []string
	if f.stages != "" {
		for _, s := range strings.Split(f.stages, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				stageList = append(stageList, s)
			}
		}
	}
	plan, err := pipeline.BuildStagePlan(stageList, f.from, f.to)
	if err != nil {
		fmt.Fprintf(stderr, "run: %s\n", err)
		return pipeline.ExitConfigError
	}

	if stagesInclude(plan, "score") && !cfg.Sampling.Raw.Enabled {
		fmt.Fprintln(stderr, "run: the score stage requires sampling.raw.enabled=true (raw bookTicker samples feed spread stats)")
		return pipeline.ExitConfigError
	}

	runID := f.runID
	now := time.Now()
	if runID == "" {
		runID = runid.New(now)
	} else if !runid.Valid(runID) {
		fmt.Fprintf(stderr, "run: invalid --run-id: %s\n", runID)
		return pipeline.ExitConfigError
	}

	store, err := runstore.New(f.outputDir, runID)
	if err != nil {
		fmt.Fprintf(stderr, "run: creating run directory: %s\n", err)
		return 1
	}

	gitCommit := getGitCommit()
	meta, err := runmeta.New(runID, now, gitCommit, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "run: building run metadata: %s\n", err)
		return pipeline.ExitConfigError
	}
	if err := runmeta.Write(store, meta); err != nil {
		fmt.Fprintf(stderr, "run: writing run_meta.json: %s\n", err)
		return 1
	}

	console := term.IsTerminal(int(os.Stderr.Fd()))
	logger := obslog.New(obslog.Settings{RunID: runID, Level: zerolog.InfoLevel, Console: console, Store: store})

	logSpreadTimeoutWarning(cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsReg := metrics.New()
	httpCfg := httpclient.Config{
		BaseURL:        cfg.Exchange.BaseURL,
		RPS:            cfg.Exchange.MaxRPS,
		MaxRetries:     cfg.Exchange.MaxRetries,
		BackoffBaseS:   cfg.Exchange.BackoffBaseS,
		BackoffMaxS:    cfg.Exchange.BackoffMaxS,
		RequestTimeout: time.Duration(cfg.Exchange.TimeoutS * float64(time.Second)),
	}
	httpClient, err := httpclient.New(httpCfg, metricsReg)
	if err != nil {
		fmt.Fprintf(stderr, "run: building HTTP client: %s\n", err)
		return pipeline.ExitConfigError
	}
	exClient := exchange.New(httpClient)

	run := &pipelineRun{
		cfg:     cfg,
		store:   store,
		client:  exClient,
		metrics: metricsReg,
	}

	defs := run.stageDefinitions()
	if console && !f.dryRun {
		defs = withStepLogger(defs, plan)
	}
	deadlines := buildDeadlines(cfg, now)
	opts := pipeline.Options{
		Resume:             cfg.Pipeline.Resume,
		Force:              f.force,
		FailFast:           cfg.Pipeline.FailFast,
		ContinueOnError:    cfg.Pipeline.ContinueOnError,
		DryRun:             f.dryRun,
		ArtifactValidation: cfg.Pipeline.ArtifactValidation,
	}

	exitCode, runErr := pipeline.Run(ctx, store, logger, runID, version, plan, defs, opts, deadlines)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("pipeline run returned an error")
	}

	if !f.dryRun {
		snap := metricsReg.Snapshot()
		if werr := store.WriteJSONAtomic("metrics.json", snap); werr != nil {
			logger.Error().Err(werr).Msg("failed to write metrics.json")
		}
		status := "success"
		errMsg := ""
		if exitCode != pipeline.ExitOK {
			status = "failed"
			if runErr != nil {
				errMsg = runErr.Error()
			}
		}
		runHealth := metrics.SummarizeHealth(snap)
		if ferr := runmeta.Finalize(store, meta, status, runHealth, errMsg); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to finalize run_meta.json")
		}
	}

	return exitCode
}

// logSpreadTimeoutWarning logs a warning when the spread sampling duration
// is within the stage-timeout buffer and spread_timeout_behavior is "warn"
// rather than "error" — config.Load only enforces the hard-failure case,
// leaving the soft warning to the caller's logger.
func logSpreadTimeoutWarning(cfg *config.AppConfig, log zerolog.Logger) {
	if cfg.Pipeline.SpreadTimeoutBehavior != "warn" {
		return
	}
	stageTimeout := cfg.Pipeline.StageTimeoutsS["spread"]
	if stageTimeout <= 0 {
		return
	}
	safetyMargin := cfg.Pipeline.SafetyMarginS
	if safetyMargin < 0 {
		safetyMargin = 0
	}
	if cfg.Sampling.Spread.DurationS >= stageTimeout-safetyMargin {
		log.Warn().
			Int("duration_s", cfg.Sampling.Spread.DurationS).
			Int("stage_timeout_s", stageTimeout).
			Int("safety_margin_s", safetyMargin).
			Msg("spread sampling duration is close to its stage timeout")
	}
}

func buildDeadlines(cfg *config.AppConfig, started time.Time) pipeline.Deadlines {
	var runDeadline time.Time
	if cfg.Pipeline.TotalTimeoutS > 0 {
		runDeadline = started.Add(time.Duration(cfg.Pipeline.TotalTimeoutS) * time.Second)
	}
	stageTimeouts := make(map[string]time.Duration, len(cfg.Pipeline.StageTimeoutsS))
	for stage, secs := range cfg.Pipeline.StageTimeoutsS {
		stageTimeouts[stage] = time.Duration(secs) * time.Second
	}
	return pipeline.Deadlines{
		RunDeadline:   runDeadline,
		StageTimeouts: stageTimeouts,
		GraceS:        time.Duration(cfg.Pipeline.TimeoutGraceS) * time.Second,
	}
}

// withStepLogger wraps each stage's Run closure with console progress
// reporting, grounded on the teacher's StepLogger (spinner + per-step
// timing), driven off the already-resolved stage plan rather than the
// package's full stage order.
func withStepLogger(defs []pipeline.StageDefinition, plan []string) []pipeline.StageDefinition {
	sl := progress.NewStepLogger("scanner run", plan)
	out := make([]pipeline.StageDefinition, len(defs))
	for i, def := range defs {
		def := def
		run := def.Run
		def.Run = func(sc pipeline.StageContext) (pipeline.StageResult, error) {
			sl.StartStep(def.Name)
			result, err := run(sc)
			if err != nil {
				sl.Fail(err.Error())
				return result, err
			}
			sl.CompleteStep()
			return result, nil
		}
		out[i] = def
	}
	return out
}

func stagesInclude(plan []string, name string) bool {
	for _, s := range plan {
		if s == name {
			return true
		}
	}
	return false
}

func ceilRatio(target int, ratio float64) int {
	if target <= 0 {
		return 0
	}
	return int(math.Ceil(float64(target) * ratio))
}

// rawBookTickerName mirrors original_source's suffix choice: gzip when
// enabled, plain jsonl otherwise.
func rawBookTickerName(cfg *config.AppConfig) string {
	if cfg.Sampling.Raw.Gzip {
		return "raw_bookticker.jsonl.gz"
	}
	return "raw_bookticker.jsonl"
}

func existsCheck(store *runstore.Store, names ...string) []string {
	var errs []string
	for _, n := range names {
		if !store.Exists(n) {
			errs = append(errs, fmt.Sprintf("missing or empty artifact: %s", n))
		}
	}
	return errs
}

// pipelineRun holds the state shared across stage closures for one
// invocation of `scanner run`: the config, the artifact store, the
// exchange client, the metrics registry, and the in-memory hand-off of
// each stage's output to the next so a freshly-run stage doesn't have to
// round-trip through disk, while still falling back to disk when a prior
// stage was skipped via --resume.
type pipelineRun struct {
	cfg     *config.AppConfig
	store   *runstore.Store
	client  *exchange.Client
	metrics *metrics.Registry

	universeSymbols []model.Symbol
	scoreResults    []model.ScoreResult
	depthMetrics    map[model.Symbol]model.DepthSymbolMetrics
}

func (r *pipelineRun) loadUniverseSymbols() ([]model.Symbol, error) {
	if len(r.universeSymbols) > 0 {
		return r.universeSymbols, nil
	}
	var result model.UniverseResult
	if err := r.store.ReadJSON("universe.json", &result); err != nil {
		return nil, fmt.Errorf("loading universe.json: %w", err)
	}
	r.universeSymbols = result.Symbols
	return r.universeSymbols, nil
}

func (r *pipelineRun) loadScoreResults() ([]model.ScoreResult, error) {
	if len(r.scoreResults) > 0 {
		return r.scoreResults, nil
	}
	var results []model.ScoreResult
	if err := r.store.ReadJSON("summary.json", &results); err != nil {
		return nil, fmt.Errorf("loading summary.json: %w", err)
	}
	r.scoreResults = results
	return r.scoreResults, nil
}

func (r *pipelineRun) loadDepthMetrics() (map[model.Symbol]model.DepthSymbolMetrics, bool) {
	if len(r.depthMetrics) > 0 {
		return r.depthMetrics, true
	}
	if !r.store.Exists("depth_metrics.csv") {
		return nil, false
	}
	m, err := depth.ReadMetricsCSV(r.store.Path("depth_metrics.csv"))
	if err != nil {
		return nil, true
	}
	r.depthMetrics = m
	return m, true
}

func (r *pipelineRun) stageDefinitions() []pipeline.StageDefinition {
	cfg := r.cfg
	rawName := rawBookTickerName(cfg)

	return []pipeline.StageDefinition{
		{
			Name:    "universe",
			Inputs:  nil,
			Outputs: []string{"universe.json", "universe_rejects.csv"},
			Run:     r.runUniverse,
			ValidateInputs: func(sc pipeline.StageContext) []string {
				return nil
			},
			ValidateOutputs: func(sc pipeline.StageContext) []string {
				errs := existsCheck(sc.Store, "universe.json", "universe_rejects.csv")
				if len(errs) > 0 || cfg.Pipeline.ArtifactValidation != "strict" {
					return errs
				}
				var result model.UniverseResult
				if err := sc.Store.ReadJSON("universe.json", &result); err != nil {
					return []string{fmt.Sprintf("universe.json unreadable: %s", err)}
				}
				if len(result.Symbols)+len(result.Rejects) != result.Stats.Total {
					return []string{"universe.json: symbols+rejects does not equal stats.total"}
				}
				return nil
			},
		},
		{
			Name:    "spread",
			Inputs:  []string{"universe.json"},
			Outputs: []string{rawName},
			Run:     r.runSpread,
			ValidateInputs: func(sc pipeline.StageContext) []string {
				return existsCheck(sc.Store, "universe.json")
			},
			ValidateOutputs: func(sc pipeline.StageContext) []string {
				return existsCheck(sc.Store, rawName)
			},
			HasMinimumData: func(m map[string]any) bool {
				targetTicks, _ := m["target_ticks"].(int)
				ticksSuccess, _ := m["ticks_success"].(int)
				return ticksSuccess >= ceilRatio(targetTicks, cfg.Sampling.Spread.MinUptime)
			},
		},
		{
			Name:    "score",
			Inputs:  []string{"universe.json", rawName},
			Outputs: []string{"summary.json", "summary.csv"},
			Run:     r.runScore,
			ValidateInputs: func(sc pipeline.StageContext) []string {
				return existsCheck(sc.Store, "universe.json", rawName)
			},
			ValidateOutputs: func(sc pipeline.StageContext) []string {
				return existsCheck(sc.Store, "summary.json", "summary.csv")
			},
		},
		{
			Name:    "depth",
			Inputs:  []string{"summary.json"},
			Outputs: []string{"depth_metrics.csv", "summary_enriched.csv"},
			Run:     r.runDepth,
			ValidateInputs: func(sc pipeline.StageContext) []string {
				return existsCheck(sc.Store, "summary.json")
			},
			ValidateOutputs: func(sc pipeline.StageContext) []string {
				return existsCheck(sc.Store, "depth_metrics.csv", "summary_enriched.csv")
			},
			HasMinimumData: func(m map[string]any) bool {
				ticksSuccess, _ := m["ticks_success"].(int)
				return ticksSuccess >= 1
			},
		},
		{
			Name:    "report",
			Inputs:  []string{"summary.csv", "run_meta.json"},
			Outputs: []string{"report.md", "shortlist.csv"},
			Run:     r.runReport,
			ValidateInputs: func(sc pipeline.StageContext) []string {
				return existsCheck(sc.Store, "summary.csv", "run_meta.json")
			},
			ValidateOutputs: func(sc pipeline.StageContext) []string {
				return existsCheck(sc.Store, "report.md", "shortlist.csv")
			},
		},
	}
}

func (r *pipelineRun) runUniverse(sc pipeline.StageContext) (pipeline.StageResult, error) {
	result, err := universe.Build(sc.Ctx, sc.Log, r.client, r.cfg.Universe)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	r.universeSymbols = result.Symbols
	if err := universe.WriteJSON(sc.Store, "universe.json", result); err != nil {
		return pipeline.StageResult{}, err
	}
	if err := universe.WriteRejectsCSV(sc.Store, "universe_rejects.csv", result); err != nil {
		return pipeline.StageResult{}, err
	}
	return pipeline.StageResult{Metrics: map[string]any{
		"symbols_total":    result.Stats.Total,
		"symbols_kept":     result.Stats.Kept,
		"symbols_rejected": result.Stats.Rejected,
	}}, nil
}

func (r *pipelineRun) runSpread(sc pipeline.StageContext) (pipeline.StageResult, error) {
	symbols, err := r.loadUniverseSymbols()
	if err != nil {
		return pipeline.StageResult{}, err
	}
	cfgS := spread.Config{
		DurationS:      r.cfg.Sampling.Spread.DurationS,
		IntervalS:      r.cfg.Sampling.Spread.IntervalS,
		MinUptime:      r.cfg.Sampling.Spread.MinUptime,
		AllowPerSymbol: r.cfg.Sampling.Spread.AllowPerSymbol,
		PerSymbolLimit: r.cfg.Sampling.Spread.PerSymbolLimit,
		RawEnabled:     r.cfg.Sampling.Raw.Enabled,
		RawGzip:        r.cfg.Sampling.Raw.Gzip,
	}
	result, err := spread.Run(sc.Ctx, sc.Log, r.client, symbols, cfgS, sc.Store.Dir)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	return pipeline.StageResult{
		TimedOut: result.TimedOut,
		Metrics: map[string]any{
			"target_ticks":   result.TargetTicks,
			"ticks_success":  result.TicksSuccess,
			"ticks_fail":     result.TicksFail,
			"invalid_quotes": result.InvalidQuotes,
			"missing_quotes": result.MissingQuotes,
			"uptime":         result.Uptime,
			"low_quality":    result.LowQuality,
			"elapsed_s":      result.ElapsedS,
		},
	}, nil
}

func (r *pipelineRun) runScore(sc pipeline.StageContext) (pipeline.StageResult, error) {
	symbols, err := r.loadUniverseSymbols()
	if err != nil {
		return pipeline.StageResult{}, err
	}
	rawName := rawBookTickerName(r.cfg)
	samplesBySymbol, err := spread.ReadRawSamples(sc.Store.Path(rawName))
	if err != nil {
		return pipeline.StageResult{}, err
	}

	tickers, err := r.client.Ticker24hr(sc.Ctx)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	books, err := r.client.BookTicker(sc.Ctx)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	ticker24h := spread.BuildTicker24hStats(tickers, books, symbols, spread.Ticker24hConfig{
		UseQuoteVolumeEstimate: r.cfg.Universe.UseQuoteVolumeEstimate,
		RequireTradeCount:      r.cfg.Universe.RequireTradeCount,
	})

	results := make([]model.ScoreResult, 0, len(symbols))
	passSpread, failSpread := 0, 0
	for _, symbol := range symbols {
		stats := spread.ComputeStats(symbol, samplesBySymbol[symbol])
		t := ticker24h[symbol]
		spread.Enrich24h(&stats, t.QuoteVolumeRaw, t.QuoteVolumeEst, t.Effective, t.VolumeRaw, t.MidPrice, t.Trades, t.Missing, t.MissingReason)
		res := score.Symbol(stats, r.cfg)
		if res.PassSpread {
			passSpread++
		} else {
			failSpread++
		}
		results = append(results, res)
	}
	ranked := score.Rank(results)
	r.scoreResults = ranked

	if err := report.WriteSummaryJSON(sc.Store, "summary.json", ranked); err != nil {
		return pipeline.StageResult{}, err
	}
	if err := report.WriteSummaryCSV(sc.Store, "summary.csv", ranked); err != nil {
		return pipeline.StageResult{}, err
	}

	return pipeline.StageResult{Metrics: map[string]any{
		"symbols_scored":      len(ranked),
		"symbols_pass_spread": passSpread,
		"symbols_fail_spread": failSpread,
	}}, nil
}

func (r *pipelineRun) runDepth(sc pipeline.StageContext) (pipeline.StageResult, error) {
	results, err := r.loadScoreResults()
	if err != nil {
		return pipeline.StageResult{}, err
	}
	candidates := score.Candidates(results, r.cfg.Depth.CandidatesLimit)
	candidateSymbols := make([]model.Symbol, len(candidates))
	for i, c := range candidates {
		candidateSymbols[i] = c.Symbol
	}

	th := depth.Thresholds{
		BestLevelMinNotional: r.cfg.Thresholds.Depth.BestLevelMinNotional,
		UnwindSlippageMaxBps: r.cfg.Thresholds.Depth.UnwindSlippageMaxBps,
		Band10MinNotional:    r.cfg.Thresholds.Depth.Band10bpsMinNotional,
		TopNMinNotional:      r.cfg.Thresholds.Depth.TopNMinNotional,
		EnableBandChecks:     r.cfg.Depth.EnableBandChecks,
		EnableTopNChecks:     r.cfg.Depth.EnableTopNChecks,
	}
	samplingCfg := depth.SamplingConfig{
		DurationS:      r.cfg.Sampling.Depth.DurationS,
		IntervalS:      r.cfg.Sampling.Depth.IntervalS,
		Limit:          r.cfg.Sampling.Depth.Limit,
		TopNLevels:     r.cfg.Depth.TopNLevels,
		BandBps:        r.cfg.Depth.BandBps,
		StressNotional: r.cfg.Depth.StressNotionalQuote,
		RPS:            r.cfg.Exchange.MaxRPS,
	}

	result, err := depth.Run(sc.Ctx, sc.Log, r.client, candidateSymbols, samplingCfg, th)
	if err != nil {
		return pipeline.StageResult{}, err
	}

	depthMap := make(map[model.Symbol]model.DepthSymbolMetrics, len(result.Symbols))
	passTotal := 0
	for _, m := range result.Symbols {
		depthMap[m.Symbol] = m
		if m.PassDepth {
			passTotal++
		}
	}
	r.depthMetrics = depthMap

	if err := depth.WriteMetricsCSV(sc.Store, "depth_metrics.csv", result.Symbols); err != nil {
		return pipeline.StageResult{}, err
	}

	rows := report.Combine(r.scoreResults, depthMap, r.cfg.Thresholds.EdgeMinBps, true)
	if err := report.WriteEnrichedCSV(sc.Store, "summary_enriched.csv", rows); err != nil {
		return pipeline.StageResult{}, err
	}

	return pipeline.StageResult{
		TimedOut: result.TimedOut,
		Metrics: map[string]any{
			"target_ticks":             result.TargetTicks,
			"ticks_success":            result.TicksSuccess,
			"ticks_fail":               result.TicksFail,
			"elapsed_s":                result.ElapsedS,
			"depth_symbols_pass_total": passTotal,
		},
	}, nil
}

func (r *pipelineRun) runReport(sc pipeline.StageContext) (pipeline.StageResult, error) {
	results, err := r.loadScoreResults()
	if err != nil {
		return pipeline.StageResult{}, err
	}
	depthMap, depthStageRan := r.loadDepthMetrics()

	rows := report.Combine(results, depthMap, r.cfg.Thresholds.EdgeMinBps, depthStageRan)
	ranked := report.Rank(rows)
	shortlist := report.Shortlist(ranked, r.cfg.Report.TopN)

	if err := report.WriteShortlistCSV(sc.Store, "shortlist.csv", shortlist); err != nil {
		return pipeline.StageResult{}, err
	}

	var meta runmeta.RunMeta
	startedAt := time.Now()
	if err := sc.Store.ReadJSON("run_meta.json", &meta); err == nil {
		if t, perr := time.Parse(time.RFC3339, meta.StartedAt); perr == nil {
			startedAt = t
		}
	}

	runMeta := report.RunMeta{
		RunID:     meta.RunID,
		StartedAt: startedAt,
		GitCommit: meta.GitCommit,
		RunHealth: model.RunHealth(metrics.SummarizeHealth(r.metrics.Snapshot())),
	}

	md := report.RenderMarkdown(runMeta, r.cfg, results, depthMap, r.metrics.Snapshot(), depthStageRan, ranked)
	if err := sc.Store.WriteFileAtomic("report.md", []byte(md)); err != nil {
		return pipeline.StageResult{}, err
	}

	return pipeline.StageResult{Metrics: map[string]any{
		"candidates_total": len(ranked),
		"shortlist_total":  len(shortlist),
	}}, nil
}
