// Package runmeta owns run_meta.json: run identity, the config snapshot and
// its hash, spec version, and terminal status, grounded on
// original_source/scanner/io/layout.py's write_run_meta.
package runmeta

import (
	"time"

	"github.com/cryptorun-scanner/scanner/internal/config"
	"github.com/cryptorun-scanner/scanner/internal/pipeline"
	"github.com/cryptorun-scanner/scanner/internal/runstore"
)

// RunMeta is the run_meta.json payload.
type RunMeta struct {
	RunID       string `json:"run_id"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at,omitempty"`
	GitCommit   string `json:"git_commit,omitempty"`
	SpecVersion string `json:"spec_version"`
	ConfigHash  string `json:"config_hash"`
	Status      string `json:"status"`
	RunHealth   string `json:"run_health,omitempty"`
	Error       string `json:"error,omitempty"`
}

// New builds the initial run_meta.json payload written before the pipeline
// executes (status "running").
func New(runID string, startedAt time.Time, gitCommit string, cfg *config.AppConfig) (RunMeta, error) {
	hash, err := cfg.Hash()
	if err != nil {
		return RunMeta{}, err
	}
	return RunMeta{
		RunID:       runID,
		StartedAt:   startedAt.UTC().Format(time.RFC3339),
		GitCommit:   gitCommit,
		SpecVersion: pipeline.SpecVersion,
		ConfigHash:  hash,
		Status:      "running",
	}, nil
}

// Write persists meta to run_meta.json.
func Write(store *runstore.Store, meta RunMeta) error {
	return store.WriteJSONAtomic("run_meta.json", meta)
}

// Finalize updates meta's terminal fields and rewrites run_meta.json.
func Finalize(store *runstore.Store, meta RunMeta, status, runHealth, errMsg string) error {
	meta.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	meta.Status = status
	meta.RunHealth = runHealth
	meta.Error = errMsg
	return Write(store, meta)
}
