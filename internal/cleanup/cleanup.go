// Package cleanup is the run-directory janitor (spec §6 "cleanup" command),
// carried from original_source/cleanup.py's cleanup_output unchanged: list
// run_* directories, keep the most-recent keep_last unconditionally, remove
// anything older than keep_days from the remainder, dry-run/verbose support.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Candidate is one run_* directory found under the output root.
type Candidate struct {
	Path       string
	ModifiedAt time.Time
}

// Summary is the outcome of a selection pass, before any filesystem
// mutation happens.
type Summary struct {
	Removed []Candidate
	Kept    []Candidate
	Skipped []Candidate
}

// Options mirrors cleanup_output's keyword arguments.
type Options struct {
	KeepDays int
	KeepLast int
	DryRun   bool
	Verbose  bool
}

const secondsInDay = 24 * 60 * 60

// ListRunDirs enumerates immediate child directories of outputDir whose
// name starts with "run_".
func ListRunDirs(outputDir string) ([]Candidate, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("cleanup: reading %s: %w", outputDir, err)
	}
	var out []Candidate
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "run_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("cleanup: stat %s: %w", e.Name(), err)
		}
		out = append(out, Candidate{Path: filepath.Join(outputDir, e.Name()), ModifiedAt: info.ModTime().UTC()})
	}
	return out, nil
}

// SelectRemovals partitions candidates into removed/kept/skipped, ordered
// newest-first: the newest KeepLast entries are always kept; of the rest,
// anything older than KeepDays is slated for removal.
func SelectRemovals(candidates []Candidate, keepDays, keepLast int, now time.Time) Summary {
	ordered := append([]Candidate(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ModifiedAt.After(ordered[j].ModifiedAt) })

	keepSet := make(map[string]struct{})
	if keepLast > 0 {
		n := keepLast
		if n > len(ordered) {
			n = len(ordered)
		}
		for _, c := range ordered[:n] {
			keepSet[c.Path] = struct{}{}
		}
	}

	var summary Summary
	for _, c := range ordered {
		if _, ok := keepSet[c.Path]; ok {
			summary.Kept = append(summary.Kept, c)
			continue
		}
		ageDays := now.Sub(c.ModifiedAt).Seconds() / secondsInDay
		if ageDays > float64(keepDays) {
			summary.Removed = append(summary.Removed, c)
		} else {
			summary.Skipped = append(summary.Skipped, c)
		}
	}
	return summary
}

// Run executes the full cleanup pass, printing the same progress lines as
// the reference, and returns the process exit code (0 ok, 1 on a
// filesystem error).
func Run(outputDir string, opts Options, now time.Time, stdout *strings.Builder) int {
	if opts.KeepDays < 0 || opts.KeepLast < 0 {
		fmt.Fprintln(stdout, "keep-days and keep-last must be non-negative")
		return 1
	}

	if _, err := os.Stat(outputDir); err != nil {
		fmt.Fprintf(stdout, "Output directory does not exist: %s\n", outputDir)
		return 1
	}

	candidates, err := ListRunDirs(outputDir)
	if err != nil {
		fmt.Fprintln(stdout, err.Error())
		return 1
	}
	if len(candidates) == 0 {
		if opts.Verbose {
			fmt.Fprintf(stdout, "No run directories found in %s\n", outputDir)
		}
		return 0
	}

	summary := SelectRemovals(candidates, opts.KeepDays, opts.KeepLast, now)

	for _, c := range summary.Removed {
		if opts.DryRun {
			fmt.Fprintf(stdout, "DRY-RUN remove %s\n", c.Path)
			continue
		}
		if err := os.RemoveAll(c.Path); err != nil {
			fmt.Fprintf(stdout, "Failed to remove %s: %v\n", c.Path, err)
			return 1
		}
		fmt.Fprintf(stdout, "Removed %s\n", c.Path)
	}

	if opts.Verbose {
		for _, c := range summary.Kept {
			fmt.Fprintf(stdout, "Kept (recent) %s\n", c.Path)
		}
		for _, c := range summary.Skipped {
			fmt.Fprintf(stdout, "Kept (within %d days) %s\n", opts.KeepDays, c.Path)
		}
	}

	fmt.Fprintf(stdout, "Cleanup summary: removed=%d, kept=%d, skipped=%d\n", len(summary.Removed), len(summary.Kept), len(summary.Skipped))
	return 0
}
