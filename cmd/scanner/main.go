// Command scanner is the spread/liquidity scanning pipeline's CLI entry
// point: a "run" subcommand that executes the five-stage pipeline, and a
// "cleanup" subcommand that prunes old run directories. Grounded on the
// teacher's cmd/cryptorun/main.go (cobra root + zerolog bootstrap + TTY
// detection) and original_source/scanner/__main__.py (argument surface,
// git-commit retrieval, run-directory setup).
package main

import (
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	appName = "scanner"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Cryptocurrency spread/liquidity scanning pipeline",
		Version: version,
		Long: appName + ` samples exchange order books and 24hr tickers to
identify coins where the quoted spread and order-book depth look wide
enough to be worth market-making research. It runs as a five-stage
pipeline (universe, spread, score, depth, report) writing artifacts to a
run directory.`,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCleanupCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// getGitCommit shells out to `git rev-parse HEAD`, matching
// original_source/scanner/__main__.py's get_git_commit: a best-effort
// identity field, never fatal when git or a repo isn't present.
func getGitCommit() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
