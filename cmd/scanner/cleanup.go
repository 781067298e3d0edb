package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryptorun-scanner/scanner/internal/cleanup"
)

func newCleanupCmd() *cobra.Command {
	var (
		outputDir string
		keepDays  int
		keepLast  int
		dryRun    bool
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old run directories under --output",
		Run: func(cmd *cobra.Command, args []string) {
			if outputDir == "" {
				fmt.Fprintln(os.Stderr, "cleanup: --output is required")
				os.Exit(2)
			}

			var out strings.Builder
			code := cleanup.Run(outputDir, cleanup.Options{
				KeepDays: keepDays,
				KeepLast: keepLast,
				DryRun:   dryRun,
				Verbose:  verbose,
			}, time.Now(), &out)
			fmt.Print(out.String())
			os.Exit(code)
		},
	}

	cmd.Flags().StringVar(&outputDir, "output", "", "directory containing run_<id> subdirectories")
	cmd.Flags().IntVar(&keepDays, "keep-days", 30, "remove runs older than this many days")
	cmd.Flags().IntVar(&keepLast, "keep-last", 10, "always keep at least this many of the most recent runs")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without deleting")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "list every candidate's disposition")

	return cmd
}
