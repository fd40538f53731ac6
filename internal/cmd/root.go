// Package cmd wires the engine's internal packages into a cobra command
// tree: run, plan, cache prune, and serve. It owns process-level concerns
// (flags, exit codes, signal handling) and nothing else; all scheduling,
// caching, and DAG logic lives in the internal/* packages it calls.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ratchet-ci/ratchet/internal/selector"
	"github.com/ratchet-ci/ratchet/internal/signalctx"
)

// Version is set at build time via -ldflags; "dev" otherwise.
var Version = "dev"

// Exit codes, spec.md §6.
const (
	ExitSuccess           = 0
	ExitJobFailed         = 1
	ExitWorkflowLoadError = 2
	ExitDAGError          = 3
	ExitRepoFactsError    = 4
)

// Flags shared across run/plan: the invocation configuration, spec.md §6.
var (
	flagRepoRoot   string
	flagWorkflow   string
	flagCacheRoot  string
	flagWorkers    int
	flagFailFast   bool
	flagMode       string
	flagCompareRef string
)

var rootCmd = &cobra.Command{
	Use:     "ratchet",
	Short:   "A local continuous-integration runner: DAG scheduling, content-addressed caching, change-aware job selection",
	Version: Version,
}

// exitCode is set by whichever subcommand ran, since cobra's RunE only
// returns an error, not a code. Defaults to ExitSuccess.
var exitCode int

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	ctx := signalctx.WithCancelOnSignal(context.Background())
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	exitCode = ExitSuccess
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ratchet: %v\n", err)
		if exitCode == ExitSuccess {
			exitCode = ExitJobFailed
		}
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepoRoot, "repo", ".", "repository root")
	rootCmd.PersistentFlags().StringVar(&flagWorkflow, "workflow", "ratchet.yaml", "workflow definition path, relative to --repo")
	rootCmd.PersistentFlags().StringVar(&flagCacheRoot, "cache-root", "", "cache store root (defaults to <repo>/.ratchet-cache)")
	rootCmd.PersistentFlags().IntVar(&flagWorkers, "workers", 0, "worker pool size (defaults to CPU count - 1)")
	rootCmd.PersistentFlags().BoolVar(&flagFailFast, "fail-fast", false, "stop starting new jobs after the first job failure; running jobs finish")
	rootCmd.PersistentFlags().StringVar(&flagMode, "mode", string(selector.ModeAll), "job selection mode: all or diff")
	rootCmd.PersistentFlags().StringVar(&flagCompareRef, "compare-ref", "", "git ref to diff against in diff mode")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(serveCmd)
}
