package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ratchet-ci/ratchet/internal/cachestore"
	"github.com/ratchet-ci/ratchet/internal/runplan"
	"github.com/ratchet-ci/ratchet/internal/scheduler"
	"github.com/ratchet-ci/ratchet/internal/stepexec"
	"github.com/ratchet-ci/ratchet/internal/toolversion"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workflow's jobs, honoring the DAG, cache, and job selection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prep, code, err := prepare(cmd.Context())
		if err != nil {
			exitCode = code
			return err
		}

		cache, err := cachestore.New(prep.Config.CacheRoot)
		if err != nil {
			exitCode = ExitJobFailed
			return fmt.Errorf("opening cache store: %w", err)
		}

		sched := &scheduler.Scheduler{
			Graph:         prep.Graph,
			Decisions:     prep.Decisions,
			Cache:         cache,
			Executors:     stepexec.NewRegistry(),
			ToolResolver:  toolversion.NewExecResolver(),
			WorkspaceRoot: prep.Config.RepoRoot,
			Workers:       prep.Config.Workers,
			FailFast:      flagFailFast,
		}

		result, err := sched.Run(cmd.Context())
		if err != nil {
			exitCode = ExitJobFailed
			return fmt.Errorf("running scheduler: %w", err)
		}

		printSummary(result)
		if !result.Success() {
			exitCode = ExitJobFailed
		}
		return nil
	},
}

func printSummary(result *runplan.RunResult) {
	for _, entry := range result.Plan.Entries {
		res, ok := result.Results[entry.Job]
		if !ok {
			continue
		}
		fmt.Fprintf(os.Stdout, "%-20s %s", entry.Job, res.Status)
		if res.Status == runplan.StatusFailed && res.FailingStep != "" {
			fmt.Fprintf(os.Stdout, " (step %q)", res.FailingStep)
		}
		fmt.Fprintln(os.Stdout)
	}
	fmt.Fprintf(os.Stdout, "\n%s in %s\n", successLabel(result), result.Duration)
}

func successLabel(result *runplan.RunResult) string {
	if result.Success() {
		return "ok"
	}
	return "failed"
}
