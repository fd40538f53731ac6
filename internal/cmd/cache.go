package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ratchet-ci/ratchet/internal/cachestore"
	"github.com/ratchet-ci/ratchet/internal/runconfig"
)

var cachePruneKeep int

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or maintain the cache store",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune <job>",
	Short: "Prune a job's cache namespace down to its newest N entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &runconfig.Config{RepoRoot: flagRepoRoot, WorkflowPath: flagWorkflow, CacheRoot: flagCacheRoot}
		if err := cfg.Validate(); err != nil {
			exitCode = ExitWorkflowLoadError
			return fmt.Errorf("invalid configuration: %w", err)
		}

		store, err := cachestore.New(cfg.CacheRoot)
		if err != nil {
			exitCode = ExitJobFailed
			return fmt.Errorf("opening cache store: %w", err)
		}

		if err := store.Prune(args[0], cachePruneKeep); err != nil {
			exitCode = ExitJobFailed
			return fmt.Errorf("pruning job %q: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	cachePruneCmd.Flags().IntVar(&cachePruneKeep, "keep", 5, "number of newest cache entries to retain")
	cacheCmd.AddCommand(cachePruneCmd)
}
