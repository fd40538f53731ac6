package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ratchet-ci/ratchet/internal/coordinator"
)

var (
	serveAddr string
	serveDB   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remote coordination HTTP service (runs/jobs/leases)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := coordinator.Open(serveDB)
		if err != nil {
			exitCode = ExitJobFailed
			return fmt.Errorf("opening coordinator database: %w", err)
		}
		defer func() { _ = store.Close() }()

		srv := coordinator.NewServer(store, nil)
		if err := srv.ListenAndServe(cmd.Context(), serveAddr); err != nil {
			exitCode = ExitJobFailed
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "address to listen on")
	serveCmd.Flags().StringVar(&serveDB, "db", "ratchet-coordinator.db", "path to the coordinator's sqlite database")
}
