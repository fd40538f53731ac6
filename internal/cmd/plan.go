package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the execution plan (levels, selection decisions) without running anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prep, code, err := prepare(cmd.Context())
		if err != nil {
			exitCode = code
			return err
		}

		for level, names := range prep.Graph.Levels() {
			fmt.Fprintf(os.Stdout, "level %d:\n", level)
			for _, name := range names {
				d := prep.Decisions[name]
				status := "selected"
				if !d.Selected {
					status = "skipped: " + d.Reason
				}
				fmt.Fprintf(os.Stdout, "  %-20s needs=%v %s\n", name, prep.Graph.Needs(name), status)
			}
		}
		return nil
	},
}
