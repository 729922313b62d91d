package main

import (
	"github.com/spf13/cobra"
)

func newInitCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Wire the system, self-check the charter and run the sample task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sys, closeSys, err := f.openSystem(cmd)
			if err != nil {
				return err
			}
			defer closeSys()

			report, err := sys.StartupReport(cmd.Context())
			if err != nil {
				return err
			}
			if f.jsonOut {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return report.Render(cmd.OutOrStdout())
		},
	}
}
