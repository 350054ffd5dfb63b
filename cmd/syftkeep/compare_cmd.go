package main

import (
	"github.com/openmined/syftkeep/internal/compare"
	"github.com/spf13/cobra"
)

func newCompareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <other archive location>",
		Short: "Compare the current archive to another one",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			local, _, err := a.currentArchive(cmd)
			if err != nil {
				return err
			}
			other, _, err := a.openOther(cmd, args[0])
			if err != nil {
				return err
			}

			result, err := compare.Compare(cmd.Context(), local, other)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			result.Print(out, "local", "other")
			result.PrintStats(out, "local", "other")
			if result.InSync() {
				cmd.Println(green("archives are in sync"))
			}
			return nil
		}),
	}
}
