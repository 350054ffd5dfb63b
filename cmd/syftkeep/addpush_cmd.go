package main

import (
	"github.com/openmined/syftkeep/internal/addpush"
	"github.com/openmined/syftkeep/internal/indexupdate"
	"github.com/spf13/cobra"
)

func newAddPushCmd() *cobra.Command {
	var flags addFlags
	var globs []string

	cmd := &cobra.Command{
		Use:   "add-push <location>...",
		Short: "Index new and moved files, then push exactly those changes to other archives",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			destinations, err := a.destinations(cmd, args)
			if err != nil {
				return err
			}

			r, prepared, err := prepareAdd(cmd, a, globs, flags)
			if err != nil || prepared == nil {
				return err
			}

			job := addpush.NewJob(r, prepared, indexupdate.Selection{}, destinations, addpush.Options{Pool: a.pool})
			err = runJob(cmd, job.Job)

			cmd.Println()
			for _, dest := range destinations {
				p := job.PushProgress()[dest.Name]
				cmd.Printf("%s: %d moved, %d added, %d failed\n", cyan(dest.Name), len(p.Moved), len(p.Added), len(p.Errors))
			}
			return err
		}),
	}

	flags.register(cmd)
	cmd.Flags().StringSliceVarP(&globs, "glob", "g", nil, "only consider files matching the glob")
	return cmd
}
