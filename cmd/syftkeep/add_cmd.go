package main

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftkeep/internal/indexupdate"
	"github.com/openmined/syftkeep/internal/repo/fsrepo"
	"github.com/spf13/cobra"
)

type addFlags struct {
	disableFilenameCheck bool
	disableMovesCheck    bool
	dryRun               bool
}

func (f *addFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.disableFilenameCheck, "disable-filename-check", false, "accept filenames with characters unsafe on other systems")
	cmd.Flags().BoolVar(&f.disableMovesCheck, "disable-moves-check", false, "index every unindexed file as new, without detecting moves")
	cmd.Flags().BoolVarP(&f.dryRun, "dry-run", "n", false, "only print what would be done")
}

// prepareAdd scans the current archive and prints what indexing would do.
// A nil result means there is nothing to do or the user declined.
func prepareAdd(cmd *cobra.Command, a *app, globs []string, flags addFlags) (*fsrepo.Repo, *indexupdate.PreparationResult, error) {
	r, _, err := a.currentArchive(cmd)
	if err != nil {
		return nil, nil, err
	}

	prepared, err := indexupdate.Prepare(cmd.Context(), r, indexupdate.Options{
		Globs:                globs,
		DisableFilenameCheck: flags.disableFilenameCheck,
		DisableMovesCheck:    flags.disableMovesCheck,
		Pool:                 a.pool,
	}, nil)
	if err != nil {
		return nil, nil, err
	}

	if len(prepared.NewFiles) == 0 && len(prepared.Moves) == 0 {
		if len(prepared.ErrorFiles) > 0 {
			printErrorFiles(cmd, prepared.ErrorFiles)
			return nil, nil, fmt.Errorf("%d files could not be checked", len(prepared.ErrorFiles))
		}
		cmd.Println("no files to be indexed")
		return nil, nil, nil
	}

	prepared.PrintSummary(cmd.OutOrStdout(), "\t")
	if flags.dryRun {
		return nil, nil, nil
	}
	ok, err := confirm(cmd, "\nDo you want to perform %d moves and index %d new files?", len(prepared.Moves), len(prepared.NewFiles))
	if err != nil || !ok {
		return nil, nil, err
	}
	return r, prepared, nil
}

func newAddCmd() *cobra.Command {
	var flags addFlags

	cmd := &cobra.Command{
		Use:   "add [glob...]",
		Short: "Index new and moved files of the current archive",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			r, prepared, err := prepareAdd(cmd, a, args, flags)
			if err != nil || prepared == nil {
				return err
			}

			job := prepared.NewJob(r, indexupdate.Selection{}, clockwork.NewRealClock())
			return runJob(cmd, job.Job)
		}),
	}

	flags.register(cmd)
	return cmd
}
