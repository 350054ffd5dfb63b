package main

import (
	"context"
	"errors"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/reposync"
	"github.com/spf13/cobra"
)

type syncFlags struct {
	mode      string
	overwrite bool
}

func (f *syncFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "relocations", "move", "handling of moved files: disabled, additive, move[+increase][+reduce]")
	cmd.Flags().BoolVar(&f.overwrite, "overwrite", false, "replace different content at paths of new files")
}

func (f *syncFlags) discovery() (reposync.Discovery, error) {
	mode, err := reposync.ParseMode(f.mode)
	if err != nil {
		return reposync.Discovery{}, err
	}
	return reposync.Discovery{Mode: mode, ConfirmOverwrite: f.overwrite}, nil
}

func stepPrompter(cmd *cobra.Command) reposync.Prompter {
	return func(ctx context.Context, step reposync.Step, ops []reposync.Operation) (bool, error) {
		return confirm(cmd, "Do you want to apply %d %s operations?", len(ops), step.Name())
	}
}

// syncOne discovers and executes the changes bringing dst up to base.
func syncOne(cmd *cobra.Command, a *app, base, dst repo.Repo, flags syncFlags) error {
	discovery, err := flags.discovery()
	if err != nil {
		return err
	}
	discovered, err := discovery.Prepare(cmd.Context(), base, dst)
	if err != nil {
		return err
	}
	if discovered.IsUpToDate() {
		cmd.Println(green("already up to date"))
		return nil
	}

	discovered.Print(cmd.OutOrStdout())
	cmd.Printf("\n%s to copy\n", humanize.Bytes(uint64(discovered.BytesToCopy())))

	job := discovered.NewJob(base, dst, reposync.JobOptions{
		Prompter: stepPrompter(cmd),
		Pool:     a.pool,
	})
	err = runJob(cmd, job.Job)
	if errors.Is(err, reposync.ErrAbandoned) {
		cmd.Println(yellow("abandoned"))
		return nil
	}
	return err
}

func newPushCmd() *cobra.Command {
	var flags syncFlags

	cmd := &cobra.Command{
		Use:   "push <location>...",
		Short: "Copy changes of the current archive to other archives",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			local, _, err := a.currentArchive(cmd)
			if err != nil {
				return err
			}

			destinations, err := a.destinations(cmd, args)
			if err != nil {
				return err
			}
			if len(destinations) == 1 {
				return syncOne(cmd, a, local, destinations[0].Repo, flags)
			}

			discovery, err := flags.discovery()
			if err != nil {
				return err
			}
			ok, err := confirm(cmd, "Push to %d archives?", len(destinations))
			if err != nil || !ok {
				return err
			}
			return runJob(cmd, reposync.NewPushJob(local, destinations, discovery, reposync.JobOptions{Pool: a.pool}))
		}),
	}

	flags.register(cmd)
	return cmd
}

func newPullCmd() *cobra.Command {
	var flags syncFlags

	cmd := &cobra.Command{
		Use:   "pull <location>",
		Short: "Copy changes of another archive into the current one",
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
			return syncOne(cmd, a, other, local, flags)
		}),
	}

	flags.register(cmd)
	return cmd
}

func (a *app) destinations(cmd *cobra.Command, locations []string) ([]reposync.Destination, error) {
	out := make([]reposync.Destination, 0, len(locations))
	for _, loc := range locations {
		r, uri, err := a.openOther(cmd, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, reposync.Destination{Name: uri, Repo: r})
	}
	return out, nil
}
