package main

import (
	"context"
	"time"

	"github.com/openmined/syftkeep/internal/indexupdate"
	"github.com/openmined/syftkeep/internal/loadable"
	"github.com/openmined/syftkeep/internal/memorized"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/stream"
	"github.com/spf13/cobra"
)

const knownRepoTimeout = 5 * time.Second

func newStatusCmd() *cobra.Command {
	var known bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show unindexed and missing files of the current archive",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if known {
				return printKnownRepositories(cmd, a)
			}

			r, uri, err := a.currentArchive(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			idx, err := r.Index(ctx)
			if err != nil {
				return err
			}
			if _, err := a.store.UpdateIndexIfDiffers(ctx, uri, idx); err != nil {
				return err
			}

			prepared, err := indexupdate.Prepare(ctx, r, indexupdate.Options{Pool: a.pool}, nil)
			if err != nil {
				return err
			}

			cmd.Printf("Archive: %s\n", cyan(r.Root()))
			cmd.Printf("Indexed files: %d\n", idx.Len())
			if prepared.IsEmpty() {
				cmd.Printf("\n%s\n", green("everything indexed"))
				return nil
			}
			cmd.Println()
			prepared.PrintSummary(cmd.OutOrStdout(), "\t")
			return nil
		}),
	}

	cmd.Flags().BoolVar(&known, "known", false, "list every remembered repository with its last known index")
	return cmd
}

// printKnownRepositories shows the live index where the repository is
// reachable and the remembered one where it is not.
func printKnownRepositories(cmd *cobra.Command, a *app) error {
	uris, err := a.store.All(cmd.Context(), memorized.KindIndex)
	if err != nil {
		return err
	}
	if len(uris) == 0 {
		cmd.Println("no repositories known yet")
		return nil
	}

	for _, uri := range uris {
		ctx, cancel := context.WithTimeout(cmd.Context(), knownRepoTimeout)
		l, err := stream.First(ctx, a.opener.Reader(uri).IndexStream(), func(l loadable.Loadable[*repo.RepoIndex]) bool {
			return l.State != loadable.Loading
		})
		cancel()

		switch {
		case err != nil:
			cmd.Printf("%s: %s\n", uri, yellow("still loading"))
		case l.State == loadable.Loaded && l.FromCache:
			cmd.Printf("%s: %d files %s\n", uri, l.Value.Len(), yellow("(offline, remembered)"))
		case l.State == loadable.Loaded:
			cmd.Printf("%s: %d files %s\n", uri, l.Value.Len(), green("(online)"))
		case l.State == loadable.NotAvailable:
			cmd.Printf("%s: %s\n", uri, yellow("not available"))
		default:
			cmd.Printf("%s: %s %v\n", uri, red("failed"), l.Err)
		}
	}
	return nil
}
