package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/storage"
	"github.com/openmined/syftkeep/internal/vault"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path | s3://host/bucket]",
		Short: "Create an empty archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			location := "."
			if len(args) == 1 {
				location = args[0]
			}
			uri := location
			if _, err := storage.ParseURI(location); err != nil {
				abs, err := filepath.Abs(location)
				if err != nil {
					return err
				}
				uri = storage.FileURI(abs).String()
			}

			_, err := a.opener.Create(cmd.Context(), uri)
			if errors.Is(err, repo.ErrNeedsCredentials) && a.vault.State() == vault.Locked {
				if err := a.unlockVault(cmd); err != nil {
					return err
				}
				_, err = a.opener.Create(cmd.Context(), uri)
			}
			if err != nil {
				return fmt.Errorf("init %s: %w", uri, err)
			}

			cmd.Printf("Archive initialized at %s\n", cyan(uri))

			if _, err := os.Stat(a.cfg.Path); errors.Is(err, os.ErrNotExist) {
				if err := a.cfg.Save(a.cfg.Path); err != nil {
					return err
				}
				cmd.Printf("Config written to %s\n", cyan(a.cfg.Path))
			}
			return nil
		}),
	}
}
