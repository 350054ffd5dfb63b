package main

import (
	"fmt"

	"github.com/openmined/syftkeep/internal/storage"
	"github.com/openmined/syftkeep/internal/vault"
	"github.com/spf13/cobra"
)

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the password protected credential vault",
	}
	cmd.AddCommand(newVaultCreateCmd(), newVaultStatusCmd(), newVaultSetCredentialsCmd())
	return cmd
}

func newVaultCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create the vault",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if a.vault.State() != vault.NotExisting {
				return vault.ErrAlreadyExists
			}
			password, err := askNewPassword(cmd, "New vault password: ")
			if err != nil {
				return err
			}
			if err := a.vault.Create(password); err != nil {
				return err
			}
			cmd.Printf("Vault created at %s\n", cyan(a.ws.VaultPath))
			return nil
		}),
	}
}

func newVaultStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the vault exists",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			state := a.vault.State()
			switch state {
			case vault.NotExisting:
				cmd.Printf("Vault: %s\n", yellow("not created"))
			default:
				cmd.Printf("Vault: %s (%s)\n", green("present"), state)
			}
			return nil
		}),
	}
}

func newVaultSetCredentialsCmd() *cobra.Command {
	var accessKey string

	cmd := &cobra.Command{
		Use:   "set-credentials <s3://host/bucket>",
		Short: "Store S3 credentials for a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			u, err := storage.ParseURI(args[0])
			if err != nil {
				return err
			}
			if u.Scheme != storage.SchemeS3 {
				return fmt.Errorf("%s: only S3 repositories use credentials", u)
			}

			if a.vault.State() == vault.NotExisting {
				return fmt.Errorf("%w, run `syftkeep vault create` first", vault.ErrNotExisting)
			}
			if err := a.unlockVault(cmd); err != nil {
				return err
			}

			if accessKey == "" {
				if accessKey, err = askPassword(cmd, "Access key: "); err != nil {
					return err
				}
			}
			secretKey, err := askPassword(cmd, "Secret key: ")
			if err != nil {
				return err
			}

			creds := vault.Credentials{AccessKey: accessKey, SecretKey: secretKey}
			if err := a.vault.PutCredentials(u.String(), creds); err != nil {
				return err
			}
			cmd.Printf("Credentials stored for %s\n", cyan(u))
			return nil
		}),
	}

	cmd.Flags().StringVar(&accessKey, "access-key", "", "access key id, prompted when empty")
	return cmd
}
