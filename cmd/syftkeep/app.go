package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftkeep/internal/config"
	"github.com/openmined/syftkeep/internal/db"
	"github.com/openmined/syftkeep/internal/memorized"
	"github.com/openmined/syftkeep/internal/procedure"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/repo/fsrepo"
	"github.com/openmined/syftkeep/internal/storage"
	"github.com/openmined/syftkeep/internal/vault"
	"github.com/openmined/syftkeep/internal/workspace"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var errNotInArchive = errors.New("not inside an archive, run `syftkeep init` first")

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

// app holds everything a command needs once the workspace is locked.
type app struct {
	cfg    *config.Config
	ws     *workspace.Workspace
	db     *sqlx.DB
	store  *memorized.Store
	vault  *vault.Vault
	opener *storage.Opener
	pool   *procedure.Pool
	fs     afero.Fs
	logs   io.Closer
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg := configFrom(cmd.Context())

	ws, err := workspace.NewWorkspace(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := ws.Setup(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, ws: ws, fs: afero.NewOsFs(), pool: procedure.NewPool(cfg.IOWorkers)}
	a.logs = setupLogging(ws.LogPath)

	a.db, err = db.NewSqliteDB(db.WithPath(ws.DBPath))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store, err = memorized.NewStore(a.db)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.vault = vault.New(a.fs, ws.VaultPath)
	a.opener = storage.NewOpener(storage.Options{
		Fs:        a.fs,
		Vault:     a.vault,
		Store:     a.store,
		S3Region:  cfg.S3Region,
		KeepAlive: cfg.KeepAlive,
	})
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("close database", "error", err)
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
		setupLogging("")
	}
	if err := a.ws.Unlock(); err != nil {
		slog.Warn("unlock workspace", "error", err)
	}
}

// findArchiveRoot walks up from dir to the first directory holding an archive.
func findArchiveRoot(afs afero.Fs, dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if fsrepo.IsRepo(afs, dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errNotInArchive
		}
		dir = parent
	}
}

// currentArchive opens the archive containing the working directory.
func (a *app) currentArchive(cmd *cobra.Command) (*fsrepo.Repo, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	root, err := findArchiveRoot(a.fs, wd)
	if err != nil {
		return nil, "", err
	}
	r, err := fsrepo.Open(a.fs, root)
	if err != nil {
		return nil, "", err
	}
	return r, storage.FileURI(root).String(), nil
}

// openOther opens another repository by uri or local path, unlocking the
// vault on demand for remote repositories.
func (a *app) openOther(cmd *cobra.Command, location string) (repo.Repo, string, error) {
	uri := location
	if _, err := storage.ParseURI(location); err != nil {
		abs, absErr := filepath.Abs(location)
		if absErr != nil {
			return nil, "", err
		}
		uri = storage.FileURI(abs).String()
	}

	r, err := a.opener.Open(cmd.Context(), uri)
	if errors.Is(err, repo.ErrNeedsCredentials) && a.vault.State() == vault.Locked {
		if err := a.unlockVault(cmd); err != nil {
			return nil, "", err
		}
		r, err = a.opener.Open(cmd.Context(), uri)
	}
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", uri, err)
	}
	return r, uri, nil
}

func (a *app) unlockVault(cmd *cobra.Command) error {
	for {
		password, err := askPassword(cmd, "Vault password: ")
		if err != nil {
			return err
		}
		err = a.vault.Unlock(password)
		if !errors.Is(err, vault.ErrIncorrectPassword) {
			return err
		}
		cmd.PrintErrln(red("incorrect password"))
	}
}

func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}
