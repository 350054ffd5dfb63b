// Package workspace owns the application data directory: the memorized
// store database, the credential vault and the log files.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/syftkeep/internal/utils"
)

const (
	logsDir   = "logs"
	dbFile    = "syftkeep.db"
	vaultFile = "credentials.vault"
	logFile   = "syftkeep.log"
	lockFile  = "syftkeep.lock"
)

var ErrWorkspaceLocked = errors.New("workspace locked by another process")

type Workspace struct {
	Root      string
	LogsDir   string
	DBPath    string
	VaultPath string
	LogPath   string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	return &Workspace{
		Root:      root,
		LogsDir:   filepath.Join(root, logsDir),
		DBPath:    filepath.Join(root, dbFile),
		VaultPath: filepath.Join(root, vaultFile),
		LogPath:   filepath.Join(root, logsDir, logFile),
		flock:     flock.New(filepath.Join(root, lockFile)),
	}, nil
}

// Lock takes the data directory for this process. Another syftkeep process
// holding it yields ErrWorkspaceLocked.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.Root); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.Root, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// only the holder removes the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	if err := utils.EnsureDir(w.LogsDir); err != nil {
		_ = w.Unlock()
		return fmt.Errorf("failed to create directory %s: %w", w.LogsDir, err)
	}

	slog.Debug("workspace", "root", w.Root)
	return nil
}
