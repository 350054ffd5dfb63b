// Package fsrepo stores an archive in a plain directory. The index lives next
// to the files, one checksum file per indexed path:
//
//	<root>/.archive/checksums/<path>.sha256   "<checksum> <path>\n"
//	<root>/.archive/metadata.json
package fsrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftkeep/internal/loadable"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/stream"
	"github.com/openmined/syftkeep/internal/utils"
	"github.com/spf13/afero"
)

const (
	ArchiveDir   = ".archive"
	checksumsDir = "checksums"
	checksumExt  = ".sha256"
	metadataFile = "metadata.json"
	tmpDir       = "tmp"
)

var ErrAlreadyExists = errors.New("repository already exists")

type Repo struct {
	fs        afero.Fs
	root      string
	watch     bool
	keepAlive time.Duration
	clock     clockwork.Clock

	// mu serializes index mutations
	mu      sync.Mutex
	version *stream.Var[uint64]
	index   *stream.Shared[loadable.Loadable[*repo.RepoIndex]]
	meta    *stream.Shared[loadable.Loadable[*repo.Metadata]]
}

var _ repo.LocalRepo = (*Repo)(nil)

type Option func(*Repo)

// WithWatch refreshes the streams on changes made by other processes. It
// needs a real filesystem.
func WithWatch() Option {
	return func(r *Repo) {
		r.watch = true
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(r *Repo) {
		r.keepAlive = d
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Repo) {
		r.clock = clock
	}
}

// IsRepo reports whether root holds an archive.
func IsRepo(afs afero.Fs, root string) bool {
	ok, err := afero.IsDir(afs, filepath.Join(root, ArchiveDir, checksumsDir))
	return err == nil && ok
}

// Open fails with repo.ErrNotAvailable when root holds no archive, which is
// also the case for an unmounted drive.
func Open(afs afero.Fs, root string, opts ...Option) (*Repo, error) {
	if !IsRepo(afs, root) {
		return nil, fmt.Errorf("%s: %w", root, repo.ErrNotAvailable)
	}
	return newRepo(afs, root, opts...), nil
}

func Create(afs afero.Fs, root string, opts ...Option) (*Repo, error) {
	if IsRepo(afs, root) {
		return nil, fmt.Errorf("%s: %w", root, ErrAlreadyExists)
	}
	if err := afs.MkdirAll(filepath.Join(root, ArchiveDir, checksumsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	slog.Info("repository created", "root", root)
	return newRepo(afs, root, opts...), nil
}

func newRepo(afs afero.Fs, root string, opts ...Option) *Repo {
	r := &Repo{
		fs:        afs,
		root:      root,
		keepAlive: stream.DefaultKeepAlive,
		clock:     clockwork.NewRealClock(),
		version:   stream.NewVar[uint64](0),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.index = stream.NewShared(watching(r, loadable.Reload[*repo.RepoIndex, uint64](r.version, r.Index)), r.keepAlive, stream.WithClock[loadable.Loadable[*repo.RepoIndex]](r.clock))
	r.meta = stream.NewShared(watching(r, loadable.Reload[*repo.Metadata, uint64](r.version, r.GetMetadata)), r.keepAlive, stream.WithClock[loadable.Loadable[*repo.Metadata]](r.clock))
	return r
}

func (r *Repo) Root() string {
	return r.root
}

// Refresh makes the streams reload.
func (r *Repo) Refresh() {
	r.version.Update(func(v uint64) uint64 { return v + 1 })
}

// watching keeps a file watcher running next to produce when enabled.
func watching[T any](r *Repo, produce stream.Producer[T]) stream.Producer[T] {
	if !r.watch {
		return produce
	}
	return func(ctx context.Context, emit func(T)) {
		if err := watch(ctx, r.root, r.clock, defaultDebounceTimeout, r.Refresh); err != nil {
			slog.Warn("file watcher start", "root", r.root, "error", err)
		}
		produce(ctx, emit)
	}
}

func (r *Repo) IndexStream() stream.Observable[loadable.Loadable[*repo.RepoIndex]] {
	return r.index
}

func (r *Repo) MetadataStream() stream.Observable[loadable.Loadable[*repo.Metadata]] {
	return r.meta
}

func (r *Repo) checksumsRoot() string {
	return filepath.Join(r.root, ArchiveDir, checksumsDir)
}

func (r *Repo) checksumPath(path string) string {
	return filepath.Join(r.checksumsRoot(), filepath.FromSlash(path)+checksumExt)
}

func (r *Repo) filePath(path string) string {
	return filepath.Join(r.root, filepath.FromSlash(path))
}

// safe rejects paths escaping the root or pointing into the archive dir.
func safe(path string) error {
	if !filepath.IsLocal(filepath.FromSlash(path)) || strings.HasPrefix(path, ArchiveDir+"/") || path == ArchiveDir {
		return fmt.Errorf("%q: %w", path, repo.ErrInvalidFilename)
	}
	return nil
}

func (r *Repo) walkChecksums(fn func(path, checksumFile string) error) error {
	root := r.checksumsRoot()
	return afero.Walk(r.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() || !strings.HasSuffix(p, checksumExt) {
			return nil
		}
		rel, err := utils.ToSlashRel(root, p)
		if err != nil {
			return err
		}
		return fn(strings.TrimSuffix(rel, checksumExt), p)
	})
}

func (r *Repo) readChecksum(checksumFile string) (string, error) {
	data, err := afero.ReadFile(r.fs, checksumFile)
	if err != nil {
		return "", err
	}
	checksum, _, _ := strings.Cut(strings.TrimSpace(string(data)), " ")
	if checksum == "" {
		return "", fmt.Errorf("%s: empty checksum file", checksumFile)
	}
	return checksum, nil
}

func (r *Repo) Index(ctx context.Context) (*repo.RepoIndex, error) {
	var files []repo.File
	err := r.walkChecksums(func(path, checksumFile string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		checksum, err := r.readChecksum(checksumFile)
		if err != nil {
			return err
		}
		var size int64
		if info, err := r.fs.Stat(r.filePath(path)); err == nil {
			size = info.Size()
		}
		files = append(files, repo.File{Path: path, Size: size, Checksum: checksum})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return repo.NewIndex(files), nil
}

func (r *Repo) StoredFiles(ctx context.Context) ([]string, error) {
	var paths []string
	err := r.walkChecksums(func(path, _ string) error {
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	slices.Sort(paths)
	return paths, nil
}

func (r *Repo) isRegular(name string) bool {
	info, err := r.fs.Stat(name)
	return err == nil && info.Mode().IsRegular()
}

func (r *Repo) VerifyFileExists(ctx context.Context, path string) (bool, error) {
	if err := safe(path); err != nil {
		return false, err
	}
	return r.isRegular(r.filePath(path)), nil
}

func (r *Repo) FileChecksum(ctx context.Context, path string) (string, error) {
	if err := safe(path); err != nil {
		return "", err
	}
	checksum, err := r.readChecksum(r.checksumPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
	}
	return checksum, err
}

func (r *Repo) Contains(ctx context.Context, path string) (bool, error) {
	if err := safe(path); err != nil {
		return false, err
	}
	return r.isRegular(r.checksumPath(path)), nil
}

func (r *Repo) writeChecksum(path, checksum string) error {
	checksumFile := r.checksumPath(path)
	if err := r.fs.MkdirAll(filepath.Dir(checksumFile), 0o755); err != nil {
		return err
	}
	f, err := r.fs.OpenFile(checksumFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", path, repo.ErrDestinationExists)
		}
		return err
	}
	if _, err := fmt.Fprintf(f, "%s %s\n", checksum, path); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *Repo) occupied(path string) bool {
	if _, err := r.fs.Stat(r.filePath(path)); err == nil {
		return true
	}
	_, err := r.fs.Stat(r.checksumPath(path))
	return err == nil
}

func (r *Repo) Move(ctx context.Context, from, to string) error {
	if err := errors.Join(safe(from), safe(to)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.occupied(to) {
		return fmt.Errorf("%s: %w", to, repo.ErrDestinationExists)
	}
	checksum, err := r.FileChecksum(ctx, from)
	if err != nil {
		return err
	}

	if err := r.writeChecksum(to, checksum); err != nil {
		return fmt.Errorf("index %s: %w", to, err)
	}
	if err := r.fs.MkdirAll(filepath.Dir(r.filePath(to)), 0o755); err != nil {
		r.fs.Remove(r.checksumPath(to))
		return err
	}
	if err := r.fs.Rename(r.filePath(from), r.filePath(to)); err != nil {
		r.fs.Remove(r.checksumPath(to))
		return fmt.Errorf("move %s: %w", from, err)
	}
	if err := r.fs.Remove(r.checksumPath(from)); err != nil {
		return fmt.Errorf("unindex %s: %w", from, err)
	}
	r.Refresh()
	return nil
}

func (r *Repo) Open(ctx context.Context, path string) (repo.FileInfo, io.ReadCloser, error) {
	checksum, err := r.FileChecksum(ctx, path)
	if err != nil {
		return repo.FileInfo{}, nil, err
	}
	f, err := r.fs.Open(r.filePath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return repo.FileInfo{}, nil, fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
		}
		return repo.FileInfo{}, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return repo.FileInfo{}, nil, err
	}
	return repo.FileInfo{Length: info.Size(), Checksum: checksum}, f, nil
}

// Save writes into a temp file under the archive dir and only renames it into
// place, and indexes it, once its checksum matched.
func (r *Repo) Save(ctx context.Context, path string, info repo.FileInfo, src io.Reader, onProgress repo.ProgressFunc) (err error) {
	if err := safe(path); err != nil {
		return err
	}
	if r.occupied(path) {
		return fmt.Errorf("%s: %w", path, repo.ErrDestinationExists)
	}

	tmpRoot := filepath.Join(r.root, ArchiveDir, tmpDir)
	if err := r.fs.MkdirAll(tmpRoot, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(tmpRoot, uuid.NewString())
	release := utils.InProgress.Track(tmp, func() error { return r.fs.Remove(tmp) })
	defer release()
	defer func() {
		if err != nil {
			r.fs.Remove(tmp)
		}
	}()

	f, err := r.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	checksum, _, err := utils.CopyAndHash(f, &ctxReader{ctx: ctx, r: src}, onProgress)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if checksum != info.Checksum {
		return &repo.ChecksumMismatchError{Path: path, Expected: info.Checksum, Actual: checksum}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.occupied(path) {
		return fmt.Errorf("%s: %w", path, repo.ErrDestinationExists)
	}
	dst := r.filePath(path)
	if err := r.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := r.fs.Rename(tmp, dst); err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}
	if err := r.writeChecksum(path, checksum); err != nil {
		r.fs.Remove(dst)
		return fmt.Errorf("index %s: %w", path, err)
	}
	r.Refresh()
	return nil
}

func (r *Repo) Delete(ctx context.Context, path string) error {
	if err := safe(path); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRegular(r.filePath(path)) {
		return fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
	}
	if err := r.fs.Remove(r.filePath(path)); err != nil {
		return err
	}
	if err := r.fs.Remove(r.checksumPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	r.Refresh()
	return nil
}

func (r *Repo) GetMetadata(ctx context.Context) (*repo.Metadata, error) {
	data, err := afero.ReadFile(r.fs, filepath.Join(r.root, ArchiveDir, metadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		if !IsRepo(r.fs, r.root) {
			return nil, fmt.Errorf("%s: %w", r.root, repo.ErrNotAvailable)
		}
		return &repo.Metadata{}, nil
	}
	if err != nil {
		return nil, err
	}
	var md repo.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &md, nil
}

func (r *Repo) UpdateMetadata(ctx context.Context, transform func(repo.Metadata) repo.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, err := r.GetMetadata(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(transform(*old))
	if err != nil {
		return err
	}

	target := filepath.Join(r.root, ArchiveDir, metadataFile)
	tmp := target + ".tmp"
	if err := afero.WriteFile(r.fs, tmp, data, 0o644); err != nil {
		return err
	}
	if err := r.fs.Rename(tmp, target); err != nil {
		r.fs.Remove(tmp)
		return err
	}
	r.Refresh()
	return nil
}

// FindAllFiles lists unignored regular files matching any of globs, as slash
// separated paths. A glob matching a directory selects everything below it.
func (r *Repo) FindAllFiles(ctx context.Context, globs []string) ([]string, error) {
	ignore := loadIgnoreList(r.fs, r.root)

	var out []string
	err := afero.Walk(r.fs, r.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := utils.ToSlashRel(r.root, p)
		if err != nil || rel == "." {
			return err
		}
		if ignore.ShouldIgnore(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() && matchesAny(globs, rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", r.root, err)
	}
	slices.Sort(out)
	return out, nil
}

func matchesAny(globs []string, rel string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		for p := rel; p != "." && p != "/"; p = path.Dir(p) {
			if ok, _ := doublestar.Match(g, p); ok {
				return true
			}
		}
	}
	return false
}

func (r *Repo) ComputeChecksum(ctx context.Context, path string) (string, int64, error) {
	if err := safe(path); err != nil {
		return "", 0, err
	}
	f, err := r.fs.Open(r.filePath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", 0, fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
		}
		return "", 0, err
	}
	defer f.Close()

	return utils.HashReader(&ctxReader{ctx: ctx, r: f})
}

func (r *Repo) Add(ctx context.Context, path string) error {
	checksum, _, err := r.ComputeChecksum(ctx, path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writeChecksum(path, checksum); err != nil {
		return err
	}
	r.Refresh()
	return nil
}

func (r *Repo) Remove(ctx context.Context, path string) error {
	if err := safe(path); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fs.Remove(r.checksumPath(path)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
		}
		return err
	}
	r.Refresh()
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
