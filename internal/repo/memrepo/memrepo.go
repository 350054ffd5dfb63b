// Package memrepo is an in-memory repository with the local capability set.
package memrepo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/syftkeep/internal/loadable"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/stream"
	"github.com/openmined/syftkeep/internal/utils"
)

type Repo struct {
	mu         sync.Mutex
	files      map[string][]byte
	indexed    map[string]string
	metadata   repo.Metadata
	noMetadata bool

	index *stream.Var[loadable.Loadable[*repo.RepoIndex]]
	meta  *stream.Var[loadable.Loadable[*repo.Metadata]]
}

var _ repo.LocalRepo = (*Repo)(nil)

type Option func(*Repo)

// WithFiles stores and indexes the given path to content pairs.
func WithFiles(files map[string]string) Option {
	return func(r *Repo) {
		for path, content := range files {
			r.files[path] = []byte(content)
			r.indexed[path], _, _ = utils.HashReader(bytes.NewReader(r.files[path]))
		}
	}
}

// WithoutMetadata makes metadata access fail with ErrUnsupportedFeature.
func WithoutMetadata() Option {
	return func(r *Repo) {
		r.noMetadata = true
	}
}

func New(opts ...Option) *Repo {
	r := &Repo{
		files:   make(map[string][]byte),
		indexed: make(map[string]string),
		index:   stream.NewVar(loadable.Pending[*repo.RepoIndex]()),
		meta:    stream.NewVar(loadable.Pending[*repo.Metadata]()),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.publish()
	return r
}

// WriteUnindexed puts a file on "disk" without indexing it.
func (r *Repo) WriteUnindexed(path, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = []byte(content)
}

// DeleteFromDisk removes the working file but keeps its index entry.
func (r *Repo) DeleteFromDisk(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, path)
}

func (r *Repo) Content(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[path]
	return string(data), ok
}

// Contents returns every file on disk.
func (r *Repo) Contents() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.files))
	for path, data := range r.files {
		out[path] = string(data)
	}
	return out
}

func (r *Repo) publish() {
	r.index.Set(loadable.Of(r.snapshot()))
	if r.noMetadata {
		r.meta.Set(loadable.Fail[*repo.Metadata](repo.ErrUnsupportedFeature))
	} else {
		md := r.metadata
		r.meta.Set(loadable.Of(&md))
	}
}

func (r *Repo) snapshot() *repo.RepoIndex {
	files := make([]repo.File, 0, len(r.indexed))
	for path, checksum := range r.indexed {
		files = append(files, repo.File{Path: path, Size: int64(len(r.files[path])), Checksum: checksum})
	}
	return repo.NewIndex(files)
}

func (r *Repo) Index(ctx context.Context) (*repo.RepoIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

func (r *Repo) IndexStream() stream.Observable[loadable.Loadable[*repo.RepoIndex]] {
	return r.index
}

func (r *Repo) MetadataStream() stream.Observable[loadable.Loadable[*repo.Metadata]] {
	return r.meta
}

func (r *Repo) StoredFiles(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.indexed)), nil
}

func (r *Repo) VerifyFileExists(ctx context.Context, path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.files[path]
	return ok, nil
}

func (r *Repo) FileChecksum(ctx context.Context, path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	checksum, ok := r.indexed[path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
	}
	return checksum, nil
}

func (r *Repo) Move(ctx context.Context, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	checksum, ok := r.indexed[from]
	if !ok {
		return fmt.Errorf("%s: %w", from, repo.ErrFileNotFound)
	}
	if r.occupied(to) {
		return fmt.Errorf("%s: %w", to, repo.ErrDestinationExists)
	}
	r.files[to] = r.files[from]
	r.indexed[to] = checksum
	delete(r.files, from)
	delete(r.indexed, from)
	r.publish()
	return nil
}

func (r *Repo) Open(ctx context.Context, path string) (repo.FileInfo, io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	checksum, ok := r.indexed[path]
	data, onDisk := r.files[path]
	if !ok || !onDisk {
		return repo.FileInfo{}, nil, fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
	}
	return repo.FileInfo{Length: int64(len(data)), Checksum: checksum}, io.NopCloser(bytes.NewReader(data)), nil
}

func (r *Repo) Save(ctx context.Context, path string, info repo.FileInfo, src io.Reader, onProgress repo.ProgressFunc) error {
	r.mu.Lock()
	occupied := r.occupied(path)
	r.mu.Unlock()
	if occupied {
		return fmt.Errorf("%s: %w", path, repo.ErrDestinationExists)
	}

	var buf bytes.Buffer
	checksum, _, err := utils.CopyAndHash(&buf, src, onProgress)
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
	r.files[path] = buf.Bytes()
	r.indexed[path] = checksum
	r.publish()
	return nil
}

func (r *Repo) Delete(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.occupied(path) {
		return fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
	}
	delete(r.files, path)
	delete(r.indexed, path)
	r.publish()
	return nil
}

func (r *Repo) GetMetadata(ctx context.Context) (*repo.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.noMetadata {
		return nil, repo.ErrUnsupportedFeature
	}
	md := r.metadata
	return &md, nil
}

func (r *Repo) UpdateMetadata(ctx context.Context, transform func(repo.Metadata) repo.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.noMetadata {
		return repo.ErrUnsupportedFeature
	}
	r.metadata = transform(r.metadata)
	r.publish()
	return nil
}

func (r *Repo) Contains(ctx context.Context, path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.indexed[path]
	return ok, nil
}

func (r *Repo) FindAllFiles(ctx context.Context, globs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for path := range r.files {
		if matchesAny(globs, path) {
			out = append(out, path)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (r *Repo) ComputeChecksum(ctx context.Context, path string) (string, int64, error) {
	r.mu.Lock()
	data, ok := r.files[path]
	r.mu.Unlock()
	if !ok {
		return "", 0, fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
	}
	return utils.HashReader(bytes.NewReader(data))
}

func (r *Repo) Add(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok := r.files[path]
	if !ok {
		return fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
	}
	if _, indexed := r.indexed[path]; indexed {
		return fmt.Errorf("%s: %w", path, repo.ErrDestinationExists)
	}
	checksum, _, err := utils.HashReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	r.indexed[path] = checksum
	r.publish()
	return nil
}

func (r *Repo) Remove(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.indexed[path]; !ok {
		return fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
	}
	delete(r.indexed, path)
	r.publish()
	return nil
}

func (r *Repo) occupied(path string) bool {
	_, onDisk := r.files[path]
	_, indexed := r.indexed[path]
	return onDisk || indexed
}

func matchesAny(globs []string, path string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}
