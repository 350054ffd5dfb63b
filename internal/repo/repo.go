// Package repo defines the capability contract every archive storage backend
// implements.
package repo

import (
	"context"
	"io"
	"strings"

	"github.com/openmined/syftkeep/internal/loadable"
	"github.com/openmined/syftkeep/internal/stream"
)

// illegalFilenameChars cannot be stored on every supported medium.
const illegalFilenameChars = ":?<>*|"

type FileInfo struct {
	Length   int64
	Checksum string
}

type Metadata struct {
	AssociationGroupID string `json:"associationGroupId,omitempty"`
}

// ProgressFunc receives the number of bytes written so far.
type ProgressFunc func(copied int64)

type Repo interface {
	Index(ctx context.Context) (*RepoIndex, error)
	IndexStream() stream.Observable[loadable.Loadable[*RepoIndex]]
	MetadataStream() stream.Observable[loadable.Loadable[*Metadata]]

	StoredFiles(ctx context.Context) ([]string, error)
	VerifyFileExists(ctx context.Context, path string) (bool, error)
	FileChecksum(ctx context.Context, path string) (string, error)

	Move(ctx context.Context, from, to string) error
	Open(ctx context.Context, path string) (FileInfo, io.ReadCloser, error)
	// Save stores a new file. The written bytes must hash to info.Checksum,
	// otherwise nothing is left behind and ErrChecksumMismatch is returned.
	Save(ctx context.Context, path string, info FileInfo, r io.Reader, onProgress ProgressFunc) error
	Delete(ctx context.Context, path string) error

	GetMetadata(ctx context.Context) (*Metadata, error)
	UpdateMetadata(ctx context.Context, transform func(Metadata) Metadata) error
}

// LocalRepo is a repository whose working files can be enumerated and
// indexed in place.
type LocalRepo interface {
	Repo

	Contains(ctx context.Context, path string) (bool, error)
	FindAllFiles(ctx context.Context, globs []string) ([]string, error)
	// ComputeChecksum hashes the working file and reports its length.
	ComputeChecksum(ctx context.Context, path string) (checksum string, size int64, err error)
	Add(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
}

// Source gives access to a repository that may be loading, locked or offline.
type Source = stream.Observable[loadable.Loadable[Repo]]

func StaticSource(r Repo) Source {
	return stream.NewVar(loadable.Of(r))
}

func AsLocal(r Repo) (LocalRepo, error) {
	lr, ok := r.(LocalRepo)
	if !ok {
		return nil, ErrNotLocalRepo
	}
	return lr, nil
}

func HasIllegalChars(path string) bool {
	return strings.ContainsAny(path, illegalFilenameChars)
}

// CheckFilenames fails with an InvalidFilenamesError naming every offending path.
func CheckFilenames(paths []string) error {
	var invalid []string
	for _, p := range paths {
		if HasIllegalChars(p) {
			invalid = append(invalid, p)
		}
	}
	if len(invalid) > 0 {
		return &InvalidFilenamesError{Paths: invalid}
	}
	return nil
}
