package repo

import (
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

type File struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// RepoIndex is an immutable snapshot of the committed content of a repository.
// Files are sorted by path and paths are unique.
type RepoIndex struct {
	Files []File `json:"files"`
}

func NewIndex(files []File) *RepoIndex {
	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b File) int {
		return strings.Compare(a.Path, b.Path)
	})
	sorted = slices.CompactFunc(sorted, func(a, b File) bool {
		return a.Path == b.Path
	})
	return &RepoIndex{Files: sorted}
}

// ByChecksum groups the files by checksum. Each group is sorted by path.
func (i *RepoIndex) ByChecksum() map[string][]File {
	groups := make(map[string][]File)
	for _, f := range i.Files {
		groups[f.Checksum] = append(groups[f.Checksum], f)
	}
	return groups
}

func (i *RepoIndex) ByPath() map[string]File {
	m := make(map[string]File, len(i.Files))
	for _, f := range i.Files {
		m[f.Path] = f
	}
	return m
}

func (i *RepoIndex) Paths() mapset.Set[string] {
	s := mapset.NewThreadUnsafeSetWithSize[string](len(i.Files))
	for _, f := range i.Files {
		s.Add(f.Path)
	}
	return s
}

func (i *RepoIndex) Lookup(path string) (File, bool) {
	n, found := slices.BinarySearchFunc(i.Files, path, func(f File, p string) int {
		return strings.Compare(f.Path, p)
	})
	if !found {
		return File{}, false
	}
	return i.Files[n], true
}

func (i *RepoIndex) TotalSize() int64 {
	var total int64
	for _, f := range i.Files {
		total += f.Size
	}
	return total
}

func (i *RepoIndex) Len() int {
	if i == nil {
		return 0
	}
	return len(i.Files)
}

func (i *RepoIndex) Equal(other *RepoIndex) bool {
	if i == nil || other == nil {
		return i == other
	}
	return slices.Equal(i.Files, other.Files)
}
