// Package compare diffs two repository indices by content checksum.
package compare

import (
	"context"
	"fmt"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/syftkeep/internal/repo"
)

// Relocation is content present in both repositories under differing path sets.
type Relocation struct {
	Checksum       string
	FileSize       int64
	BaseFilenames  []string
	OtherFilenames []string
}

// ExtraBaseLocations are paths holding this content in base but not in other.
func (r Relocation) ExtraBaseLocations() []string {
	return difference(r.BaseFilenames, r.OtherFilenames)
}

// ExtraOtherLocations are paths holding this content in other but not in base.
func (r Relocation) ExtraOtherLocations() []string {
	return difference(r.OtherFilenames, r.BaseFilenames)
}

func (r Relocation) IsIncreasingDuplicates() bool {
	return len(r.ExtraBaseLocations()) > len(r.ExtraOtherLocations())
}

func (r Relocation) IsDecreasingDuplicates() bool {
	return len(r.ExtraOtherLocations()) > len(r.ExtraBaseLocations())
}

// ExtraGroup is content present in only one of the repositories.
type ExtraGroup struct {
	Checksum  string
	FileSize  int64
	Filenames []string
}

// Placement tells how a base-only file can be written into other.
type Placement int

const (
	// PlainCopy targets a free path.
	PlainCopy Placement = iota
	// AfterMove targets a path that a relocation vacates first.
	AfterMove
	// Overwrite targets a path occupied by unrelated content.
	Overwrite
)

func (p Placement) String() string {
	switch p {
	case PlainCopy:
		return "copy"
	case AfterMove:
		return "after-move"
	case Overwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("Placement(%d)", int(p))
	}
}

type Result struct {
	Relocations          []Relocation
	UnmatchedBaseExtras  []ExtraGroup
	UnmatchedOtherExtras []ExtraGroup

	// NewContentAfterMove and NewContentToOverwrite classify filenames of
	// UnmatchedBaseExtras that are already occupied in other.
	NewContentAfterMove   []string
	NewContentToOverwrite []string

	AllBaseFiles  int
	AllOtherFiles int
}

// Compare loads both indices and diffs them.
func Compare(ctx context.Context, base, other repo.Repo) (*Result, error) {
	baseIndex, err := base.Index(ctx)
	if err != nil {
		return nil, fmt.Errorf("load base index: %w", err)
	}
	otherIndex, err := other.Index(ctx)
	if err != nil {
		return nil, fmt.Errorf("load other index: %w", err)
	}
	return Calculate(baseIndex, otherIndex), nil
}

// Calculate is the pure diff of two snapshots. The output does not depend on
// the order of files in either index.
func Calculate(base, other *repo.RepoIndex) *Result {
	baseGroups := base.ByChecksum()
	otherGroups := other.ByChecksum()

	result := &Result{
		AllBaseFiles:  len(base.Files),
		AllOtherFiles: len(other.Files),
	}

	for checksum, baseFiles := range baseGroups {
		otherFiles, inOther := otherGroups[checksum]
		if !inOther {
			result.UnmatchedBaseExtras = append(result.UnmatchedBaseExtras, ExtraGroup{
				Checksum:  checksum,
				FileSize:  groupSize(baseFiles),
				Filenames: sortedPaths(baseFiles),
			})
			continue
		}

		rel := Relocation{
			Checksum:       checksum,
			FileSize:       groupSize(baseFiles, otherFiles),
			BaseFilenames:  sortedPaths(baseFiles),
			OtherFilenames: sortedPaths(otherFiles),
		}
		if slices.Equal(rel.BaseFilenames, rel.OtherFilenames) {
			continue
		}
		result.Relocations = append(result.Relocations, rel)
	}

	for checksum, otherFiles := range otherGroups {
		if _, inBase := baseGroups[checksum]; inBase {
			continue
		}
		result.UnmatchedOtherExtras = append(result.UnmatchedOtherExtras, ExtraGroup{
			Checksum:  checksum,
			FileSize:  groupSize(otherFiles),
			Filenames: sortedPaths(otherFiles),
		})
	}

	slices.SortFunc(result.Relocations, func(a, b Relocation) int {
		return strings.Compare(a.BaseFilenames[0], b.BaseFilenames[0])
	})
	sortGroups(result.UnmatchedBaseExtras)
	sortGroups(result.UnmatchedOtherExtras)

	result.classify(other)
	return result
}

func (r *Result) classify(other *repo.RepoIndex) {
	occupied := other.Paths()
	vacated := mapset.NewThreadUnsafeSet[string]()
	for _, rel := range r.Relocations {
		vacated.Append(rel.ExtraOtherLocations()...)
	}

	for _, group := range r.UnmatchedBaseExtras {
		for _, name := range group.Filenames {
			switch {
			case !occupied.Contains(name):
			case vacated.Contains(name):
				r.NewContentAfterMove = append(r.NewContentAfterMove, name)
			default:
				r.NewContentToOverwrite = append(r.NewContentToOverwrite, name)
			}
		}
	}
	slices.Sort(r.NewContentAfterMove)
	slices.Sort(r.NewContentToOverwrite)
}

// Placement classifies a filename of UnmatchedBaseExtras.
func (r *Result) Placement(name string) Placement {
	if _, found := slices.BinarySearch(r.NewContentAfterMove, name); found {
		return AfterMove
	}
	if _, found := slices.BinarySearch(r.NewContentToOverwrite, name); found {
		return Overwrite
	}
	return PlainCopy
}

// InSync reports whether both repositories hold the same content at the same paths.
func (r *Result) InSync() bool {
	return len(r.Relocations) == 0 && len(r.UnmatchedBaseExtras) == 0 && len(r.UnmatchedOtherExtras) == 0
}

// groupSize is the size of the content shared by the files. Indexed files
// missing from disk report zero, so the largest reported size wins.
func groupSize(groups ...[]repo.File) int64 {
	var size int64
	for _, files := range groups {
		for _, f := range files {
			size = max(size, f.Size)
		}
	}
	return size
}

func sortedPaths(files []repo.File) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	slices.Sort(paths)
	return paths
}

func sortGroups(groups []ExtraGroup) {
	slices.SortFunc(groups, func(a, b ExtraGroup) int {
		return strings.Compare(a.Filenames[0], b.Filenames[0])
	})
}

func difference(a, b []string) []string {
	exclude := mapset.NewThreadUnsafeSet(b...)
	out := make([]string, 0, len(a))
	for _, p := range a {
		if !exclude.Contains(p) {
			out = append(out, p)
		}
	}
	return out
}
