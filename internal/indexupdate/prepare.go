// Package indexupdate finds unindexed files of a local repository, detects
// which of them are moved indexed files, and applies the index changes.
package indexupdate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/openmined/syftkeep/internal/procedure"
	"github.com/openmined/syftkeep/internal/repo"
)

type Options struct {
	// Globs limit the scan. No globs means every file.
	Globs                []string
	DisableFilenameCheck bool
	DisableMovesCheck    bool
	// Pool runs checksum computation. A pool sized to the CPU count is used
	// when nil.
	Pool *procedure.Pool
}

// Move is an indexed file that went missing and reappeared, with identical
// content, at an unindexed path.
type Move struct {
	From     string
	To       string
	Checksum string
	Size     int64
}

type PreparationResult struct {
	NewFiles []string
	Moves    []Move
	// MissingFiles are indexed but gone, and matched no candidate. Dropping
	// them from the index is left to the caller.
	MissingFiles []string
	ErrorFiles   map[string]error
}

type PreparationProgress struct {
	FilesToCheck int
	Checked      int
	NewFiles     int
	Moves        int
}

func Prepare(ctx context.Context, r repo.Repo, opts Options, onProgress func(PreparationProgress)) (*PreparationResult, error) {
	lr, err := repo.AsLocal(r)
	if err != nil {
		return nil, err
	}
	if onProgress == nil {
		onProgress = func(PreparationProgress) {}
	}

	found, err := lr.FindAllFiles(ctx, opts.Globs)
	if err != nil {
		return nil, fmt.Errorf("find files: %w", err)
	}

	var candidates []string
	for _, path := range found {
		indexed, err := lr.Contains(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("check index for %s: %w", path, err)
		}
		if !indexed {
			candidates = append(candidates, path)
		}
	}
	slices.Sort(candidates)

	progress := PreparationProgress{FilesToCheck: len(candidates)}
	onProgress(progress)

	if !opts.DisableFilenameCheck {
		if err := repo.CheckFilenames(candidates); err != nil {
			return nil, err
		}
	}

	result := &PreparationResult{ErrorFiles: make(map[string]error)}
	if opts.DisableMovesCheck {
		result.NewFiles = candidates
		return result, nil
	}

	missing, err := missingByChecksum(ctx, lr, result)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 || len(candidates) == 0 {
		result.NewFiles = candidates
		result.MissingFiles = leftovers(missing)
		return result, nil
	}

	checksums, sizes, checksumErrs, err := computeChecksums(ctx, lr, candidates, opts.Pool, func(checked int) {
		p := progress
		p.Checked = checked
		onProgress(p)
	})
	if err != nil {
		return nil, err
	}

	for i, path := range candidates {
		if checksumErrs[i] != nil {
			result.ErrorFiles[path] = checksumErrs[i]
			continue
		}
		slots := missing[checksums[i]]
		if len(slots) == 0 {
			result.NewFiles = append(result.NewFiles, path)
			continue
		}
		// one missing file is matched by at most one candidate
		from := slots[0]
		missing[checksums[i]] = slots[1:]
		result.Moves = append(result.Moves, Move{From: from, To: path, Checksum: checksums[i], Size: sizes[i]})
	}
	result.MissingFiles = leftovers(missing)

	progress.Checked = len(candidates)
	progress.NewFiles = len(result.NewFiles)
	progress.Moves = len(result.Moves)
	onProgress(progress)

	slog.Debug("index update prepared", "new", len(result.NewFiles), "moves", len(result.Moves), "missing", len(result.MissingFiles), "errors", len(result.ErrorFiles))
	return result, nil
}

// missingByChecksum maps stored checksums of indexed files that are gone
// from disk to their paths, oldest path first.
func missingByChecksum(ctx context.Context, lr repo.LocalRepo, result *PreparationResult) (map[string][]string, error) {
	stored, err := lr.StoredFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored files: %w", err)
	}
	slices.Sort(stored)

	missing := make(map[string][]string)
	for _, path := range stored {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exists, err := lr.VerifyFileExists(ctx, path)
		if err != nil {
			result.ErrorFiles[path] = err
			continue
		}
		if exists {
			continue
		}
		checksum, err := lr.FileChecksum(ctx, path)
		if err != nil {
			result.ErrorFiles[path] = err
			continue
		}
		missing[checksum] = append(missing[checksum], path)
	}
	return missing, nil
}

func computeChecksums(ctx context.Context, lr repo.LocalRepo, paths []string, pool *procedure.Pool, onChecked func(int)) ([]string, []int64, []error, error) {
	if pool == nil {
		pool = procedure.NewPool(0)
	}

	checksums := make([]string, len(paths))
	sizes := make([]int64, len(paths))
	errs := make([]error, len(paths))
	indices := make([]int, len(paths))
	for i := range indices {
		indices[i] = i
	}

	var mu sync.Mutex
	checked := 0
	err := procedure.Each(ctx, pool, indices, func(ctx context.Context, i int) error {
		checksums[i], sizes[i], errs[i] = lr.ComputeChecksum(ctx, paths[i])

		mu.Lock()
		checked++
		onChecked(checked)
		mu.Unlock()
		return nil
	})
	return checksums, sizes, errs, err
}

func leftovers(missing map[string][]string) []string {
	var out []string
	for _, paths := range missing {
		out = append(out, paths...)
	}
	slices.Sort(out)
	return out
}

func (p *PreparationResult) IsEmpty() bool {
	return len(p.NewFiles) == 0 && len(p.Moves) == 0
}

func (p *PreparationResult) PrintSummary(w io.Writer, indent string) {
	if len(p.MissingFiles) > 0 {
		fmt.Fprintln(w, "Missing indexed files not matched by add:")
		for _, path := range p.MissingFiles {
			fmt.Fprintf(w, "%s%s\n", indent, path)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "New files to be indexed:")
	for _, path := range p.NewFiles {
		fmt.Fprintf(w, "%s%s\n", indent, path)
	}

	if len(p.Moves) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Files to be moved:")
		for _, m := range p.Moves {
			fmt.Fprintf(w, "%s%s -> %s\n", indent, m.From, m.To)
		}
	}

	if len(p.ErrorFiles) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Files that could not be checked:")
		for _, path := range slices.Sorted(maps.Keys(p.ErrorFiles)) {
			fmt.Fprintf(w, "%s%s: %v\n", indent, path, p.ErrorFiles[path])
		}
	}
}
