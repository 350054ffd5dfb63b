package reposync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	pathpkg "path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/syftkeep/internal/compare"
	"github.com/openmined/syftkeep/internal/procedure"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/utils"
)

// Operation is one unit of reconciliation work. Operations hold no repository
// state and are applied against the handles passed in.
type Operation interface {
	// BytesToCopy is only used to estimate progress.
	BytesToCopy() int64
	Apply(ctx context.Context, base, dst repo.Repo, env Env) error
	String() string
}

// Observer is told about every file level outcome.
type Observer interface {
	FileCopied(path string, size int64)
	FileMoved(from, to string)
	FileDeleted(path string)
	FileFailed(path string, err error)
}

// Env carries the execution context of an operation. All fields are optional.
type Env struct {
	Job      *procedure.Context
	Pool     *procedure.Pool
	Observer Observer
	// Prefix is prepended to paths of recorded failures, to tell
	// destinations of a fan-out apart.
	Prefix string
}

func (e Env) copied(path string, size int64) {
	slog.Debug("sync", "op", "copy", "path", path, "size", humanize.Bytes(uint64(size)))
	if e.Job != nil {
		e.Job.Logf("%scopied %s", e.Prefix, path)
	}
	if e.Observer != nil {
		e.Observer.FileCopied(path, size)
	}
}

func (e Env) moved(from, to string) {
	slog.Debug("sync", "op", "move", "from", from, "to", to)
	if e.Job != nil {
		e.Job.Logf("%smoved %s -> %s", e.Prefix, from, to)
	}
	if e.Observer != nil {
		e.Observer.FileMoved(from, to)
	}
}

func (e Env) deleted(path string) {
	slog.Debug("sync", "op", "delete", "path", path)
	if e.Job != nil {
		e.Job.Logf("%sdeleted %s", e.Prefix, path)
	}
	if e.Observer != nil {
		e.Observer.FileDeleted(path)
	}
}

func (e Env) failed(path string, err error) error {
	slog.Warn("sync", "path", path, "error", err)
	if e.Job != nil {
		e.Job.RecordError(e.Prefix+path, err)
	}
	if e.Observer != nil {
		e.Observer.FileFailed(path, err)
	}
	return fmt.Errorf("%s: %w", path, err)
}

// CopyFile streams path from base into dst, reporting progress to the job.
func (e Env) CopyFile(ctx context.Context, base, dst repo.Repo, path string) error {
	size, err := e.transfer(ctx, base, dst, path, path)
	if err != nil {
		return e.failed(path, err)
	}
	e.copied(path, size)
	return nil
}

// ReplaceFile saves the base content of path under a staging name first and
// only then swaps it in for the current destination occupant, so a failed
// transfer leaves the occupant in place.
func (e Env) ReplaceFile(ctx context.Context, base, dst repo.Repo, path string) error {
	staged := stagingPath(path)
	size, err := e.transfer(ctx, base, dst, path, staged)
	if err != nil {
		return e.failed(path, err)
	}

	swapCtx := context.WithoutCancel(ctx)
	release := utils.InProgress.Track(staged, func() error { return dst.Delete(swapCtx, staged) })
	defer release()

	if err := dst.Delete(swapCtx, path); err != nil && !errors.Is(err, repo.ErrFileNotFound) {
		if cerr := dst.Delete(swapCtx, staged); cerr != nil {
			slog.Warn("sync", "op", "discard staged", "path", staged, "error", cerr)
		}
		return e.failed(path, err)
	}
	e.deleted(path)

	if err := dst.Move(swapCtx, staged, path); err != nil {
		release()
		return e.failed(path, fmt.Errorf("new content kept as %s: %w", staged, err))
	}
	e.copied(path, size)
	return nil
}

func (e Env) transfer(ctx context.Context, base, dst repo.Repo, path, target string) (int64, error) {
	var size int64
	run := func(op *procedure.Operation) error {
		info, rc, err := base.Open(ctx, path)
		if err != nil {
			return err
		}
		defer rc.Close()

		size = info.Length
		return dst.Save(ctx, target, info, rc, func(copied int64) {
			op.Report(copied, info.Length)
		})
	}

	withTracking := func() error {
		if e.Job == nil {
			return run(nil)
		}
		return e.Job.RunOperation(ctx, path, run)
	}

	if e.Pool != nil {
		return size, e.Pool.Do(ctx, withTracking)
	}
	return size, withTracking()
}

func stagingPath(p string) string {
	return pathpkg.Join(pathpkg.Dir(p), "."+pathpkg.Base(p)+".syncing-"+uuid.NewString()[:8])
}

// RelocationApplyOperation renames destination files to the base naming and
// optionally fixes the duplicate count.
type RelocationApplyOperation struct {
	Relocation              compare.Relocation
	AllowDuplicateIncrease  bool
	AllowDuplicateReduction bool
}

func (o *RelocationApplyOperation) BytesToCopy() int64 {
	return o.Relocation.FileSize * int64(len(o.Relocation.ExtraBaseLocations()))
}

func (o *RelocationApplyOperation) Apply(ctx context.Context, base, dst repo.Repo, env Env) error {
	extraBase := o.Relocation.ExtraBaseLocations()
	extraOther := o.Relocation.ExtraOtherLocations()

	if len(extraBase) > len(extraOther) && !o.AllowDuplicateIncrease {
		return env.failed(o.String(), repo.ErrDuplicateChangeNotAllowed)
	}
	if len(extraOther) > len(extraBase) && !o.AllowDuplicateReduction {
		return env.failed(o.String(), repo.ErrDuplicateChangeNotAllowed)
	}

	var errs []error
	n := min(len(extraBase), len(extraOther))
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := dst.Move(ctx, extraOther[i], extraBase[i]); err != nil {
			errs = append(errs, env.failed(extraOther[i], err))
			continue
		}
		env.moved(extraOther[i], extraBase[i])
	}

	for _, path := range extraBase[n:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := env.CopyFile(ctx, base, dst, path); err != nil {
			errs = append(errs, err)
		}
	}

	for _, path := range extraOther[n:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := dst.Delete(ctx, path); err != nil {
			errs = append(errs, env.failed(path, err))
			continue
		}
		env.deleted(path)
	}

	return errors.Join(errs...)
}

func (o *RelocationApplyOperation) String() string {
	return "move " + filenames(o.Relocation.ExtraOtherLocations()) + " -> " + filenames(o.Relocation.ExtraBaseLocations())
}

// AdditiveReplicationOperation copies content to the base paths without
// touching what the destination already has.
type AdditiveReplicationOperation struct {
	Relocation compare.Relocation
}

func (o *AdditiveReplicationOperation) BytesToCopy() int64 {
	return o.Relocation.FileSize * int64(len(o.Relocation.ExtraBaseLocations()))
}

func (o *AdditiveReplicationOperation) Apply(ctx context.Context, base, dst repo.Repo, env Env) error {
	var errs []error
	for _, path := range o.Relocation.ExtraBaseLocations() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := env.CopyFile(ctx, base, dst, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *AdditiveReplicationOperation) String() string {
	return "copy " + filenames(o.Relocation.ExtraBaseLocations()) + " (keeping " + filenames(o.Relocation.ExtraOtherLocations()) + ")"
}

// CopyNewFileOperation copies content missing from the destination.
type CopyNewFileOperation struct {
	Group compare.ExtraGroup
	// Overwrite lists paths whose current destination content is replaced.
	Overwrite []string
}

func (o *CopyNewFileOperation) BytesToCopy() int64 {
	return o.Group.FileSize * int64(len(o.Group.Filenames))
}

func (o *CopyNewFileOperation) Apply(ctx context.Context, base, dst repo.Repo, env Env) error {
	var errs []error
	for _, path := range o.Group.Filenames {
		if err := ctx.Err(); err != nil {
			return err
		}
		copyFile := env.CopyFile
		if o.replaces(path) {
			copyFile = env.ReplaceFile
		}
		if err := copyFile(ctx, base, dst, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *CopyNewFileOperation) replaces(path string) bool {
	for _, p := range o.Overwrite {
		if p == path {
			return true
		}
	}
	return false
}

func (o *CopyNewFileOperation) String() string {
	if len(o.Overwrite) > 0 {
		return "copy " + filenames(o.Group.Filenames) + " (overwriting " + filenames(o.Overwrite) + ")"
	}
	return "copy " + filenames(o.Group.Filenames)
}

func filenames(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	return "{" + strings.Join(names, ", ") + "}"
}
