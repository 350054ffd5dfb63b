// Package addpush indexes new and moved files of a local repository and then
// pushes exactly those changes to a set of destinations.
package addpush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftkeep/internal/indexupdate"
	"github.com/openmined/syftkeep/internal/procedure"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/reposync"
	"github.com/openmined/syftkeep/internal/stream"
)

// PushProgress is the outcome so far for one destination.
type PushProgress struct {
	Moved    []indexupdate.Move
	Added    []string
	Errors   map[string]error
	Finished bool
}

type Options struct {
	Pool  *procedure.Pool
	Clock clockwork.Clock
}

type Job struct {
	*procedure.Job

	Prepared  *indexupdate.PreparationResult
	Selection indexupdate.Selection

	index *stream.Var[indexupdate.ExecutionProgress]
	push  *stream.Var[map[string]PushProgress]
}

func (j *Job) IndexProgress() indexupdate.ExecutionProgress {
	return j.index.Get()
}

func (j *Job) IndexProgressStream() stream.Observable[indexupdate.ExecutionProgress] {
	return j.index
}

// PushProgress returns the progress keyed by destination name.
func (j *Job) PushProgress() map[string]PushProgress {
	return j.push.Get()
}

func (j *Job) PushProgressStream() stream.Observable[map[string]PushProgress] {
	return j.push
}

func NewJob(source repo.LocalRepo, prepared *indexupdate.PreparationResult, sel indexupdate.Selection, destinations []reposync.Destination, opts Options) *Job {
	initial := make(map[string]PushProgress, len(destinations))
	for _, d := range destinations {
		initial[d.Name] = PushProgress{Errors: map[string]error{}}
	}

	j := &Job{
		Prepared:  prepared,
		Selection: sel,
		index: stream.NewVar(indexupdate.ExecutionProgress{
			MovesTotal: len(prepared.SelectedMoves(sel)),
			AddsTotal:  len(prepared.SelectedNewFiles(sel)),
		}),
		push: stream.NewVar(initial),
	}

	pushes := make([]procedure.Task, len(destinations))
	for i, d := range destinations {
		pushes[i] = j.pushTask(source, d, opts.Pool)
	}

	var jobOpts []procedure.JobOption
	if opts.Clock != nil {
		jobOpts = append(jobOpts, procedure.WithClock(opts.Clock))
	}
	j.Job = procedure.NewTaskJob("add and push", procedure.Sequential(
		j.indexTask(source),
		procedure.Parallel(pushes...),
	), jobOpts...)
	return j
}

func (j *Job) indexTask(source repo.LocalRepo) procedure.Task {
	return procedure.TaskFunc(func(ctx context.Context, jc *procedure.Context) error {
		// nothing is pushed unless every selected change got indexed
		if err := j.Prepared.Execute(ctx, source, j.Selection, jc, indexupdate.ProgressObserver(j.index)); err != nil {
			return fmt.Errorf("index update: %w", err)
		}

		var total int64
		idx, err := source.Index(ctx)
		if err != nil {
			return fmt.Errorf("load index: %w", err)
		}
		for _, path := range j.Prepared.SelectedNewFiles(j.Selection) {
			if f, ok := idx.Lookup(path); ok {
				total += f.Size
			}
		}
		jc.Tracker().AddTotal(total * int64(len(j.push.Get())))
		return nil
	})
}

func (j *Job) pushTask(source repo.LocalRepo, dest reposync.Destination, pool *procedure.Pool) procedure.Task {
	return procedure.TaskFunc(func(ctx context.Context, jc *procedure.Context) error {
		defer j.update(dest.Name, func(p *PushProgress) { p.Finished = true })

		env := reposync.Env{Job: jc, Pool: pool, Prefix: dest.Name + ": "}
		fail := func(path string, err error) {
			slog.Warn("push", "destination", dest.Name, "path", path, "error", err)
			jc.RecordError(env.Prefix+path, err)
			j.update(dest.Name, func(p *PushProgress) { p.Errors[path] = err })
		}

		idx, err := dest.Repo.Index(ctx)
		if err != nil {
			return fmt.Errorf("%s: load index: %w", dest.Name, err)
		}

		for _, m := range j.Prepared.SelectedMoves(j.Selection) {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, ok := idx.Lookup(m.From)
			if !ok || f.Checksum != m.Checksum {
				jc.Logf("%sskipped move %s -> %s, not present", env.Prefix, m.From, m.To)
				continue
			}
			if err := dest.Repo.Move(ctx, m.From, m.To); err != nil {
				fail(m.To, err)
				continue
			}
			jc.Logf("%smoved %s -> %s", env.Prefix, m.From, m.To)
			j.update(dest.Name, func(p *PushProgress) { p.Moved = append(p.Moved, m) })
		}

		for _, path := range j.Prepared.SelectedNewFiles(j.Selection) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if present, err := samePresent(ctx, source, idx, path); err != nil {
				fail(path, err)
				continue
			} else if present {
				j.update(dest.Name, func(p *PushProgress) { p.Added = append(p.Added, path) })
				continue
			}
			if err := env.CopyFile(ctx, source, dest.Repo, path); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				j.update(dest.Name, func(p *PushProgress) { p.Errors[path] = err })
				continue
			}
			j.update(dest.Name, func(p *PushProgress) { p.Added = append(p.Added, path) })
		}
		return nil
	})
}

// samePresent tells whether the destination already holds path with the
// source content.
func samePresent(ctx context.Context, source repo.LocalRepo, idx *repo.RepoIndex, path string) (bool, error) {
	f, ok := idx.Lookup(path)
	if !ok {
		return false, nil
	}
	checksum, err := source.FileChecksum(ctx, path)
	if err != nil {
		return false, err
	}
	if checksum != f.Checksum {
		return false, fmt.Errorf("%s: %w", path, repo.ErrDestinationExists)
	}
	return true, nil
}

func (j *Job) update(name string, fn func(p *PushProgress)) {
	j.push.Update(func(all map[string]PushProgress) map[string]PushProgress {
		next := make(map[string]PushProgress, len(all))
		for k, v := range all {
			next[k] = v
		}
		p := next[name]
		p.Moved = slices.Clone(p.Moved)
		p.Added = slices.Clone(p.Added)
		errs := make(map[string]error, len(p.Errors))
		for k, v := range p.Errors {
			errs[k] = v
		}
		p.Errors = errs
		fn(&p)
		next[name] = p
		return next
	})
}
