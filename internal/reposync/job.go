package reposync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftkeep/internal/procedure"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/stream"
)

var ErrAbandoned = errors.New("sync abandoned")

// Prompter confirms a step right before it runs.
type Prompter func(ctx context.Context, step Step, ops []Operation) (bool, error)

type JobOptions struct {
	// Selection limits execution to a subset of the discovered operations.
	// A nil selection executes everything.
	Selection mapset.Set[Operation]
	Observer  Observer
	Prompter  Prompter
	Pool      *procedure.Pool
	Clock     clockwork.Clock
}

func (o JobOptions) jobOptions() []procedure.JobOption {
	if o.Clock == nil {
		return nil
	}
	return []procedure.JobOption{procedure.WithClock(o.Clock)}
}

type StepProgress struct {
	Step          string
	Completed     int
	Total         int
	TimeEstimated time.Duration
	Done          bool
}

type Job struct {
	*procedure.Job
	Discovered *Discovered
	steps      *stream.Var[[]StepProgress]
}

func (j *Job) StepProgress() []StepProgress {
	return j.steps.Get()
}

func (j *Job) StepProgressStream() stream.Observable[[]StepProgress] {
	return j.steps
}

// NewJob executes the discovered steps from base into dst, one step after
// the other, so moves finish before new files are copied onto freed paths.
func (d *Discovered) NewJob(base, dst repo.Repo, opts JobOptions) *Job {
	job := &Job{
		Discovered: d,
		steps:      stream.NewVar[[]StepProgress](nil),
	}

	runner := &stepRunner{base: base, dst: dst, opts: opts, progress: job.steps}
	job.steps.Set(runner.initialProgress(d.Steps))

	tasks := make([]procedure.Task, len(d.Steps))
	for i, step := range d.Steps {
		tasks[i] = runner.task(i, step)
	}
	job.Job = procedure.NewTaskJob("sync", procedure.Sequential(tasks...), opts.jobOptions()...)
	return job
}

type stepRunner struct {
	base, dst repo.Repo
	opts      JobOptions
	prefix    string
	progress  *stream.Var[[]StepProgress]
}

func (r *stepRunner) selected(step Step) []Operation {
	ops := step.Operations()
	if r.opts.Selection == nil {
		return ops
	}
	return slices.DeleteFunc(ops, func(op Operation) bool {
		return !r.opts.Selection.Contains(op)
	})
}

func (r *stepRunner) initialProgress(steps []Step) []StepProgress {
	out := make([]StepProgress, len(steps))
	for i, s := range steps {
		out[i] = StepProgress{Step: s.Name(), Total: len(r.selected(s))}
	}
	return out
}

func (r *stepRunner) update(i int, fn func(*StepProgress)) {
	if r.progress == nil {
		return
	}
	r.progress.Update(func(all []StepProgress) []StepProgress {
		next := slices.Clone(all)
		fn(&next[i])
		return next
	})
}

func (r *stepRunner) task(i int, step Step) procedure.Task {
	return procedure.TaskFunc(func(ctx context.Context, jc *procedure.Context) error {
		ops := r.selected(step)
		if len(ops) == 0 {
			r.update(i, func(p *StepProgress) { p.Done = true })
			return nil
		}

		if r.opts.Prompter != nil {
			ok, err := r.opts.Prompter(ctx, step, ops)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", step.Name(), ErrAbandoned)
			}
		}

		var remaining int64
		for _, op := range ops {
			remaining += op.BytesToCopy()
		}
		jc.Tracker().AddTotal(remaining)
		jc.Logf("%s%s: %d operations", r.prefix, step.Name(), len(ops))

		env := Env{Job: jc, Pool: r.opts.Pool, Observer: r.opts.Observer, Prefix: r.prefix}
		for _, op := range ops {
			if err := ctx.Err(); err != nil {
				return err
			}
			// file level failures are recorded on the job through env
			_ = op.Apply(ctx, r.base, r.dst, env)

			remaining -= op.BytesToCopy()
			velocity := jc.Tracker().Current().Velocity
			r.update(i, func(p *StepProgress) {
				p.Completed++
				if velocity > 0 {
					p.TimeEstimated = time.Duration(float64(remaining) / velocity * float64(time.Second))
				}
			})
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		r.update(i, func(p *StepProgress) {
			p.Done = true
			p.TimeEstimated = 0
		})
		return nil
	})
}

type Destination struct {
	Name string
	Repo repo.Repo
}

// NewPushJob syncs base into every destination in parallel. Each destination
// is discovered and executed on its own; a failing destination does not stop
// the others.
func NewPushJob(base repo.Repo, destinations []Destination, discovery Discovery, opts JobOptions) *procedure.Job {
	tasks := make([]procedure.Task, len(destinations))
	for i, dest := range destinations {
		tasks[i] = procedure.TaskFunc(func(ctx context.Context, jc *procedure.Context) error {
			discovered, err := discovery.Prepare(ctx, base, dest.Repo)
			if err != nil {
				return fmt.Errorf("%s: %w", dest.Name, err)
			}
			if discovered.IsUpToDate() {
				jc.Logf("%s: up to date", dest.Name)
				return nil
			}

			runner := &stepRunner{base: base, dst: dest.Repo, opts: JobOptions{
				Observer: opts.Observer,
				Prompter: opts.Prompter,
				Pool:     opts.Pool,
			}, prefix: dest.Name + ": "}
			steps := make([]procedure.Task, len(discovered.Steps))
			for i, step := range discovered.Steps {
				steps[i] = runner.task(i, step)
			}
			if err := procedure.Sequential(steps...).Run(ctx, jc); err != nil {
				return fmt.Errorf("%s: %w", dest.Name, err)
			}
			return nil
		})
	}
	return procedure.NewTaskJob("push", procedure.Parallel(tasks...), opts.jobOptions()...)
}
