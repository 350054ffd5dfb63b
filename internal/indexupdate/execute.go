package indexupdate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftkeep/internal/procedure"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/stream"
)

// Selection limits execution. Moves are keyed by their destination path.
// Nil sets select everything.
type Selection struct {
	Moves    mapset.Set[string]
	NewFiles mapset.Set[string]
}

func (s Selection) move(m Move) bool {
	return s.Moves == nil || s.Moves.Contains(m.To)
}

func (s Selection) newFile(path string) bool {
	return s.NewFiles == nil || s.NewFiles.Contains(path)
}

// SelectedMoves returns the moves chosen by sel, in preparation order.
func (p *PreparationResult) SelectedMoves(sel Selection) []Move {
	var out []Move
	for _, m := range p.Moves {
		if sel.move(m) {
			out = append(out, m)
		}
	}
	return out
}

func (p *PreparationResult) SelectedNewFiles(sel Selection) []string {
	var out []string
	for _, path := range p.NewFiles {
		if sel.newFile(path) {
			out = append(out, path)
		}
	}
	return out
}

type ExecutionObserver interface {
	MoveCompleted(m Move)
	AddCompleted(path string)
}

type ExecutionProgress struct {
	MovesDone  int
	MovesTotal int
	AddsDone   int
	AddsTotal  int
}

// Execute applies moves first, re-indexing the new path before forgetting
// the old one, then indexes the new files. Failures of single items are
// collected and do not stop the rest.
func (p *PreparationResult) Execute(ctx context.Context, lr repo.LocalRepo, sel Selection, jc *procedure.Context, observers ...ExecutionObserver) error {
	var errs []error
	fail := func(path string, err error) {
		slog.Warn("index update", "path", path, "error", err)
		if jc != nil {
			jc.RecordError(path, err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}

	for _, m := range p.SelectedMoves(sel) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := lr.Add(ctx, m.To); err != nil {
			fail(m.To, err)
			continue
		}
		if err := lr.Remove(ctx, m.From); err != nil {
			fail(m.From, err)
			continue
		}
		if jc != nil {
			jc.Logf("moved %s -> %s", m.From, m.To)
		}
		for _, o := range observers {
			o.MoveCompleted(m)
		}
	}

	for _, path := range p.SelectedNewFiles(sel) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := lr.Add(ctx, path); err != nil {
			fail(path, err)
			continue
		}
		if jc != nil {
			jc.Logf("added %s", path)
		}
		for _, o := range observers {
			o.AddCompleted(path)
		}
	}

	return errors.Join(errs...)
}

type Job struct {
	*procedure.Job
	progress *stream.Var[ExecutionProgress]
}

func (j *Job) ExecutionProgress() ExecutionProgress {
	return j.progress.Get()
}

func (j *Job) ExecutionProgressStream() stream.Observable[ExecutionProgress] {
	return j.progress
}

// ProgressObserver counts completed moves and adds into progress.
func ProgressObserver(progress *stream.Var[ExecutionProgress]) ExecutionObserver {
	return progressObserver{progress}
}

type progressObserver struct {
	progress *stream.Var[ExecutionProgress]
}

func (o progressObserver) MoveCompleted(Move) {
	o.progress.Update(func(p ExecutionProgress) ExecutionProgress {
		p.MovesDone++
		return p
	})
}

func (o progressObserver) AddCompleted(string) {
	o.progress.Update(func(p ExecutionProgress) ExecutionProgress {
		p.AddsDone++
		return p
	})
}

// Task executes the update as part of a larger job.
func (p *PreparationResult) Task(lr repo.LocalRepo, sel Selection, observers ...ExecutionObserver) procedure.Task {
	return procedure.TaskFunc(func(ctx context.Context, jc *procedure.Context) error {
		// item failures are recorded on the job
		if err := p.Execute(ctx, lr, sel, jc, observers...); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})
}

func (p *PreparationResult) NewJob(lr repo.LocalRepo, sel Selection, clock clockwork.Clock) *Job {
	progress := stream.NewVar(ExecutionProgress{
		MovesTotal: len(p.SelectedMoves(sel)),
		AddsTotal:  len(p.SelectedNewFiles(sel)),
	})

	var opts []procedure.JobOption
	if clock != nil {
		opts = append(opts, procedure.WithClock(clock))
	}
	return &Job{
		Job:      procedure.NewTaskJob("index update", p.Task(lr, sel, ProgressObserver(progress)), opts...),
		progress: progress,
	}
}
