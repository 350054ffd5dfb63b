package procedure

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

type Task interface {
	Run(ctx context.Context, jc *Context) error
}

type TaskFunc func(ctx context.Context, jc *Context) error

func (f TaskFunc) Run(ctx context.Context, jc *Context) error {
	return f(ctx, jc)
}

type sequential []Task

// Sequential runs tasks in order and stops at the first failure.
func Sequential(tasks ...Task) Task {
	return sequential(tasks)
}

func (s sequential) Run(ctx context.Context, jc *Context) error {
	for _, t := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.Run(ctx, jc); err != nil {
			return err
		}
	}
	return nil
}

type parallel []Task

// Parallel runs tasks concurrently. A failing task does not stop its
// siblings; all failures are joined once every task returned.
func Parallel(tasks ...Task) Task {
	return parallel(tasks)
}

func (p parallel) Run(ctx context.Context, jc *Context) error {
	var g errgroup.Group
	errs := make([]error, len(p))
	for i, t := range p {
		g.Go(func() error {
			errs[i] = t.Run(ctx, jc)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
