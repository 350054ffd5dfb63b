// Package procedure runs cancellable, progress reporting jobs composed of
// sequential and parallel tasks.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftkeep/internal/stream"
)

var ErrAlreadyStarted = errors.New("job already started")

// Body is the work of a job.
type Body func(ctx context.Context, jc *Context) error

type Job struct {
	ID   string
	Name string

	body    Body
	clock   clockwork.Clock
	state   *stream.Var[ExecutionState]
	tracker *Tracker
	log     *Log
	done    chan struct{}

	mu              sync.Mutex
	started         bool
	cancel          context.CancelFunc
	cancelRequested bool
	errorFiles      map[string]error
}

type JobOption func(*Job)

func WithClock(clock clockwork.Clock) JobOption {
	return func(j *Job) {
		j.clock = clock
	}
}

func NewJob(name string, body Body, opts ...JobOption) *Job {
	j := &Job{
		ID:         uuid.NewString(),
		Name:       name,
		body:       body,
		clock:      clockwork.NewRealClock(),
		state:      stream.NewVar[ExecutionState](NotStarted{}),
		log:        NewLog(),
		done:       make(chan struct{}),
		errorFiles: make(map[string]error),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.tracker = NewTracker(j.clock)
	return j
}

// NewTaskJob runs task as the job body.
func NewTaskJob(name string, task Task, opts ...JobOption) *Job {
	return NewJob(name, task.Run, opts...)
}

// Run executes the job and blocks until it finished.
func (j *Job) Run(ctx context.Context) error {
	ctx, err := j.begin(ctx)
	if err != nil {
		return err
	}
	return j.execute(ctx)
}

// Launch starts the job in the background.
func (j *Job) Launch(ctx context.Context) error {
	ctx, err := j.begin(ctx)
	if err != nil {
		return err
	}
	go j.execute(ctx)
	return nil
}

func (j *Job) begin(ctx context.Context) (context.Context, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started {
		return nil, ErrAlreadyStarted
	}
	j.started = true

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	if j.cancelRequested {
		cancel()
	}
	j.state.Set(Running{})
	return ctx, nil
}

func (j *Job) execute(ctx context.Context) error {
	defer close(j.done)
	defer j.cancel()

	slog.Info("job started", "job", j.Name, "id", j.ID)
	start := j.clock.Now()

	err := j.body(ctx, &Context{job: j})
	err = errors.Join(err, j.recordedErrors())
	if err != nil && ctx.Err() != nil && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %w", context.Canceled, err)
	}

	final := Finished{Err: err}
	switch {
	case final.Succeeded():
		slog.Info("job completed", "job", j.Name, "id", j.ID, "took", j.clock.Since(start))
	case final.Cancelled():
		slog.Warn("job cancelled", "job", j.Name, "id", j.ID, "took", j.clock.Since(start))
	default:
		slog.Error("job failed", "job", j.Name, "id", j.ID, "took", j.clock.Since(start), "error", err)
	}
	j.state.Set(final)
	return err
}

// Cancel stops the job at the next operation boundary. Cancelling a job that
// has not started makes it finish as cancelled as soon as it runs.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel != nil {
		j.cancel()
		return
	}
	j.cancelRequested = true
}

// Wait blocks until the job finished and returns its terminal error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.done:
	}
	if f, ok := j.State().(Finished); ok {
		return f.Err
	}
	return nil
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) State() ExecutionState {
	return j.state.Get()
}

func (j *Job) StateStream() stream.Observable[ExecutionState] {
	return j.state
}

func (j *Job) Progress() Progress {
	return j.tracker.Current()
}

func (j *Job) ProgressStream() stream.Observable[Progress] {
	return j.tracker.Stream()
}

func (j *Job) Tracker() *Tracker {
	return j.tracker
}

func (j *Job) Log() *Log {
	return j.log
}

// ErrorFiles returns the per-file failures recorded while running.
func (j *Job) ErrorFiles() map[string]error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return maps.Clone(j.errorFiles)
}

func (j *Job) recordError(path string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errorFiles[path] = err
}

func (j *Job) recordedErrors() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.errorFiles) == 0 {
		return nil
	}
	errs := make([]error, 0, len(j.errorFiles))
	for path, err := range j.errorFiles {
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}
	return errors.Join(errs...)
}

// Context is handed to the job body and its tasks.
type Context struct {
	job *Job
}

// RunOperation runs one leaf operation that reports progress through op.
func (c *Context) RunOperation(ctx context.Context, name string, fn func(op *Operation) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := c.job.tracker.begin(name)
	defer c.job.tracker.end(op.id)
	return fn(op)
}

// RecordError keeps a per-file failure without aborting the job. The job
// still finishes with an error that lists all recorded failures.
func (c *Context) RecordError(path string, err error) {
	c.job.recordError(path, err)
	c.Logf("%s: %v", path, err)
}

func (c *Context) Logf(format string, args ...any) {
	c.job.log.Appendf(format, args...)
}

func (c *Context) Tracker() *Tracker {
	return c.job.tracker
}

func (c *Context) Job() *Job {
	return c.job
}
