package procedure

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_StateTransitions(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	job := NewJob("test", func(ctx context.Context, jc *Context) error {
		close(entered)
		<-release
		return nil
	})

	assert.IsType(t, NotStarted{}, job.State())
	require.NoError(t, job.Launch(context.Background()))
	<-entered
	assert.IsType(t, Running{}, job.State())

	close(release)
	require.NoError(t, job.Wait(context.Background()))

	final, ok := job.State().(Finished)
	require.True(t, ok)
	assert.True(t, final.Succeeded())
	assert.Equal(t, "Completed", final.String())

	assert.ErrorIs(t, job.Run(context.Background()), ErrAlreadyStarted)
}

func TestJob_FailureIsNotCancellation(t *testing.T) {
	boom := errors.New("boom")
	job := NewJob("failing", func(ctx context.Context, jc *Context) error {
		return boom
	})

	err := job.Run(context.Background())
	assert.ErrorIs(t, err, boom)

	final := job.State().(Finished)
	assert.False(t, final.Cancelled())
	assert.Contains(t, final.String(), "Failed")
}

func TestJob_CancelIsDistinguishable(t *testing.T) {
	entered := make(chan struct{})
	job := NewJob("cancellable", func(ctx context.Context, jc *Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, job.Launch(context.Background()))
	<-entered
	job.Cancel()

	err := job.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	final := job.State().(Finished)
	assert.True(t, final.Cancelled())
	assert.Equal(t, "Cancelled", final.String())
}

func TestJob_CancelBeforeRun(t *testing.T) {
	var ran atomic.Bool
	job := NewJob("never", func(ctx context.Context, jc *Context) error {
		return jc.RunOperation(ctx, "op", func(op *Operation) error {
			ran.Store(true)
			return nil
		})
	})

	job.Cancel()
	err := job.Run(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestJob_RecordedErrorsFailTheJob(t *testing.T) {
	job := NewJob("partial", func(ctx context.Context, jc *Context) error {
		jc.RecordError("a.txt", errors.New("disk full"))
		return nil
	})

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.txt: disk full")
	assert.Contains(t, job.ErrorFiles(), "a.txt")
	assert.Equal(t, []string{"a.txt: disk full"}, job.Log().Lines())
}

func TestJob_ProgressAggregation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reported := make(chan struct{})
	release := make(chan struct{})

	job := NewJob("copy", func(ctx context.Context, jc *Context) error {
		jc.Tracker().AddTotal(300)
		return jc.RunOperation(ctx, "file", func(op *Operation) error {
			clock.Advance(time.Second)
			op.Report(100, 300)
			close(reported)
			<-release
			return nil
		})
	}, WithClock(clock))

	require.NoError(t, job.Launch(context.Background()))
	<-reported

	p := job.Progress()
	require.Len(t, p.InFlight, 1)
	assert.EqualValues(t, 100, p.CopiedBytes)
	assert.EqualValues(t, 300, p.TotalBytes)
	assert.InDelta(t, 100.0, p.Velocity, 0.001)
	assert.True(t, p.HasEstimate)
	assert.Equal(t, 2*time.Second, p.TimeRemaining)
	assert.InDelta(t, 1.0/3.0, p.Fraction(), 0.001)

	close(release)
	require.NoError(t, job.Wait(context.Background()))
	assert.Empty(t, job.Progress().InFlight)
	assert.EqualValues(t, 100, job.Progress().CopiedBytes)
}

func TestTracker_VelocityWeightsRecentOperations(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := NewTracker(clock)

	slow := tr.begin("slow")
	clock.Advance(time.Second)
	slow.Report(10, 10)
	tr.end(slow.id)

	fast := tr.begin("fast")
	clock.Advance(time.Second)
	fast.Report(40, 40)

	// (1*10 + 2*40) / 3
	assert.InDelta(t, 30.0, tr.Current().Velocity, 0.001)
}

func TestOperation_NilReportIsIgnored(t *testing.T) {
	var op *Operation
	assert.NotPanics(t, func() { op.Report(1, 2) })
}
