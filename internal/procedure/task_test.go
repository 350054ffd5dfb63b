package procedure

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recorder(mu *sync.Mutex, order *[]string, name string, err error) Task {
	return TaskFunc(func(ctx context.Context, jc *Context) error {
		mu.Lock()
		*order = append(*order, name)
		mu.Unlock()
		return err
	})
}

func TestSequential_StopsAtFirstFailure(t *testing.T) {
	var mu sync.Mutex
	var order []string
	boom := errors.New("boom")

	job := NewTaskJob("seq", Sequential(
		recorder(&mu, &order, "moves", nil),
		recorder(&mu, &order, "copies", boom),
		recorder(&mu, &order, "never", nil),
	))

	assert.ErrorIs(t, job.Run(context.Background()), boom)
	assert.Equal(t, []string{"moves", "copies"}, order)
}

func TestParallel_IsolatesFailures(t *testing.T) {
	var mu sync.Mutex
	var order []string
	first := errors.New("first destination failed")
	third := errors.New("third destination failed")

	job := NewTaskJob("fanout", Parallel(
		recorder(&mu, &order, "a", first),
		recorder(&mu, &order, "b", nil),
		recorder(&mu, &order, "c", third),
	))

	err := job.Run(context.Background())
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, third)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, order)
}

func TestSupervisor_RejectsSecondLaunch(t *testing.T) {
	sup := NewSupervisor()
	release := make(chan struct{})
	blocking := func() *Job {
		return NewJob("sync", func(ctx context.Context, jc *Context) error {
			<-release
			return nil
		})
	}

	first := blocking()
	require.NoError(t, sup.Launch(context.Background(), "sync:a->b", first))
	assert.ErrorIs(t, sup.Launch(context.Background(), "sync:a->b", blocking()), ErrAlreadyRunning)
	assert.NoError(t, sup.Launch(context.Background(), "sync:a->c", NewJob("other", func(ctx context.Context, jc *Context) error { return nil })))

	close(release)
	require.NoError(t, first.Wait(context.Background()))

	again := NewJob("sync", func(ctx context.Context, jc *Context) error { return nil })
	require.NoError(t, sup.Launch(context.Background(), "sync:a->b", again))
	current, ok := sup.Job("sync:a->b")
	require.True(t, ok)
	assert.Same(t, again, current)
	require.NoError(t, again.Wait(context.Background()))
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	var running, peak atomic.Int32
	items := make([]int, 20)

	err := Each(context.Background(), pool, items, func(ctx context.Context, _ int) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		running.Add(-1)
		return nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 2, pool.Size())
}

func TestEach_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	err := Each(context.Background(), NewPool(1), []int{1, 2, 3}, func(ctx context.Context, i int) error {
		if i == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}
