package stream

import "context"

// Switch runs the producer chosen for the latest value of src. A new value
// from src stops the previous producer before the next one starts, so values
// of a superseded producer are never emitted.
func Switch[A, B any](src Observable[A], choose func(A) Producer[B]) Producer[B] {
	return func(ctx context.Context, emit func(B)) {
		sub := src.Subscribe()
		defer sub.Unsubscribe()

		cancel := context.CancelFunc(func() {})
		var done chan struct{}
		stop := func() {
			cancel()
			if done != nil {
				<-done
			}
		}
		defer func() { stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-sub.C():
				if !ok {
					return
				}
				stop()

				var innerCtx context.Context
				innerCtx, cancel = context.WithCancel(ctx)
				done = make(chan struct{})
				produce := choose(a)
				go func(done chan struct{}) {
					defer close(done)
					produce(innerCtx, emit)
				}(done)
			}
		}
	}
}

// Forward emits every value of obs passed through fn.
func Forward[A, B any](obs Observable[A], fn func(A) B) Producer[B] {
	return func(ctx context.Context, emit func(B)) {
		sub := obs.Subscribe()
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-sub.C():
				if !ok {
					return
				}
				emit(fn(a))
			}
		}
	}
}

// Just emits v once.
func Just[T any](v T) Producer[T] {
	return func(ctx context.Context, emit func(T)) {
		emit(v)
	}
}
