package loadable

import (
	"context"

	"github.com/openmined/syftkeep/internal/stream"
)

// Reload produces a fresh load result every time trigger emits, for as long
// as the producer runs. A slow load conflates pending triggers into one.
func Reload[T, U any](trigger stream.Observable[U], load func(ctx context.Context) (T, error)) stream.Producer[Loadable[T]] {
	return func(ctx context.Context, emit func(Loadable[T])) {
		sub := trigger.Subscribe()
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C():
				if !ok {
					return
				}
				v, err := load(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					emit(Fail[T](err))
				} else {
					emit(Of(v))
				}
			}
		}
	}
}
