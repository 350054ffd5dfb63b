// Package stream provides broadcast observables that cache the last value for
// late subscribers. Subscriptions are conflating: a slow subscriber only ever
// misses intermediate values, never the latest one, and never blocks the
// publisher.
package stream

import (
	"context"
	"sync"
)

type Observable[T any] interface {
	Subscribe() *Subscription[T]
}

type Subscription[T any] struct {
	ch     chan T
	once   sync.Once
	cancel func(*Subscription[T])
}

// C returns the channel delivering values. It is closed on Unsubscribe.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.cancel(s)
	})
}

// hub keeps the subscriber set and the replay value. Callers hold mu.
type hub[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	last    T
	hasLast bool
}

func (h *hub[T]) add(cancel func(*Subscription[T])) *Subscription[T] {
	if h.subs == nil {
		h.subs = make(map[*Subscription[T]]struct{})
	}
	sub := &Subscription[T]{ch: make(chan T, 1), cancel: cancel}
	h.subs[sub] = struct{}{}
	if h.hasLast {
		sub.ch <- h.last
	}
	return sub
}

func (h *hub[T]) remove(sub *Subscription[T]) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

func (h *hub[T]) publish(v T) {
	h.last = v
	h.hasLast = true
	for sub := range h.subs {
		offer(sub.ch, v)
	}
}

// offer replaces a pending undelivered value with v. Only the hub sends on
// the channel, and it does so under its lock, so the second send never blocks.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// First blocks until obs delivers a value accepted by match.
func First[T any](ctx context.Context, obs Observable[T], match func(T) bool) (T, error) {
	sub := obs.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case v, ok := <-sub.C():
			if !ok {
				var zero T
				return zero, context.Canceled
			}
			if match == nil || match(v) {
				return v, nil
			}
		}
	}
}
