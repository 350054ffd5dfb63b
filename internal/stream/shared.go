package stream

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultKeepAlive = 500 * time.Millisecond

// Producer pushes values through emit until ctx is cancelled.
type Producer[T any] func(ctx context.Context, emit func(T))

// Shared runs its producer only while somebody listens. The producer starts
// with the first subscriber and is stopped keepAlive after the last one
// leaves. The last emitted value is replayed to new subscribers, including
// ones arriving after the producer was stopped.
type Shared[T any] struct {
	h         hub[T]
	produce   Producer[T]
	keepAlive time.Duration
	clock     clockwork.Clock

	run    uint64
	cancel context.CancelFunc
	gen    uint64
	timer  clockwork.Timer
}

type SharedOption[T any] func(*Shared[T])

func WithClock[T any](clock clockwork.Clock) SharedOption[T] {
	return func(s *Shared[T]) {
		s.clock = clock
	}
}

func NewShared[T any](produce Producer[T], keepAlive time.Duration, opts ...SharedOption[T]) *Shared[T] {
	s := &Shared[T]{
		produce:   produce,
		keepAlive: keepAlive,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Shared[T]) Subscribe() *Subscription[T] {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()

	sub := s.h.add(s.unsubscribe)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.gen++
	}
	if s.cancel == nil {
		s.start()
	}
	return sub
}

// Running reports whether the producer is currently active.
func (s *Shared[T]) Running() bool {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	return s.cancel != nil
}

func (s *Shared[T]) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.run++
	run := s.run

	emit := func(v T) {
		s.h.mu.Lock()
		defer s.h.mu.Unlock()
		if s.run != run || s.cancel == nil {
			return
		}
		s.h.publish(v)
	}
	go s.produce(ctx, emit)
}

func (s *Shared[T]) unsubscribe(sub *Subscription[T]) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()

	s.h.remove(sub)
	if len(s.h.subs) > 0 || s.cancel == nil {
		return
	}

	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.keepAlive, func() {
		s.expire(gen)
	})
}

func (s *Shared[T]) expire(gen uint64) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()

	if gen != s.gen || len(s.h.subs) > 0 || s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.timer = nil
}
