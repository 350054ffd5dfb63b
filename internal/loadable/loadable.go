// Package loadable models a value that is observed asynchronously and may be
// loading, loaded, failed or temporarily not available.
package loadable

import "fmt"

type State int

const (
	Loading State = iota
	Loaded
	Failed
	// NotAvailable means the source is offline or locked. It is a normal,
	// recoverable condition and never an error.
	NotAvailable
)

func (s State) String() string {
	switch s {
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Failed:
		return "Failed"
	case NotAvailable:
		return "NotAvailable"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Loadable[T any] struct {
	State State
	Value T
	Err   error
	// FromCache marks a Loaded value that was served from the memorized store
	// instead of the live source.
	FromCache bool
}

func Of[T any](v T) Loadable[T] {
	return Loadable[T]{State: Loaded, Value: v}
}

func Cached[T any](v T) Loadable[T] {
	return Loadable[T]{State: Loaded, Value: v, FromCache: true}
}

func Pending[T any]() Loadable[T] {
	return Loadable[T]{State: Loading}
}

func Fail[T any](err error) Loadable[T] {
	return Loadable[T]{State: Failed, Err: err}
}

// Unavailable optionally carries the reason the source cannot be reached.
func Unavailable[T any](reason error) Loadable[T] {
	return Loadable[T]{State: NotAvailable, Err: reason}
}

func (l Loadable[T]) IsLoaded() bool {
	return l.State == Loaded
}

func (l Loadable[T]) String() string {
	switch l.State {
	case Loaded:
		if l.FromCache {
			return fmt.Sprintf("Loaded(cached, %v)", l.Value)
		}
		return fmt.Sprintf("Loaded(%v)", l.Value)
	case Failed, NotAvailable:
		if l.Err != nil {
			return fmt.Sprintf("%s(%v)", l.State, l.Err)
		}
	}
	return l.State.String()
}

// Map transforms a loaded value and passes every other state through.
func Map[T, U any](l Loadable[T], fn func(T) U) Loadable[U] {
	out := Loadable[U]{State: l.State, Err: l.Err, FromCache: l.FromCache}
	if l.State == Loaded {
		out.Value = fn(l.Value)
	}
	return out
}
