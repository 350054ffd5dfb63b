package stream

// Var is a settable state value. Every subscriber first receives the current
// value.
type Var[T any] struct {
	h hub[T]
}

func NewVar[T any](initial T) *Var[T] {
	v := &Var[T]{}
	v.h.last = initial
	v.h.hasLast = true
	return v
}

func (v *Var[T]) Get() T {
	v.h.mu.Lock()
	defer v.h.mu.Unlock()
	return v.h.last
}

func (v *Var[T]) Set(x T) {
	v.h.mu.Lock()
	defer v.h.mu.Unlock()
	v.h.publish(x)
}

// Update applies fn atomically and publishes the result.
func (v *Var[T]) Update(fn func(T) T) T {
	v.h.mu.Lock()
	defer v.h.mu.Unlock()
	next := fn(v.h.last)
	v.h.publish(next)
	return next
}

func (v *Var[T]) Subscribe() *Subscription[T] {
	v.h.mu.Lock()
	defer v.h.mu.Unlock()
	return v.h.add(v.unsubscribe)
}

func (v *Var[T]) unsubscribe(sub *Subscription[T]) {
	v.h.mu.Lock()
	defer v.h.mu.Unlock()
	v.h.remove(sub)
}
