// Package cell provides a spinlock guarded value.
//
// A Cell pairs an exclusive-access flag with a value of type T. The value is
// only reachable inside the operation passed to RunExclusive or Do, which runs
// while the flag is held:
//
//	c := cell.New(0)
//	prev := cell.RunExclusive(c, func(v *int) int {
//		prev := *v
//		*v++
//		return prev
//	})
//
// Waiting is a busy spin. There is no fairness, no re-entrancy (calling
// RunExclusive on the same cell from inside an operation deadlocks) and no
// poisoning: a panicking operation releases the cell and leaves the value in
// whatever state it reached.
package cell

import (
	"runtime"

	"github.com/go-ricrob/spincell/internal/spinlock"
)

// Cell is a value guarded by a spinlock.
//
// A Cell must not be copied after first use.
type Cell[T any] struct {
	mu    spinlock.Mutex
	spin  func()
	value T
}

// Option configures a Cell.
type Option func(*options)

type options struct {
	spin func()
}

// WithSpin sets a function called between failed acquisition attempts.
// The default is a pure busy spin without yielding.
func WithSpin(spin func()) Option { return func(o *options) { o.spin = spin } }

// Yield is a spin function handing the processor to other goroutines.
func Yield() { runtime.Gosched() }

// New returns an unlocked cell holding v.
func New[T any](v T, opts ...Option) *Cell[T] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return &Cell[T]{spin: o.spin, value: v}
}

func (c *Cell[T]) lock() {
	if c.spin == nil {
		c.mu.Lock()
		return
	}
	c.mu.LockSpin(c.spin)
}

// Locked reports whether an operation holds c at the time of the call.
func (c *Cell[T]) Locked() bool { return c.mu.Locked() }

// RunExclusive calls op with exclusive access to the value of c and returns
// the result of op.
//
// The pointer passed to op must not be retained after op returns.
// c is released on every exit of op, including panics, which propagate to the caller.
func RunExclusive[T, R any](c *Cell[T], op func(*T) R) R {
	c.lock()
	defer c.mu.Unlock()
	return op(&c.value)
}

// Do calls op with exclusive access to the value of c.
func (c *Cell[T]) Do(op func(*T)) {
	c.lock()
	defer c.mu.Unlock()
	op(&c.value)
}
