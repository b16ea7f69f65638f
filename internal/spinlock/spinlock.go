// Package spinlock provides a spinlock mutex.
package spinlock

import "sync/atomic"

const (
	unlocked int32 = iota
	locked
)

// Mutex represents a spinlock.
//
// The zero value is an unlocked mutex. A Mutex must not be copied after first use.
type Mutex struct {
	state atomic.Int32 // unlocked or locked
}

// Lock locks the mutex busy waiting (spinlock) without yielding.
func (m *Mutex) Lock() {
	// sync/atomic operations are sequentially consistent: a successful CAS
	// observes every write made before the matching Unlock.
	for !m.state.CompareAndSwap(unlocked, locked) {
	}
}

// LockSpin locks the mutex busy waiting and calls spin after every failed attempt.
// A nil spin behaves like Lock.
func (m *Mutex) LockSpin(spin func()) {
	if spin == nil {
		m.Lock()
		return
	}
	for !m.state.CompareAndSwap(unlocked, locked) {
		spin()
	}
}

// Unlock unlocks the mutex.
func (m *Mutex) Unlock() {
	if !m.state.CompareAndSwap(locked, unlocked) {
		panic("spinlock: unlock of unlocked mutex")
	}
}

// Locked reports whether the mutex is held at the time of the call.
func (m *Mutex) Locked() bool { return m.state.Load() == locked }
