package signaling

import (
	"sync"
	"sync/atomic"
)

// Latch is a signal that indicates some permanent condition has been met, such
// as a task having stopped.
//
// The zero value is an unset latch.
type Latch struct {
	init    sync.Once
	sig     chan struct{}
	latched atomic.Bool
}

// Signaled returns a channel that is closed once the latch has been set.
func (l *Latch) Signaled() <-chan struct{} {
	return l.signal()
}

// IsSignaled returns true if the latch has been set.
func (l *Latch) IsSignaled() bool {
	return l.latched.Load()
}

// Signal sets the latch. It is safe to call Signal more than once.
func (l *Latch) Signal() {
	if l.latched.CompareAndSwap(false, true) {
		close(l.signal())
	}
}

func (l *Latch) signal() chan struct{} {
	l.init.Do(func() {
		l.sig = make(chan struct{})
	})
	return l.sig
}
