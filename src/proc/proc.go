// Package proc provides the cooperative scheduling primitives the cache
// packages block on: a per-object LOCKED bit with uninterruptible
// sleep/wakeup, and an interrupt-mask-equivalent critical section. On a real
// kernel these are CLI/STI and the process scheduler; here, per spec.md's
// Design Notes §9, a user-space reimplementation substitutes an explicit
// mutex and a broadcast channel while keeping the same semantics: no
// FIFO ordering guarantee, no cancellation, callers must re-check their
// condition in a loop after waking.
package proc

import "sync"

// Waitchan_t is a broadcast wait channel. Sleep blocks until the next
// Wakeall after it started waiting; Wakeall never blocks and wakes every
// current waiter, matching spec.md §4.1's "any waiter may win" guarantee.
type Waitchan_t struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewWaitchan returns a ready-to-use wait channel.
func NewWaitchan() *Waitchan_t {
	return &Waitchan_t{ch: make(chan struct{})}
}

// Sleep blocks until the next Wakeall call. Callers must hold no lock that
// the waker needs, and must re-check their wait condition after Sleep
// returns: Sleep makes no promise about what changed.
func (w *Waitchan_t) Sleep() {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()
	<-ch
}

// Wakeall wakes every goroutine currently blocked in Sleep. It is safe to
// call with no waiters present.
func (w *Waitchan_t) Wakeall() {
	w.mu.Lock()
	old := w.ch
	w.ch = make(chan struct{})
	w.mu.Unlock()
	close(old)
}

// Lock_t is the per-object LOCKED bit described by spec.md §4.1: lock sets
// the bit and returns if it was clear, otherwise sleeps and retries; unlock
// clears the bit and wakes every waiter.
type Lock_t struct {
	mu     sync.Mutex
	locked bool
	wait   *Waitchan_t
}

// NewLock returns an unlocked Lock_t.
func NewLock() *Lock_t {
	return &Lock_t{wait: NewWaitchan()}
}

// Lock blocks (uninterruptibly) until it can set the LOCKED bit.
func (l *Lock_t) Lock() {
	for {
		l.mu.Lock()
		if !l.locked {
			l.locked = true
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		l.wait.Sleep()
	}
}

// TryLock attempts to set the LOCKED bit without blocking.
func (l *Lock_t) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return false
	}
	l.locked = true
	return true
}

// Unlock clears the LOCKED bit and wakes every waiter. It is the caller's
// responsibility to hold the lock; unlocking an unlocked Lock_t panics,
// matching the kernel convention of treating it as an invariant violation.
func (l *Lock_t) Unlock() {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		panic("proc: unlock of unlocked object")
	}
	l.locked = false
	l.mu.Unlock()
	l.wait.Wakeall()
}

// Locked reports whether the LOCKED bit is currently set.
func (l *Lock_t) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Cli is the interrupt-mask-equivalent critical section described in
// spec.md §5 and §9: "no preemption and no other CPU in this critical
// section". On a uniprocessor kernel this is CLI/STI; in user-space Go it
// is a plain mutex. Critical sections taken under Cli must not block.
type Cli_t struct {
	mu sync.Mutex
}

// With runs f with the critical section held. f must not block.
func (c *Cli_t) With(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f()
}

// Lock and Unlock are exposed directly (in addition to With) for the cache
// pools, whose list-manipulating sections are interleaved with blocking
// waits in a loop and so cannot always be expressed as a single closure.
func (c *Cli_t) Lock()   { c.mu.Lock() }
func (c *Cli_t) Unlock() { c.mu.Unlock() }
