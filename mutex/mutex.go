// Package mutex implements a cross-process mutex with priority inheritance
// and owner-death recovery, built on the Linux kernel's PI-futex and
// robust-futex-list primitives.
//
// A PiMutex may live in memory shared between unrelated processes (see the
// sibling shm and sharedmutex packages) or simply between goroutines in one
// process. Either way, acquisition goes through a fast uncontended
// compare-and-swap path and a syscall-backed slow path that the kernel
// arbitrates with priority inheritance; if a holder's OS thread terminates
// while the mutex is held, the kernel marks the futex word OWNER_DIED and
// hands ownership to the next acquirer, who must check for and clear it.
package mutex

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/MilesConn/robust-shared-mutex/internal/futex"
	"github.com/MilesConn/robust-shared-mutex/internal/kernelerr"
	"github.com/MilesConn/robust-shared-mutex/internal/robustlist"
	"github.com/MilesConn/robust-shared-mutex/internal/tid"
	"github.com/MilesConn/robust-shared-mutex/primitive"
)

const (
	ownerDied    uint32 = 0x40000000
	tidMask      uint32 = 0x3fffffff
	clearOwnerDiedDelta = ^ownerDied + 1 // two's complement: atomic.AddUint32(word, clearOwnerDiedDelta) clears the bit
)

// ControlBlock is the fixed, C-ABI layout the kernel's robust-list walker
// expects: a leading 32-bit futex word followed by the robust-list link.
// Field order must never change — internal/robustlist computes the
// kernel-registered futex_offset from a copy of this exact shape.
//
// Next and Previous are plain integers, not Go pointers: the kernel writes
// and reads them as raw addresses, and giving this a real pointer type
// would make the garbage collector try to trace through memory it knows
// nothing about (shared-memory regions are not part of any Go heap arena).
type ControlBlock struct {
	Futex    uint32
	Next     uintptr
	Previous uintptr
}

// PiMutex is a cross-process, priority-inheriting mutex.
type PiMutex struct {
	cb          ControlBlock
	cbPtr       *ControlBlock
	signalsFail bool
}

// Option configures a PiMutex at construction time.
type Option func(*PiMutex)

// WithSignalFail makes Lock/LockTimeout surface kernelerr.ErrInterrupted
// instead of transparently retrying when a signal interrupts the blocking
// syscall.
func WithSignalFail() Option {
	return func(m *PiMutex) { m.signalsFail = true }
}

// New returns a zero-initialized, unlocked PiMutex living on the Go heap.
func New(opts ...Option) *PiMutex {
	m := &PiMutex{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewAt constructs a PiMutex view over an already-allocated, zeroed
// ControlBlock — used by the shm/sharedmutex packages to place the mutex
// inside a shared-memory region instead of the Go heap. cb must be
// zero-initialized before the first call and must outlive the returned
// PiMutex.
func NewAt(cb *ControlBlock, opts ...Option) *PiMutex {
	m := &PiMutex{cbPtr: cb}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Guard is the scoped acquisition handle returned by Lock/TryLock. It is
// not safe to use from a goroutine other than the one that acquired it, nor
// to release twice.
type Guard struct {
	m        *PiMutex
	unpin    tid.Unpinner
	released bool
}

// Mutex returns the PiMutex this guard was acquired from, so callers that
// only hold a Guard (such as cond.Wait) never need to thread the mutex
// through separately and risk passing a mismatched one.
func (g *Guard) Mutex() *PiMutex {
	return g.m
}

// Release unlocks the mutex the guard was acquired from. Calling Release
// more than once, or from a goroutine other than the one that called Lock,
// is undefined.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.m.unlockInner()
	g.unpin.Unpin()
}

// ReleaseForWait is the release half of a condition-variable wait: it
// performs the same unlock Release does, but keeps the caller's OS-thread
// pin held rather than releasing it, since FUTEX_WAIT_REQUEUE_PI may hand
// ownership straight back to this exact OS thread before it ever returns
// to the Go scheduler. Only the cond package calls this; general callers
// should use Release.
func (g *Guard) ReleaseForWait() tid.Unpinner {
	g.released = true
	g.m.unlockInner()
	return g.unpin
}

// WordForCond exposes the raw futex word for FUTEX_WAIT_REQUEUE_PI and
// FUTEX_CMP_REQUEUE_PI, both of which the cond package issues directly
// against the mutex's control block. Not meant for use outside cond.
func (m *PiMutex) WordForCond() *uint32 {
	return &m.controlBlock().Futex
}

// AdoptAfterRequeue rebuilds a Guard for a pin that survived a successful
// FUTEX_WAIT_REQUEUE_PI handoff: the kernel has already granted this OS
// thread ownership of m's futex word, so this only needs to relink the
// robust list under the new owner. Not meant for use outside cond.
func AdoptAfterRequeue(m *PiMutex, unpin tid.Unpinner) *Guard {
	cb := m.controlBlock()
	if head, err := robustlist.EnsureRegistered(tid.Current()); err == nil {
		robustlist.Add(head, nodeAddr(cb))
	}
	return &Guard{m: m, unpin: unpin}
}

func (m *PiMutex) controlBlock() *ControlBlock {
	if m.cbPtr != nil {
		return m.cbPtr
	}
	return &m.cb
}

func nodeAddr(cb *ControlBlock) uintptr {
	return uintptr(unsafe.Pointer(&cb.Next))
}

// Lock blocks until the mutex is acquired. If the error is
// kernelerr.ErrOwnerDied, the lock is still held by the caller (the guard
// is valid), who must inspect the protected state for consistency before
// trusting it. Any other non-nil error (a registration or kernel error, or
// kernelerr.ErrInterrupted on a mutex built with WithSignalFail) comes with
// a nil guard.
func (m *PiMutex) Lock() (*Guard, error) {
	return m.lock(-1)
}

// LockTimeout blocks until the mutex is acquired or d elapses. On timeout
// the returned error is kernelerr.ErrTimedOut and no guard is returned; the
// futex word and robust list are left exactly as they were.
func (m *PiMutex) LockTimeout(d time.Duration) (*Guard, error) {
	return m.lock(d)
}

func (m *PiMutex) lock(d time.Duration) (*Guard, error) {
	unpinner, t, head, err := tid.Pin()
	if err != nil {
		return nil, err
	}

	diedOnAcquire, err := m.lockInner(t, head, d)
	if err != nil {
		unpinner.Unpin()
		return nil, err
	}

	g := &Guard{m: m, unpin: unpinner}
	if diedOnAcquire {
		return g, kernelerr.ErrOwnerDied
	}
	return g, nil
}

// lockInner performs the fast/slow-path acquire and reports whether the
// kernel handed over a previously abandoned lock.
// Caller must already hold an OS-thread pin for t.
func (m *PiMutex) lockInner(t int32, head *robustlist.Head, d time.Duration) (bool, error) {
	cb := m.controlBlock()
	word := &cb.Futex

	if _, swapped := primitive.CompareAndSwapUint32(word, 0, uint32(t)); swapped {
		robustlist.Add(head, nodeAddr(cb))
		return false, nil
	}

	for {
		err := futex.LockPI(word, d)
		if err == nil {
			break
		}
		if err == kernelerr.ErrInterrupted && !m.signalsFail {
			continue
		}
		return false, err
	}

	died := false
	if atomic.LoadUint32(word)&ownerDied != 0 {
		atomic.AddUint32(word, clearOwnerDiedDelta)
		died = true
	}
	robustlist.Add(head, nodeAddr(cb))
	return died, nil
}

// TryLock makes one non-blocking attempt to acquire the mutex. ok is true
// iff the caller now holds the lock. With ok true, err is either nil or
// kernelerr.ErrOwnerDied, in which case the caller owns the lock but must
// validate protected state. Any other non-nil err (a registration or kernel
// error, or kernelerr.ErrInterrupted on a mutex built with WithSignalFail)
// comes with ok false and a nil guard.
func (m *PiMutex) TryLock() (g *Guard, ok bool, err error) {
	unpinner, t, head, err := tid.Pin()
	if err != nil {
		return nil, false, err
	}

	cb := m.controlBlock()
	word := &cb.Futex

	if fresh, swapped := primitive.CompareAndSwapUint32(word, 0, uint32(t)); swapped {
		robustlist.Add(head, nodeAddr(cb))
		return &Guard{m: m, unpin: unpinner}, true, nil
	} else if fresh&ownerDied != 0 {
		// Only the kernel may legally transition an owner-died word to a
		// clean owned state; escalate to the syscall. A signal interrupting
		// that wait is not a contended-lock outcome, so it gets the same
		// signalsFail-aware retry lockInner gives Lock/LockTimeout: it is
		// retried unless the mutex was built with WithSignalFail.
		for {
			err := futex.LockPI(word, -1)
			if err == nil {
				break
			}
			if err == kernelerr.ErrInterrupted && !m.signalsFail {
				continue
			}
			unpinner.Unpin()
			return nil, false, err
		}
		died := false
		if atomic.LoadUint32(word)&ownerDied != 0 {
			atomic.AddUint32(word, clearOwnerDiedDelta)
			died = true
		}
		robustlist.Add(head, nodeAddr(cb))
		if died {
			return &Guard{m: m, unpin: unpinner}, true, kernelerr.ErrOwnerDied
		}
		return &Guard{m: m, unpin: unpinner}, true, nil
	}

	unpinner.Unpin()
	return nil, false, nil
}

// Unlock releases a mutex locked without a retained Guard, such as after
// reconstructing ownership on a condvar wait error path. Most callers
// should prefer Guard.Release.
func (m *PiMutex) Unlock() {
	m.unlockInner()
}

// unlockInner enforces the mandatory ordering: unlink from the robust list
// before anything else. If the thread were to die
// between the CAS/unlock_pi step and the unlink, the kernel would walk the
// now-released mutex and mark a brand new owner's acquisition as dirty.
func (m *PiMutex) unlockInner() {
	cb := m.controlBlock()
	word := &cb.Futex

	t := tid.Current()
	if head, err := robustlist.EnsureRegistered(t); err == nil {
		robustlist.Remove(head, nodeAddr(cb))
	}

	if _, swapped := primitive.CompareAndSwapUint32(word, uint32(t), 0); swapped {
		return
	}
	_ = futex.UnlockPI(word)
}

// IsLocked reports whether any thread currently owns the mutex.
func (m *PiMutex) IsLocked() bool {
	return atomic.LoadUint32(&m.controlBlock().Futex) != 0
}

// IsLockedByMe reports whether the calling thread currently owns the
// mutex. The comparison masks out OWNER_DIED before comparing, so a thread
// that reacquired its own abandoned lock is still correctly recognized as
// the owner.
func (m *PiMutex) IsLockedByMe() bool {
	word := atomic.LoadUint32(&m.controlBlock().Futex)
	return word&tidMask == uint32(tid.Current())&tidMask
}
