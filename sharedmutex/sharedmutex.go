// Package sharedmutex provides a generic, cross-process mutex-guarded
// container: SharedMutex[T] places a mutex.PiMutex and a T side by side in
// a named shm.Region, so any process that attaches by the same name shares
// both the lock and the data it protects.
//
// T must contain no Go pointers, slices, maps, channels, or interfaces: the
// region backing it is raw mmap'd memory the garbage collector knows
// nothing about, so a pointer stored inside it would either dangle across
// processes or get silently collected out from under the mapping. See
// Trivial.
package sharedmutex

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/MilesConn/robust-shared-mutex/internal/kernelerr"
	"github.com/MilesConn/robust-shared-mutex/mutex"
	"github.com/MilesConn/robust-shared-mutex/primitive"
	"github.com/MilesConn/robust-shared-mutex/shm"
)

// Trivial documents the bound placed on a SharedMutex payload type: trivially
// copyable, with no pointers, slices, maps, channels, or interfaces reachable
// from it. The backing memory may be mapped by another process entirely, so
// anything but a plain value type would dangle or be silently collected out
// from under the mapping. Go generics cannot check this at compile time, so
// Trivial is simply an alias for any — satisfying it is a documented
// convention enforced by review, not the compiler.
type Trivial = any

// ErrRecoveredFromOwnerDeath is returned alongside a valid, usable
// SharedMutex or Guard when attaching or locking discovered the previous
// owner died while holding the lock.
var ErrRecoveredFromOwnerDeath = errors.New("sharedmutex: recovered from owner death")

// inner is the exact shared-memory layout: the mutex's control block, an
// initialization flag, and the payload, in that order. Field order must
// never change once a name has live attachers using it.
//
// pad separates the control block — written on every lock/unlock by every
// attacher — from the payload onto its own cache line range, so a reader
// spinning on the payload under a held lock doesn't also bounce the line the
// futex word lives on.
type inner[T Trivial] struct {
	cb   mutex.ControlBlock
	init uint32
	pad  [primitive.FalseShare]byte
	data T
}

// region is satisfied by both shm.Region and shm/shmtest's in-process
// stand-in, so tests can attach a SharedMutex without touching /dev/shm.
type region interface {
	Bytes() []byte
	Close() error
}

// SharedMutex is a named, cross-process mutex guarding a T.
type SharedMutex[T Trivial] struct {
	region region
	ptr    *inner[T]
	m      *mutex.PiMutex
}

// Guard is the scoped access handle returned by Lock/TryLock.
type Guard[T Trivial] struct {
	s *SharedMutex[T]
	g *mutex.Guard
}

// New attaches to (creating if necessary) the named shared mutex. If the
// region is freshly created, or a previous owner died while holding the
// lock, the payload is (re)initialized from init under the lock before
// New returns. A non-nil ErrRecoveredFromOwnerDeath error indicates the
// latter happened; the returned SharedMutex is fully usable either way.
func New[T Trivial](name string, init func() T) (*SharedMutex[T], error) {
	return newInner(name, init, true)
}

// TryNew attaches like New, but never reinitializes the payload on its own:
// if a previous owner died while holding the lock, that is reported via
// ErrRecoveredFromOwnerDeath and it is up to the caller to inspect the
// payload (via a Lock call) and decide whether it is still trustworthy.
func TryNew[T Trivial](name string, init func() T) (*SharedMutex[T], error) {
	return newInner(name, init, false)
}

func newInner[T Trivial](name string, init func() T, reinitOnDeath bool) (*SharedMutex[T], error) {
	var shape inner[T]
	r, err := shm.Open(name, int(unsafe.Sizeof(shape)))
	if err != nil {
		return nil, err
	}
	return attach(r, init, reinitOnDeath)
}

// attach is the backend-agnostic half of newInner, factored out so tests
// can drive it with shm/shmtest's in-process region instead of real shm.
func attach[T Trivial](r region, init func() T, reinitOnDeath bool) (*SharedMutex[T], error) {
	ptr := (*inner[T])(unsafe.Pointer(&r.Bytes()[0]))
	m := mutex.NewAt(&ptr.cb)
	s := &SharedMutex[T]{region: r, ptr: ptr, m: m}

	g, lockErr := m.Lock()
	ownerDied := errors.Is(lockErr, kernelerr.ErrOwnerDied)
	if lockErr != nil && !ownerDied {
		r.Close()
		return nil, lockErr
	}

	if atomic.LoadUint32(&ptr.init) == 0 || (ownerDied && reinitOnDeath) {
		ptr.data = init()
		atomic.StoreUint32(&ptr.init, 1)
	}
	g.Release()

	if ownerDied {
		return s, ErrRecoveredFromOwnerDeath
	}
	return s, nil
}

// Lock blocks until the mutex is acquired, returning a Guard giving access
// to the protected value. ErrRecoveredFromOwnerDeath is returned alongside
// a valid Guard when the previous owner died while holding the lock.
func (s *SharedMutex[T]) Lock() (Guard[T], error) {
	g, err := s.m.Lock()
	if err != nil && !errors.Is(err, kernelerr.ErrOwnerDied) {
		return Guard[T]{}, err
	}
	guard := Guard[T]{s: s, g: g}
	if errors.Is(err, kernelerr.ErrOwnerDied) {
		return guard, ErrRecoveredFromOwnerDeath
	}
	return guard, nil
}

// TryLock makes one non-blocking attempt to acquire the mutex. ok is true
// iff the caller now holds the lock. With ok true, err is either nil or
// ErrRecoveredFromOwnerDeath; any other non-nil err comes with ok false.
func (s *SharedMutex[T]) TryLock() (g Guard[T], ok bool, err error) {
	mg, ok, lockErr := s.m.TryLock()
	if lockErr != nil && !errors.Is(lockErr, kernelerr.ErrOwnerDied) {
		return Guard[T]{}, false, lockErr
	}
	if !ok {
		return Guard[T]{}, false, nil
	}
	guard := Guard[T]{s: s, g: mg}
	if errors.Is(lockErr, kernelerr.ErrOwnerDied) {
		return guard, true, ErrRecoveredFromOwnerDeath
	}
	return guard, true, nil
}

// IsLocked reports whether any process currently holds the mutex.
func (s *SharedMutex[T]) IsLocked() bool {
	return s.m.IsLocked()
}

// Close unmaps this process's view of the region. It does not affect other
// processes' mappings and does not remove the name; call shm.Unlink
// separately once every attacher is done with it.
func (s *SharedMutex[T]) Close() error {
	return s.region.Close()
}

// Get returns a pointer into the shared region's payload. Valid only while
// the Guard is held.
func (g Guard[T]) Get() *T {
	return &g.s.ptr.data
}

// Release unlocks the mutex the guard was acquired from.
func (g Guard[T]) Release() {
	g.g.Release()
}
