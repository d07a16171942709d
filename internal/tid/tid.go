// Package tid bridges the kernel's per-thread identity (gettid) and robust
// list registration to Go's goroutine-based concurrency model.
//
// A goroutine is not an OS thread: the runtime may migrate a goroutine
// between OS threads at any safe point. The PI-futex and robust-list kernel
// ABI is keyed on the real OS thread id, so every caller that intends to
// hold a PI mutex across a blocking syscall must first pin itself to its
// current OS thread with runtime.LockOSThread and keep that pin held until
// it releases the lock; see Pin.
package tid

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/MilesConn/robust-shared-mutex/internal/robustlist"
)

// Current returns the calling OS thread's kernel tid. Cheap enough to call
// on every slow-path operation: only the one-time robust-list registration
// performed by EnsureRegistered is actually cached.
func Current() int32 {
	return int32(unix.Gettid())
}

// EnsureRegistered returns the calling OS thread's robust-list head,
// registering it with the kernel on first touch for this tid.
func EnsureRegistered() (int32, *robustlist.Head, error) {
	t := Current()
	head, err := robustlist.EnsureRegistered(t)
	return t, head, err
}

// Pin locks the calling goroutine to its current OS thread and returns the
// thread's tid and robust-list head. Unpin must be called exactly once the
// lock this pin guards is released, via the returned Unpinner.
//
// Pinning is not an optimization here: if the goroutine were allowed to
// migrate to a different OS thread while holding a PI futex, the Go
// runtime could later decide the original thread is idle and tear it down.
// The kernel would then see that thread exit while its robust list still
// references the mutex and stamp a spurious OWNER_DIED, even though the
// application goroutine is still alive and believes it owns the lock.
func Pin() (Unpinner, int32, *robustlist.Head, error) {
	runtime.LockOSThread()
	t, head, err := EnsureRegistered()
	if err != nil {
		runtime.UnlockOSThread()
		return Unpinner{}, 0, nil, err
	}
	return Unpinner{}, t, head, nil
}

// Unpinner releases a pin acquired by Pin.
type Unpinner struct{}

// Unpin releases the OS thread pin. Must be called exactly once per
// successful Pin, after the guarded lock has been released.
func (Unpinner) Unpin() {
	runtime.UnlockOSThread()
}
