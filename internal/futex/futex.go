// Package futex provides typed wrappers over the six raw futex(2)
// operations the PI mutex and condvar use: LOCK_PI, UNLOCK_PI,
// WAIT_REQUEUE_PI, CMP_REQUEUE_PI, WAIT, and WAKE.
//
// Every wrapper operates on the default, shareable futex class: none of them
// ever sets FUTEX_PRIVATE_FLAG, because this module's whole purpose is
// contention across unrelated processes mapping the same shared-memory
// region. A private futex is a process-local optimization and would break
// that guarantee silently.
package futex

import (
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/MilesConn/robust-shared-mutex/internal/kernelerr"
)

// Operation codes, from linux/futex.h. Values are part of the stable kernel
// ABI and are reproduced directly rather than sourced from x/sys/unix,
// which does not export the PI/requeue subset this package needs.
const (
	opWait          = 0
	opWake          = 1
	opLockPI        = 6
	opUnlockPI      = 7
	opWaitRequeuePI = 11
	opCmpRequeuePI  = 12

	// flagClockRealtime is FUTEX_CLOCK_REALTIME: it makes FUTEX_WAIT_REQUEUE_PI
	// measure its absolute timeout against CLOCK_REALTIME instead of
	// CLOCK_MONOTONIC.
	flagClockRealtime = 256
)

// raw issues a single futex(2) syscall. val2 is the raw fourth argument
// slot: for WAIT/LOCK_PI/WAIT_REQUEUE_PI it is a *unix.Timespec (or 0 for no
// timeout); for CMP_REQUEUE/CMP_REQUEUE_PI the kernel instead reinterprets
// it as a plain integer count, so callers pass it pre-shaped rather than
// raw trying to guess the operation's calling convention.
func raw(addr *uint32, op int, val int, val2 uintptr, addr2 *uint32, val3 int) (int, error) {
	r, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(op),
		uintptr(val),
		val2,
		uintptr(unsafe.Pointer(addr2)),
		uintptr(val3),
	)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// relativeTimeoutArg shapes a duration for FUTEX_WAIT, the one operation in
// this package whose timeout is relative to the call.
func relativeTimeoutArg(d time.Duration) (uintptr, *unix.Timespec) {
	if d < 0 {
		return 0, nil
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	return uintptr(unsafe.Pointer(&ts)), &ts
}

// absoluteTimeoutArg shapes a duration for FUTEX_LOCK_PI and
// FUTEX_WAIT_REQUEUE_PI, which the kernel interprets as an absolute
// CLOCK_REALTIME deadline rather than as a relative wait (FUTEX_LOCK_PI
// always; FUTEX_WAIT_REQUEUE_PI because WaitRequeuePI sets
// FUTEX_CLOCK_REALTIME). Converting the caller's
// relative Duration into a wall-clock deadline here, instead of passing it
// through unconverted, is deliberate: the kernel would otherwise compare a
// near-zero timespec against the current epoch time and fail the call with
// ETIMEDOUT before it ever waits.
func absoluteTimeoutArg(d time.Duration) (uintptr, *unix.Timespec, error) {
	if d < 0 {
		return 0, nil, nil
	}
	var now unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &now); err != nil {
		return 0, nil, err
	}
	deadline := now.Nano() + d.Nanoseconds()
	ts := unix.NsecToTimespec(deadline)
	return uintptr(unsafe.Pointer(&ts)), &ts, nil
}

func translate(op string, err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return kernelerr.FromErrno(op, errno)
	}
	return err
}

// LockPI blocks until addr's futex word is acquired for the calling thread
// (the kernel writes the caller's tid into *addr), or timeout elapses.
// timeout < 0 means wait forever.
func LockPI(addr *uint32, timeout time.Duration) error {
	arg, ts, err := absoluteTimeoutArg(timeout)
	if err != nil {
		return translate("FUTEX_LOCK_PI", err)
	}
	_, err = raw(addr, opLockPI, 0, arg, nil, 0)
	runtime.KeepAlive(ts)
	return translate("FUTEX_LOCK_PI", err)
}

// UnlockPI releases addr's futex word and wakes/boosts the highest priority
// waiter, if any.
func UnlockPI(addr *uint32) error {
	_, err := raw(addr, opUnlockPI, 0, 0, nil, 0)
	return translate("FUTEX_UNLOCK_PI", err)
}

// WaitRequeuePI atomically verifies *cvar == expected, suspends the caller
// on cvar's wait queue, and arms a requeue target onto mtx's PI wait queue.
// On a successful wake the kernel has already transferred the caller onto
// mtx's queue and handed it ownership.
func WaitRequeuePI(cvar *uint32, expected uint32, timeout time.Duration, mtx *uint32) error {
	arg, ts, err := absoluteTimeoutArg(timeout)
	if err != nil {
		return translate("FUTEX_WAIT_REQUEUE_PI", err)
	}
	_, err = raw(cvar, opWaitRequeuePI|flagClockRealtime, int(expected), arg, mtx, 0)
	runtime.KeepAlive(ts)
	return translate("FUTEX_WAIT_REQUEUE_PI", err)
}

// CmpRequeuePI verifies *cvar == expected, wakes up to wakeN waiters
// (typically 1), and requeues up to requeueN more onto mtx's PI queue.
func CmpRequeuePI(cvar *uint32, wakeN, requeueN int, mtx *uint32, expected uint32) error {
	_, err := raw(cvar, opCmpRequeuePI, wakeN, uintptr(requeueN), mtx, int(expected))
	return translate("FUTEX_CMP_REQUEUE_PI", err)
}

// Wait suspends the caller while *addr == val, or until timeout elapses.
// Not used on the PI path; provided for completeness alongside Wake.
func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	arg, ts := relativeTimeoutArg(timeout)
	_, err := raw(addr, opWait, int(val), arg, nil, 0)
	runtime.KeepAlive(ts)
	return translate("FUTEX_WAIT", err)
}

// Wake wakes up to n waiters on addr. Not used on the PI path; provided for
// completeness alongside Wait.
func Wake(addr *uint32, n int) (int, error) {
	woken, err := raw(addr, opWake, n, 0, nil, 0)
	if err != nil {
		return 0, translate("FUTEX_WAKE", err)
	}
	return woken, nil
}
