// Package kernelerr translates raw futex syscall errno values into the
// mutex/condvar error taxonomy, so callers can use errors.Is against stable
// sentinel values instead of comparing against unix.Errno directly.
package kernelerr

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrTimedOut is returned when a deadline expires before acquisition.
	ErrTimedOut = errors.New("robustmu: timed out")
	// ErrInterrupted is returned when a signal interrupts a blocking futex
	// call that is not retried: always for a condvar wait, and for a mutex
	// lock only when the mutex was built with WithSignalFail.
	ErrInterrupted = errors.New("robustmu: interrupted")
	// ErrOwnerDied is carried alongside a valid guard when the previous
	// owner terminated while holding the mutex.
	ErrOwnerDied = errors.New("robustmu: previous owner died")
)

// FromErrno maps a raw errno from a futex syscall to the taxonomy above.
// Any errno without a dedicated sentinel is wrapped with a stack trace via
// github.com/pkg/errors, so an unexpected value carries both the original
// errno and a trace back to the failing syscall.
func FromErrno(op string, errno unix.Errno) error {
	switch errno {
	case unix.ETIMEDOUT:
		return ErrTimedOut
	case unix.EINTR:
		return ErrInterrupted
	default:
		return errors.Wrapf(errno, "robustmu: %s", op)
	}
}
