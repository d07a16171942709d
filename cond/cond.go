// Package cond implements the companion condition variable for
// mutex.PiMutex, built on FUTEX_WAIT_REQUEUE_PI and FUTEX_CMP_REQUEUE_PI so
// a waiter is requeued directly onto the mutex's PI wait queue instead of
// racing every other waiter to reacquire it after waking.
package cond

import (
	"sync/atomic"
	"time"

	"github.com/MilesConn/robust-shared-mutex/internal/futex"
	"github.com/MilesConn/robust-shared-mutex/internal/kernelerr"
	"github.com/MilesConn/robust-shared-mutex/mutex"
)

const ownerDied uint32 = 0x40000000

// PiCond is the companion condition variable for a PiMutex. Its zero value
// is ready to use; New returns exactly that.
type PiCond struct {
	gen uint32
}

// New returns a ready-to-use condition variable.
func New() *PiCond {
	return &PiCond{}
}

// Wait atomically releases g and blocks until woken by NotifyOne/NotifyAll,
// returning a new guard representing reacquisition of the mutex g was held
// on. The passed guard must not be used again by the caller regardless of
// outcome.
func (c *PiCond) Wait(g *mutex.Guard) (*mutex.Guard, error) {
	return c.waitInner(g, -1)
}

// WaitTimeout is Wait with a deadline. On kernelerr.ErrTimedOut or
// kernelerr.ErrInterrupted, ownership was not transferred back and no guard
// is returned; the caller no longer holds the mutex.
func (c *PiCond) WaitTimeout(g *mutex.Guard, d time.Duration) (*mutex.Guard, error) {
	return c.waitInner(g, d)
}

func (c *PiCond) waitInner(g *mutex.Guard, d time.Duration) (*mutex.Guard, error) {
	m := g.Mutex()
	start := atomic.LoadUint32(&c.gen)

	mword := m.WordForCond()
	unpin := g.ReleaseForWait()

	err := futex.WaitRequeuePI(&c.gen, start, d, mword)
	if err != nil {
		// Ownership was not transferred back: the thread is no longer the
		// mutex's owner, so its pin must be released like any other
		// failed-lock path.
		unpin.Unpin()
		return nil, err
	}

	newGuard := mutex.AdoptAfterRequeue(m, unpin)
	if atomic.LoadUint32(mword)&ownerDied != 0 {
		atomic.AddUint32(mword, ^ownerDied+1)
		return newGuard, kernelerr.ErrOwnerDied
	}
	return newGuard, nil
}

// NotifyOne wakes at most one waiter, requeuing it directly onto m's PI
// wait queue so it does not have to race to reacquire the lock itself.
func (c *PiCond) NotifyOne(m *mutex.PiMutex) error {
	return c.wake(m, 0)
}

// NotifyAll wakes every waiter, requeuing all of them onto m's PI wait
// queue.
func (c *PiCond) NotifyAll(m *mutex.PiMutex) error {
	return c.wake(m, 1<<30)
}

func (c *PiCond) wake(m *mutex.PiMutex, requeueN int) error {
	newGen := atomic.AddUint32(&c.gen, 1)
	return futex.CmpRequeuePI(&c.gen, 1, requeueN, m.WordForCond(), newGen)
}
