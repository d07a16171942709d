package mutex

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MilesConn/robust-shared-mutex/internal/kernelerr"
)

// payload mimics a generic protected value: a mutex plus a plain integer
// living right after it, the way sharedmutex lays memory out.
type payload struct {
	ControlBlock
	value int
}

func newPayload() *payload {
	return &payload{}
}

// TestBasicSingleThreaded locks, mutates, unlocks, relocks, and observes the
// mutation, with no errors anywhere.
func TestBasicSingleThreaded(t *testing.T) {
	p := newPayload()
	m := NewAt(&p.ControlBlock)

	g, err := m.Lock()
	require.NoError(t, err)
	p.value = 42
	assert.Equal(t, 42, p.value)
	p.value = 100
	g.Release()

	assert.Equal(t, uint32(0), p.Futex, "futex word must be 0 after a clean unlock")

	g, err = m.Lock()
	require.NoError(t, err)
	assert.Equal(t, 100, p.value)
	g.Release()
}

// TestTryLockContention checks TryLock fails while another goroutine holds
// the mutex and succeeds once it is released.
func TestTryLockContention(t *testing.T) {
	p := newPayload()
	m := NewAt(&p.ControlBlock)

	first, err := m.Lock()
	require.NoError(t, err)

	done := make(chan struct{})
	var contended *Guard
	var ok bool
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		contended, ok, err = m.TryLock()
		close(done)
	}()
	<-done
	assert.NoError(t, err)
	assert.False(t, ok, "try_lock on a held mutex must not succeed")
	assert.Nil(t, contended)

	first.Release()

	done2 := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		contended, ok, err = m.TryLock()
		close(done2)
	}()
	<-done2
	require.NoError(t, err)
	assert.True(t, ok, "try_lock on a released mutex must succeed")
	require.NotNil(t, contended)
}

// TestEightThreadsFiftyIncrements checks mutual exclusion holds under real
// contention: eight OS-thread-pinned goroutines each do 50 increments and
// the final count must be exact.
func TestEightThreadsFiftyIncrements(t *testing.T) {
	const threads = 8
	const perThread = 50

	p := newPayload()
	m := NewAt(&p.ControlBlock)

	var wg sync.WaitGroup
	wg.Add(threads)
	for i := 0; i < threads; i++ {
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			for j := 0; j < perThread; j++ {
				g, err := m.Lock()
				require.NoError(t, err)
				p.value++
				g.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, threads*perThread, p.value)
}

// TestOwnerDeathRecovery: a thread acquires, mutates, and terminates
// without releasing; the next acquirer
// must observe ErrOwnerDied alongside a valid guard and the last-written
// payload, and after clearing it, later acquisitions are clean.
func TestOwnerDeathRecovery(t *testing.T) {
	p := newPayload()
	m := NewAt(&p.ControlBlock)

	abandoned := make(chan struct{})
	go func() {
		g, err := m.Lock()
		require.NoError(t, err)
		p.value = 10
		close(abandoned)
		// Goexit runs deferred functions but we deliberately never call
		// g.Release(); because this goroutine is OS-thread-locked, Goexit
		// terminates the underlying OS thread, which is what makes the
		// kernel mark the futex word OWNER_DIED.
		_ = g
		runtime.Goexit()
	}()
	<-abandoned
	time.Sleep(20 * time.Millisecond)

	g, err := m.Lock()
	require.ErrorIs(t, err, kernelerr.ErrOwnerDied)
	require.NotNil(t, g)
	assert.Equal(t, 10, p.value, "payload from the dead owner must still be visible")
	g.Release()

	assert.Equal(t, uint32(0), p.Futex, "a clean release must leave the futex word at 0")

	g2, err := m.Lock()
	require.NoError(t, err, "acquisition after a cleared OWNER_DIED must be clean")
	g2.Release()
}

// TestTimedLockTimesOut: thread A holds the mutex
// indefinitely on its own OS thread; thread B's timed lock must time out
// rather than deadlock, so each side needs a distinct pinned OS thread —
// a PI futex locked twice by the same thread returns EDEADLK, not a timeout.
func TestTimedLockTimesOut(t *testing.T) {
	p := newPayload()
	m := NewAt(&p.ControlBlock)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		held, err := m.Lock()
		require.NoError(t, err)
		close(holding)
		<-release
		held.Release()
	}()
	<-holding
	defer close(release)

	var g *Guard
	var err error
	var elapsed time.Duration
	done := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		start := time.Now()
		g, err = m.LockTimeout(100 * time.Millisecond)
		elapsed = time.Since(start)
		close(done)
	}()
	<-done

	assert.Nil(t, g)
	require.ErrorIs(t, err, kernelerr.ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestIsLockedByMeMasksOwnerDied(t *testing.T) {
	p := newPayload()
	m := NewAt(&p.ControlBlock)

	g, err := m.Lock()
	require.NoError(t, err)
	assert.True(t, m.IsLockedByMe())

	// Simulate the kernel stamping OWNER_DIED on a futex word the caller
	// itself still owns (the state lockInner observes right after
	// reacquiring its own abandoned lock, before it clears the bit).
	// IsLockedByMe must mask it out rather than comparing the raw word.
	atomic.AddUint32(&p.Futex, ownerDied)
	assert.True(t, m.IsLockedByMe(), "IsLockedByMe must still recognize the owner with OWNER_DIED set")

	atomic.AddUint32(&p.Futex, clearOwnerDiedDelta)
	g.Release()
}
