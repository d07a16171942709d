// Command robustmu-demo exercises a SharedMutex[uint64] counter across a
// parent and child process pair, demonstrating priority-inherited
// cross-process locking end to end. Both sides accept
// ErrRecoveredFromOwnerDeath from attach and Lock, but neither side ever
// abandons the lock, so no owner death is provoked.
package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/MilesConn/robust-shared-mutex/shm"
	"github.com/MilesConn/robust-shared-mutex/sharedmutex"
)

const counterName = "robustmu_demo_counter"

var child = flag.Bool("child", false, "run as the child side of the demo")

func main() {
	flag.Parse()
	logger := log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

	if *child {
		runChild(logger)
		return
	}
	runParent(logger)
}

func runParent(logger *log.Logger) {
	logger.Println("parent: starting")

	if err := shm.Unlink(counterName); err != nil {
		logger.Fatalf("parent: unlink stale region: %v", err)
	}

	shared, err := sharedmutex.New(counterName, func() uint64 { return 0 })
	if err != nil && !errors.Is(err, sharedmutex.ErrRecoveredFromOwnerDeath) {
		logger.Fatalf("parent: create shared counter: %v", err)
	}
	defer shared.Close()
	logger.Println("parent: created shared counter")

	exe, err := os.Executable()
	if err != nil {
		logger.Fatalf("parent: resolve self: %v", err)
	}
	childProc := exec.Command(exe, "-child")
	childProc.Stdout, childProc.Stderr = os.Stdout, os.Stderr
	if err := childProc.Start(); err != nil {
		logger.Fatalf("parent: spawn child: %v", err)
	}
	logger.Println("parent: spawned child")

	for i := uint64(1); i <= 5; i++ {
		g, err := shared.Lock()
		if err != nil && !errors.Is(err, sharedmutex.ErrRecoveredFromOwnerDeath) {
			logger.Fatalf("parent: lock: %v", err)
		}
		old := *g.Get()
		*g.Get() += i
		logger.Printf("parent: %d -> %d (added %d)", old, *g.Get(), i)
		g.Release()
		time.Sleep(300 * time.Millisecond)
	}

	if err := childProc.Wait(); err != nil {
		logger.Fatalf("parent: child exited with error: %v", err)
	}

	g, err := shared.Lock()
	if err != nil && !errors.Is(err, sharedmutex.ErrRecoveredFromOwnerDeath) {
		logger.Fatalf("parent: final lock: %v", err)
	}
	logger.Printf("parent: final value %d", *g.Get())
	g.Release()
}

func runChild(logger *log.Logger) {
	logger.Println("child: starting")
	time.Sleep(100 * time.Millisecond)

	shared, err := sharedmutex.TryNew(counterName, func() uint64 { return 0 })
	if err != nil && !errors.Is(err, sharedmutex.ErrRecoveredFromOwnerDeath) {
		logger.Fatalf("child: attach to shared counter: %v", err)
	}
	defer shared.Close()
	logger.Println("child: connected to shared counter")

	for i := uint64(1); i <= 5; i++ {
		g, err := shared.Lock()
		if err != nil && !errors.Is(err, sharedmutex.ErrRecoveredFromOwnerDeath) {
			logger.Fatalf("child: lock: %v", err)
		}
		old := *g.Get()
		*g.Get() += i * 10
		logger.Printf("child: %d -> %d (added %d)", old, *g.Get(), i*10)
		g.Release()
		time.Sleep(200 * time.Millisecond)
	}

	logger.Println("child: finished")
}
