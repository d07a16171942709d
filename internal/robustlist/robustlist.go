// Package robustlist implements the per-thread robust-futex list the kernel
// walks when a thread exits while still owning one or more PI futexes.
//
// The list is singly linked from a thread-local head; every node the kernel
// can reach from that head must, at the moment it becomes reachable, already
// point at a valid next node (possibly the head's own sentinel), because the
// kernel may inspect the list asynchronously the instant the owning thread
// dies. See Linux's Documentation/robust-futexes.txt for the ABI this
// mirrors.
package robustlist

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Node is the kernel-ABI robust_list entry: a single forward pointer. A
// mutex's Next field (see mutex.ControlBlock) is itself addressed as a
// *Node when linked into a thread's list.
type Node struct {
	Next uintptr
}

// Head is the kernel-ABI robust_list_head. Once registered with
// set_robust_list, its address must never change for the lifetime of the
// thread, so every Head is heap-allocated and kept reachable for the life
// of the process via the registry in this package; Go's garbage collector
// does not relocate heap allocations, only stack-resident ones, so a
// pointer handed to the kernel this way stays valid indefinitely.
type Head struct {
	List          Node
	FutexOffset   int64
	ListOpPending uintptr
}

// FutexOffset is offsetof(futex) - offsetof(next) for the shared control
// block layout that mutex.ControlBlock defines. It is computed here, next
// to Node, from controlBlockShape, a copy of that layout kept in this
// package.
//
// controlBlockShape must have the exact field order and types of
// mutex.ControlBlock: a leading uint32 futex word followed by a Next field
// occupying the same position a Node's address would.
type controlBlockShape struct {
	Futex    uint32
	Next     uintptr
	Previous uintptr
}

var FutexOffset = int64(unsafe.Offsetof(controlBlockShape{}.Futex)) -
	int64(unsafe.Offsetof(controlBlockShape{}.Next))

var registry sync.Map // map[int32]*Head, keyed by kernel tid

// EnsureRegistered returns the calling OS thread's robust-list head,
// registering it with the kernel via set_robust_list the first time this
// tid is observed. Idempotent and safe under concurrent first-touch races:
// only one registration syscall happens per tid, via LoadOrStore.
func EnsureRegistered(tid int32) (*Head, error) {
	if v, ok := registry.Load(tid); ok {
		return v.(*Head), nil
	}

	head := &Head{FutexOffset: FutexOffset}
	head.List.Next = uintptr(unsafe.Pointer(&head.List))

	v, loaded := registry.LoadOrStore(tid, head)
	head = v.(*Head)
	if loaded {
		return head, nil
	}

	_, _, errno := unix.Syscall(unix.SYS_SET_ROBUST_LIST,
		uintptr(unsafe.Pointer(&head.List)),
		unsafe.Sizeof(Head{}),
		0)
	if errno != 0 {
		registry.Delete(tid)
		return nil, errno
	}
	return head, nil
}

// Add links the mutex node at nodeAddr (the address of a ControlBlock's
// Next field) onto the front of head's list. The caller must already own
// the mutex that nodeAddr belongs to (its tid must be visible in the
// futex word) before calling this.
//
// The write order matters: node.Next is populated before the node is made
// reachable from the head, with a compiler fence between the two stores, so
// the kernel never observes a half-linked node.
func Add(head *Head, nodeAddr uintptr) {
	node := (*Node)(unsafe.Pointer(nodeAddr))
	node.Next = head.List.Next
	atomic.StoreUintptr(&head.List.Next, nodeAddr) // release-ordered store acts as the required fence
}

// Remove splices nodeAddr out of head's list. The list is expected to hold
// only a handful of nested locks, so an O(n) walk from the sentinel is
// acceptable. The caller must already own the mutex that nodeAddr belongs
// to.
func Remove(head *Head, nodeAddr uintptr) {
	sentinel := uintptr(unsafe.Pointer(&head.List))
	prev := &head.List
	cur := head.List.Next
	for cur != sentinel && cur != 0 {
		if cur == nodeAddr {
			prev.Next = (*Node)(unsafe.Pointer(cur)).Next
			return
		}
		prev = (*Node)(unsafe.Pointer(cur))
		cur = prev.Next
	}
}
