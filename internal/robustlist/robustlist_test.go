package robustlist

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutexOffsetMatchesControlBlockShape(t *testing.T) {
	// Futex sits before Next in the shared control block, so the offset is
	// negative: walking "back" from the robust-list node to the futex word.
	var shape controlBlockShape
	want := int64(unsafe.Offsetof(shape.Futex)) - int64(unsafe.Offsetof(shape.Next))
	assert.Equal(t, want, FutexOffset)
	assert.Negative(t, FutexOffset)
}

func TestEnsureRegisteredIsIdempotentPerTid(t *testing.T) {
	head1, err := EnsureRegistered(1234567)
	require.NoError(t, err)
	head2, err := EnsureRegistered(1234567)
	require.NoError(t, err)
	assert.Same(t, head1, head2, "same tid must return the same registered head")
}

func TestAddRemoveRoundTrip(t *testing.T) {
	head, err := EnsureRegistered(7654321)
	require.NoError(t, err)

	var node Node
	addr := uintptr(unsafe.Pointer(&node))

	Add(head, addr)
	assert.Equal(t, addr, head.List.Next, "freshly added node must be at the head")

	Remove(head, addr)
	assert.NotEqual(t, addr, head.List.Next, "removed node must be unlinked")
}
