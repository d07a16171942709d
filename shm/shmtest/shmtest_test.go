package shmtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenIsSharedAcrossCallsByName(t *testing.T) {
	t.Cleanup(func() { _ = Unlink("shared-name") })

	a, err := Open("shared-name", 16)
	require.NoError(t, err)
	b, err := Open("shared-name", 16)
	require.NoError(t, err)

	a.Bytes()[0] = 0xAB
	assert.Equal(t, byte(0xAB), b.Bytes()[0], "two opens of the same name must see the same bytes")
}

func TestOpenZeroInitializesFreshRegions(t *testing.T) {
	t.Cleanup(func() { _ = Unlink("fresh-name") })

	r, err := Open("fresh-name", 8)
	require.NoError(t, err)
	for _, b := range r.Bytes() {
		assert.Equal(t, byte(0), b)
	}
}

func TestUnlinkResetsRegion(t *testing.T) {
	t.Cleanup(func() { _ = Unlink("reset-name") })

	r, err := Open("reset-name", 4)
	require.NoError(t, err)
	r.Bytes()[0] = 0xFF

	require.NoError(t, Unlink("reset-name"))

	r2, err := Open("reset-name", 4)
	require.NoError(t, err)
	assert.Equal(t, byte(0), r2.Bytes()[0])
}
