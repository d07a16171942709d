package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesZeroedRegionVisibleAcrossOpens(t *testing.T) {
	const name = "robustmu_shm_test_region"
	t.Cleanup(func() { _ = Unlink(name) })
	require.NoError(t, Unlink(name))

	a, err := Open(name, 64)
	require.NoError(t, err)
	defer a.Close()

	for _, b := range a.Bytes()[:64] {
		assert.Equal(t, byte(0), b)
	}

	a.Bytes()[0] = 0x42

	b, err := Open(name, 64)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, byte(0x42), b.Bytes()[0], "a second Open of the same name must map the same pages")
}

func TestOpenRoundsSizeUpToPageMultiple(t *testing.T) {
	const name = "robustmu_shm_test_rounding"
	t.Cleanup(func() { _ = Unlink(name) })
	require.NoError(t, Unlink(name))

	r, err := Open(name, 1)
	require.NoError(t, err)
	defer r.Close()

	assert.GreaterOrEqual(t, len(r.Bytes()), 4096)
}

func TestOpenRejectsPathSeparators(t *testing.T) {
	_, err := Open("../escape", 8)
	assert.Error(t, err)
}
