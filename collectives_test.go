package collectives

import (
	"testing"

	"github.com/gomlx/collectives/backends/loopback"
	"github.com/gomlx/collectives/procset"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetLibrary drops the process-global state so each test starts fresh.
func resetLibrary() {
	mu.Lock()
	defer mu.Unlock()
	table = nil
	globalCtx = nil
	initialized = false
}

func TestInitAndShutdown(t *testing.T) {
	resetLibrary()
	require.NoError(t, Init(nil))
	require.True(t, IsInitialized())

	size, err := Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	rank, err := Rank()
	require.NoError(t, err)
	assert.Equal(t, 0, rank)

	// Init while initialized is a no-op.
	require.NoError(t, Init(nil))

	Shutdown()
	assert.False(t, IsInitialized())
	_, err = Size()
	assert.Error(t, err)

	// The library can be re-initialized.
	require.NoError(t, Init(nil))
	assert.True(t, IsInitialized())
	Shutdown()
}

func TestUninitializedCallsFail(t *testing.T) {
	resetLibrary()
	_, err := Size()
	assert.Error(t, err)
	_, err = AddProcessSet()
	assert.Error(t, err)
	_, err = RemoveProcessSet(1)
	assert.Error(t, err)
	_, err = ProcessSets()
	assert.Error(t, err)
	Shutdown() // no-op
}

func TestDynamicProcessSetsRequireEnvGate(t *testing.T) {
	resetLibrary()
	require.NoError(t, Init(nil))
	defer Shutdown()

	_, err := AddProcessSet()
	require.Error(t, err)
	assert.Contains(t, err.Error(), COLLECTIVES_DYNAMIC_PROCESS_SETS)
}

func TestAddAndRemoveProcessSet(t *testing.T) {
	resetLibrary()
	t.Setenv(COLLECTIVES_DYNAMIC_PROCESS_SETS, "1")
	require.NoError(t, Init(nil))
	defer Shutdown()

	id, err := AddProcessSet()
	require.NoError(t, err)
	assert.Equal(t, int32(1), id)

	size, err := ProcessSetSize(id)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	rank, err := ProcessSetRank(id)
	require.NoError(t, err)
	assert.Equal(t, 0, rank)

	sets, err := ProcessSets()
	require.NoError(t, err)
	assert.Len(t, sets, 2)
	assert.Contains(t, sets, int32(0))
	assert.Contains(t, sets, int32(1))

	// The global set cannot be removed.
	_, err = RemoveProcessSet(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, procset.ErrInvalidArgument))

	removed, err := RemoveProcessSet(id)
	require.NoError(t, err)
	assert.Equal(t, id, removed)
	_, err = ProcessSetSize(id)
	assert.Error(t, err)

	// Removing an id that never existed fails up front.
	_, err = RemoveProcessSet(99)
	require.Error(t, err)
	assert.True(t, errors.Is(err, procset.ErrInvalidArgument))
}

func TestStaticProcessSets(t *testing.T) {
	resetLibrary()
	fabric := loopback.NewFabric(1)
	require.NoError(t, Init(fabric.Context(0), []int32{0}))
	defer Shutdown()

	sets, err := ProcessSets()
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, []int32{0}, sets[1])

	rank, err := ProcessSetRank(1)
	require.NoError(t, err)
	assert.Equal(t, 0, rank)
}
