package procset

import (
	"testing"

	"github.com/gomlx/collectives/backends/loopback"
	"github.com/gomlx/collectives/comms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCurrentProcessIncludedBeforeInitializePanics(t *testing.T) {
	table := NewTable()
	id, err := table.RegisterProcessSet()
	require.NoError(t, err)
	assert.Panics(t, func() { table.Get(id).IsCurrentProcessIncluded() })
}

func TestFinalizeThenReinitialize(t *testing.T) {
	fabric := loopback.NewFabric(1)
	ctx := fabric.Context(0)
	table := NewTable()
	require.NoError(t, table.Initialize(ctx))

	global := table.Get(0)
	require.True(t, global.Initialized())
	require.True(t, global.IsCurrentProcessIncluded())

	global.Finalize(comms.Aborted("cycling"))
	require.False(t, global.Initialized())
	assert.Nil(t, global.Controller())

	// The finalized set can be brought back.
	require.NoError(t, global.Initialize(ctx))
	assert.True(t, global.Initialized())
	assert.True(t, global.IsCurrentProcessIncluded())
}

func TestRanksReturnsACopy(t *testing.T) {
	table := NewTable()
	fabric := loopback.NewFabric(4)
	require.NoError(t, table.Initialize(fabric.Context(0)))
	id, err := table.RegisterProcessSet(1, 3)
	require.NoError(t, err)

	ranks := table.Get(id).Ranks()
	ranks[0] = 2
	assert.Equal(t, []int32{1, 3}, table.Get(id).Ranks())
}
