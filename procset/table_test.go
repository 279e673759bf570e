package procset

import (
	"testing"

	"github.com/gomlx/collectives/backends/loopback"
	"github.com/gomlx/collectives/comms"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTableRegistersGlobalSet(t *testing.T) {
	table := NewTable()
	require.Equal(t, []int32{0}, table.Ids())
	require.True(t, table.Contains(0))
	global := table.Get(0)
	assert.Equal(t, int32(0), global.Id())
	assert.Empty(t, global.Ranks())
	assert.False(t, global.Initialized())
}

func TestIdAssignmentAndRecycling(t *testing.T) {
	table := NewTable()
	for want := int32(1); want <= 3; want++ {
		id, err := table.RegisterProcessSet()
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	require.Equal(t, []int32{0, 1, 2, 3}, table.Ids())

	table.DeregisterProcessSet(2)
	require.Equal(t, []int32{0, 1, 3}, table.Ids())
	assert.False(t, table.Contains(2))

	// The freed id is reused before a new one is minted.
	id, err := table.RegisterProcessSet()
	require.NoError(t, err)
	assert.Equal(t, int32(2), id)
	assert.Equal(t, []int32{0, 1, 3, 2}, table.Ids())

	// Oldest freed id first.
	table.DeregisterProcessSet(1)
	table.DeregisterProcessSet(3)
	id, err = table.RegisterProcessSet()
	require.NoError(t, err)
	assert.Equal(t, int32(1), id)
	id, err = table.RegisterProcessSet()
	require.NoError(t, err)
	assert.Equal(t, int32(3), id)
	id, err = table.RegisterProcessSet()
	require.NoError(t, err)
	assert.Equal(t, int32(4), id)
}

func TestDeregisterUnknownIdIsNoOp(t *testing.T) {
	table := NewTable()
	table.DeregisterProcessSet(17)
	assert.Equal(t, []int32{0}, table.Ids())
}

func TestRegisterValidatesRanks(t *testing.T) {
	fabric := loopback.NewFabric(3)
	table := NewTable()
	require.NoError(t, table.Initialize(fabric.Context(0)))

	_, err := table.RegisterProcessSet(0, 1, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = table.RegisterProcessSet(0, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = table.RegisterProcessSet(-1, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	// The failed registrations left the table unmodified.
	assert.Equal(t, []int32{0}, table.Ids())

	id, err := table.RegisterProcessSet(0, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(1), id)
	assert.Equal(t, []int32{0, 2}, table.Get(1).Ranks())
}

func TestGetUnknownIdPanics(t *testing.T) {
	table := NewTable()
	assert.Panics(t, func() { table.Get(5) })
}

func TestInitializeRequiresOnlyGlobalSet(t *testing.T) {
	fabric := loopback.NewFabric(1)
	table := NewTable()
	_, err := table.RegisterProcessSet()
	require.NoError(t, err)
	assert.Panics(t, func() { _ = table.Initialize(fabric.Context(0)) })
}

func TestDoubleMarkForRemovalPanics(t *testing.T) {
	table := NewTable()
	_, err := table.RegisterProcessSet()
	require.NoError(t, err)
	table.MarkProcessSetForRemoval(1)
	assert.Panics(t, func() { table.MarkProcessSetForRemoval(1) })
}

func TestMarkingGlobalSetForRemovalPanics(t *testing.T) {
	table := NewTable()
	assert.Panics(t, func() { table.MarkProcessSetForRemoval(0) })
}

func TestHasJustBeenRemovedIdleIsFalse(t *testing.T) {
	table := NewTable()
	assert.False(t, table.ProcessSetHasJustBeenRemoved())
}

type recordingQueue struct {
	statuses []comms.Status
}

func (q *recordingQueue) FinalizeTensorQueue(status comms.Status) {
	q.statuses = append(q.statuses, status)
}

func TestFinalizeDeliversStatusAndRetainsGlobalSet(t *testing.T) {
	fabric := loopback.NewFabric(1)
	queues := make(map[int32]*recordingQueue)
	table := NewTable(WithQueueFactory(func(id int32) TensorQueue {
		q := &recordingQueue{}
		queues[id] = q
		return q
	}))
	require.NoError(t, table.Initialize(fabric.Context(0)))
	for i := 0; i < 2; i++ {
		_, err := table.RegisterProcessSet()
		require.NoError(t, err)
	}
	require.NoError(t, table.InitializeRegisteredIfReady(fabric.Context(0)))

	status := comms.Aborted("shutting down for the test")
	table.Finalize(status)

	// Every set's queue received exactly that status.
	require.Len(t, queues, 3)
	for id, q := range queues {
		require.Len(t, q.statuses, 1, "queue of set %d", id)
		assert.Equal(t, status, q.statuses[0])
	}

	// Only the global set survives, finalized; its id is never recycled.
	assert.Equal(t, []int32{0}, table.Ids())
	assert.False(t, table.Get(0).Initialized())

	// The other ids went back to the pool.
	id, err := table.RegisterProcessSet()
	require.NoError(t, err)
	assert.Equal(t, int32(1), id)
}

func TestFinalizeNeverInitializedSetSucceeds(t *testing.T) {
	table := NewTable()
	id, err := table.RegisterProcessSet()
	require.NoError(t, err)
	table.Get(id).Finalize(comms.Aborted("never started"))
	assert.False(t, table.Get(id).Initialized())
}
