package transform

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, maxEntities int) (TransformTable, frame_buffer.FrameBufferSet) {
	t.Helper()
	fs, err := frame_buffer.NewFrameBufferSet(
		frame_buffer.WithReplicaCount(2),
		frame_buffer.WithMaxEntities(maxEntities),
	)
	require.NoError(t, err)
	t.Cleanup(fs.Release)
	return NewTransformTable(fs), fs
}

func TestRegisterAssignsMonotonicSlots(t *testing.T) {
	table, _ := newTestTable(t, 8)

	for i, id := range []uint64{42, 7, 1000} {
		assert.Equal(t, uint32(i), table.NextSlot())
		slot, err := table.Register(id)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), slot)
	}
	assert.Equal(t, 3, table.Count())

	slot, err := table.Lookup(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), slot)
}

func TestRegisterDuplicate(t *testing.T) {
	table, _ := newTestTable(t, 8)
	_, err := table.Register(1)
	require.NoError(t, err)

	slot, err := table.Register(1)
	assert.ErrorIs(t, err, ErrEntityAlreadyRegistered)
	assert.Equal(t, uint32(0), slot)
	assert.Equal(t, 1, table.Count())
}

func TestRegisterCapacity(t *testing.T) {
	table, _ := newTestTable(t, 2)
	_, _ = table.Register(1)
	_, _ = table.Register(2)

	_, err := table.Register(3)
	assert.ErrorIs(t, err, ErrTransformCapacityExceeded)
	assert.Equal(t, 2, table.Count())
}

func TestLookupNotFound(t *testing.T) {
	table, _ := newTestTable(t, 2)
	_, err := table.Lookup(99)
	assert.ErrorIs(t, err, ErrTransformSlotNotFound)
}

func TestWriteStoresModelMatrixAtSlot(t *testing.T) {
	table, fs := newTestTable(t, 4)
	tr := common.IdentityTransform()
	tr.Translation = mgl32.Vec3{3, 4, 5}

	slot, err := table.Register(10)
	require.NoError(t, err)
	_, err = table.Register(11)
	require.NoError(t, err)
	slot, err = table.Lookup(11)
	require.NoError(t, err)
	require.NoError(t, table.Write(slot, tr, 1))

	got, err := fs.Read(1, frame_buffer.BufferKindTransform, table.Range(slot))
	require.NoError(t, err)
	assert.Equal(t, tr.ModelMatrix(), common.UnmarshalMatrix(got))

	untouched, err := fs.Read(0, frame_buffer.BufferKindTransform, table.Range(slot))
	require.NoError(t, err)
	assert.Equal(t, mgl32.Mat4{}, common.UnmarshalMatrix(untouched))
}

func TestSlotStableAcrossWrites(t *testing.T) {
	table, _ := newTestTable(t, 4)
	_, _ = table.Register(1)
	first, err := table.Register(2)
	require.NoError(t, err)

	tr := common.IdentityTransform()
	for i := range 10 {
		tr.Translation = mgl32.Vec3{float32(i), 0, 0}
		require.NoError(t, table.Write(first, tr, i%2))
		slot, err := table.Lookup(2)
		require.NoError(t, err)
		assert.Equal(t, first, slot)
	}
}

func TestWriteInFlightReplicaFails(t *testing.T) {
	table, fs := newTestTable(t, 4)
	require.NoError(t, fs.MarkInFlight(0))

	err := table.Write(0, common.IdentityTransform(), 0)
	assert.ErrorIs(t, err, frame_buffer.ErrBufferWriteFailed)
}

func TestCapacityFollowsGrowth(t *testing.T) {
	table, fs := newTestTable(t, 1)
	_, _ = table.Register(1)
	require.NoError(t, fs.Grow(frame_buffer.BufferKindTransform, 4*common.MatrixSize))

	assert.Equal(t, uint32(4), table.Capacity())
	slot, err := table.Register(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), slot)
}
