package frame_buffer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBackend captures uploads so tests can check the backend stays in step with the host arenas.
type recordingBackend struct {
	allocations map[[2]int]uint64
	uploads     int
	failUploads bool
	// failAllocate makes Allocate fail for this replica once armed; -1 disables it.
	failAllocate int
	discarded    int
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{allocations: make(map[[2]int]uint64), failAllocate: -1}
}

func (b *recordingBackend) Type() BackendType { return BackendTypeHost }

func (b *recordingBackend) Allocate(replica int, kind BufferKind, capacity uint64, initial []byte) (any, error) {
	if replica == b.failAllocate {
		return nil, errors.New("out of device memory")
	}
	return capacity, nil
}

func (b *recordingBackend) Install(replica int, kind BufferKind, native any) {
	b.allocations[[2]int{replica, int(kind)}] = native.(uint64)
}

func (b *recordingBackend) Discard(native any) {
	b.discarded++
}

func (b *recordingBackend) Upload(replica int, kind BufferKind, offset uint64, data []byte) error {
	if b.failUploads {
		return errors.New("device lost")
	}
	b.uploads++
	return nil
}

func (b *recordingBackend) Release() {}

func newTestSet(t *testing.T, options ...FrameBufferSetBuilderOption) FrameBufferSet {
	t.Helper()
	fs, err := NewFrameBufferSet(options...)
	require.NoError(t, err)
	t.Cleanup(fs.Release)
	return fs
}

func TestNewFrameBufferSetDefaults(t *testing.T) {
	fs := newTestSet(t)

	assert.Equal(t, DefaultReplicaCount, fs.ReplicaCount())
	assert.Equal(t, uint64(DefaultMaxVertices*common.VertexSize), fs.Capacity(BufferKindVertex))
	assert.Equal(t, uint64(DefaultMaxEntities*common.MatrixSize), fs.Capacity(BufferKindTransform))
	assert.Equal(t, uint64(common.MatrixSize), fs.Capacity(BufferKindCamera))
	assert.Equal(t, BackendTypeHost, fs.Backend().Type())
}

func TestNewFrameBufferSetRejectsZeroReplicas(t *testing.T) {
	_, err := NewFrameBufferSet(WithReplicaCount(0))
	assert.Error(t, err)
}

func TestWriteReadIsolatedPerReplica(t *testing.T) {
	fs := newTestSet(t, WithReplicaCount(2), WithMaxVertices(8))
	data := []byte{1, 2, 3, 4}

	require.NoError(t, fs.Write(0, BufferKindVertex, 12, data))

	got, err := fs.Read(0, BufferKindVertex, common.ByteRange{Offset: 12, Size: 4})
	require.NoError(t, err)
	assert.Equal(t, data, got)

	other, err := fs.Read(1, BufferKindVertex, common.ByteRange{Offset: 12, Size: 4})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, other)
}

func TestWriteOutOfBounds(t *testing.T) {
	fs := newTestSet(t, WithMaxVertices(1))

	err := fs.Write(0, BufferKindVertex, 8, make([]byte, 8))
	assert.ErrorIs(t, err, ErrRangeOutOfBounds)

	err = fs.Write(7, BufferKindVertex, 0, []byte{1})
	assert.ErrorIs(t, err, ErrReplicaOutOfRange)
}

func TestCopyRange(t *testing.T) {
	fs := newTestSet(t, WithReplicaCount(3), WithMaxEntities(4))
	matrix := common.MarshalMatrix(common.IdentityTransform().ModelMatrix())
	r := common.ByteRange{Offset: 2 * common.MatrixSize, Size: common.MatrixSize}

	require.NoError(t, fs.Write(1, BufferKindTransform, r.Offset, matrix))
	require.NoError(t, fs.CopyRange(1, 2, BufferKindTransform, r))

	got, err := fs.Read(2, BufferKindTransform, r)
	require.NoError(t, err)
	assert.Equal(t, matrix, got)

	untouched, err := fs.Read(0, BufferKindTransform, r)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, common.MatrixSize), untouched)
}

func TestInFlightReplicaRejectsWrites(t *testing.T) {
	fs := newTestSet(t, WithReplicaCount(2))

	require.NoError(t, fs.MarkInFlight(1))
	assert.True(t, fs.InFlight(1))

	err := fs.Write(1, BufferKindCamera, 0, make([]byte, common.MatrixSize))
	assert.ErrorIs(t, err, ErrBufferWriteFailed)

	err = fs.CopyRange(0, 1, BufferKindCamera, common.ByteRange{Size: common.MatrixSize})
	assert.ErrorIs(t, err, ErrBufferWriteFailed)

	// Reads of an in-flight replica come from the host shadow and still succeed.
	_, err = fs.Read(1, BufferKindCamera, common.ByteRange{Size: common.MatrixSize})
	assert.NoError(t, err)

	require.NoError(t, fs.Retire(1))
	assert.False(t, fs.InFlight(1))
	assert.NoError(t, fs.Write(1, BufferKindCamera, 0, make([]byte, common.MatrixSize)))
}

func TestBackendUploadFailure(t *testing.T) {
	backend := newRecordingBackend()
	fs := newTestSet(t, WithBackend(backend))

	backend.failUploads = true
	err := fs.Write(0, BufferKindVertex, 0, []byte{9, 9, 9})
	assert.ErrorIs(t, err, ErrBufferWriteFailed)

	// The host arena is only committed after the backend accepts the upload.
	got, err := fs.Read(0, BufferKindVertex, common.ByteRange{Size: 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0}, got)
}

func TestGrowMigratesEveryReplica(t *testing.T) {
	backend := newRecordingBackend()
	fs := newTestSet(t, WithReplicaCount(3), WithMaxVertices(2), WithBackend(backend))
	oldCap := fs.Capacity(BufferKindVertex)

	for i := range 3 {
		payload := bytes.Repeat([]byte{byte(i + 1)}, int(oldCap))
		require.NoError(t, fs.Write(i, BufferKindVertex, 0, payload))
	}
	gen := fs.Generation()

	require.NoError(t, fs.Grow(BufferKindVertex, oldCap*4))
	assert.Equal(t, oldCap*4, fs.Capacity(BufferKindVertex))
	assert.Equal(t, gen+1, fs.Generation())

	for i := range 3 {
		got, err := fs.Read(i, BufferKindVertex, common.ByteRange{Size: oldCap * 4})
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, int(oldCap)), got[:oldCap])
		assert.Equal(t, make([]byte, oldCap*3), got[oldCap:])
		assert.Equal(t, oldCap*4, backend.allocations[[2]int{i, int(BufferKindVertex)}])

		bindings, err := fs.Bindings(i)
		require.NoError(t, err)
		assert.Equal(t, oldCap*4, bindings.Vertex.Capacity)
	}

	// Writes past the old capacity now succeed.
	assert.NoError(t, fs.Write(0, BufferKindVertex, oldCap, []byte{7}))
}

func TestGrowFailureLeavesEveryReplicaOnOldBuffers(t *testing.T) {
	backend := newRecordingBackend()
	fs := newTestSet(t, WithReplicaCount(3), WithMaxVertices(2), WithBackend(backend))
	oldCap := fs.Capacity(BufferKindVertex)
	for i := range 3 {
		require.NoError(t, fs.Write(i, BufferKindVertex, 0, bytes.Repeat([]byte{byte(i + 1)}, int(oldCap))))
	}
	gen := fs.Generation()

	backend.failAllocate = 1
	err := fs.Grow(BufferKindVertex, oldCap*4)
	require.Error(t, err)

	assert.Equal(t, oldCap, fs.Capacity(BufferKindVertex))
	assert.Equal(t, gen, fs.Generation())
	// Replica 0 was staged before replica 1 failed; its new buffer is thrown away, not installed.
	assert.Equal(t, 1, backend.discarded)
	for i := range 3 {
		assert.Equal(t, oldCap, backend.allocations[[2]int{i, int(BufferKindVertex)}])
		bindings, err := fs.Bindings(i)
		require.NoError(t, err)
		assert.Equal(t, oldCap, bindings.Vertex.Capacity)
		assert.Equal(t, oldCap, bindings.Vertex.Native)

		got, err := fs.Read(i, BufferKindVertex, common.ByteRange{Size: oldCap})
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, int(oldCap)), got)
	}
	assert.ErrorIs(t, fs.Write(0, BufferKindVertex, oldCap, []byte{7}), ErrRangeOutOfBounds)

	// The next attempt succeeds once the backend recovers.
	backend.failAllocate = -1
	require.NoError(t, fs.Grow(BufferKindVertex, oldCap*4))
	assert.Equal(t, oldCap*4, fs.Capacity(BufferKindVertex))
}

func TestGrowNeverShrinks(t *testing.T) {
	fs := newTestSet(t, WithMaxVertices(4))
	before := fs.Capacity(BufferKindVertex)

	require.NoError(t, fs.Grow(BufferKindVertex, before/2))
	assert.Equal(t, before, fs.Capacity(BufferKindVertex))
	assert.Zero(t, fs.Generation())
}

func TestBindings(t *testing.T) {
	fs := newTestSet(t, WithReplicaCount(2))

	b, err := fs.Bindings(1)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Replica)
	assert.Equal(t, BufferKindTransform, b.Transform.Kind)
	assert.Equal(t, BufferKindCamera, b.Camera.Kind)
	assert.Equal(t, 1, b.Vertex.Replica)

	_, err = fs.Bindings(2)
	assert.ErrorIs(t, err, ErrReplicaOutOfRange)
}
