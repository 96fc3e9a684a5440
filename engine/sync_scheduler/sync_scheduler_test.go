package sync_scheduler

import (
	"errors"
	"testing"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/command"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"github.com/Carmen-Shannon/oxy-frames/engine/transform"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	buffers  frame_buffer.FrameBufferSet
	registry mesh.MeshRegistry
	table    transform.TransformTable
	recorder command.CommandRecorder
	sched    SyncScheduler
	logs     *observer.ObservedLogs
}

type harnessConfig struct {
	replicas    int
	maxVertices int
	maxEntities int
	backend     frame_buffer.Backend
	options     []SyncSchedulerBuilderOption
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.maxVertices == 0 {
		cfg.maxVertices = 1024
	}
	if cfg.maxEntities == 0 {
		cfg.maxEntities = 64
	}
	bufferOptions := []frame_buffer.FrameBufferSetBuilderOption{
		frame_buffer.WithReplicaCount(cfg.replicas),
		frame_buffer.WithMaxVertices(cfg.maxVertices),
		frame_buffer.WithMaxEntities(cfg.maxEntities),
	}
	if cfg.backend != nil {
		bufferOptions = append(bufferOptions, frame_buffer.WithBackend(cfg.backend))
	}
	fs, err := frame_buffer.NewFrameBufferSet(bufferOptions...)
	require.NoError(t, err)
	t.Cleanup(fs.Release)

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	reg := mesh.NewMeshRegistry(fs)
	table := transform.NewTransformTable(fs)
	rec := command.NewCommandRecorder(reg, fs)
	options := append([]SyncSchedulerBuilderOption{WithLogger(logger)}, cfg.options...)
	return &harness{
		buffers:  fs,
		registry: reg,
		table:    table,
		recorder: rec,
		sched:    NewSyncScheduler(fs, reg, table, rec, options...),
		logs:     logs,
	}
}

func lineMesh(name string, n int, offset float32) mesh.Mesh {
	vertices := make([]common.Vertex, n)
	for i := range vertices {
		vertices[i] = common.Vertex{Position: [3]float32{float32(i) + offset, 1, 2}}
	}
	return mesh.Mesh{Name: name, Vertices: vertices}
}

func at(x, y, z float32) common.Transform {
	tr := common.IdentityTransform()
	tr.Translation = mgl32.Vec3{x, y, z}
	return tr
}

// flakyBackend rejects uploads of one buffer kind to one replica while armed.
type flakyBackend struct {
	frame_buffer.Backend
	replica int
	kind    frame_buffer.BufferKind
	armed   bool
}

func (b *flakyBackend) Upload(replica int, kind frame_buffer.BufferKind, offset uint64, data []byte) error {
	if b.armed && replica == b.replica && kind == b.kind {
		return errors.New("device lost")
	}
	return b.Backend.Upload(replica, kind, offset, data)
}

func (h *harness) submit(t *testing.T, ev Event) {
	t.Helper()
	require.NoError(t, h.sched.Submit(ev, TimingDeferredNextFrame))
}

func (h *harness) read(t *testing.T, replica int, kind frame_buffer.BufferKind, r common.ByteRange) []byte {
	t.Helper()
	b, err := h.buffers.Read(replica, kind, r)
	require.NoError(t, err)
	return b
}

func (h *harness) transformAt(t *testing.T, replica int, slot uint32) mgl32.Mat4 {
	t.Helper()
	return common.UnmarshalMatrix(h.read(t, replica, frame_buffer.BufferKindTransform, h.table.Range(slot)))
}

func (h *harness) requireConsistent(t *testing.T) {
	t.Helper()
	ok, err := h.sched.Consistent()
	require.NoError(t, err)
	require.True(t, ok, "replicas diverge")
}

func TestRingWalkSyncsAfterFullCycle(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 3})
	m := lineMesh("M", 8, 0)
	h.submit(t, EntityAdded{ID: 1, Mesh: m, Transform: at(1, 2, 3)})

	report := h.sched.Tick(0)
	assert.Equal(t, 1, report.Applied)
	assert.Empty(t, report.Errors)

	slots := h.registry.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, uint32(0), slots[0].FirstIndex)
	assert.Equal(t, uint32(8), slots[0].LastIndex)
	assert.Equal(t, uint32(1), slots[0].InstanceCount)
	slot, err := h.table.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), slot)
	assert.Equal(t, 1, h.sched.InFlightTokens())

	meshRange := slots[0].ByteRange()
	origin := h.read(t, 0, frame_buffer.BufferKindVertex, meshRange)

	report = h.sched.Tick(1)
	assert.Equal(t, 1, report.Visited)
	assert.Equal(t, origin, h.read(t, 1, frame_buffer.BufferKindVertex, meshRange))
	assert.NotEqual(t, origin, h.read(t, 2, frame_buffer.BufferKindVertex, meshRange))

	report = h.sched.Tick(2)
	assert.Equal(t, 1, report.Visited)
	for _, replica := range []int{1, 2} {
		assert.Equal(t, origin, h.read(t, replica, frame_buffer.BufferKindVertex, meshRange))
		assert.Equal(t, at(1, 2, 3).ModelMatrix(), h.transformAt(t, replica, 0))
	}
	h.requireConsistent(t)
	assert.False(t, h.sched.Converged(), "token has not returned home yet")

	report = h.sched.Tick(0)
	assert.Equal(t, 1, report.Synced)
	assert.Zero(t, report.Visited)
	assert.Zero(t, h.sched.InFlightTokens())
	assert.True(t, h.sched.Converged())
	assert.NotEmpty(t, h.logs.FilterMessage("all buffers up to date").All())
}

func TestSecondEntityReusesMeshSlot(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 3})
	m := lineMesh("M", 8, 0)
	h.submit(t, EntityAdded{ID: 1, Mesh: m, Transform: at(0, 0, 0)})
	h.sched.Tick(0)
	h.submit(t, EntityAdded{ID: 2, Mesh: lineMesh("M again", 8, 0), Transform: at(5, 0, 0)})
	h.sched.Tick(1)

	slots := h.registry.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, uint32(2), slots[0].InstanceCount)
	assert.Equal(t, uint32(8), h.registry.LastVertexIndex())

	rec, ok := h.sched.Entity(2)
	require.True(t, ok)
	assert.Equal(t, uint32(1), rec.TransformSlot)
	assert.Equal(t, 0, rec.MeshSlot)

	for _, replica := range []int{2, 0, 1, 2} {
		h.sched.Tick(replica)
	}
	h.requireConsistent(t)
	assert.True(t, h.sched.Converged())
}

func TestDistinctMeshAppendsAfterExistingRange(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 3})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 8, 0), Transform: at(0, 0, 0)})
	h.submit(t, EntityAdded{ID: 3, Mesh: lineMesh("M2", 6, 100), Transform: at(0, 1, 0)})
	h.sched.Tick(0)

	slots := h.registry.Slots()
	require.Len(t, slots, 2)
	assert.Equal(t, uint32(8), slots[1].FirstIndex)
	assert.Equal(t, uint32(14), slots[1].LastIndex)
	assert.False(t, slots[0].Overlaps(slots[1]))
}

func TestCameraConvergesAcrossTwoReplicas(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2})
	vp := mgl32.Perspective(mgl32.DegToRad(60), 16.0/9.0, 0.1, 100).Mul4(
		mgl32.LookAtV(mgl32.Vec3{0, 0, 5}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}),
	)
	h.submit(t, ActiveSceneChanged{ViewProjection: vp})

	h.sched.Tick(0)
	camera := common.ByteRange{Size: common.MatrixSize}
	assert.Equal(t, vp, common.UnmarshalMatrix(h.read(t, 0, frame_buffer.BufferKindCamera, camera)))
	assert.Equal(t, mgl32.Mat4{}, common.UnmarshalMatrix(h.read(t, 1, frame_buffer.BufferKindCamera, camera)))

	h.sched.Tick(1)
	assert.Equal(t, vp, common.UnmarshalMatrix(h.read(t, 1, frame_buffer.BufferKindCamera, camera)))
	h.requireConsistent(t)

	report := h.sched.Tick(0)
	assert.Equal(t, 1, report.Synced)
	assert.True(t, h.sched.Converged())
}

func TestTokenNeverRevisitsReplica(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 3})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})
	h.sched.Tick(0)

	assert.Equal(t, 1, h.sched.Tick(1).Visited)
	assert.Zero(t, h.sched.Tick(1).Visited)

	// Back home before replica 2 was visited: the ring is not closed yet.
	report := h.sched.Tick(0)
	assert.Zero(t, report.Synced)
	assert.Equal(t, 1, h.sched.InFlightTokens())

	assert.Equal(t, 1, h.sched.Tick(2).Visited)
	assert.Equal(t, 1, h.sched.Tick(0).Synced)
	h.requireConsistent(t)
}

func TestEventsDrainFIFO(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})
	h.submit(t, EntityTransformChanged{ID: 1, Transform: at(1, 0, 0)})
	h.submit(t, EntityTransformChanged{ID: 1, Transform: at(2, 0, 0)})

	report := h.sched.Tick(0)
	assert.Equal(t, 3, report.Applied)
	assert.Equal(t, at(2, 0, 0).ModelMatrix(), h.transformAt(t, 0, 0))

	rec, ok := h.sched.Entity(1)
	require.True(t, ok)
	assert.Equal(t, at(2, 0, 0), rec.Transform)
}

func TestImmediateEventsDrainBeforeDeferred(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})
	h.sched.Tick(0)

	h.submit(t, EntityTransformChanged{ID: 1, Transform: at(9, 0, 0)})
	require.NoError(t, h.sched.Submit(EntityTransformChanged{ID: 1, Transform: at(3, 0, 0)}, TimingImmediate))
	assert.Equal(t, 2, h.sched.Pending())

	h.sched.Tick(1)
	assert.Equal(t, at(9, 0, 0).ModelMatrix(), h.transformAt(t, 1, 0))
	assert.Zero(t, h.sched.Pending())
}

func TestImmediateMoveIsNotOverwrittenByOlderToken(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 3})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})
	for _, replica := range []int{0, 1, 2, 0} {
		h.sched.Tick(replica)
	}
	require.True(t, h.sched.Converged())

	h.submit(t, EntityTransformChanged{ID: 1, Transform: at(1, 0, 0)})
	h.sched.Tick(1)
	require.NoError(t, h.sched.Submit(EntityTransformChanged{ID: 1, Transform: at(2, 0, 0)}, TimingImmediate))

	for _, replica := range []int{2, 0, 1, 2, 0, 1} {
		h.sched.Tick(replica)
	}
	require.True(t, h.sched.Converged())

	rec, ok := h.sched.Entity(1)
	require.True(t, ok)
	assert.Equal(t, at(2, 0, 0), rec.Transform)
	for replica := range 3 {
		assert.Equal(t, at(2, 0, 0).ModelMatrix(), h.transformAt(t, replica, rec.TransformSlot), "replica %d", replica)
	}
	h.requireConsistent(t)
}

func TestImmediatePipelineRebuildResolvesInSubmit(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2})
	var got []PipelineRebuildRequested
	h.sched.OnPipelineRebuild(func(ev PipelineRebuildRequested) { got = append(got, ev) })

	_, err := h.recorder.Build(0)
	require.NoError(t, err)

	require.NoError(t, h.sched.Submit(PipelineRebuildRequested{Width: 800, Height: 600}, TimingImmediate))
	require.Len(t, got, 1)
	assert.Equal(t, uint32(800), got[0].Width)
	assert.True(t, h.recorder.Stale(0))
	assert.Zero(t, h.sched.Pending())

	h.submit(t, PipelineRebuildRequested{Width: 1024, Height: 768})
	assert.Len(t, got, 1)
	h.sched.Tick(0)
	assert.Len(t, got, 2)
}

func TestFailedCopyDropsToken(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 3})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})
	h.sched.Tick(0)

	require.NoError(t, h.buffers.MarkInFlight(1))
	report := h.sched.Tick(1)
	assert.Equal(t, 1, report.Dropped)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], frame_buffer.ErrBufferWriteFailed)
	assert.Zero(t, h.sched.InFlightTokens())

	dropped := h.logs.FilterMessage("propagation token dropped").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, zapcore.WarnLevel, dropped[0].Level)

	// The mutation is never retried: replicas 1 and 2 stay stale.
	require.NoError(t, h.buffers.Retire(1))
	h.sched.Tick(2)
	h.sched.Tick(0)
	assert.True(t, h.sched.Converged())
	ok, err := h.sched.Consistent()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOtherTokensSurviveADrop(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})
	h.sched.Tick(0)
	h.submit(t, EntityAdded{ID: 2, Mesh: lineMesh("N", 4, 50), Transform: at(1, 0, 0)})
	require.NoError(t, h.buffers.MarkInFlight(0))

	// Replica 1: token 1 copies in, entity 2 is applied.
	report := h.sched.Tick(1)
	assert.Equal(t, 1, report.Visited)
	assert.Equal(t, 1, report.Applied)

	// Replica 0 is still in flight: token 1 arrives home and syncs, token 2 fails to copy and is dropped.
	report = h.sched.Tick(0)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Dropped)
}

func TestEntityAddedCapacityExceededIsDropped(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2, maxVertices: 10})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 8, 0), Transform: at(0, 0, 0)})
	h.submit(t, EntityAdded{ID: 2, Mesh: lineMesh("Big", 8, 50), Transform: at(0, 0, 0)})

	report := h.sched.Tick(0)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Dropped)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], mesh.ErrMeshCapacityExceeded)

	_, ok := h.sched.Entity(2)
	assert.False(t, ok)
	_, err := h.table.Lookup(2)
	assert.ErrorIs(t, err, transform.ErrTransformSlotNotFound)
	assert.Equal(t, 1, h.sched.InFlightTokens(), "only the successful registration propagates")
	assert.Len(t, h.logs.FilterMessage("entity registration dropped").All(), 1)
}

func TestDuplicateEntityKeepsInstanceCount(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})

	report := h.sched.Tick(0)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], transform.ErrEntityAlreadyRegistered)
	assert.Equal(t, uint32(1), h.registry.Slots()[0].InstanceCount)
	assert.Equal(t, 1, h.table.Count())
}

func TestFailedRegistrationDiscardsNewMeshSlot(t *testing.T) {
	backend := &flakyBackend{Backend: frame_buffer.NewHostBackend(), replica: 0, kind: frame_buffer.BufferKindTransform, armed: true}
	h := newHarness(t, harnessConfig{replicas: 3, backend: backend})
	m := lineMesh("M", 8, 0)

	h.submit(t, EntityAdded{ID: 1, Mesh: m, Transform: at(0, 0, 0)})
	report := h.sched.Tick(0)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], frame_buffer.ErrBufferWriteFailed)
	assert.Empty(t, h.registry.Slots())
	assert.Zero(t, h.registry.LastVertexIndex())
	_, ok := h.sched.Entity(1)
	assert.False(t, ok)

	backend.armed = false
	h.submit(t, EntityAdded{ID: 2, Mesh: m, Transform: at(4, 0, 0)})
	for _, replica := range []int{0, 1, 2, 0, 1, 2, 0} {
		assert.Empty(t, h.sched.Tick(replica).Errors)
	}

	slots := h.registry.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, uint32(1), slots[0].InstanceCount)
	assert.True(t, h.sched.Converged())
	h.requireConsistent(t)
	for replica := range 3 {
		assert.Equal(t, h.read(t, 0, frame_buffer.BufferKindVertex, slots[0].ByteRange()), h.read(t, replica, frame_buffer.BufferKindVertex, slots[0].ByteRange()))
	}
}

func TestTransformChangeUnknownEntity(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2})
	h.submit(t, EntityTransformChanged{ID: 77, Transform: at(0, 0, 0)})

	report := h.sched.Tick(0)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], transform.ErrTransformSlotNotFound)
	assert.Zero(t, h.sched.InFlightTokens())
}

func TestEntitiesUpdatedPropagatesAsOneToken(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 3})
	for id := uint64(1); id <= 3; id++ {
		h.submit(t, EntityAdded{ID: id, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})
	}
	h.sched.Tick(0)
	h.sched.Tick(1)
	h.sched.Tick(2)
	h.sched.Tick(0)
	require.True(t, h.sched.Converged())

	h.submit(t, EntitiesUpdated{Changes: []EntityTransformChanged{
		{ID: 1, Transform: at(1, 0, 0)},
		{ID: 2, Transform: at(2, 0, 0)},
		{ID: 99, Transform: at(3, 0, 0)},
	}})
	report := h.sched.Tick(1)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 1, h.sched.InFlightTokens())

	h.sched.Tick(2)
	h.sched.Tick(0)
	h.requireConsistent(t)
	assert.Equal(t, at(2, 0, 0).ModelMatrix(), h.transformAt(t, 0, 1))
}

func TestQueueFull(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2, options: []SyncSchedulerBuilderOption{WithMaxPending(2)}})
	h.submit(t, ActiveSceneChanged{ViewProjection: mgl32.Ident4()})
	h.submit(t, ActiveSceneChanged{ViewProjection: mgl32.Ident4()})

	err := h.sched.Submit(ActiveSceneChanged{ViewProjection: mgl32.Ident4()}, TimingImmediate)
	assert.ErrorIs(t, err, ErrQueueFull)

	h.sched.Tick(0)
	assert.NoError(t, h.sched.Submit(ActiveSceneChanged{ViewProjection: mgl32.Ident4()}, TimingDeferredNextFrame))
}

type bogusEvent struct{}

func (bogusEvent) Kind() EventKind { return EventKind(99) }

func TestSubmitUnknownEvent(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2})
	assert.ErrorIs(t, h.sched.Submit(bogusEvent{}, TimingDeferredNextFrame), ErrUnknownEvent)
	assert.ErrorIs(t, h.sched.Submit(nil, TimingImmediate), ErrUnknownEvent)
}

func TestTickReplicaOutOfRange(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2})
	h.submit(t, ActiveSceneChanged{ViewProjection: mgl32.Ident4()})

	report := h.sched.Tick(2)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], ErrReplicaOutOfRange)
	assert.Equal(t, 1, h.sched.Pending(), "a rejected tick leaves the queue untouched")
}

func TestAutoGrowRetriesRegistration(t *testing.T) {
	h := newHarness(t, harnessConfig{
		replicas:    3,
		maxVertices: 10,
		maxEntities: 1,
		options:     []SyncSchedulerBuilderOption{WithAutoGrow(true, 2)},
	})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 8, 0), Transform: at(0, 0, 0)})
	h.submit(t, EntityAdded{ID: 2, Mesh: lineMesh("N", 30, 50), Transform: at(1, 0, 0)})

	report := h.sched.Tick(0)
	assert.Equal(t, 2, report.Applied)
	assert.Empty(t, report.Errors)
	assert.GreaterOrEqual(t, h.buffers.Capacity(frame_buffer.BufferKindVertex), uint64(38*common.VertexSize))
	assert.Equal(t, uint64(2*common.MatrixSize), h.buffers.Capacity(frame_buffer.BufferKindTransform))

	for _, replica := range []int{1, 2, 0} {
		h.sched.Tick(replica)
	}
	h.requireConsistent(t)
	assert.True(t, h.sched.Converged())
}

func TestBuffersSynchedCallback(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2})
	var synced []int
	h.sched.OnBuffersSynched(func(replica int) { synced = append(synced, replica) })

	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})
	h.sched.Tick(0)
	h.sched.Tick(1)
	assert.Empty(t, synced)
	h.sched.Tick(0)
	assert.Equal(t, []int{0}, synced)
}

func TestSingleReplica(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 1})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(0, 0, 0)})
	h.sched.Tick(0)
	assert.Equal(t, 1, h.sched.Tick(0).Synced)
	assert.True(t, h.sched.Converged())
	h.requireConsistent(t)
}

// TestConvergenceAfterChurn mutates from a different replica every tick, then checks that N-1 quiet
// ticks bring every replica to identical contents.
func TestConvergenceAfterChurn(t *testing.T) {
	for _, p := range []Propagation{PropagationRing, PropagationDirtyRange} {
		t.Run(p.String(), func(t *testing.T) {
			const n = 4
			h := newHarness(t, harnessConfig{replicas: n, options: []SyncSchedulerBuilderOption{WithPropagation(p)}})
			meshes := []mesh.Mesh{lineMesh("a", 3, 0), lineMesh("b", 5, 10), lineMesh("c", 2, 20)}

			tick := 0
			for step := range 11 {
				id := uint64(step%5 + 1)
				if _, ok := h.sched.Entity(id); ok {
					h.submit(t, EntityTransformChanged{ID: id, Transform: at(float32(step), float32(tick), 0)})
				} else {
					h.submit(t, EntityAdded{ID: id, Mesh: meshes[step%len(meshes)], Transform: at(0, float32(step), 0)})
				}
				if step%3 == 0 {
					h.submit(t, ActiveSceneChanged{ViewProjection: mgl32.Translate3D(float32(step), 0, 0)})
				}
				report := h.sched.Tick(tick % n)
				require.Empty(t, report.Errors)
				tick++
			}

			// The last mutation was applied on the previous tick; N-1 more ticks must converge the data.
			for range n - 1 {
				h.sched.Tick(tick % n)
				tick++
			}
			h.requireConsistent(t)
		})
	}
}

func TestDirtyRangeCoalescesAdjacentSlots(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 3, options: []SyncSchedulerBuilderOption{WithPropagation(PropagationDirtyRange)}})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(1, 0, 0)})
	h.submit(t, EntityAdded{ID: 2, Mesh: lineMesh("M", 4, 0), Transform: at(2, 0, 0)})
	h.submit(t, EntityAdded{ID: 3, Mesh: lineMesh("M", 4, 0), Transform: at(3, 0, 0)})
	h.sched.Tick(0)
	assert.Zero(t, h.sched.InFlightTokens())
	assert.False(t, h.sched.Converged())

	// One vertex range plus the three adjacent transform slots merged into one copy.
	report := h.sched.Tick(1)
	assert.Equal(t, 2, report.Visited)
	assert.Zero(t, report.Synced)

	report = h.sched.Tick(2)
	assert.Equal(t, 2, report.Visited)
	assert.Equal(t, 1, report.Synced)
	assert.True(t, h.sched.Converged())
	h.requireConsistent(t)
}

func TestDirtyRangeNewestOriginWins(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 3, options: []SyncSchedulerBuilderOption{WithPropagation(PropagationDirtyRange)}})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(1, 0, 0)})
	h.sched.Tick(0)
	h.submit(t, EntityTransformChanged{ID: 1, Transform: at(5, 0, 0)})
	h.sched.Tick(1)

	// Replica 2 reconciles the transform from replica 1, the newest writer.
	h.sched.Tick(2)
	assert.Equal(t, at(5, 0, 0).ModelMatrix(), h.transformAt(t, 2, 0))
	h.sched.Tick(0)
	h.requireConsistent(t)
	assert.True(t, h.sched.Converged())
}

func TestDirtyRangeFailedCopyDropsRangeOnly(t *testing.T) {
	h := newHarness(t, harnessConfig{replicas: 2, options: []SyncSchedulerBuilderOption{WithPropagation(PropagationDirtyRange)}})
	h.submit(t, EntityAdded{ID: 1, Mesh: lineMesh("M", 4, 0), Transform: at(1, 0, 0)})
	h.sched.Tick(0)

	require.NoError(t, h.buffers.MarkInFlight(1))
	report := h.sched.Tick(1)
	assert.Equal(t, 2, report.Dropped)
	assert.Len(t, h.logs.FilterMessage("dirty range dropped").All(), 2)
	assert.True(t, h.sched.Converged())
}

func TestParsePropagation(t *testing.T) {
	p, err := ParsePropagation("dirty_range")
	require.NoError(t, err)
	assert.Equal(t, PropagationDirtyRange, p)

	p, err = ParsePropagation("")
	require.NoError(t, err)
	assert.Equal(t, PropagationRing, p)

	_, err = ParsePropagation("broadcast")
	assert.Error(t, err)
}

func TestCoalesceRanges(t *testing.T) {
	in := []rangeRef{
		{kind: frame_buffer.BufferKindTransform, offset: 128, size: 64},
		{kind: frame_buffer.BufferKindVertex, offset: 0, size: 48},
		{kind: frame_buffer.BufferKindTransform, offset: 0, size: 64},
		{kind: frame_buffer.BufferKindTransform, offset: 64, size: 64},
		{kind: frame_buffer.BufferKindTransform, offset: 320, size: 64},
	}
	got := coalesceRanges(in)
	assert.Equal(t, []rangeRef{
		{kind: frame_buffer.BufferKindVertex, offset: 0, size: 48},
		{kind: frame_buffer.BufferKindTransform, offset: 0, size: 192},
		{kind: frame_buffer.BufferKindTransform, offset: 320, size: 64},
	}, got)
}
