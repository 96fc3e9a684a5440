package renderer

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-frames/engine"
	"github.com/Carmen-Shannon/oxy-frames/engine/game_object"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/bind_group_provider"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/command"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/pipeline"
	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var _ engine.Presenter = &renderer{}

// pollingBackend stands in for the GPU backend. Only Poll is exercised; every other call panics
// through the nil embedded interface.
type pollingBackend struct {
	RendererBackend
	polls  atomic.Int32
	onPoll func(n int32)
}

func (b *pollingBackend) Poll(wait bool) {
	n := b.polls.Add(1)
	if b.onPoll != nil {
		b.onPoll(n)
	}
}

func newTestRenderer(backend RendererBackend) *renderer {
	return &renderer{
		mu:           &sync.Mutex{},
		logger:       zap.NewNop(),
		backend:      backend,
		pipeline:     pipeline.NewPipeline("instanced"),
		buffers:      newWGPUFrameBufferBackend(backend, nil, nil),
		fenceMu:      &sync.Mutex{},
		inFlight:     make(map[int]*atomic.Bool),
		pollInterval: time.Microsecond,
	}
}

func TestParsePresentMode(t *testing.T) {
	cases := []struct {
		in   string
		want PresentMode
		err  bool
	}{
		{"", PresentModeVSync, false},
		{"vsync", PresentModeVSync, false},
		{"uncapped", PresentModeUncapped, false},
		{"mailbox", PresentModeVSync, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParsePresentMode(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBufferKindMapping(t *testing.T) {
	assert.Equal(t, wgpu.BufferUsageVertex|wgpu.BufferUsageCopyDst, bufferUsage(frame_buffer.BufferKindVertex))
	assert.Equal(t, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst, bufferUsage(frame_buffer.BufferKindCamera))
	assert.Equal(t, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst, bufferUsage(frame_buffer.BufferKindTransform))
	assert.Equal(t, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst, bufferUsage(frame_buffer.BufferKindInstance))

	assert.Equal(t, bind_group_provider.VertexBinding, bufferBinding(frame_buffer.BufferKindVertex))
	assert.Equal(t, pipeline.BindingCamera, bufferBinding(frame_buffer.BufferKindCamera))
	assert.Equal(t, pipeline.BindingTransforms, bufferBinding(frame_buffer.BufferKindTransform))
	assert.Equal(t, pipeline.BindingInstances, bufferBinding(frame_buffer.BufferKindInstance))
}

func TestAlignBufferSize(t *testing.T) {
	assert.Equal(t, uint64(4), alignBufferSize(0))
	assert.Equal(t, uint64(4), alignBufferSize(3))
	assert.Equal(t, uint64(12), alignBufferSize(12))
	assert.Equal(t, uint64(16), alignBufferSize(13))
}

func TestWaitReplicaIdleReturnsWithoutPolling(t *testing.T) {
	backend := &pollingBackend{}
	r := newTestRenderer(backend)

	require.NoError(t, r.WaitReplica(context.Background(), 0))
	assert.Equal(t, int32(0), backend.polls.Load())
}

func TestWaitReplicaPollsUntilWorkDone(t *testing.T) {
	backend := &pollingBackend{}
	r := newTestRenderer(backend)
	fence := r.fence(1)
	fence.Store(true)
	backend.onPoll = func(n int32) {
		if n == 3 {
			fence.Store(false)
		}
	}

	require.NoError(t, r.WaitReplica(context.Background(), 1))
	assert.Equal(t, int32(3), backend.polls.Load())
}

func TestWaitReplicaHonorsContext(t *testing.T) {
	r := newTestRenderer(&pollingBackend{})
	r.fence(0).Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := r.WaitReplica(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDrawUnallocatedReplica(t *testing.T) {
	r := newTestRenderer(&pollingBackend{})

	err := r.Draw(command.CommandList{Replica: 2})
	assert.ErrorIs(t, err, ErrReplicaNotAllocated)
	assert.ErrorIs(t, r.buffers.Upload(2, frame_buffer.BufferKindCamera, 0, make([]byte, 64)), ErrReplicaNotAllocated)
}

func TestInstallCreatesReplicaProvider(t *testing.T) {
	b := newWGPUFrameBufferBackend(&pollingBackend{}, nil, nil)
	assert.Nil(t, b.provider(1))

	b.Install(1, frame_buffer.BufferKindCamera, (*wgpu.Buffer)(nil))
	p := b.provider(1)
	require.NotNil(t, p)
	assert.Equal(t, "Replica 1", p.Label())
	assert.True(t, p.Stale())
	assert.Nil(t, b.provider(0))

	// Storage that was never created has nothing to release.
	assert.NotPanics(t, func() { b.Discard(nil) })
}

// TestHeadlessFrames drives the engine through a headless renderer on a real device.
func TestHeadlessFrames(t *testing.T) {
	if os.Getenv("OXY_FRAMES_GPU_TESTS") != "1" {
		t.Skip("set OXY_FRAMES_GPU_TESTS=1 to run GPU tests")
	}

	r, err := NewRenderer(nil, WithSize(64, 64), WithMSAA(MSAAOff))
	require.NoError(t, err)
	defer r.Release()

	e, err := engine.NewEngine(
		engine.WithReplicaCount(3),
		engine.WithMaxVertices(1024),
		engine.WithMaxEntities(16),
		engine.WithBackend(r.FrameBufferBackend()),
		engine.WithPresenter(r),
	)
	require.NoError(t, err)
	defer e.Release()

	for i := 0; i < 4; i++ {
		obj := game_object.NewGameObject(mesh.Cube(), game_object.WithPosition(float32(i), 0, 0))
		_, err := e.AddObject(obj)
		require.NoError(t, err)
	}
	require.NoError(t, e.SetCamera(mgl32.Perspective(mgl32.DegToRad(60), 1, 0.1, 100)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 6; i++ {
		_, err := e.Frame(ctx)
		require.NoError(t, err)
	}
	for replica := 0; replica < 3; replica++ {
		require.NoError(t, r.WaitReplica(ctx, replica))
	}
}
