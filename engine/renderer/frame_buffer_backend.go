package renderer

import (
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/bind_group_provider"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/pipeline"
	"github.com/cogentcore/webgpu/wgpu"
	"go.uber.org/zap"
)

// wgpuFrameBufferBackend mirrors a FrameBufferSet into WebGPU buffers. Each replica gets its own
// BindGroupProvider holding the vertex buffer and the three group 0 bindings.
type wgpuFrameBufferBackend struct {
	mu        *sync.Mutex
	backend   RendererBackend
	logger    *zap.Logger
	layout    *wgpu.BindGroupLayout
	providers map[int]bind_group_provider.BindGroupProvider
}

var _ frame_buffer.Backend = &wgpuFrameBufferBackend{}

func newWGPUFrameBufferBackend(backend RendererBackend, layout *wgpu.BindGroupLayout, logger *zap.Logger) *wgpuFrameBufferBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &wgpuFrameBufferBackend{
		mu:        &sync.Mutex{},
		backend:   backend,
		logger:    logger,
		layout:    layout,
		providers: make(map[int]bind_group_provider.BindGroupProvider),
	}
}

func (b *wgpuFrameBufferBackend) Type() frame_buffer.BackendType {
	return frame_buffer.BackendTypeWGPU
}

func (b *wgpuFrameBufferBackend) Allocate(replica int, kind frame_buffer.BufferKind, capacity uint64, initial []byte) (any, error) {
	label := fmt.Sprintf("Replica %d %s", replica, kind)
	size := alignBufferSize(capacity)
	buf, err := b.backend.CreateBuffer(label, size, bufferUsage(kind))
	if err != nil {
		return nil, fmt.Errorf("allocate replica %d %s buffer: %w", replica, kind, err)
	}
	if len(initial) > 0 {
		// The buffer is not bound to the replica's provider yet, so it is written through a throwaway one.
		staging := bind_group_provider.NewBindGroupProvider(label+" Staging", bind_group_provider.WithBuffer(0, buf))
		if err := b.backend.WriteBuffers([]bind_group_provider.BufferWrite{{Provider: staging, Binding: 0, Data: initial}}); err != nil {
			buf.Release()
			return nil, fmt.Errorf("fill replica %d %s buffer: %w", replica, kind, err)
		}
	}
	b.logger.Debug("replica buffer allocated",
		zap.Int("replica", replica),
		zap.Stringer("kind", kind),
		zap.Uint64("bytes", size),
	)
	return buf, nil
}

func (b *wgpuFrameBufferBackend) Install(replica int, kind frame_buffer.BufferKind, native any) {
	buf, _ := native.(*wgpu.Buffer)

	b.mu.Lock()
	p, ok := b.providers[replica]
	if !ok {
		p = bind_group_provider.NewBindGroupProvider(fmt.Sprintf("Replica %d", replica), bind_group_provider.WithBindGroupLayout(b.layout))
		b.providers[replica] = p
	}
	b.mu.Unlock()

	// Replacing a bound buffer marks the provider stale so the renderer rebuilds its bind group.
	if binding := bufferBinding(kind); binding == bind_group_provider.VertexBinding {
		p.SetVertexBuffer(buf)
	} else {
		p.SetBuffer(binding, buf)
	}
}

func (b *wgpuFrameBufferBackend) Discard(native any) {
	if buf, ok := native.(*wgpu.Buffer); ok && buf != nil {
		buf.Release()
	}
}

func (b *wgpuFrameBufferBackend) Upload(replica int, kind frame_buffer.BufferKind, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	p := b.provider(replica)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrReplicaNotAllocated, replica)
	}
	return b.backend.WriteBuffers([]bind_group_provider.BufferWrite{{
		Provider: p,
		Binding:  bufferBinding(kind),
		Offset:   offset,
		Data:     data,
	}})
}

func (b *wgpuFrameBufferBackend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for replica, p := range b.providers {
		p.Release()
		delete(b.providers, replica)
	}
}

func (b *wgpuFrameBufferBackend) provider(replica int) bind_group_provider.BindGroupProvider {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.providers[replica]
}

// bufferUsage returns the usage flags a replica buffer of the given kind is created with.
func bufferUsage(kind frame_buffer.BufferKind) wgpu.BufferUsage {
	switch kind {
	case frame_buffer.BufferKindVertex:
		return wgpu.BufferUsageVertex | wgpu.BufferUsageCopyDst
	case frame_buffer.BufferKindCamera:
		return wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
	default:
		return wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
	}
}

// bufferBinding maps a buffer kind to its group 0 binding, or VertexBinding for vertex data.
func bufferBinding(kind frame_buffer.BufferKind) int {
	switch kind {
	case frame_buffer.BufferKindVertex:
		return bind_group_provider.VertexBinding
	case frame_buffer.BufferKindCamera:
		return pipeline.BindingCamera
	case frame_buffer.BufferKindInstance:
		return pipeline.BindingInstances
	default:
		return pipeline.BindingTransforms
	}
}

// alignBufferSize rounds n up to the 4-byte copy alignment WebGPU requires, with a floor of one word.
func alignBufferSize(n uint64) uint64 {
	if n < 4 {
		return 4
	}
	return (n + 3) &^ 3
}
