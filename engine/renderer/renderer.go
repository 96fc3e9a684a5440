package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/command"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/pipeline"
	"github.com/cogentcore/webgpu/wgpu"
	"go.uber.org/zap"
)

// ErrReplicaNotAllocated is returned when drawing a replica whose buffers were never allocated through the
// renderer's frame buffer backend.
var ErrReplicaNotAllocated = errors.New("renderer: replica not allocated")

// Surface is anything the renderer can present into. window.Window satisfies it.
type Surface interface {
	SurfaceDescriptor() *wgpu.SurfaceDescriptor
	Width() int
	Height() int
}

// renderer is the implementation of the Renderer interface.
type renderer struct {
	mu     *sync.Mutex
	logger *zap.Logger

	backendType RendererBackendType
	backend     RendererBackend
	pipeline    pipeline.Pipeline
	buffers     *wgpuFrameBufferBackend

	fenceMu *sync.Mutex
	// inFlight holds one flag per replica, set on submit and cleared by the queue's work-done callback.
	inFlight     map[int]*atomic.Bool
	pollInterval time.Duration

	width  int
	height int

	// Pre-creation config collected from builder options
	forceFallbackAdapter bool
	presentMode          PresentMode
	msaa                 MSAASampleCount
	clearColor           wgpu.Color
}

// Renderer draws the command lists built for each replica and presents them.
//
// The Renderer owns the WebGPU device, the single instanced render pipeline and one bind group per replica.
// It satisfies the engine's Presenter so the engine can drive it frame by frame.
type Renderer interface {
	// Pipeline returns the render pipeline description the renderer created on its device.
	//
	// Returns:
	//   - pipeline.Pipeline: the pipeline
	Pipeline() pipeline.Pipeline

	// FrameBufferBackend returns the frame buffer backend that mirrors every replica into GPU buffers.
	// Pass it to the engine so replica storage and the renderer's bind groups share the same buffers.
	//
	// Returns:
	//   - frame_buffer.Backend: the backend
	FrameBufferBackend() frame_buffer.Backend

	// Resize configures the underlying backend to handle a new surface size.
	// This should be called when re-sizing the window or when the surface size should change.
	//
	// Parameters:
	//   - width: the new width of the surface in pixels
	//   - height: the new height of the surface in pixels
	Resize(width, height int)

	// SetPresentMode changes how frames are delivered and reconfigures the surface.
	//
	// Parameters:
	//   - mode: the PresentMode to use
	SetPresentMode(mode PresentMode)

	// WaitReplica blocks until the GPU finished the last submission that read the replica.
	//
	// Parameters:
	//   - ctx: cancels the wait
	//   - replica: the replica index
	//
	// Returns:
	//   - error: ctx.Err() if the wait was cancelled
	WaitReplica(ctx context.Context, replica int) error

	// Draw encodes and submits one frame from a replica's command list.
	// The replica counts as in flight until the GPU reports the submission done.
	//
	// Parameters:
	//   - list: the command list
	//
	// Returns:
	//   - error: ErrReplicaNotAllocated, or an error from frame acquisition or submission
	Draw(list command.CommandList) error

	// Present presents the last drawn frame. It is a no-op when rendering headless.
	Present()

	// Release frees the pipeline, every replica buffer and the device.
	Release()
}

var _ Renderer = &renderer{}

// NewRenderer creates a WebGPU renderer presenting into surface. A nil surface renders headless into an
// offscreen texture sized by WithSize.
//
// Parameters:
//   - surface: the presentation surface, or nil
//   - options: functional options to configure the renderer
//
// Returns:
//   - Renderer: the renderer
//   - error: an error if the device or pipeline could not be created
func NewRenderer(surface Surface, options ...RendererBuilderOption) (Renderer, error) {
	r := &renderer{
		mu:           &sync.Mutex{},
		logger:       zap.NewNop(),
		backendType:  BackendTypeWGPU,
		fenceMu:      &sync.Mutex{},
		inFlight:     make(map[int]*atomic.Bool),
		pollInterval: 200 * time.Microsecond,
		width:        1280,
		height:       720,
		presentMode:  PresentModeVSync,
		msaa:         MSAA4x,
		clearColor:   wgpu.Color{R: 0.05, G: 0.05, B: 0.08, A: 1},
	}
	for _, opt := range options {
		opt(r)
	}
	if r.pipeline == nil {
		r.pipeline = pipeline.NewPipeline("instanced")
	}

	var descriptor *wgpu.SurfaceDescriptor
	if surface != nil {
		descriptor = surface.SurfaceDescriptor()
		r.width, r.height = surface.Width(), surface.Height()
	}

	backend, err := newWGPURendererBackend(descriptor, r.forceFallbackAdapter, r.msaa, r.clearColor)
	if err != nil {
		return nil, err
	}
	r.backend = backend
	r.backend.SetPresentMode(r.presentMode)
	r.backend.ConfigureSurface(r.width, r.height)

	if err := r.backend.RegisterRenderPipeline(r.pipeline); err != nil {
		r.backend.Release()
		return nil, fmt.Errorf("create pipeline %s: %w", r.pipeline.PipelineKey(), err)
	}
	r.buffers = newWGPUFrameBufferBackend(r.backend, r.pipeline.BindGroupLayout(), r.logger)

	r.logger.Info("renderer ready",
		zap.Bool("headless", surface == nil),
		zap.Int("width", r.width),
		zap.Int("height", r.height),
		zap.Uint32("msaa", uint32(r.msaa)),
	)
	return r, nil
}

func (r *renderer) Pipeline() pipeline.Pipeline {
	return r.pipeline
}

func (r *renderer) FrameBufferBackend() frame_buffer.Backend {
	return r.buffers
}

func (r *renderer) Resize(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if width <= 0 || height <= 0 {
		return
	}
	r.width, r.height = width, height
	r.backend.ConfigureSurface(width, height)
	r.logger.Debug("surface resized", zap.Int("width", width), zap.Int("height", height))
}

func (r *renderer) SetPresentMode(mode PresentMode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.presentMode = mode
	r.backend.SetPresentMode(mode)
	r.backend.ConfigureSurface(r.width, r.height)
}

func (r *renderer) WaitReplica(ctx context.Context, replica int) error {
	fence := r.fence(replica)
	for fence.Load() {
		r.backend.Poll(false)
		if !fence.Load() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
	return nil
}

func (r *renderer) Draw(list command.CommandList) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider := r.buffers.provider(list.Replica)
	if provider == nil {
		return fmt.Errorf("%w: %d", ErrReplicaNotAllocated, list.Replica)
	}
	if provider.Stale() {
		if err := r.backend.BuildBindGroup(provider, r.pipeline.BindGroupLayout()); err != nil {
			return err
		}
		r.logger.Debug("bind group rebuilt", zap.Int("replica", list.Replica))
	}

	if err := r.backend.BeginFrame(); err != nil {
		return err
	}
	r.backend.DrawInstanced(r.pipeline, provider, list.Draws)

	fence := r.fence(list.Replica)
	fence.Store(true)
	if err := r.backend.EndFrame(func() { fence.Store(false) }); err != nil {
		fence.Store(false)
		return err
	}
	return nil
}

func (r *renderer) Present() {
	r.backend.Present()
}

func (r *renderer) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Drain outstanding work so buffers are not released under the GPU.
	r.backend.Poll(true)
	r.pipeline.Release()
	r.buffers.Release()
	r.backend.Release()
}

func (r *renderer) fence(replica int) *atomic.Bool {
	r.fenceMu.Lock()
	defer r.fenceMu.Unlock()

	f, ok := r.inFlight[replica]
	if !ok {
		f = &atomic.Bool{}
		r.inFlight[replica] = f
	}
	return f
}
