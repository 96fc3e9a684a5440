package engine

import (
	"time"

	"github.com/Carmen-Shannon/oxy-frames/engine/profiler"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"github.com/Carmen-Shannon/oxy-frames/engine/sync_scheduler"
	"go.uber.org/zap"
)

// EngineBuilderOption is a functional option for configuring an Engine.
// Use the With* functions to create options that are applied directly to the engine instance.
type EngineBuilderOption func(*engine)

// WithLogger sets the logger shared by every component.
//
// Parameters:
//   - logger: the zap logger
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithLogger(logger *zap.Logger) EngineBuilderOption {
	return func(e *engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithReplicaCount sets the number of frame buffer replicas, one per frame in flight.
//
// Parameters:
//   - count: the replica count
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithReplicaCount(count int) EngineBuilderOption {
	return func(e *engine) {
		e.bufferOptions = append(e.bufferOptions, frame_buffer.WithReplicaCount(count))
	}
}

// WithMaxVertices sizes the vertex buffer of every replica.
//
// Parameters:
//   - n: the vertex capacity
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithMaxVertices(n int) EngineBuilderOption {
	return func(e *engine) {
		e.bufferOptions = append(e.bufferOptions, frame_buffer.WithMaxVertices(n))
	}
}

// WithMaxEntities sizes the transform and instance buffers of every replica.
//
// Parameters:
//   - n: the entity capacity
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithMaxEntities(n int) EngineBuilderOption {
	return func(e *engine) {
		e.bufferOptions = append(e.bufferOptions, frame_buffer.WithMaxEntities(n))
	}
}

// WithBackend sets the frame buffer backend. Defaults to the host backend.
//
// Parameters:
//   - b: the backend
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithBackend(b frame_buffer.Backend) EngineBuilderOption {
	return func(e *engine) {
		e.bufferOptions = append(e.bufferOptions, frame_buffer.WithBackend(b))
	}
}

// WithPropagation selects how mutations reach the other replicas.
//
// Parameters:
//   - p: the propagation strategy
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithPropagation(p sync_scheduler.Propagation) EngineBuilderOption {
	return func(e *engine) {
		e.schedulerOptions = append(e.schedulerOptions, sync_scheduler.WithPropagation(p))
	}
}

// WithMaxPending bounds the scheduler's event queue. Zero leaves it unbounded.
//
// Parameters:
//   - n: the maximum number of pending events
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithMaxPending(n int) EngineBuilderOption {
	return func(e *engine) {
		e.schedulerOptions = append(e.schedulerOptions, sync_scheduler.WithMaxPending(n))
	}
}

// WithAutoGrow grows exhausted buffers during registration instead of dropping the entity.
//
// Parameters:
//   - enabled: true to grow on capacity errors
//   - factor: the capacity multiplier, at least 2
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithAutoGrow(enabled bool, factor int) EngineBuilderOption {
	return func(e *engine) {
		e.schedulerOptions = append(e.schedulerOptions, sync_scheduler.WithAutoGrow(enabled, factor))
	}
}

// WithPresenter sets the GPU presenter used by Frame and Run.
//
// Parameters:
//   - p: the presenter
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithPresenter(p Presenter) EngineBuilderOption {
	return func(e *engine) {
		e.presenter = p
	}
}

// WithProfiling enables or disables performance profiling output.
//
// Parameters:
//   - enabled: if true, enables performance profiling
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithProfiling(enabled bool) EngineBuilderOption {
	return func(e *engine) {
		e.profilingEnabled = enabled
	}
}

// WithProfiler replaces the default profiler.
//
// Parameters:
//   - p: the profiler
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithProfiler(p *profiler.Profiler) EngineBuilderOption {
	return func(e *engine) {
		e.profiler = p
	}
}

// WithTickRate sets the rate of the tick callback in ticks per second.
// Values <= 0 will be treated as the default (60Hz).
//
// Parameters:
//   - fps: target ticks per second (default 60)
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithTickRate(fps float64) EngineBuilderOption {
	return func(e *engine) {
		if fps <= 0 {
			fps = 60.0
		}
		e.engineTickRate = time.Duration(float64(time.Second) / fps)
	}
}

// WithTickCallback registers the function Run calls at the tick rate.
// Use it for game logic that moves objects; SyncObjects hands the moves to the scheduler.
//
// Parameters:
//   - callback: receives the delta time in seconds
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithTickCallback(callback func(deltaTime float32)) EngineBuilderOption {
	return func(e *engine) {
		e.tickCallback = callback
	}
}

// WithRenderFrameLimit sets an optional render frame rate cap in frames per second.
// Pass 0 to uncap the render loop (default).
//
// Parameters:
//   - fps: maximum render frames per second (0 = uncapped)
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithRenderFrameLimit(fps float64) EngineBuilderOption {
	return func(e *engine) {
		if fps <= 0 {
			e.renderFrameLimit = 0
			return
		}
		e.renderFrameLimit = time.Duration(float64(time.Second) / fps)
	}
}
