package frame_buffer

import (
	"github.com/Carmen-Shannon/oxy-frames/common"
	"go.uber.org/zap"
)

// FrameBufferSetBuilderOption is a functional option applied to a FrameBufferSet during construction via NewFrameBufferSet.
type FrameBufferSetBuilderOption func(*frameBufferSet)

// WithReplicaCount sets the number of replicas, one per frame allowed in flight.
//
// Parameters:
//   - count: the replica count, at least 1
//
// Returns:
//   - FrameBufferSetBuilderOption: a function that applies the replica count option
func WithReplicaCount(count int) FrameBufferSetBuilderOption {
	return func(fs *frameBufferSet) {
		fs.replicaCount = count
	}
}

// WithMaxVertices sets the initial vertex buffer capacity in vertices.
//
// Parameters:
//   - n: the maximum vertex count
//
// Returns:
//   - FrameBufferSetBuilderOption: a function that applies the vertex capacity option
func WithMaxVertices(n int) FrameBufferSetBuilderOption {
	return func(fs *frameBufferSet) {
		if n > 0 {
			fs.capacities[BufferKindVertex] = uint64(n) * common.VertexSize
		}
	}
}

// WithMaxEntities sets the initial transform and instance buffer capacities in entities.
//
// Parameters:
//   - n: the maximum entity count
//
// Returns:
//   - FrameBufferSetBuilderOption: a function that applies the entity capacity option
func WithMaxEntities(n int) FrameBufferSetBuilderOption {
	return func(fs *frameBufferSet) {
		if n > 0 {
			fs.capacities[BufferKindTransform] = uint64(n) * common.MatrixSize
			fs.capacities[BufferKindInstance] = uint64(n) * InstanceSlotSize
		}
	}
}

// WithCapacity sets the initial capacity of a single buffer kind in bytes.
//
// Parameters:
//   - kind: the buffer kind
//   - bytes: the capacity in bytes
//
// Returns:
//   - FrameBufferSetBuilderOption: a function that applies the capacity option
func WithCapacity(kind BufferKind, bytes uint64) FrameBufferSetBuilderOption {
	return func(fs *frameBufferSet) {
		fs.capacities[kind] = bytes
	}
}

// WithBackend sets the Backend every replica is mirrored into. Defaults to the host backend.
//
// Parameters:
//   - b: the backend
//
// Returns:
//   - FrameBufferSetBuilderOption: a function that applies the backend option
func WithBackend(b Backend) FrameBufferSetBuilderOption {
	return func(fs *frameBufferSet) {
		fs.backend = b
	}
}

// WithMigrationWorkers sets how many workers copy replica arenas during Grow. Defaults to the replica count.
//
// Parameters:
//   - n: the worker count
//
// Returns:
//   - FrameBufferSetBuilderOption: a function that applies the worker count option
func WithMigrationWorkers(n int) FrameBufferSetBuilderOption {
	return func(fs *frameBufferSet) {
		fs.migrationWorkers = n
	}
}

// WithLogger sets the logger used for allocation and growth messages.
//
// Parameters:
//   - logger: the zap logger
//
// Returns:
//   - FrameBufferSetBuilderOption: a function that applies the logger option
func WithLogger(logger *zap.Logger) FrameBufferSetBuilderOption {
	return func(fs *frameBufferSet) {
		if logger != nil {
			fs.logger = logger
		}
	}
}
