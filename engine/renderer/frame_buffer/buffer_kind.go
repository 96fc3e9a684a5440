package frame_buffer

import "fmt"

// BufferKind identifies one of the per-replica GPU-visible buffers.
type BufferKind int

const (
	// BufferKindVertex holds the deduplicated mesh vertex data shared by every entity.
	BufferKindVertex BufferKind = iota
	// BufferKindTransform holds one 64-byte model matrix per transform slot.
	BufferKindTransform
	// BufferKindCamera holds a single 64-byte view-projection matrix.
	BufferKindCamera
	// BufferKindInstance holds the instance-to-transform-slot indirection written by the command recorder.
	BufferKindInstance
)

// BufferKinds lists every buffer kind in binding order.
var BufferKinds = []BufferKind{BufferKindVertex, BufferKindTransform, BufferKindCamera, BufferKindInstance}

func (k BufferKind) String() string {
	switch k {
	case BufferKindVertex:
		return "vertex"
	case BufferKindTransform:
		return "transform"
	case BufferKindCamera:
		return "camera"
	case BufferKindInstance:
		return "instance"
	default:
		return fmt.Sprintf("BufferKind(%d)", int(k))
	}
}

// BufferHandle identifies a single replica buffer for submission.
// Native carries the backend's own buffer object (a *wgpu.Buffer for the WebGPU backend, nil for the host backend).
type BufferHandle struct {
	Replica  int
	Kind     BufferKind
	Capacity uint64
	Native   any
}

// ResourceBindings are the buffer handles the presentation loop binds when submitting a replica.
type ResourceBindings struct {
	Replica   int
	Vertex    BufferHandle
	Transform BufferHandle
	Camera    BufferHandle
	Instance  BufferHandle
}
