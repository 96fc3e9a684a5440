package sync_scheduler

import (
	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/go-gl/mathgl/mgl32"
)

// Timing selects when a submitted event is resolved.
type Timing int

const (
	// TimingDeferredNextFrame queues the event until the next Tick promotes it.
	TimingDeferredNextFrame Timing = iota
	// TimingImmediate resolves pipeline requests synchronously inside Submit and places buffer events
	// ahead of deferred ones in the next Tick.
	TimingImmediate
)

func (t Timing) String() string {
	switch t {
	case TimingImmediate:
		return "immediate"
	case TimingDeferredNextFrame:
		return "deferred"
	default:
		return "unknown"
	}
}

// EventKind identifies an Event variant.
type EventKind int

const (
	EventKindEntityAdded EventKind = iota
	EventKindEntityTransformChanged
	EventKindEntitiesUpdated
	EventKindActiveSceneChanged
	EventKindPipelineRebuildRequested
)

func (k EventKind) String() string {
	switch k {
	case EventKindEntityAdded:
		return "entity_added"
	case EventKindEntityTransformChanged:
		return "entity_transform_changed"
	case EventKindEntitiesUpdated:
		return "entities_updated"
	case EventKindActiveSceneChanged:
		return "active_scene_changed"
	case EventKindPipelineRebuildRequested:
		return "pipeline_rebuild_requested"
	default:
		return "unknown"
	}
}

// Event is one of the inbound scene events. The set is closed: EntityAdded, EntityTransformChanged,
// EntitiesUpdated, ActiveSceneChanged and PipelineRebuildRequested.
type Event interface {
	// Kind returns the event variant.
	//
	// Returns:
	//   - EventKind: the variant
	Kind() EventKind
}

// EntityAdded registers a new entity with its mesh and initial transform.
type EntityAdded struct {
	ID        uint64
	Mesh      mesh.Mesh
	Transform common.Transform
}

// EntityTransformChanged moves an already registered entity.
type EntityTransformChanged struct {
	ID        uint64
	Transform common.Transform
}

// EntitiesUpdated moves several registered entities at once. The changes propagate as one unit.
type EntitiesUpdated struct {
	Changes []EntityTransformChanged
}

// ActiveSceneChanged replaces the camera view-projection matrix.
type ActiveSceneChanged struct {
	ViewProjection mgl32.Mat4
}

// PipelineRebuildRequested signals that the render pipeline was rebuilt, typically after a surface resize.
// It touches no replica buffers; it invalidates every cached draw list.
type PipelineRebuildRequested struct {
	Width  uint32
	Height uint32
}

func (EntityAdded) Kind() EventKind              { return EventKindEntityAdded }
func (EntityTransformChanged) Kind() EventKind   { return EventKindEntityTransformChanged }
func (EntitiesUpdated) Kind() EventKind          { return EventKindEntitiesUpdated }
func (ActiveSceneChanged) Kind() EventKind       { return EventKindActiveSceneChanged }
func (PipelineRebuildRequested) Kind() EventKind { return EventKindPipelineRebuildRequested }

// EntityRecord is the scheduler's view of a registered entity.
type EntityRecord struct {
	ID            uint64
	MeshSlot      int
	TransformSlot uint32
	Transform     common.Transform
}
