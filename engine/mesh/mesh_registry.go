package mesh

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"go.uber.org/zap"
)

var (
	// ErrMeshCapacityExceeded is returned when appending a mesh would overflow the vertex buffer.
	ErrMeshCapacityExceeded = errors.New("mesh: vertex buffer capacity exceeded")
	// ErrEmptyMesh is returned when registering a mesh with no vertices.
	ErrEmptyMesh = errors.New("mesh: mesh has no vertices")
	// ErrSlotNotFound is returned for a slot index that was never allocated.
	ErrSlotNotFound = errors.New("mesh: slot not found")
	// ErrSlotNotDiscardable is returned when DiscardSlot targets a slot other than the newest single-instance one.
	ErrSlotNotDiscardable = errors.New("mesh: slot cannot be discarded")
)

// meshRegistry is the implementation of the MeshRegistry interface.
type meshRegistry struct {
	mu      *sync.RWMutex
	logger  *zap.Logger
	buffers frame_buffer.FrameBufferSet

	// slots holds every MeshSlot in registration order.
	slots []MeshSlot
	// byHash maps a content hash to its index in slots.
	byHash map[[32]byte]int
	// lastIndex is the next free vertex index.
	lastIndex  uint32
	generation uint64
}

// MeshRegistry deduplicates meshes by content and allocates each unique mesh a vertex range
// in the shared vertex buffer. Ranges are appended and never reused.
type MeshRegistry interface {
	// AddOrGet registers one instance of a mesh. If the content is already known the slot's instance
	// count is incremented and no buffer is touched. Otherwise a new range is appended at LastVertexIndex
	// and the vertex data is written into the given replica only.
	//
	// Parameters:
	//   - m: the mesh to register
	//   - replica: the replica to write new vertex data into
	//
	// Returns:
	//   - MeshSlot: the slot after registration
	//   - bool: true if a new slot was created
	//   - error: ErrEmptyMesh, ErrMeshCapacityExceeded, or a wrapped buffer write error
	AddOrGet(m Mesh, replica int) (MeshSlot, bool, error)

	// ReleaseInstance decrements a slot's instance count. Used to roll back a registration that
	// failed after its mesh was counted. The vertex range itself is never released.
	//
	// Parameters:
	//   - index: the slot index
	//
	// Returns:
	//   - error: ErrSlotNotFound if the slot does not exist or has no instances
	ReleaseInstance(index int) error

	// DiscardSlot undoes the allocation of the newest slot when the registration that created it failed.
	// The hash entry is dropped and LastVertexIndex moves back to the slot's first index, so the same content
	// registers as new again and its vertex range is written and propagated afresh.
	//
	// Parameters:
	//   - index: the slot index, which must be the newest slot with exactly one instance
	//
	// Returns:
	//   - error: ErrSlotNotDiscardable otherwise
	DiscardSlot(index int) error

	// Slot returns the slot at index.
	//
	// Parameters:
	//   - index: the slot index
	//
	// Returns:
	//   - MeshSlot: the slot
	//   - bool: false if no such slot exists
	Slot(index int) (MeshSlot, bool)

	// Lookup returns the slot registered for a mesh's content, if any.
	//
	// Parameters:
	//   - m: the mesh to look up
	//
	// Returns:
	//   - MeshSlot: the slot
	//   - bool: false if the content is not registered
	Lookup(m Mesh) (MeshSlot, bool)

	// Slots returns a copy of every slot in registration order.
	//
	// Returns:
	//   - []MeshSlot: the slots
	Slots() []MeshSlot

	// LastVertexIndex returns the next free vertex index, where the next new mesh will be placed.
	//
	// Returns:
	//   - uint32: the next free vertex index
	LastVertexIndex() uint32

	// Capacity returns the vertex buffer capacity in vertices.
	//
	// Returns:
	//   - uint32: the capacity
	Capacity() uint32

	// InstanceTotal returns the sum of every slot's instance count.
	//
	// Returns:
	//   - uint32: the total instance count
	InstanceTotal() uint32

	// Generation returns a counter that increments whenever a slot is added or an instance count changes.
	//
	// Returns:
	//   - uint64: the generation
	Generation() uint64
}

var _ MeshRegistry = &meshRegistry{}

// NewMeshRegistry creates an empty MeshRegistry writing into the given FrameBufferSet.
//
// Parameters:
//   - buffers: the frame buffers holding the vertex replicas
//   - options: a variadic list of MeshRegistryBuilderOption functions
//
// Returns:
//   - MeshRegistry: the registry
func NewMeshRegistry(buffers frame_buffer.FrameBufferSet, options ...MeshRegistryBuilderOption) MeshRegistry {
	if buffers == nil {
		panic("mesh: NewMeshRegistry requires a non-nil FrameBufferSet")
	}
	r := &meshRegistry{
		mu:      &sync.RWMutex{},
		logger:  zap.NewNop(),
		buffers: buffers,
		byHash:  make(map[[32]byte]int),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func (r *meshRegistry) AddOrGet(m Mesh, replica int) (MeshSlot, bool, error) {
	if len(m.Vertices) == 0 {
		return MeshSlot{}, false, fmt.Errorf("%w: %q", ErrEmptyMesh, m.Name)
	}
	hash := m.ContentHash()

	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.byHash[hash]; ok {
		r.slots[idx].InstanceCount++
		r.reindexInstances()
		r.generation++
		return r.slots[idx], false, nil
	}

	count := uint32(len(m.Vertices))
	capacity := r.capacityLocked()
	if uint64(r.lastIndex)+uint64(count) > uint64(capacity) {
		return MeshSlot{}, false, fmt.Errorf("%w: %q needs [%d, %d), capacity is %d vertices",
			ErrMeshCapacityExceeded, m.Name, r.lastIndex, uint64(r.lastIndex)+uint64(count), capacity)
	}

	slot := MeshSlot{
		Index:         len(r.slots),
		Hash:          hash,
		Name:          m.Name,
		FirstIndex:    r.lastIndex,
		LastIndex:     r.lastIndex + count,
		InstanceCount: 1,
	}
	rng := slot.ByteRange()
	if err := r.buffers.Write(replica, frame_buffer.BufferKindVertex, rng.Offset, common.MarshalVertices(m.Vertices)); err != nil {
		return MeshSlot{}, false, fmt.Errorf("write mesh %q to replica %d: %w", m.Name, replica, err)
	}

	r.slots = append(r.slots, slot)
	r.byHash[hash] = slot.Index
	r.lastIndex = slot.LastIndex
	r.reindexInstances()
	r.generation++

	r.logger.Debug("mesh slot allocated",
		zap.String("mesh", m.Name),
		zap.Int("slot", slot.Index),
		zap.Uint32("first", slot.FirstIndex),
		zap.Uint32("last", slot.LastIndex),
		zap.Int("replica", replica),
	)
	return r.slots[slot.Index], true, nil
}

func (r *meshRegistry) ReleaseInstance(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.slots) || r.slots[index].InstanceCount == 0 {
		return fmt.Errorf("%w: %d", ErrSlotNotFound, index)
	}
	r.slots[index].InstanceCount--
	r.reindexInstances()
	r.generation++
	return nil
}

func (r *meshRegistry) DiscardSlot(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := len(r.slots) - 1
	if index != last || last < 0 || r.slots[last].InstanceCount != 1 {
		return fmt.Errorf("%w: %d", ErrSlotNotDiscardable, index)
	}
	slot := r.slots[last]
	r.slots = r.slots[:last]
	delete(r.byHash, slot.Hash)
	r.lastIndex = slot.FirstIndex
	r.reindexInstances()
	r.generation++

	r.logger.Debug("mesh slot discarded", zap.String("mesh", slot.Name), zap.Int("slot", slot.Index))
	return nil
}

func (r *meshRegistry) Slot(index int) (MeshSlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.slots) {
		return MeshSlot{}, false
	}
	return r.slots[index], true
}

func (r *meshRegistry) Lookup(m Mesh) (MeshSlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byHash[m.ContentHash()]
	if !ok {
		return MeshSlot{}, false
	}
	return r.slots[idx], true
}

func (r *meshRegistry) Slots() []MeshSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MeshSlot, len(r.slots))
	copy(out, r.slots)
	return out
}

func (r *meshRegistry) LastVertexIndex() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastIndex
}

func (r *meshRegistry) Capacity() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capacityLocked()
}

func (r *meshRegistry) InstanceTotal() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint32
	for _, s := range r.slots {
		total += s.InstanceCount
	}
	return total
}

func (r *meshRegistry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// capacityLocked reads the vertex capacity from the frame buffers, which may have grown since the last call.
func (r *meshRegistry) capacityLocked() uint32 {
	return uint32(r.buffers.Capacity(frame_buffer.BufferKindVertex) / common.VertexSize)
}

// reindexInstances recomputes FirstInstance as the prefix sum of instance counts.
func (r *meshRegistry) reindexInstances() {
	var first uint32
	for i := range r.slots {
		r.slots[i].FirstInstance = first
		first += r.slots[i].InstanceCount
	}
}
