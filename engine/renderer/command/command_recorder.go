// Package command builds the per-replica instanced draw list from the mesh registry.
package command

import (
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"go.uber.org/zap"
)

// DrawCommand is one instanced draw: VertexCount vertices starting at FirstIndex, InstanceCount instances
// starting at FirstInstance in the instance indirection buffer.
type DrawCommand struct {
	MeshSlot      int
	VertexCount   uint32
	InstanceCount uint32
	FirstIndex    uint32
	FirstInstance uint32
}

// CommandList is everything the presentation loop needs to submit one replica.
type CommandList struct {
	Replica int
	Draws   []DrawCommand
	// InstanceSlots maps each instance to its transform slot, grouped by mesh slot in registration order.
	InstanceSlots []uint32
	Bindings      frame_buffer.ResourceBindings
}

// cacheKey identifies the inputs a cached CommandList was built from.
type cacheKey struct {
	registry uint64
	buffers  uint64
	tracked  int
	epoch    uint64
}

// commandRecorder is the implementation of the CommandRecorder interface.
type commandRecorder struct {
	mu       *sync.Mutex
	logger   *zap.Logger
	registry mesh.MeshRegistry
	buffers  frame_buffer.FrameBufferSet

	// instances holds the transform slots of each mesh slot's instances in registration order.
	instances map[int][]uint32
	tracked   int
	// epoch increments on Invalidate so every cached list is rebuilt.
	epoch uint64

	cache map[int]cachedList
}

type cachedList struct {
	key  cacheKey
	list CommandList
}

// CommandRecorder turns the mesh registry into one instanced draw per mesh slot and keeps each replica's
// instance indirection buffer in step with it.
//
// Transform slots are assigned in entity registration order while draws are grouped by mesh, so every draw
// reads its instances through InstanceSlots rather than directly from the transform buffer.
type CommandRecorder interface {
	// Track records that an entity using meshSlot owns transformSlot. Called once per committed registration.
	//
	// Parameters:
	//   - meshSlot: the mesh slot index
	//   - transformSlot: the entity's transform slot
	Track(meshSlot int, transformSlot uint32)

	// Build returns the draw list for a replica, writing its instance indirection buffer when the registry
	// has changed since the replica's last build.
	//
	// Parameters:
	//   - replica: the replica index
	//
	// Returns:
	//   - CommandList: the draw list and bindings
	//   - error: a wrapped frame buffer error
	Build(replica int) (CommandList, error)

	// Invalidate drops every cached draw list, forcing the next Build of each replica to rebuild.
	// Called when the render pipeline is rebuilt.
	Invalidate()

	// Stale reports whether the next Build of a replica will rebuild its draw list.
	//
	// Parameters:
	//   - replica: the replica index
	//
	// Returns:
	//   - bool: true if the cached list is missing or out of date
	Stale(replica int) bool
}

var _ CommandRecorder = &commandRecorder{}

// NewCommandRecorder creates a CommandRecorder reading from registry and writing into buffers.
//
// Parameters:
//   - registry: the mesh registry to draw
//   - buffers: the frame buffers to bind
//   - options: a variadic list of CommandRecorderBuilderOption functions
//
// Returns:
//   - CommandRecorder: the recorder
func NewCommandRecorder(registry mesh.MeshRegistry, buffers frame_buffer.FrameBufferSet, options ...CommandRecorderBuilderOption) CommandRecorder {
	if registry == nil {
		panic("command: NewCommandRecorder requires a non-nil MeshRegistry")
	}
	if buffers == nil {
		panic("command: NewCommandRecorder requires a non-nil FrameBufferSet")
	}
	c := &commandRecorder{
		mu:        &sync.Mutex{},
		logger:    zap.NewNop(),
		registry:  registry,
		buffers:   buffers,
		instances: make(map[int][]uint32),
		cache:     make(map[int]cachedList),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *commandRecorder) Track(meshSlot int, transformSlot uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[meshSlot] = append(c.instances[meshSlot], transformSlot)
	c.tracked++
}

func (c *commandRecorder) Build(replica int) (CommandList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.key()
	if cached, ok := c.cache[replica]; ok && cached.key == key {
		return cached.list, nil
	}

	if replica < 0 || replica >= c.buffers.ReplicaCount() {
		return CommandList{}, fmt.Errorf("%w: %d", frame_buffer.ErrReplicaOutOfRange, replica)
	}

	slots := c.registry.Slots()
	list := CommandList{
		Replica: replica,
		Draws:   make([]DrawCommand, 0, len(slots)),
	}
	for _, slot := range slots {
		members := c.instances[slot.Index]
		if uint32(len(members)) != slot.InstanceCount {
			return CommandList{}, fmt.Errorf("command: mesh slot %d has %d instances but %d tracked transforms",
				slot.Index, slot.InstanceCount, len(members))
		}
		list.Draws = append(list.Draws, DrawCommand{
			MeshSlot:      slot.Index,
			VertexCount:   slot.VertexCount(),
			InstanceCount: slot.InstanceCount,
			FirstIndex:    slot.FirstIndex,
			FirstInstance: slot.FirstInstance,
		})
		list.InstanceSlots = append(list.InstanceSlots, members...)
	}

	if err := c.writeInstances(replica, list.InstanceSlots); err != nil {
		return CommandList{}, err
	}
	// Growing the instance buffer reallocates it, so bindings are read after the write.
	bindings, err := c.buffers.Bindings(replica)
	if err != nil {
		return CommandList{}, err
	}
	list.Bindings = bindings

	c.cache[replica] = cachedList{key: c.key(), list: list}
	c.logger.Debug("command list built",
		zap.Int("replica", replica),
		zap.Int("draws", len(list.Draws)),
		zap.Int("instances", len(list.InstanceSlots)),
	)
	return list, nil
}

func (c *commandRecorder) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	clear(c.cache)
}

func (c *commandRecorder) Stale(replica int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.cache[replica]
	return !ok || cached.key != c.key()
}

func (c *commandRecorder) key() cacheKey {
	return cacheKey{
		registry: c.registry.Generation(),
		buffers:  c.buffers.Generation(),
		tracked:  c.tracked,
		epoch:    c.epoch,
	}
}

// writeInstances writes the indirection list into the replica's instance buffer, growing it first if needed.
func (c *commandRecorder) writeInstances(replica int, slots []uint32) error {
	if len(slots) == 0 {
		return nil
	}
	needed := uint64(len(slots)) * frame_buffer.InstanceSlotSize
	if capacity := c.buffers.Capacity(frame_buffer.BufferKindInstance); needed > capacity {
		if err := c.buffers.Grow(frame_buffer.BufferKindInstance, max(needed, capacity*2)); err != nil {
			return fmt.Errorf("grow instance buffer: %w", err)
		}
	}
	if err := c.buffers.Write(replica, frame_buffer.BufferKindInstance, 0, common.MarshalUint32s(slots)); err != nil {
		return fmt.Errorf("write instance slots to replica %d: %w", replica, err)
	}
	return nil
}
