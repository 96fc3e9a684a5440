// Package transform assigns every entity a stable slot in the shared transform buffer and writes
// model matrices into a replica at that slot.
package transform

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"go.uber.org/zap"
)

var (
	// ErrTransformSlotNotFound is returned when looking up an id that was never registered.
	ErrTransformSlotNotFound = errors.New("transform: slot not found")
	// ErrTransformCapacityExceeded is returned when the transform buffer has no room for another slot.
	ErrTransformCapacityExceeded = errors.New("transform: transform buffer capacity exceeded")
	// ErrEntityAlreadyRegistered is returned when registering an id twice.
	ErrEntityAlreadyRegistered = errors.New("transform: entity already registered")
)

// transformTable is the implementation of the TransformTable interface.
type transformTable struct {
	mu      *sync.RWMutex
	logger  *zap.Logger
	buffers frame_buffer.FrameBufferSet

	// ids holds registered entity ids in slot order; slot i belongs to ids[i].
	ids   []uint64
	slots map[uint64]uint32
}

// TransformTable maps entity ids to monotonically allocated, never reused transform slots.
type TransformTable interface {
	// Register appends id and returns its slot, which equals the number of previously registered ids.
	//
	// Parameters:
	//   - id: the entity id
	//
	// Returns:
	//   - uint32: the assigned slot
	//   - error: ErrEntityAlreadyRegistered or ErrTransformCapacityExceeded
	Register(id uint64) (uint32, error)

	// Lookup returns the slot assigned to id.
	//
	// Parameters:
	//   - id: the entity id
	//
	// Returns:
	//   - uint32: the slot
	//   - error: ErrTransformSlotNotFound if id was never registered
	Lookup(id uint64) (uint32, error)

	// Write composes the model matrix of t and writes it at slot in the given replica.
	// The slot does not need to be registered yet; callers write the matrix before committing a registration.
	//
	// Parameters:
	//   - slot: the transform slot
	//   - t: the transform to write
	//   - replica: the replica to write into
	//
	// Returns:
	//   - error: a wrapped frame buffer error
	Write(slot uint32, t common.Transform, replica int) error

	// NextSlot returns the slot the next Register call will assign.
	//
	// Returns:
	//   - uint32: the next slot
	NextSlot() uint32

	// Count returns the number of registered entities.
	//
	// Returns:
	//   - int: the count
	Count() int

	// Capacity returns the transform buffer capacity in slots.
	//
	// Returns:
	//   - uint32: the capacity
	Capacity() uint32

	// Range returns a slot's byte range in the transform buffer.
	//
	// Parameters:
	//   - slot: the transform slot
	//
	// Returns:
	//   - common.ByteRange: the slot's range
	Range(slot uint32) common.ByteRange
}

var _ TransformTable = &transformTable{}

// NewTransformTable creates an empty TransformTable writing into the given FrameBufferSet.
//
// Parameters:
//   - buffers: the frame buffers holding the transform replicas
//   - options: a variadic list of TransformTableBuilderOption functions
//
// Returns:
//   - TransformTable: the table
func NewTransformTable(buffers frame_buffer.FrameBufferSet, options ...TransformTableBuilderOption) TransformTable {
	if buffers == nil {
		panic("transform: NewTransformTable requires a non-nil FrameBufferSet")
	}
	t := &transformTable{
		mu:      &sync.RWMutex{},
		logger:  zap.NewNop(),
		buffers: buffers,
		slots:   make(map[uint64]uint32),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

func (t *transformTable) Register(id uint64) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slot, ok := t.slots[id]; ok {
		return slot, fmt.Errorf("%w: entity %d holds slot %d", ErrEntityAlreadyRegistered, id, slot)
	}
	slot := uint32(len(t.ids))
	if slot >= t.capacity() {
		return 0, fmt.Errorf("%w: entity %d needs slot %d, capacity is %d", ErrTransformCapacityExceeded, id, slot, t.capacity())
	}
	t.ids = append(t.ids, id)
	t.slots[id] = slot
	t.logger.Debug("transform slot registered", zap.Uint64("entity", id), zap.Uint32("slot", slot))
	return slot, nil
}

func (t *transformTable) Lookup(id uint64) (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slot, ok := t.slots[id]
	if !ok {
		return 0, fmt.Errorf("%w: entity %d", ErrTransformSlotNotFound, id)
	}
	return slot, nil
}

func (t *transformTable) Write(slot uint32, tr common.Transform, replica int) error {
	r := t.Range(slot)
	if err := t.buffers.Write(replica, frame_buffer.BufferKindTransform, r.Offset, common.MarshalMatrix(tr.ModelMatrix())); err != nil {
		return fmt.Errorf("write transform slot %d to replica %d: %w", slot, replica, err)
	}
	return nil
}

func (t *transformTable) NextSlot() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint32(len(t.ids))
}

func (t *transformTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ids)
}

func (t *transformTable) Capacity() uint32 {
	return t.capacity()
}

func (t *transformTable) Range(slot uint32) common.ByteRange {
	return common.ByteRange{Offset: uint64(slot) * common.MatrixSize, Size: common.MatrixSize}
}

func (t *transformTable) capacity() uint32 {
	return uint32(t.buffers.Capacity(frame_buffer.BufferKindTransform) / common.MatrixSize)
}
