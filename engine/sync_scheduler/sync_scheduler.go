// Package sync_scheduler applies scene events to the current frame replica and propagates every mutation
// to the remaining replicas over the following ticks.
package sync_scheduler

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/command"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"github.com/Carmen-Shannon/oxy-frames/engine/transform"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the pending event limit is reached.
	ErrQueueFull = errors.New("sync_scheduler: event queue full")
	// ErrUnknownEvent is returned for an Event implementation the scheduler does not handle.
	ErrUnknownEvent = errors.New("sync_scheduler: unknown event")
	// ErrReplicaOutOfRange is reported when Tick is called with an invalid replica index.
	ErrReplicaOutOfRange = errors.New("sync_scheduler: replica index out of range")
)

// Propagation selects how mutations reach the replicas they were not applied to.
type Propagation int

const (
	// PropagationRing walks one token per mutation around the replicas, one visit per tick.
	PropagationRing Propagation = iota
	// PropagationDirtyRange records dirty byte ranges per replica and reconciles them in one coalesced
	// copy pass when the replica becomes current.
	PropagationDirtyRange
)

func (p Propagation) String() string {
	switch p {
	case PropagationRing:
		return "ring"
	case PropagationDirtyRange:
		return "dirty_range"
	default:
		return "unknown"
	}
}

// ParsePropagation maps a configuration string to a Propagation.
//
// Parameters:
//   - s: "ring" or "dirty_range"
//
// Returns:
//   - Propagation: the strategy
//   - error: an error if s is not recognised
func ParsePropagation(s string) (Propagation, error) {
	switch s {
	case "", "ring":
		return PropagationRing, nil
	case "dirty_range":
		return PropagationDirtyRange, nil
	default:
		return PropagationRing, fmt.Errorf("sync_scheduler: unknown propagation %q", s)
	}
}

// queued is one entry in the working or deferred queue: either a submitted event or a propagation token.
type queued struct {
	event Event
	token *propagationToken
}

// syncScheduler is the implementation of the SyncScheduler interface.
type syncScheduler struct {
	// tickMu serializes Tick. queueMu guards the queues, dirty sets and callbacks, and recordsMu the entity
	// records, so Submit and the read accessors never wait on a running tick.
	tickMu    *sync.Mutex
	queueMu   *sync.Mutex
	recordsMu *sync.RWMutex
	logger    *zap.Logger

	buffers  frame_buffer.FrameBufferSet
	registry mesh.MeshRegistry
	table    transform.TransformTable
	recorder command.CommandRecorder

	propagation Propagation
	maxPending  int
	autoGrow    bool
	growFactor  uint64

	// immediate holds buffer events submitted with TimingImmediate; they drain first on the next tick.
	immediate []queued
	// deferred holds DeferredNextFrame events and re-enqueued tokens.
	deferred []queued
	// pendingEvents counts queued events, excluding tokens.
	pendingEvents int
	tokens        int

	// dirty maps replica -> range -> origin replica of the newest write, for PropagationDirtyRange.
	dirty []map[rangeRef]int

	records map[uint64]*EntityRecord
	order   []uint64

	onBuffersSynched  []func(replica int)
	onPipelineRebuild []func(PipelineRebuildRequested)
}

// SyncScheduler owns the event queues and the propagation protocol that keeps N frame replicas eventually
// consistent.
//
// Each Tick applies due events to the current replica through the MeshRegistry and TransformTable and then
// hands every resulting byte range to the configured propagation strategy. Ticks are expected to present
// replicas in cyclic order; a mutation reaches every replica within N-1 further ticks.
type SyncScheduler interface {
	// Submit queues an event.
	//
	// Parameters:
	//   - event: the event to queue
	//   - timing: TimingImmediate or TimingDeferredNextFrame
	//
	// Returns:
	//   - error: ErrQueueFull or ErrUnknownEvent
	Submit(event Event, timing Timing) error

	// Tick runs one scheduler cycle against the replica that is now current. The caller must have waited for
	// the GPU to retire that replica's previous submission. Failures never abort the tick; they are logged and
	// collected in the report.
	//
	// Parameters:
	//   - current: the replica index now current
	//
	// Returns:
	//   - TickReport: what the tick did
	Tick(current int) TickReport

	// Entity returns the record of a registered entity.
	//
	// Parameters:
	//   - id: the entity id
	//
	// Returns:
	//   - EntityRecord: the record
	//   - bool: false if the entity is not registered
	Entity(id uint64) (EntityRecord, bool)

	// Entities returns every registered entity in registration order.
	//
	// Returns:
	//   - []EntityRecord: the records
	Entities() []EntityRecord

	// Pending returns the number of queued events, excluding propagation tokens.
	//
	// Returns:
	//   - int: the pending event count
	Pending() int

	// InFlightTokens returns the number of propagation tokens still walking the ring.
	//
	// Returns:
	//   - int: the token count
	InFlightTokens() int

	// Converged reports whether no events, tokens or dirty ranges are outstanding.
	//
	// Returns:
	//   - bool: true if nothing is left to propagate
	Converged() bool

	// Consistent compares the used region of every buffer kind across all replicas.
	// A dropped token can leave replicas divergent even when Converged is true.
	//
	// Returns:
	//   - bool: true if every replica holds identical bytes
	//   - error: a wrapped frame buffer error
	Consistent() (bool, error)

	// Propagation returns the configured strategy.
	//
	// Returns:
	//   - Propagation: the strategy
	Propagation() Propagation

	// OnBuffersSynched registers a callback fired when a mutation has reached every replica.
	//
	// Parameters:
	//   - fn: called with the replica that was current when the sync completed
	OnBuffersSynched(fn func(replica int))

	// OnPipelineRebuild registers a callback fired when a PipelineRebuildRequested event is resolved.
	//
	// Parameters:
	//   - fn: called with the event
	OnPipelineRebuild(fn func(PipelineRebuildRequested))
}

var _ SyncScheduler = &syncScheduler{}

// NewSyncScheduler creates a SyncScheduler over the given components. All four are required.
//
// Parameters:
//   - buffers: the replicated frame buffers
//   - registry: the mesh registry
//   - table: the transform table
//   - recorder: the command recorder to keep informed of new instances
//   - options: a variadic list of SyncSchedulerBuilderOption functions
//
// Returns:
//   - SyncScheduler: the scheduler
func NewSyncScheduler(buffers frame_buffer.FrameBufferSet, registry mesh.MeshRegistry, table transform.TransformTable, recorder command.CommandRecorder, options ...SyncSchedulerBuilderOption) SyncScheduler {
	if buffers == nil {
		panic("sync_scheduler: NewSyncScheduler requires a non-nil FrameBufferSet")
	}
	if registry == nil {
		panic("sync_scheduler: NewSyncScheduler requires a non-nil MeshRegistry")
	}
	if table == nil {
		panic("sync_scheduler: NewSyncScheduler requires a non-nil TransformTable")
	}
	if recorder == nil {
		panic("sync_scheduler: NewSyncScheduler requires a non-nil CommandRecorder")
	}
	s := &syncScheduler{
		tickMu:     &sync.Mutex{},
		queueMu:    &sync.Mutex{},
		recordsMu:  &sync.RWMutex{},
		logger:     zap.NewNop(),
		buffers:    buffers,
		registry:   registry,
		table:      table,
		recorder:   recorder,
		growFactor: 2,
		records:    make(map[uint64]*EntityRecord),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.growFactor < 2 {
		s.growFactor = 2
	}
	s.dirty = make([]map[rangeRef]int, buffers.ReplicaCount())
	for i := range s.dirty {
		s.dirty[i] = make(map[rangeRef]int)
	}
	return s
}

func (s *syncScheduler) Submit(event Event, timing Timing) error {
	if event == nil {
		return fmt.Errorf("%w: nil", ErrUnknownEvent)
	}
	switch event.(type) {
	case EntityAdded, EntityTransformChanged, EntitiesUpdated, ActiveSceneChanged, PipelineRebuildRequested:
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}

	if rebuild, ok := event.(PipelineRebuildRequested); ok && timing == TimingImmediate {
		s.resolvePipelineRebuild(rebuild)
		return nil
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.maxPending > 0 && s.pendingEvents >= s.maxPending {
		return fmt.Errorf("%w: %d events pending", ErrQueueFull, s.pendingEvents)
	}
	if timing == TimingImmediate {
		s.immediate = append(s.immediate, queued{event: event})
	} else {
		s.deferred = append(s.deferred, queued{event: event})
	}
	s.pendingEvents++
	return nil
}

func (s *syncScheduler) Tick(current int) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	report := TickReport{Replica: current}
	if current < 0 || current >= s.buffers.ReplicaCount() {
		err := fmt.Errorf("%w: %d not in [0, %d)", ErrReplicaOutOfRange, current, s.buffers.ReplicaCount())
		report.Errors = append(report.Errors, err)
		s.logger.Error("tick rejected", zap.Error(err))
		return report
	}

	if s.propagation == PropagationDirtyRange {
		s.reconcileDirty(current, &report)
	}

	// Promote: tokens from earlier ticks visit first, so a newer write applied below is never overwritten by
	// an older mutation still walking the ring. Immediate events follow, then deferred events in arrival
	// order. Anything queued while this tick runs waits for the next tick.
	s.queueMu.Lock()
	working := make([]queued, 0, len(s.immediate)+len(s.deferred))
	for _, item := range s.deferred {
		if item.token != nil {
			working = append(working, item)
		}
	}
	working = append(working, s.immediate...)
	for _, item := range s.deferred {
		if item.token == nil {
			working = append(working, item)
		}
	}
	s.immediate = nil
	s.deferred = nil
	s.queueMu.Unlock()

	for _, item := range working {
		if item.token != nil {
			s.visitToken(item.token, current, &report)
			continue
		}
		s.queueMu.Lock()
		s.pendingEvents--
		s.queueMu.Unlock()
		s.dispatch(item.event, current, &report)
	}

	if report.Synced > 0 {
		s.logger.Debug("all buffers up to date", zap.Int("replica", current), zap.Int("synced", report.Synced))
		s.fireBuffersSynched(current)
	}
	if len(report.Errors) > 0 {
		s.logger.Warn("tick completed with errors", zap.Object("report", report))
	} else if report.Applied > 0 || report.Visited > 0 {
		s.logger.Debug("tick completed", zap.Object("report", report))
	}
	return report
}

func (s *syncScheduler) Entity(id uint64) (EntityRecord, bool) {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return EntityRecord{}, false
	}
	return *rec, true
}

func (s *syncScheduler) Entities() []EntityRecord {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()
	out := make([]EntityRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

func (s *syncScheduler) Pending() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.pendingEvents
}

func (s *syncScheduler) InFlightTokens() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.tokens
}

func (s *syncScheduler) Converged() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.pendingEvents > 0 || s.tokens > 0 {
		return false
	}
	for _, d := range s.dirty {
		if len(d) > 0 {
			return false
		}
	}
	return true
}

func (s *syncScheduler) Consistent() (bool, error) {
	used := map[frame_buffer.BufferKind]common.ByteRange{
		frame_buffer.BufferKindVertex:    {Size: uint64(s.registry.LastVertexIndex()) * common.VertexSize},
		frame_buffer.BufferKindTransform: {Size: uint64(s.table.Count()) * common.MatrixSize},
		frame_buffer.BufferKindCamera:    {Size: common.MatrixSize},
	}
	for kind, r := range used {
		base, err := s.buffers.Read(0, kind, r)
		if err != nil {
			return false, err
		}
		for i := 1; i < s.buffers.ReplicaCount(); i++ {
			other, err := s.buffers.Read(i, kind, r)
			if err != nil {
				return false, err
			}
			if !bytes.Equal(base, other) {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *syncScheduler) Propagation() Propagation {
	return s.propagation
}

func (s *syncScheduler) OnBuffersSynched(fn func(replica int)) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.onBuffersSynched = append(s.onBuffersSynched, fn)
}

func (s *syncScheduler) OnPipelineRebuild(fn func(PipelineRebuildRequested)) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.onPipelineRebuild = append(s.onPipelineRebuild, fn)
}

// dispatch applies one event to the current replica and starts its propagation.
func (s *syncScheduler) dispatch(event Event, current int, report *TickReport) {
	s.logger.Debug("dispatching event", zap.Stringer("kind", event.Kind()), zap.Int("replica", current))

	switch ev := event.(type) {
	case EntityAdded:
		ranges, err := s.applyEntityAdded(ev, current)
		if err != nil {
			report.fail(err)
			s.logger.Warn("entity registration dropped", zap.Uint64("entity", ev.ID), zap.Int("replica", current), zap.Error(err))
			return
		}
		report.Applied++
		s.propagate(payloadEntity, ev.ID, ranges, current)

	case EntityTransformChanged:
		r, err := s.applyTransform(ev, current)
		if err != nil {
			report.fail(err)
			s.logger.Warn("transform change dropped", zap.Uint64("entity", ev.ID), zap.Int("replica", current), zap.Error(err))
			return
		}
		report.Applied++
		s.propagate(payloadEntity, ev.ID, []rangeRef{r}, current)

	case EntitiesUpdated:
		var ranges []rangeRef
		for _, change := range ev.Changes {
			r, err := s.applyTransform(change, current)
			if err != nil {
				report.fail(err)
				s.logger.Warn("transform change dropped", zap.Uint64("entity", change.ID), zap.Int("replica", current), zap.Error(err))
				continue
			}
			ranges = append(ranges, r)
		}
		if len(ranges) > 0 {
			report.Applied++
			s.propagate(payloadBatch, 0, ranges, current)
		}

	case ActiveSceneChanged:
		r := rangeRef{kind: frame_buffer.BufferKindCamera, offset: 0, size: common.MatrixSize}
		if err := s.buffers.Write(current, frame_buffer.BufferKindCamera, 0, common.MarshalMatrix(ev.ViewProjection)); err != nil {
			err = fmt.Errorf("write camera to replica %d: %w", current, err)
			report.fail(err)
			s.logger.Warn("camera change dropped", zap.Int("replica", current), zap.Error(err))
			return
		}
		report.Applied++
		s.propagate(payloadCamera, 0, []rangeRef{r}, current)

	case PipelineRebuildRequested:
		s.resolvePipelineRebuild(ev)
		report.Applied++

	default:
		err := fmt.Errorf("%w: %T", ErrUnknownEvent, event)
		report.fail(err)
		s.logger.Warn("event dropped", zap.Error(err))
	}
}

// applyEntityAdded registers an entity against the current replica and returns the ranges to propagate.
// With auto-grow enabled each exhausted buffer is grown at most once before the registration is dropped.
func (s *syncScheduler) applyEntityAdded(ev EntityAdded, current int) ([]rangeRef, error) {
	grown := make(map[frame_buffer.BufferKind]bool, 2)
	for {
		ranges, err := s.registerEntity(ev, current)
		if err == nil || !s.autoGrow {
			return ranges, err
		}
		kind, ok := capacityKind(err)
		if !ok || grown[kind] {
			return nil, err
		}
		if growErr := s.growFor(kind, ev); growErr != nil {
			return nil, errors.Join(err, growErr)
		}
		grown[kind] = true
	}
}

// capacityKind maps a capacity error to the buffer it exhausted.
func capacityKind(err error) (frame_buffer.BufferKind, bool) {
	switch {
	case errors.Is(err, mesh.ErrMeshCapacityExceeded):
		return frame_buffer.BufferKindVertex, true
	case errors.Is(err, transform.ErrTransformCapacityExceeded):
		return frame_buffer.BufferKindTransform, true
	default:
		return 0, false
	}
}

// registerEntity commits a registration only after both the mesh and the transform were written.
func (s *syncScheduler) registerEntity(ev EntityAdded, current int) ([]rangeRef, error) {
	if _, exists := s.Entity(ev.ID); exists {
		return nil, fmt.Errorf("%w: entity %d", transform.ErrEntityAlreadyRegistered, ev.ID)
	}
	slotIndex := s.table.NextSlot()
	if slotIndex >= s.table.Capacity() {
		return nil, fmt.Errorf("%w: entity %d needs slot %d", transform.ErrTransformCapacityExceeded, ev.ID, slotIndex)
	}

	meshSlot, isNew, err := s.registry.AddOrGet(ev.Mesh, current)
	if err != nil {
		return nil, err
	}
	if err := s.table.Write(slotIndex, ev.Transform, current); err != nil {
		s.rollbackMesh(meshSlot.Index, isNew)
		return nil, err
	}
	if _, err := s.table.Register(ev.ID); err != nil {
		s.rollbackMesh(meshSlot.Index, isNew)
		return nil, err
	}
	s.recorder.Track(meshSlot.Index, slotIndex)

	s.recordsMu.Lock()
	s.records[ev.ID] = &EntityRecord{ID: ev.ID, MeshSlot: meshSlot.Index, TransformSlot: slotIndex, Transform: ev.Transform}
	s.order = append(s.order, ev.ID)
	s.recordsMu.Unlock()

	tr := s.table.Range(slotIndex)
	ranges := []rangeRef{{kind: frame_buffer.BufferKindTransform, offset: tr.Offset, size: tr.Size}}
	// A deduplicated mesh is already travelling with the token of the entity that introduced it.
	if isNew {
		mr := meshSlot.ByteRange()
		ranges = append(ranges, rangeRef{kind: frame_buffer.BufferKindVertex, offset: mr.Offset, size: mr.Size})
	}
	return ranges, nil
}

// rollbackMesh undoes the mesh half of an aborted registration. A slot created by this registration is
// discarded outright, since no token will ever carry its vertex range to the other replicas.
func (s *syncScheduler) rollbackMesh(meshSlot int, isNew bool) {
	var err error
	if isNew {
		err = s.registry.DiscardSlot(meshSlot)
	} else {
		err = s.registry.ReleaseInstance(meshSlot)
	}
	if err != nil {
		s.logger.Error("mesh rollback failed", zap.Int("slot", meshSlot), zap.Bool("new", isNew), zap.Error(err))
	}
}

// growFor grows an exhausted buffer by the configured factor, or further if the request alone needs more.
func (s *syncScheduler) growFor(kind frame_buffer.BufferKind, ev EntityAdded) error {
	capacity := s.buffers.Capacity(kind)
	var needed uint64
	switch kind {
	case frame_buffer.BufferKindVertex:
		needed = (uint64(s.registry.LastVertexIndex()) + uint64(len(ev.Mesh.Vertices))) * common.VertexSize
	default:
		needed = (uint64(s.table.NextSlot()) + 1) * common.MatrixSize
	}
	s.logger.Info("growing exhausted buffer", zap.Stringer("kind", kind), zap.Uint64("entity", ev.ID))
	return s.buffers.Grow(kind, max(capacity*s.growFactor, needed))
}

// applyTransform writes a registered entity's new transform to the current replica.
func (s *syncScheduler) applyTransform(ev EntityTransformChanged, current int) (rangeRef, error) {
	slot, err := s.table.Lookup(ev.ID)
	if err != nil {
		return rangeRef{}, err
	}
	if err := s.table.Write(slot, ev.Transform, current); err != nil {
		return rangeRef{}, err
	}
	s.recordsMu.Lock()
	if rec, ok := s.records[ev.ID]; ok {
		rec.Transform = ev.Transform
	}
	s.recordsMu.Unlock()
	r := s.table.Range(slot)
	return rangeRef{kind: frame_buffer.BufferKindTransform, offset: r.Offset, size: r.Size}, nil
}

// propagate hands ranges written on origin to the configured strategy.
func (s *syncScheduler) propagate(payload payloadKind, entity uint64, ranges []rangeRef, origin int) {
	switch s.propagation {
	case PropagationDirtyRange:
		s.markDirty(ranges, origin)
	default:
		s.enqueueToken(newPropagationToken(payload, entity, ranges, origin, s.buffers.ReplicaCount()))
	}
}

func (s *syncScheduler) resolvePipelineRebuild(ev PipelineRebuildRequested) {
	s.recorder.Invalidate()
	s.logger.Debug("pipeline rebuild resolved", zap.Uint32("width", ev.Width), zap.Uint32("height", ev.Height))
	s.queueMu.Lock()
	callbacks := append([]func(PipelineRebuildRequested){}, s.onPipelineRebuild...)
	s.queueMu.Unlock()
	for _, fn := range callbacks {
		fn(ev)
	}
}

func (s *syncScheduler) fireBuffersSynched(current int) {
	s.queueMu.Lock()
	callbacks := append([]func(int){}, s.onBuffersSynched...)
	s.queueMu.Unlock()
	for _, fn := range callbacks {
		fn(current)
	}
}
