package frame_buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-frames/common"
	"go.uber.org/zap"
)

const (
	// DefaultReplicaCount is the number of frames allowed in flight when no count is configured.
	DefaultReplicaCount = 3
	// DefaultMaxVertices is the initial vertex buffer capacity in vertices.
	DefaultMaxVertices = 65536
	// DefaultMaxEntities is the initial transform buffer capacity in matrices.
	DefaultMaxEntities = 4096
	// InstanceSlotSize is the size of one instance indirection entry in bytes.
	InstanceSlotSize = 4
)

var (
	// ErrBufferWriteFailed is returned when a replica cannot accept a write, because it is still in flight,
	// its lock is held, or the backend rejected the upload.
	ErrBufferWriteFailed = errors.New("frame_buffer: buffer write failed")
	// ErrReplicaOutOfRange is returned for a replica index outside [0, ReplicaCount).
	ErrReplicaOutOfRange = errors.New("frame_buffer: replica index out of range")
	// ErrRangeOutOfBounds is returned when a byte range exceeds the buffer's capacity.
	ErrRangeOutOfBounds = errors.New("frame_buffer: byte range out of bounds")
)

// replica is one complete copy of every buffer kind.
type replica struct {
	// mu guards arenas while they are being written; writers use TryLock and fail rather than wait.
	mu *sync.Mutex
	// arenas holds the host shadow of each buffer kind, sized to the set's capacity for that kind.
	arenas map[BufferKind][]byte
	// native holds the backend's buffer object for each kind.
	native map[BufferKind]any
	// inFlight is true between MarkInFlight and Retire.
	inFlight bool
}

// frameBufferSet is the implementation of the FrameBufferSet interface.
type frameBufferSet struct {
	mu         *sync.RWMutex
	logger     *zap.Logger
	backend    Backend
	replicas   []*replica
	capacities map[BufferKind]uint64

	// migrationPool copies replica arenas in parallel during Grow.
	migrationPool    worker.DynamicWorkerPool
	migrationWorkers int

	// generation increments every time a buffer is reallocated so bind groups can be rebuilt.
	generation uint64

	replicaCount int
}

// FrameBufferSet owns N independent replicas of the vertex, transform, camera and instance buffers,
// one per frame allowed in flight. Each replica is a host-memory arena mirrored into a Backend.
//
// A replica that has been submitted to the GPU (MarkInFlight) rejects writes until it is retired.
type FrameBufferSet interface {
	// ReplicaCount returns the number of replicas.
	//
	// Returns:
	//   - int: the replica count
	ReplicaCount() int

	// Capacity returns the current size of a buffer kind in bytes. Every replica shares the same capacity.
	//
	// Parameters:
	//   - kind: the buffer kind
	//
	// Returns:
	//   - uint64: the capacity in bytes
	Capacity(kind BufferKind) uint64

	// Write copies data into a replica buffer at offset and mirrors it into the backend.
	//
	// Parameters:
	//   - replica: the replica index
	//   - kind: the buffer kind
	//   - offset: byte offset into the buffer
	//   - data: the bytes to write
	//
	// Returns:
	//   - error: ErrReplicaOutOfRange, ErrRangeOutOfBounds, or ErrBufferWriteFailed
	Write(replica int, kind BufferKind, offset uint64, data []byte) error

	// Read returns a copy of the bytes in a replica buffer range.
	//
	// Parameters:
	//   - replica: the replica index
	//   - kind: the buffer kind
	//   - r: the byte range to read
	//
	// Returns:
	//   - []byte: a copy of the range
	//   - error: ErrReplicaOutOfRange or ErrRangeOutOfBounds
	Read(replica int, kind BufferKind, r common.ByteRange) ([]byte, error)

	// CopyRange copies a byte range of one buffer kind from src to dst without re-deriving it.
	//
	// Parameters:
	//   - src: the replica to copy from
	//   - dst: the replica to copy into
	//   - kind: the buffer kind
	//   - r: the byte range to copy
	//
	// Returns:
	//   - error: ErrReplicaOutOfRange, ErrRangeOutOfBounds, or ErrBufferWriteFailed
	CopyRange(src, dst int, kind BufferKind, r common.ByteRange) error

	// Grow reallocates a buffer kind on every replica to newCapacity bytes and migrates the existing contents.
	// Capacity never shrinks; a newCapacity at or below the current capacity is a no-op. A failure leaves
	// every replica on its previous buffers.
	//
	// Parameters:
	//   - kind: the buffer kind to grow
	//   - newCapacity: the new size in bytes
	//
	// Returns:
	//   - error: an error if migration or backend reallocation failed
	Grow(kind BufferKind, newCapacity uint64) error

	// MarkInFlight flags a replica as submitted to the GPU.
	//
	// Parameters:
	//   - replica: the replica index
	//
	// Returns:
	//   - error: ErrReplicaOutOfRange
	MarkInFlight(replica int) error

	// Retire clears the in-flight flag once the GPU has finished consuming the replica.
	//
	// Parameters:
	//   - replica: the replica index
	//
	// Returns:
	//   - error: ErrReplicaOutOfRange
	Retire(replica int) error

	// InFlight reports whether a replica is currently in flight. Out-of-range indices report false.
	//
	// Parameters:
	//   - replica: the replica index
	//
	// Returns:
	//   - bool: true if the replica is in flight
	InFlight(replica int) bool

	// Bindings returns the buffer handles of a replica for submission.
	//
	// Parameters:
	//   - replica: the replica index
	//
	// Returns:
	//   - ResourceBindings: the replica's buffer handles
	//   - error: ErrReplicaOutOfRange
	Bindings(replica int) (ResourceBindings, error)

	// Generation returns a counter that increments whenever any buffer is reallocated.
	//
	// Returns:
	//   - uint64: the allocation generation
	Generation() uint64

	// Backend returns the backend mirroring this set.
	//
	// Returns:
	//   - Backend: the backend
	Backend() Backend

	// Release frees backend storage and stops the migration workers.
	Release()
}

var _ FrameBufferSet = &frameBufferSet{}

// NewFrameBufferSet creates a FrameBufferSet and allocates every replica at its initial capacity.
// Defaults to DefaultReplicaCount replicas on the host backend.
//
// Parameters:
//   - options: a variadic list of FrameBufferSetBuilderOption functions
//
// Returns:
//   - FrameBufferSet: the allocated set
//   - error: an error if the backend failed to allocate a replica
func NewFrameBufferSet(options ...FrameBufferSetBuilderOption) (FrameBufferSet, error) {
	fs := &frameBufferSet{
		mu:           &sync.RWMutex{},
		logger:       zap.NewNop(),
		replicaCount: DefaultReplicaCount,
		capacities: map[BufferKind]uint64{
			BufferKindVertex:    DefaultMaxVertices * common.VertexSize,
			BufferKindTransform: DefaultMaxEntities * common.MatrixSize,
			BufferKindCamera:    common.MatrixSize,
			BufferKindInstance:  DefaultMaxEntities * InstanceSlotSize,
		},
	}
	for _, opt := range options {
		opt(fs)
	}
	if fs.replicaCount < 1 {
		return nil, fmt.Errorf("frame_buffer: replica count must be at least 1, got %d", fs.replicaCount)
	}
	if fs.backend == nil {
		fs.backend = NewHostBackend()
	}
	if fs.migrationWorkers <= 0 {
		fs.migrationWorkers = fs.replicaCount
	}
	fs.migrationPool = worker.NewDynamicWorkerPool(fs.migrationWorkers, 256, 1*time.Second)

	fs.replicas = make([]*replica, fs.replicaCount)
	for i := range fs.replicas {
		rep := &replica{
			mu:     &sync.Mutex{},
			arenas: make(map[BufferKind][]byte, len(BufferKinds)),
			native: make(map[BufferKind]any, len(BufferKinds)),
		}
		for _, kind := range BufferKinds {
			rep.arenas[kind] = make([]byte, fs.capacities[kind])
			native, err := fs.backend.Allocate(i, kind, fs.capacities[kind], nil)
			if err != nil {
				fs.backend.Release()
				fs.migrationPool.Stop()
				return nil, fmt.Errorf("allocate %s buffer for replica %d: %w", kind, i, err)
			}
			fs.backend.Install(i, kind, native)
			rep.native[kind] = native
		}
		fs.replicas[i] = rep
	}

	fs.logger.Debug("frame buffers allocated",
		zap.Int("replicas", fs.replicaCount),
		zap.Stringer("backend", fs.backend.Type()),
		zap.Uint64("vertexBytes", fs.capacities[BufferKindVertex]),
		zap.Uint64("transformBytes", fs.capacities[BufferKindTransform]),
	)
	return fs, nil
}

func (fs *frameBufferSet) ReplicaCount() int {
	return fs.replicaCount
}

func (fs *frameBufferSet) Capacity(kind BufferKind) uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.capacities[kind]
}

func (fs *frameBufferSet) Write(replica int, kind BufferKind, offset uint64, data []byte) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rep, err := fs.replica(replica)
	if err != nil {
		return err
	}
	if err := fs.checkRange(kind, common.ByteRange{Offset: offset, Size: uint64(len(data))}); err != nil {
		return err
	}
	return fs.writeLocked(replica, rep, kind, offset, data)
}

func (fs *frameBufferSet) Read(replica int, kind BufferKind, r common.ByteRange) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rep, err := fs.replica(replica)
	if err != nil {
		return nil, err
	}
	if err := fs.checkRange(kind, r); err != nil {
		return nil, err
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	out := make([]byte, r.Size)
	copy(out, rep.arenas[kind][r.Offset:r.End()])
	return out, nil
}

func (fs *frameBufferSet) CopyRange(src, dst int, kind BufferKind, r common.ByteRange) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	srcRep, err := fs.replica(src)
	if err != nil {
		return err
	}
	dstRep, err := fs.replica(dst)
	if err != nil {
		return err
	}
	if err := fs.checkRange(kind, r); err != nil {
		return err
	}
	if src == dst || r.Empty() {
		return nil
	}

	srcRep.mu.Lock()
	data := make([]byte, r.Size)
	copy(data, srcRep.arenas[kind][r.Offset:r.End()])
	srcRep.mu.Unlock()

	return fs.writeLocked(dst, dstRep, kind, r.Offset, data)
}

func (fs *frameBufferSet) Grow(kind BufferKind, newCapacity uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldCapacity := fs.capacities[kind]
	if newCapacity <= oldCapacity {
		return nil
	}

	// Phase 1: migrate host arenas in parallel. Each task owns exactly one replica.
	migrated := make([][]byte, len(fs.replicas))
	var wg sync.WaitGroup
	for i, rep := range fs.replicas {
		wg.Add(1)
		idx, repCap := i, rep
		fs.migrationPool.SubmitTask(worker.Task{
			ID: idx,
			Do: func() (any, error) {
				defer wg.Done()
				repCap.mu.Lock()
				defer repCap.mu.Unlock()
				next := make([]byte, newCapacity)
				copy(next, repCap.arenas[kind])
				migrated[idx] = next
				return nil, nil
			},
		})
	}
	wg.Wait()

	// Phase 2: allocate and fill backend storage for every replica on the calling goroutine, since GPU queues
	// are not shared across threads. Nothing is installed until every replica succeeded.
	natives := make([]any, 0, len(fs.replicas))
	for i := range fs.replicas {
		native, err := fs.backend.Allocate(i, kind, newCapacity, migrated[i][:oldCapacity])
		if err != nil {
			for _, staged := range natives {
				fs.backend.Discard(staged)
			}
			return fmt.Errorf("grow %s buffer for replica %d: %w", kind, i, err)
		}
		natives = append(natives, native)
	}

	// Phase 3: commit.
	for i, rep := range fs.replicas {
		rep.mu.Lock()
		fs.backend.Install(i, kind, natives[i])
		rep.arenas[kind] = migrated[i]
		rep.native[kind] = natives[i]
		rep.mu.Unlock()
	}
	fs.capacities[kind] = newCapacity
	fs.generation++

	fs.logger.Info("frame buffer grown",
		zap.Stringer("kind", kind),
		zap.Uint64("from", oldCapacity),
		zap.Uint64("to", newCapacity),
		zap.Int("replicas", len(fs.replicas)),
	)
	return nil
}

func (fs *frameBufferSet) MarkInFlight(replica int) error {
	return fs.setInFlight(replica, true)
}

func (fs *frameBufferSet) Retire(replica int) error {
	return fs.setInFlight(replica, false)
}

func (fs *frameBufferSet) InFlight(replica int) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	rep, err := fs.replica(replica)
	if err != nil {
		return false
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	return rep.inFlight
}

func (fs *frameBufferSet) Bindings(replica int) (ResourceBindings, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rep, err := fs.replica(replica)
	if err != nil {
		return ResourceBindings{}, err
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	handle := func(kind BufferKind) BufferHandle {
		return BufferHandle{Replica: replica, Kind: kind, Capacity: fs.capacities[kind], Native: rep.native[kind]}
	}
	return ResourceBindings{
		Replica:   replica,
		Vertex:    handle(BufferKindVertex),
		Transform: handle(BufferKindTransform),
		Camera:    handle(BufferKindCamera),
		Instance:  handle(BufferKindInstance),
	}, nil
}

func (fs *frameBufferSet) Generation() uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.generation
}

func (fs *frameBufferSet) Backend() Backend {
	return fs.backend
}

func (fs *frameBufferSet) Release() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.backend.Release()
	fs.migrationPool.Stop()
}

// replica returns the replica at index i. Caller must hold fs.mu.
func (fs *frameBufferSet) replica(i int) (*replica, error) {
	if i < 0 || i >= len(fs.replicas) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrReplicaOutOfRange, i, len(fs.replicas))
	}
	return fs.replicas[i], nil
}

// checkRange validates r against the capacity of kind. Caller must hold fs.mu.
func (fs *frameBufferSet) checkRange(kind BufferKind, r common.ByteRange) error {
	capacity, ok := fs.capacities[kind]
	if !ok {
		return fmt.Errorf("%w: unknown buffer kind %s", ErrRangeOutOfBounds, kind)
	}
	if r.End() > capacity || r.End() < r.Offset {
		return fmt.Errorf("%w: %s [%d, %d) exceeds capacity %d", ErrRangeOutOfBounds, kind, r.Offset, r.End(), capacity)
	}
	return nil
}

// writeLocked uploads data to the backend and then commits it to the host arena.
// Caller must hold fs.mu; the range must already be validated.
func (fs *frameBufferSet) writeLocked(index int, rep *replica, kind BufferKind, offset uint64, data []byte) error {
	if !rep.mu.TryLock() {
		return fmt.Errorf("%w: replica %d is locked", ErrBufferWriteFailed, index)
	}
	defer rep.mu.Unlock()

	if rep.inFlight {
		return fmt.Errorf("%w: replica %d is in flight", ErrBufferWriteFailed, index)
	}
	if len(data) == 0 {
		return nil
	}
	if err := fs.backend.Upload(index, kind, offset, data); err != nil {
		return fmt.Errorf("%w: %s upload to replica %d: %v", ErrBufferWriteFailed, kind, index, err)
	}
	copy(rep.arenas[kind][offset:], data)
	return nil
}

func (fs *frameBufferSet) setInFlight(replica int, inFlight bool) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	rep, err := fs.replica(replica)
	if err != nil {
		return err
	}
	rep.mu.Lock()
	rep.inFlight = inFlight
	rep.mu.Unlock()
	return nil
}
