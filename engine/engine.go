package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-frames/engine/config"
	"github.com/Carmen-Shannon/oxy-frames/engine/game_object"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/Carmen-Shannon/oxy-frames/engine/profiler"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/command"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"github.com/Carmen-Shannon/oxy-frames/engine/sync_scheduler"
	"github.com/Carmen-Shannon/oxy-frames/engine/transform"
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
)

var (
	// ErrObjectDisabled is returned by AddObject for a disabled object.
	ErrObjectDisabled = errors.New("engine: object is disabled")
	// ErrDuplicateObject is returned by AddObject for an explicit id that is already in use.
	ErrDuplicateObject = errors.New("engine: object id already in use")
	// ErrUnknownObject is returned by MoveObject for an object never added.
	ErrUnknownObject = errors.New("engine: object was never added")
	// ErrNoPresenter is returned by Frame when the engine was built without a Presenter.
	ErrNoPresenter = errors.New("engine: no presenter")
)

// Presenter is the GPU side of the frame loop. The renderer package provides the WebGPU implementation.
type Presenter interface {
	// WaitReplica blocks until the GPU retired the replica's previous submission.
	WaitReplica(ctx context.Context, replica int) error
	// Draw records and submits the command list against its replica's buffers.
	Draw(list command.CommandList) error
	// Present shows the frame.
	Present()
}

// engine implements the Engine interface.
// Owns the replicated buffers and every component writing to them.
type engine struct {
	logger *zap.Logger

	buffers   frame_buffer.FrameBufferSet
	registry  mesh.MeshRegistry
	table     transform.TransformTable
	recorder  command.CommandRecorder
	scheduler sync_scheduler.SyncScheduler

	// Settings collected by the builder options and consumed when the components are constructed.
	bufferOptions    []frame_buffer.FrameBufferSetBuilderOption
	schedulerOptions []sync_scheduler.SyncSchedulerBuilderOption

	presenter Presenter

	objectsMu *sync.Mutex
	objects   map[uint64]game_object.GameObject
	nextID    uint64

	frame uint64

	profiler         *profiler.Profiler
	profilingEnabled bool

	engineTickRate   time.Duration
	tickCallback     func(deltaTime float32)
	renderFrameLimit time.Duration // minimum frame duration; 0 = uncapped

	quitChannel chan struct{}
	quitOnce    sync.Once
	wg          sync.WaitGroup
}

// Engine is the composition root of the replicated scene core.
// It wires the frame buffers, mesh registry, transform table, command recorder and sync scheduler,
// and drives them either one tick at a time or through Run's frame loop.
type Engine interface {
	// Submit queues an event on the scheduler.
	//
	// Parameters:
	//   - event: the event
	//   - timing: TimingImmediate or TimingDeferredNextFrame
	//
	// Returns:
	//   - error: sync_scheduler.ErrQueueFull or sync_scheduler.ErrUnknownEvent
	Submit(event sync_scheduler.Event, timing sync_scheduler.Timing) error

	// Tick runs one scheduler cycle on the replica that is now current.
	// The caller must have retired the replica first.
	//
	// Parameters:
	//   - replica: the current replica index
	//
	// Returns:
	//   - sync_scheduler.TickReport: what the tick did
	Tick(replica int) sync_scheduler.TickReport

	// DrawCommands builds the draw list for a replica.
	//
	// Parameters:
	//   - replica: the replica index
	//
	// Returns:
	//   - command.CommandList: draws and bindings
	//   - error: if the list cannot be built
	DrawCommands(replica int) (command.CommandList, error)

	// ResourceBindings returns the vertex, transform, camera and instance buffer handles of a replica.
	//
	// Parameters:
	//   - replica: the replica index
	//
	// Returns:
	//   - frame_buffer.ResourceBindings: the handles
	//   - error: frame_buffer.ErrReplicaOutOfRange
	ResourceBindings(replica int) (frame_buffer.ResourceBindings, error)

	// AddObject assigns the object an id if it has none and submits it for registration on the next tick.
	//
	// Parameters:
	//   - obj: the object to add
	//
	// Returns:
	//   - uint64: the entity id used
	//   - error: ErrObjectDisabled, ErrDuplicateObject or a submit error
	AddObject(obj game_object.GameObject) (uint64, error)

	// MoveObject submits the object's current transform.
	//
	// Parameters:
	//   - obj: a previously added object
	//
	// Returns:
	//   - error: ErrUnknownObject or a submit error
	MoveObject(obj game_object.GameObject) error

	// SyncObjects submits one batched transform change for every added object whose transform is dirty.
	//
	// Returns:
	//   - int: the number of objects submitted
	//   - error: a submit error
	SyncObjects() (int, error)

	// SetCamera submits a new view-projection matrix.
	//
	// Parameters:
	//   - viewProjection: the matrix
	//
	// Returns:
	//   - error: a submit error
	SetCamera(viewProjection mgl32.Mat4) error

	// RequestPipelineRebuild resolves a pipeline rebuild immediately, invalidating every cached draw list.
	//
	// Parameters:
	//   - width, height: the new surface size
	RequestPipelineRebuild(width, height uint32)

	// Frame runs one presented frame: wait for the replica, tick, build, submit and present.
	// Requires a Presenter.
	//
	// Parameters:
	//   - ctx: cancels the replica wait
	//
	// Returns:
	//   - sync_scheduler.TickReport: the tick's report
	//   - error: a wait, build or draw error
	Frame(ctx context.Context) (sync_scheduler.TickReport, error)

	// Run starts the tick callback loop in its own goroutine and runs frames until ctx is done or Quit is called.
	//
	// Parameters:
	//   - ctx: stops the loops when done
	//
	// Returns:
	//   - error: the first frame error that is not a context error
	Run(ctx context.Context) error

	// Quit signals Run to return. Safe to call multiple times.
	Quit()

	// ReplicaCount returns the number of replicas.
	ReplicaCount() int

	// Scheduler returns the sync scheduler.
	Scheduler() sync_scheduler.SyncScheduler

	// FrameBuffers returns the replicated frame buffers.
	FrameBuffers() frame_buffer.FrameBufferSet

	// Registry returns the mesh registry.
	Registry() mesh.MeshRegistry

	// Transforms returns the transform table.
	Transforms() transform.TransformTable

	// Release frees the buffers and their backend.
	Release()
}

var _ Engine = &engine{}

// NewEngine creates a new Engine with the provided options.
// Defaults to three replicas on the host backend with ring propagation.
//
// Parameters:
//   - options: functional options for engine configuration
//
// Returns:
//   - Engine: the newly created engine
//   - error: if the frame buffers cannot be allocated
func NewEngine(options ...EngineBuilderOption) (Engine, error) {
	e := &engine{
		logger:         zap.NewNop(),
		objectsMu:      &sync.Mutex{},
		objects:        make(map[uint64]game_object.GameObject),
		nextID:         1,
		engineTickRate: time.Second / 60,
		quitChannel:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(e)
	}
	if e.profiler == nil {
		e.profiler = profiler.NewProfiler(profiler.WithLogger(e.logger))
	}

	bufferOptions := append([]frame_buffer.FrameBufferSetBuilderOption{frame_buffer.WithLogger(e.logger)}, e.bufferOptions...)
	buffers, err := frame_buffer.NewFrameBufferSet(bufferOptions...)
	if err != nil {
		return nil, fmt.Errorf("create frame buffers: %w", err)
	}
	e.buffers = buffers
	e.registry = mesh.NewMeshRegistry(buffers, mesh.WithLogger(e.logger))
	e.table = transform.NewTransformTable(buffers, transform.WithLogger(e.logger))
	e.recorder = command.NewCommandRecorder(e.registry, buffers, command.WithLogger(e.logger))

	schedulerOptions := append([]sync_scheduler.SyncSchedulerBuilderOption{sync_scheduler.WithLogger(e.logger)}, e.schedulerOptions...)
	e.scheduler = sync_scheduler.NewSyncScheduler(buffers, e.registry, e.table, e.recorder, schedulerOptions...)
	return e, nil
}

// NewEngineFromConfig creates an Engine from a loaded configuration.
//
// Parameters:
//   - cfg: the configuration
//   - backend: the frame buffer backend, nil for the host backend
//   - logger: the logger, nil for no logging
//   - options: further options applied after the configuration
//
// Returns:
//   - Engine: the newly created engine
//   - error: if the configuration is invalid or the buffers cannot be allocated
func NewEngineFromConfig(cfg *config.Config, backend frame_buffer.Backend, logger *zap.Logger, options ...EngineBuilderOption) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	propagation, err := sync_scheduler.ParsePropagation(cfg.Scheduler.Propagation)
	if err != nil {
		return nil, err
	}
	base := []EngineBuilderOption{
		WithLogger(logger),
		WithReplicaCount(cfg.Replicas.Count),
		WithMaxVertices(int(cfg.Buffers.MaxVertices)),
		WithMaxEntities(int(cfg.Buffers.MaxEntities)),
		WithPropagation(propagation),
		WithMaxPending(cfg.Scheduler.MaxPending),
		WithAutoGrow(cfg.Scheduler.AutoGrow, cfg.Scheduler.GrowFactor),
	}
	if backend != nil {
		base = append(base, WithBackend(backend))
	}
	return NewEngine(append(base, options...)...)
}

func (e *engine) Submit(event sync_scheduler.Event, timing sync_scheduler.Timing) error {
	return e.scheduler.Submit(event, timing)
}

func (e *engine) Tick(replica int) sync_scheduler.TickReport {
	return e.scheduler.Tick(replica)
}

func (e *engine) DrawCommands(replica int) (command.CommandList, error) {
	return e.recorder.Build(replica)
}

func (e *engine) ResourceBindings(replica int) (frame_buffer.ResourceBindings, error) {
	return e.buffers.Bindings(replica)
}

func (e *engine) AddObject(obj game_object.GameObject) (uint64, error) {
	if !obj.Enabled() {
		return 0, ErrObjectDisabled
	}

	// Held across Submit so the id stays reserved and no batch update can be queued ahead of the add.
	e.objectsMu.Lock()
	defer e.objectsMu.Unlock()

	id := obj.ID()
	if id == 0 {
		for {
			if _, taken := e.objects[e.nextID]; !taken {
				break
			}
			e.nextID++
		}
		id = e.nextID
		e.nextID++
	} else if _, taken := e.objects[id]; taken {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateObject, id)
	}

	err := e.scheduler.Submit(sync_scheduler.EntityAdded{
		ID:        id,
		Mesh:      obj.Mesh(),
		Transform: obj.Transform(),
	}, sync_scheduler.TimingDeferredNextFrame)
	if err != nil {
		return 0, err
	}
	e.objects[id] = obj
	obj.ClearDirty()
	return id, nil
}

func (e *engine) MoveObject(obj game_object.GameObject) error {
	id, ok := e.objectID(obj)
	if !ok {
		return ErrUnknownObject
	}
	err := e.scheduler.Submit(sync_scheduler.EntityTransformChanged{
		ID:        id,
		Transform: obj.Transform(),
	}, sync_scheduler.TimingDeferredNextFrame)
	if err != nil {
		return err
	}
	obj.ClearDirty()
	return nil
}

func (e *engine) SyncObjects() (int, error) {
	e.objectsMu.Lock()
	var moved []game_object.GameObject
	var changes []sync_scheduler.EntityTransformChanged
	for id, obj := range e.objects {
		if !obj.Dirty() {
			continue
		}
		moved = append(moved, obj)
		changes = append(changes, sync_scheduler.EntityTransformChanged{ID: id, Transform: obj.Transform()})
	}
	e.objectsMu.Unlock()

	if len(changes) == 0 {
		return 0, nil
	}
	if err := e.scheduler.Submit(sync_scheduler.EntitiesUpdated{Changes: changes}, sync_scheduler.TimingDeferredNextFrame); err != nil {
		return 0, err
	}
	for _, obj := range moved {
		obj.ClearDirty()
	}
	return len(changes), nil
}

func (e *engine) SetCamera(viewProjection mgl32.Mat4) error {
	return e.scheduler.Submit(sync_scheduler.ActiveSceneChanged{ViewProjection: viewProjection}, sync_scheduler.TimingDeferredNextFrame)
}

func (e *engine) RequestPipelineRebuild(width, height uint32) {
	ev := sync_scheduler.PipelineRebuildRequested{Width: width, Height: height}
	if err := e.scheduler.Submit(ev, sync_scheduler.TimingImmediate); err != nil {
		e.logger.Warn("pipeline rebuild request rejected", zap.Uint32("width", width), zap.Uint32("height", height), zap.Error(err))
	}
}

func (e *engine) Frame(ctx context.Context) (sync_scheduler.TickReport, error) {
	if e.presenter == nil {
		return sync_scheduler.TickReport{}, ErrNoPresenter
	}
	replica := int(e.frame % uint64(e.buffers.ReplicaCount()))

	if err := e.presenter.WaitReplica(ctx, replica); err != nil {
		return sync_scheduler.TickReport{Replica: replica}, fmt.Errorf("wait replica %d: %w", replica, err)
	}
	if err := e.buffers.Retire(replica); err != nil {
		return sync_scheduler.TickReport{Replica: replica}, err
	}

	report := e.scheduler.Tick(replica)

	list, err := e.recorder.Build(replica)
	if err != nil {
		return report, fmt.Errorf("build replica %d: %w", replica, err)
	}
	if err := e.buffers.MarkInFlight(replica); err != nil {
		return report, err
	}
	if err := e.presenter.Draw(list); err != nil {
		return report, fmt.Errorf("draw replica %d: %w", replica, err)
	}
	e.presenter.Present()
	e.frame++

	if e.profilingEnabled {
		e.profiler.Tick(report)
	}
	return report, nil
}

func (e *engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.quitChannel:
			cancel()
		case <-ctx.Done():
		}
	}()

	e.wg.Add(1)
	go e.handleEngine(ctx)
	defer e.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		start := time.Now()
		if _, err := e.Frame(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("frame failed", zap.Error(err))
			cancel()
			return err
		}

		if e.renderFrameLimit > 0 {
			if remaining := e.renderFrameLimit - time.Since(start); remaining > 0 {
				time.Sleep(remaining)
			}
		}
	}
}

// handleEngine runs the fixed-rate tick callback loop until ctx is done.
func (e *engine) handleEngine(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.engineTickRate)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			dt := float32(now.Sub(lastTick).Seconds())
			lastTick = now

			if e.tickCallback != nil {
				e.tickCallback(dt)
			}
		}
	}
}

func (e *engine) Quit() {
	e.quitOnce.Do(func() {
		close(e.quitChannel)
	})
}

func (e *engine) ReplicaCount() int {
	return e.buffers.ReplicaCount()
}

func (e *engine) Scheduler() sync_scheduler.SyncScheduler {
	return e.scheduler
}

func (e *engine) FrameBuffers() frame_buffer.FrameBufferSet {
	return e.buffers
}

func (e *engine) Registry() mesh.MeshRegistry {
	return e.registry
}

func (e *engine) Transforms() transform.TransformTable {
	return e.table
}

func (e *engine) Release() {
	e.buffers.Release()
}

func (e *engine) objectID(obj game_object.GameObject) (uint64, bool) {
	e.objectsMu.Lock()
	defer e.objectsMu.Unlock()
	if id := obj.ID(); id != 0 {
		o, ok := e.objects[id]
		return id, ok && o == obj
	}
	for id, o := range e.objects {
		if o == obj {
			return id, true
		}
	}
	return 0, false
}
