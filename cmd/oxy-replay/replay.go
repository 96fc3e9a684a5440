package main

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-frames/engine"
	"github.com/Carmen-Shannon/oxy-frames/engine/camera"
	"github.com/Carmen-Shannon/oxy-frames/engine/game_object"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/Carmen-Shannon/oxy-frames/engine/sync_scheduler"
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
)

// Summary is the outcome of a replay.
type Summary struct {
	Scenario    string   `yaml:"scenario"`
	Propagation string   `yaml:"propagation"`
	Replicas    int      `yaml:"replicas"`
	Ticks       int      `yaml:"ticks"`
	SettleTicks int      `yaml:"settle_ticks"`
	Applied     int      `yaml:"applied"`
	Visited     int      `yaml:"visited"`
	Synced      int      `yaml:"synced"`
	Dropped     int      `yaml:"dropped"`
	Rebuilds    int      `yaml:"pipeline_rebuilds"`
	Entities    int      `yaml:"entities"`
	Meshes      int      `yaml:"meshes"`
	Draws       int      `yaml:"draws"`
	Instances   int      `yaml:"instances"`
	Converged   bool     `yaml:"converged"`
	Consistent  bool     `yaml:"consistent"`
	Errors      []string `yaml:"errors,omitempty"`
}

// OK reports whether every replica ended up identical with no propagation left in flight.
func (s Summary) OK() bool {
	return s.Converged && s.Consistent
}

type replayer struct {
	engine  engine.Engine
	logger  *zap.Logger
	meshes  map[string]mesh.Mesh
	objects map[uint64]game_object.GameObject
	// managed marks objects registered through the engine's object API.
	managed map[uint64]bool
	next    int
	summary Summary
}

// Replay runs a scenario against e, then keeps ticking the ring until every replica converged or the
// settle budget ran out.
func Replay(e engine.Engine, s *Scenario, logger *zap.Logger) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &replayer{
		engine:  e,
		logger:  logger,
		meshes:  make(map[string]mesh.Mesh, len(s.Meshes)),
		objects: make(map[uint64]game_object.GameObject),
		managed: make(map[uint64]bool),
		summary: Summary{
			Scenario:    s.Name,
			Propagation: e.Scheduler().Propagation().String(),
			Replicas:    e.ReplicaCount(),
		},
	}
	if s.built == nil {
		if err := s.resolveMeshes(); err != nil {
			return r.summary, err
		}
	}
	for name, m := range s.built {
		r.meshes[name] = m
	}
	e.Scheduler().OnPipelineRebuild(func(sync_scheduler.PipelineRebuildRequested) {
		r.summary.Rebuilds++
	})

	for i, tick := range s.Ticks {
		replica := r.next
		if tick.Replica != nil {
			replica = *tick.Replica
		}
		if replica >= e.ReplicaCount() {
			return r.summary, fmt.Errorf("%w: tick %d targets replica %d of %d", ErrInvalidScenario, i, replica, e.ReplicaCount())
		}
		if tick.Advance > 0 {
			r.advance(tick.Advance)
		}
		for _, ev := range tick.Events {
			if err := r.apply(ev); err != nil {
				r.fail(err)
			}
		}
		r.tick(replica)
		r.summary.Ticks++
	}

	settle := s.Settle
	if settle == 0 {
		settle = 4 * e.ReplicaCount()
	}
	for r.summary.SettleTicks < settle && !e.Scheduler().Converged() {
		r.tick(r.next)
		r.summary.SettleTicks++
	}

	r.summary.Converged = e.Scheduler().Converged()
	consistent, err := e.Scheduler().Consistent()
	if err != nil {
		r.fail(err)
	}
	r.summary.Consistent = consistent
	r.summary.Entities = len(e.Scheduler().Entities())
	r.summary.Meshes = len(e.Registry().Slots())
	return r.summary, nil
}

func (r *replayer) tick(replica int) {
	report := r.engine.Tick(replica)
	r.summary.Applied += report.Applied
	r.summary.Visited += report.Visited
	r.summary.Synced += report.Synced
	r.summary.Dropped += report.Dropped
	for _, err := range report.Errors {
		r.summary.Errors = append(r.summary.Errors, err.Error())
	}
	r.logger.Debug("tick", zap.Object("report", report))

	list, err := r.engine.DrawCommands(replica)
	if err != nil {
		r.fail(err)
	} else {
		r.summary.Draws = len(list.Draws)
		r.summary.Instances = len(list.InstanceSlots)
	}
	r.next = (replica + 1) % r.engine.ReplicaCount()
}

func (r *replayer) advance(dt float32) {
	for _, obj := range r.objects {
		obj.Advance(dt)
	}
	if _, err := r.engine.SyncObjects(); err != nil {
		r.fail(err)
	}
}

func (r *replayer) apply(ev EventSpec) error {
	timing := sync_scheduler.TimingDeferredNextFrame
	if ev.Timing == "immediate" {
		timing = sync_scheduler.TimingImmediate
	}

	switch {
	case ev.Add != nil:
		obj := game_object.NewGameObject(r.meshes[ev.Add.Mesh],
			game_object.WithID(ev.Add.ID),
			game_object.WithTransform(ev.Add.transform()),
			game_object.WithRotationSpeed(mgl32.Vec3{
				mgl32.DegToRad(ev.Add.RotationSpeed[0]),
				mgl32.DegToRad(ev.Add.RotationSpeed[1]),
				mgl32.DegToRad(ev.Add.RotationSpeed[2]),
			}),
		)
		if timing == sync_scheduler.TimingDeferredNextFrame {
			if _, err := r.engine.AddObject(obj); err != nil {
				return err
			}
			r.objects[ev.Add.ID] = obj
			r.managed[ev.Add.ID] = true
			return nil
		}
		if _, taken := r.objects[ev.Add.ID]; !taken {
			r.objects[ev.Add.ID] = obj
		}
		return r.engine.Submit(sync_scheduler.EntityAdded{ID: ev.Add.ID, Mesh: obj.Mesh(), Transform: obj.Transform()}, timing)

	case ev.Move != nil:
		t := ev.Move.transform()
		obj, ok := r.objects[ev.Move.ID]
		if ok {
			obj.SetTransform(t)
		}
		if ok && r.managed[ev.Move.ID] && timing == sync_scheduler.TimingDeferredNextFrame {
			return r.engine.MoveObject(obj)
		}
		if ok {
			obj.ClearDirty()
		}
		return r.engine.Submit(sync_scheduler.EntityTransformChanged{ID: ev.Move.ID, Transform: t}, timing)

	case len(ev.Batch) > 0:
		changes := make([]sync_scheduler.EntityTransformChanged, len(ev.Batch))
		for i, mv := range ev.Batch {
			changes[i] = sync_scheduler.EntityTransformChanged{ID: mv.ID, Transform: mv.transform()}
			if obj, ok := r.objects[mv.ID]; ok {
				obj.SetTransform(changes[i].Transform)
				obj.ClearDirty()
			}
		}
		return r.engine.Submit(sync_scheduler.EntitiesUpdated{Changes: changes}, timing)

	case ev.Camera != nil:
		vp := ev.Camera.viewProjection()
		if timing == sync_scheduler.TimingImmediate {
			return r.engine.Submit(sync_scheduler.ActiveSceneChanged{ViewProjection: vp}, timing)
		}
		return r.engine.SetCamera(vp)

	case ev.Resize != nil:
		r.engine.RequestPipelineRebuild(ev.Resize.Width, ev.Resize.Height)
		return nil
	}
	return ErrInvalidScenario
}

func (r *replayer) fail(err error) {
	r.summary.Errors = append(r.summary.Errors, err.Error())
	r.logger.Warn("replay event failed", zap.Error(err))
}

func (c CameraSpec) viewProjection() mgl32.Mat4 {
	options := []camera.CameraBuilderOption{
		camera.WithTarget(c.Target[0], c.Target[1], c.Target[2]),
		camera.WithOrbit(c.Radius, mgl32.DegToRad(c.Azimuth), mgl32.DegToRad(c.Elevation)),
	}
	if c.Radius == 0 {
		options[1] = camera.WithOrbit(20, mgl32.DegToRad(c.Azimuth), mgl32.DegToRad(c.Elevation))
	}
	if c.Fov > 0 {
		options = append(options, camera.WithFov(mgl32.DegToRad(c.Fov)))
	}
	if c.Aspect > 0 {
		options = append(options, camera.WithAspect(c.Aspect))
	}
	return camera.NewCamera(options...).ViewProjection()
}
