package game_object

import (
	"sync"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/go-gl/mathgl/mgl32"
)

// Identified is anything with a stable entity id.
type Identified interface {
	ID() uint64
}

// MeshOwner is anything that carries mesh geometry.
type MeshOwner interface {
	Mesh() mesh.Mesh
}

// TransformOwner is anything placed in world space.
type TransformOwner interface {
	Transform() common.Transform
}

// Drawable is the capability set the engine needs to register a renderable entity.
type Drawable interface {
	Identified
	MeshOwner
	TransformOwner
}

type gameObject struct {
	mu        *sync.RWMutex
	id        uint64
	enabled   atomic.Bool
	mesh      mesh.Mesh
	transform common.Transform

	// rotationSpeed is an angular velocity in radians per second about each axis, applied by Advance.
	rotationSpeed mgl32.Vec3
	// dirty is set by every transform mutation and cleared by ClearDirty.
	dirty bool
}

// GameObject is a concrete Drawable entity with a mutable transform.
// Mutations mark the object dirty so the owner knows to submit a transform change.
type GameObject interface {
	Drawable

	// Enabled returns whether this object should be registered for rendering.
	//
	// Returns:
	//   - bool: true if enabled
	Enabled() bool

	// SetEnabled sets whether the object should be registered for rendering.
	//
	// Parameters:
	//   - enabled: true to enable
	SetEnabled(enabled bool)

	// SetTransform replaces the whole transform.
	//
	// Parameters:
	//   - t: the new transform
	SetTransform(t common.Transform)

	// SetPosition updates the translation, preserving rotation and scale.
	//
	// Parameters:
	//   - x, y, z: new position components
	SetPosition(x, y, z float32)

	// SetRotation updates the rotation, preserving translation and scale.
	//
	// Parameters:
	//   - q: the new rotation quaternion
	SetRotation(q mgl32.Quat)

	// SetScale updates the scale, preserving translation and rotation.
	//
	// Parameters:
	//   - sx, sy, sz: new scale factors
	SetScale(sx, sy, sz float32)

	// RotationSpeed returns the angular velocity applied by Advance.
	//
	// Returns:
	//   - mgl32.Vec3: radians per second about X, Y and Z
	RotationSpeed() mgl32.Vec3

	// SetRotationSpeed sets the angular velocity applied by Advance.
	//
	// Parameters:
	//   - speed: radians per second about X, Y and Z
	SetRotationSpeed(speed mgl32.Vec3)

	// Advance integrates the rotation speed over dt seconds. A zero speed leaves the object clean.
	//
	// Parameters:
	//   - dt: elapsed time in seconds
	Advance(dt float32)

	// Dirty reports whether the transform changed since the last ClearDirty.
	//
	// Returns:
	//   - bool: true if the transform changed
	Dirty() bool

	// ClearDirty marks the current transform as submitted.
	ClearDirty()
}

var _ GameObject = &gameObject{}

// NewGameObject creates a new GameObject configured with the given options.
// Defaults to an enabled object with an identity transform.
//
// Parameters:
//   - m: the mesh the object draws
//   - options: functional options to configure the object
//
// Returns:
//   - GameObject: the newly created object
func NewGameObject(m mesh.Mesh, options ...GameObjectBuilderOption) GameObject {
	obj := &gameObject{
		mu:        &sync.RWMutex{},
		mesh:      m,
		transform: common.IdentityTransform(),
	}
	obj.enabled.Store(true)
	for _, option := range options {
		option(obj)
	}
	return obj
}

func (g *gameObject) ID() uint64 {
	return g.id
}

func (g *gameObject) Mesh() mesh.Mesh {
	return g.mesh
}

func (g *gameObject) Transform() common.Transform {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.transform
}

func (g *gameObject) Enabled() bool {
	return g.enabled.Load()
}

func (g *gameObject) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
}

func (g *gameObject) SetTransform(t common.Transform) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transform = t
	g.dirty = true
}

func (g *gameObject) SetPosition(x, y, z float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transform.Translation = mgl32.Vec3{x, y, z}
	g.dirty = true
}

func (g *gameObject) SetRotation(q mgl32.Quat) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transform.Rotation = q.Normalize()
	g.dirty = true
}

func (g *gameObject) SetScale(sx, sy, sz float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transform.Scale = mgl32.Vec3{sx, sy, sz}
	g.dirty = true
}

func (g *gameObject) RotationSpeed() mgl32.Vec3 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rotationSpeed
}

func (g *gameObject) SetRotationSpeed(speed mgl32.Vec3) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rotationSpeed = speed
}

func (g *gameObject) Advance(dt float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rotationSpeed == (mgl32.Vec3{}) || dt == 0 {
		return
	}
	step := g.rotationSpeed.Mul(dt)
	delta := mgl32.AnglesToQuat(step[0], step[1], step[2], mgl32.XYZ)
	g.transform.Rotation = delta.Mul(g.transform.Rotation).Normalize()
	g.dirty = true
}

func (g *gameObject) Dirty() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dirty
}

func (g *gameObject) ClearDirty() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty = false
}
